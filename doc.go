// Copyright czrpc-go authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package czrpc is a TCP RPC framework offering three interaction styles over
// one wire protocol: synchronous request/response (SyncClient), asynchronous
// request/response with call-id correlated callbacks (AsyncClient), and
// topic-based publish/subscribe (Publisher, Subscriber).
//
// Semantics and design:
//   - Framing: every frame is length-prefixed and tagged with a textual
//     protocol/topic name and an optional protobuf message name; see package
//     wire for the exact byte layout.
//   - Connections: one Conn per socket, a single writer goroutine draining a
//     FIFO send queue, and a read loop that hands decoded frames to a router
//     callback before starting its next read (pipelined reads).
//   - Servers bind handlers by protocol name, dispatch on a bounded worker
//     pool, and maintain a topic table for pub/sub fanout.
//   - Clients correlate asynchronous calls by a monotonically increasing
//     call id and sweep outstanding calls on a fixed interval to enforce
//     per-call timeouts the server itself does not enforce.
package czrpc
