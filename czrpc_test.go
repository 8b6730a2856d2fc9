package czrpc_test

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chx-czrpc/czrpc-go"
	"github.com/chx-czrpc/czrpc-go/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startEchoServer(t *testing.T, addr string) *czrpc.Server {
	t.Helper()
	srv := czrpc.NewServer(czrpc.WithListen(addr), czrpc.WithWorkThreads(4))
	srv.Router().Bind("echo", func(req czrpc.Request, resp *czrpc.Response) {
		_ = resp.Set(req.Message)
	})
	srv.Router().BindRaw("echo", func(req czrpc.Request, resp *czrpc.Response) {
		_ = resp.SetRaw(req.Raw)
	})
	require.NoError(t, srv.Serve())
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestSyncCallTypedEcho(t *testing.T) {
	addr := freeAddr(t)
	startEchoServer(t, addr)

	client := czrpc.NewSyncClient(czrpc.WithEndpoint(addr))
	defer client.Close()

	reply, err := client.Call("echo", wrapperspb.String("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.(*wrapperspb.StringValue).GetValue())
}

func TestSyncCallRawEcho(t *testing.T) {
	addr := freeAddr(t)
	startEchoServer(t, addr)

	client := czrpc.NewSyncClient(czrpc.WithEndpoint(addr))
	defer client.Close()

	reply, err := client.CallRaw("echo", []byte("raw-bytes"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-bytes"), reply)
}

func TestSyncCallRouteFailed(t *testing.T) {
	addr := freeAddr(t)
	startEchoServer(t, addr)

	client := czrpc.NewSyncClient(czrpc.WithEndpoint(addr))
	defer client.Close()

	_, err := client.Call("no-such-protocol", wrapperspb.String("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, czrpc.ErrRouteFailed)
}

func TestSyncCallRequestTimeout(t *testing.T) {
	addr := freeAddr(t)
	srv := czrpc.NewServer(czrpc.WithListen(addr))
	srv.Router().Bind("slow", func(req czrpc.Request, resp *czrpc.Response) {
		time.Sleep(200 * time.Millisecond)
		_ = resp.Set(req.Message)
	})
	require.NoError(t, srv.Serve())
	t.Cleanup(func() { _ = srv.Close() })

	client := czrpc.NewSyncClient(czrpc.WithEndpoint(addr), czrpc.WithRequestTimeout(20*time.Millisecond))
	defer client.Close()

	_, err := client.Call("slow", wrapperspb.String("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, czrpc.ErrRequestTimeout)
}

func TestAsyncCallConcurrentCompletion(t *testing.T) {
	addr := freeAddr(t)
	startEchoServer(t, addr)

	client := czrpc.NewAsyncClient(czrpc.WithEndpoint(addr))
	defer client.Close()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]string, n)
	for i := 0; i < n; i++ {
		i := i
		client.AsyncCall("echo", wrapperspb.String(fmt.Sprintf("msg-%d", i)), func(res czrpc.AsyncResult) {
			defer wg.Done()
			if res.Err == nil {
				results[i] = res.Message.(*wrapperspb.StringValue).GetValue()
			}
		})
	}
	waitTimeout(t, &wg, 2*time.Second)

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), results[i])
	}
}

func TestAsyncCallTimeoutFiresExactlyOnce(t *testing.T) {
	addr := freeAddr(t)
	srv := czrpc.NewServer(czrpc.WithListen(addr))
	srv.Router().Bind("blackhole", func(req czrpc.Request, resp *czrpc.Response) {
		// never responds
	})
	require.NoError(t, srv.Serve())
	t.Cleanup(func() { _ = srv.Close() })

	client := czrpc.NewAsyncClient(
		czrpc.WithEndpoint(addr),
		czrpc.WithRequestTimeout(30*time.Millisecond),
	)
	defer client.Close()

	var fired int32
	var wg sync.WaitGroup
	wg.Add(1)
	client.AsyncCall("blackhole", wrapperspb.String("x"), func(res czrpc.AsyncResult) {
		defer wg.Done()
		fired++
		assert.ErrorIs(t, res.Err, czrpc.ErrRequestTimeout)
	})
	waitTimeout(t, &wg, 2*time.Second)
	time.Sleep(100 * time.Millisecond) // give any duplicate fire a chance to show up
	assert.EqualValues(t, 1, fired)
}

func TestPublishSubscribeFanout(t *testing.T) {
	addr := freeAddr(t)
	startEchoServer(t, addr)

	sub := czrpc.NewSubscriber(czrpc.WithEndpoint(addr))
	defer sub.Close()

	received := make(chan string, 1)
	sub.Subscribe("news", func(topic string, msg czrpc.Message) {
		received <- msg.(*wrapperspb.StringValue).GetValue()
	})

	waitForState(t, sub, 2*time.Second)

	pub := czrpc.NewPublisher(czrpc.WithEndpoint(addr))
	defer pub.Close()

	require.Eventually(t, func() bool {
		return pub.Publish("news", wrapperspb.String("breaking")) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case got := <-received:
		assert.Equal(t, "breaking", got)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published message in time")
	}
}

func TestHeartbeatTimeoutDisconnectsIdleSubscriber(t *testing.T) {
	addr := freeAddr(t)
	srv := czrpc.NewServer(czrpc.WithListen(addr), czrpc.WithHeartbeatTimeout(100*time.Millisecond))
	require.NoError(t, srv.Serve())
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(wire.EncodeRequest(wire.NewSubscribeControl("news", true)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := conn.Read(make([]byte, 1))
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		return err != nil
	}, 3*time.Second, 50*time.Millisecond, "idle subscriber should be disconnected by the sweep")
}

func TestPublishFanoutNotBlockedBySlowSubscriber(t *testing.T) {
	addr := freeAddr(t)
	startEchoServer(t, addr)

	// A subscriber that never reads: its kernel socket buffer, and then this
	// connection's own unbounded send queue, absorb the backlog instead of
	// the publish fanout stalling on it.
	slow, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer slow.Close()
	_, err = slow.Write(wire.EncodeRequest(wire.NewSubscribeControl("news", true)))
	require.NoError(t, err)

	fastSub := czrpc.NewSubscriber(czrpc.WithEndpoint(addr))
	defer fastSub.Close()
	received := make(chan string, 64)
	fastSub.Subscribe("news", func(topic string, msg czrpc.Message) {
		received <- msg.(*wrapperspb.StringValue).GetValue()
	})
	waitForState(t, fastSub, 2*time.Second)

	pub := czrpc.NewPublisher(czrpc.WithEndpoint(addr))
	defer pub.Close()

	big := strings.Repeat("x", 64*1024)
	const n = 50
	for i := 0; i < n; i++ {
		require.Eventually(t, func() bool {
			return pub.Publish("news", wrapperspb.String(big)) == nil
		}, time.Second, 5*time.Millisecond)
	}

	for i := 0; i < n; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber stalled behind a slow one (received %d/%d)", i, n)
		}
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for callbacks")
	}
}

func waitForState(t *testing.T, sub *czrpc.Subscriber, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if sub.State() == 1 { // subStateReading; exported numerically via State()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscriber never reached reading state")
}
