// Package wire implements the czrpc framing layer: encoding and decoding of
// the four frame types exchanged between clients and servers, exposed via
// plain byte slices, plus Read* helpers that read one whole frame from an
// io.Reader. The caller (czrpc.Conn) owns the socket itself.
//
// Every length field is a little-endian unsigned 32-bit integer, packed with
// no padding, following the layouts in the protocol's external interface
// description.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxBuffer is the maximum declared content size, in bytes, of a single
// frame: everything after the fixed header, including the 4-byte call id of
// request and response frames. A declared length beyond this is rejected
// without being read into memory.
const MaxBuffer = 20 * 1024 * 1024

// Mode selects how a frame's body is interpreted.
type Mode uint32

const (
	ModeSerialize    Mode = 0
	ModeNonSerialize Mode = 1
)

func (m Mode) String() string {
	if m == ModeNonSerialize {
		return "non_serialize"
	}
	return "serialize"
}

// Kind identifies the role the sender of a request frame is playing.
type Kind uint32

const (
	KindRPC      Kind = 0
	KindAsyncRPC Kind = 1
	KindPub      Kind = 2
	KindSub      Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRPC:
		return "rpc"
	case KindAsyncRPC:
		return "async_rpc"
	case KindPub:
		return "pub"
	case KindSub:
		return "sub"
	default:
		return "unknown"
	}
}

// Code is the result code carried on a response frame.
type Code int32

const (
	CodeOK             Code = 0
	CodeRouteFailed    Code = 1
	CodeRequestTimeout Code = 2
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeRouteFailed:
		return "route_failed"
	case CodeRequestTimeout:
		return "request_timeout"
	default:
		return "unknown"
	}
}

// ErrTooLarge is returned by the Decode*Header and Read* functions when a
// frame's declared content length exceeds MaxBuffer. The Read* functions
// return it after reading only the header, so the declared content is left
// unread on the stream; czrpc.Conn treats it as fatal and disconnects.
var ErrTooLarge = errors.New("wire: declared frame length exceeds MaxBuffer")

// ErrShortHeader is returned when fewer than the expected number of header
// bytes are available to Decode*Header.
var ErrShortHeader = errors.New("wire: short header")

const (
	requestHeaderLen  = 4 + 4 + 4 + 4 + 4 // protocol_len, message_name_len, body_len, mode, kind
	responseHeaderLen = 4 + 4 + 4         // message_name_len, body_len, code
	pushHeaderLen     = 4 + 4 + 4 + 4     // protocol_len, message_name_len, body_len, mode
)

// RequestHeaderLen, ResponseHeaderLen and PushHeaderLen report the fixed
// on-wire size of each frame's header, in bytes. Callers that read frames
// themselves (SyncClient uses ResponseHeaderLen) size their initial header
// read with these before learning the variable-length content size.
const (
	RequestHeaderLen  = requestHeaderLen
	ResponseHeaderLen = responseHeaderLen
	PushHeaderLen     = pushHeaderLen
)

// RequestFrame is a client -> server frame: either an rpc/async_rpc call, a
// publish, or a subscribe-control frame (kind == KindSub).
type RequestFrame struct {
	Mode        Mode
	Kind        Kind
	CallID      uint32
	Protocol    string // handler name, or topic name for pub/sub
	MessageName string // protobuf fully-qualified type name, or empty
	Body        []byte
}

// RequestHeader reports the lengths that precede a RequestFrame's content on
// the wire.
type RequestHeader struct {
	ProtocolLen    uint32
	MessageNameLen uint32
	BodyLen        uint32
	Mode           Mode
	Kind           Kind
}

// ContentLen returns the total number of content bytes this header
// describes: call_id + protocol + message_name + body.
func (h RequestHeader) ContentLen() uint64 {
	return 4 + uint64(h.ProtocolLen) + uint64(h.MessageNameLen) + uint64(h.BodyLen)
}

// DecodeRequestHeader parses a fixed-size request header.
func DecodeRequestHeader(b []byte) (RequestHeader, error) {
	if len(b) < requestHeaderLen {
		return RequestHeader{}, ErrShortHeader
	}
	h := RequestHeader{
		ProtocolLen:    binary.LittleEndian.Uint32(b[0:4]),
		MessageNameLen: binary.LittleEndian.Uint32(b[4:8]),
		BodyLen:        binary.LittleEndian.Uint32(b[8:12]),
		Mode:           Mode(binary.LittleEndian.Uint32(b[12:16])),
		Kind:           Kind(binary.LittleEndian.Uint32(b[16:20])),
	}
	if h.ContentLen() > MaxBuffer {
		return RequestHeader{}, ErrTooLarge
	}
	return h, nil
}

// EncodeRequestHeader writes h's 20-byte wire form into b, which must be at
// least RequestHeaderLen bytes long.
func EncodeRequestHeader(b []byte, h RequestHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.ProtocolLen)
	binary.LittleEndian.PutUint32(b[4:8], h.MessageNameLen)
	binary.LittleEndian.PutUint32(b[8:12], h.BodyLen)
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Mode))
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.Kind))
}

// DecodeRequestContent parses the content that follows a RequestHeader, as
// described by h.ContentLen() bytes in b.
func DecodeRequestContent(h RequestHeader, b []byte) (RequestFrame, error) {
	if uint64(len(b)) < h.ContentLen() {
		return RequestFrame{}, ErrShortHeader
	}
	off := 0
	callID := binary.LittleEndian.Uint32(b[off:])
	off += 4
	protocol := string(b[off : off+int(h.ProtocolLen)])
	off += int(h.ProtocolLen)
	messageName := string(b[off : off+int(h.MessageNameLen)])
	off += int(h.MessageNameLen)
	body := b[off : off+int(h.BodyLen)]
	return RequestFrame{
		Mode:        h.Mode,
		Kind:        h.Kind,
		CallID:      callID,
		Protocol:    protocol,
		MessageName: messageName,
		Body:        body,
	}, nil
}

// EncodeRequest serializes a complete request frame (header + content).
func EncodeRequest(fr RequestFrame) []byte {
	h := RequestHeader{
		ProtocolLen:    uint32(len(fr.Protocol)),
		MessageNameLen: uint32(len(fr.MessageName)),
		BodyLen:        uint32(len(fr.Body)),
		Mode:           fr.Mode,
		Kind:           fr.Kind,
	}
	buf := make([]byte, requestHeaderLen+int(h.ContentLen()))
	EncodeRequestHeader(buf, h)
	off := requestHeaderLen
	binary.LittleEndian.PutUint32(buf[off:], fr.CallID)
	off += 4
	off += copy(buf[off:], fr.Protocol)
	off += copy(buf[off:], fr.MessageName)
	copy(buf[off:], fr.Body)
	return buf
}

// EncodeRequestParts serializes fr as separate header and content buffers,
// for callers that want to hand both to a vectorised writer instead of
// paying for one extra copy into a single contiguous buffer.
func EncodeRequestParts(fr RequestFrame) (header, content []byte) {
	h := RequestHeader{
		ProtocolLen:    uint32(len(fr.Protocol)),
		MessageNameLen: uint32(len(fr.MessageName)),
		BodyLen:        uint32(len(fr.Body)),
		Mode:           fr.Mode,
		Kind:           fr.Kind,
	}
	header = make([]byte, requestHeaderLen)
	EncodeRequestHeader(header, h)
	content = make([]byte, h.ContentLen())
	off := 0
	binary.LittleEndian.PutUint32(content[off:], fr.CallID)
	off += 4
	off += copy(content[off:], fr.Protocol)
	off += copy(content[off:], fr.MessageName)
	copy(content[off:], fr.Body)
	return header, content
}

// DecodeRequest decodes a full request frame (header + content) from b.
func DecodeRequest(b []byte) (RequestFrame, error) {
	h, err := DecodeRequestHeader(b)
	if err != nil {
		return RequestFrame{}, err
	}
	return DecodeRequestContent(h, b[requestHeaderLen:])
}

// ResponseFrame is a server -> client reply to an rpc/async_rpc request.
type ResponseFrame struct {
	Code        Code
	CallID      uint32
	MessageName string
	Body        []byte
}

// ResponseHeader reports the lengths that precede a ResponseFrame's content.
type ResponseHeader struct {
	MessageNameLen uint32
	BodyLen        uint32
	Code           Code
}

func (h ResponseHeader) ContentLen() uint64 {
	return 4 + uint64(h.MessageNameLen) + uint64(h.BodyLen)
}

// DecodeResponseHeader parses a fixed-size response header.
func DecodeResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) < responseHeaderLen {
		return ResponseHeader{}, ErrShortHeader
	}
	h := ResponseHeader{
		MessageNameLen: binary.LittleEndian.Uint32(b[0:4]),
		BodyLen:        binary.LittleEndian.Uint32(b[4:8]),
		Code:           Code(int32(binary.LittleEndian.Uint32(b[8:12]))),
	}
	if h.ContentLen() > MaxBuffer {
		return ResponseHeader{}, ErrTooLarge
	}
	return h, nil
}

// EncodeResponseHeader writes h's 12-byte wire form into b.
func EncodeResponseHeader(b []byte, h ResponseHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.MessageNameLen)
	binary.LittleEndian.PutUint32(b[4:8], h.BodyLen)
	binary.LittleEndian.PutUint32(b[8:12], uint32(int32(h.Code)))
}

// DecodeResponseContent parses the content that follows a ResponseHeader.
func DecodeResponseContent(h ResponseHeader, b []byte) (ResponseFrame, error) {
	if uint64(len(b)) < h.ContentLen() {
		return ResponseFrame{}, ErrShortHeader
	}
	off := 0
	callID := binary.LittleEndian.Uint32(b[off:])
	off += 4
	messageName := string(b[off : off+int(h.MessageNameLen)])
	off += int(h.MessageNameLen)
	body := b[off : off+int(h.BodyLen)]
	return ResponseFrame{
		Code:        h.Code,
		CallID:      callID,
		MessageName: messageName,
		Body:        body,
	}, nil
}

// EncodeResponse serializes a complete response frame.
func EncodeResponse(fr ResponseFrame) []byte {
	h := ResponseHeader{
		MessageNameLen: uint32(len(fr.MessageName)),
		BodyLen:        uint32(len(fr.Body)),
		Code:           fr.Code,
	}
	buf := make([]byte, responseHeaderLen+int(h.ContentLen()))
	EncodeResponseHeader(buf, h)
	off := responseHeaderLen
	binary.LittleEndian.PutUint32(buf[off:], fr.CallID)
	off += 4
	off += copy(buf[off:], fr.MessageName)
	copy(buf[off:], fr.Body)
	return buf
}

// EncodeResponseParts serializes fr as separate header and content buffers.
func EncodeResponseParts(fr ResponseFrame) (header, content []byte) {
	h := ResponseHeader{
		MessageNameLen: uint32(len(fr.MessageName)),
		BodyLen:        uint32(len(fr.Body)),
		Code:           fr.Code,
	}
	header = make([]byte, responseHeaderLen)
	EncodeResponseHeader(header, h)
	content = make([]byte, h.ContentLen())
	off := 0
	binary.LittleEndian.PutUint32(content[off:], fr.CallID)
	off += 4
	off += copy(content[off:], fr.MessageName)
	copy(content[off:], fr.Body)
	return header, content
}

// DecodeResponse decodes a full response frame from b.
func DecodeResponse(b []byte) (ResponseFrame, error) {
	h, err := DecodeResponseHeader(b)
	if err != nil {
		return ResponseFrame{}, err
	}
	return DecodeResponseContent(h, b[responseHeaderLen:])
}

// PushFrame is a server -> subscriber topic delivery.
type PushFrame struct {
	Mode        Mode
	Topic       string
	MessageName string
	Body        []byte
}

// PushHeader reports the lengths that precede a PushFrame's content.
type PushHeader struct {
	ProtocolLen    uint32
	MessageNameLen uint32
	BodyLen        uint32
	Mode           Mode
}

func (h PushHeader) ContentLen() uint64 {
	return uint64(h.ProtocolLen) + uint64(h.MessageNameLen) + uint64(h.BodyLen)
}

// DecodePushHeader parses a fixed-size push header.
func DecodePushHeader(b []byte) (PushHeader, error) {
	if len(b) < pushHeaderLen {
		return PushHeader{}, ErrShortHeader
	}
	h := PushHeader{
		ProtocolLen:    binary.LittleEndian.Uint32(b[0:4]),
		MessageNameLen: binary.LittleEndian.Uint32(b[4:8]),
		BodyLen:        binary.LittleEndian.Uint32(b[8:12]),
		Mode:           Mode(binary.LittleEndian.Uint32(b[12:16])),
	}
	if h.ContentLen() > MaxBuffer {
		return PushHeader{}, ErrTooLarge
	}
	return h, nil
}

// EncodePushHeader writes h's 16-byte wire form into b.
func EncodePushHeader(b []byte, h PushHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.ProtocolLen)
	binary.LittleEndian.PutUint32(b[4:8], h.MessageNameLen)
	binary.LittleEndian.PutUint32(b[8:12], h.BodyLen)
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Mode))
}

// DecodePushContent parses the content that follows a PushHeader.
func DecodePushContent(h PushHeader, b []byte) (PushFrame, error) {
	if uint64(len(b)) < h.ContentLen() {
		return PushFrame{}, ErrShortHeader
	}
	off := 0
	topic := string(b[off : off+int(h.ProtocolLen)])
	off += int(h.ProtocolLen)
	messageName := string(b[off : off+int(h.MessageNameLen)])
	off += int(h.MessageNameLen)
	body := b[off : off+int(h.BodyLen)]
	return PushFrame{
		Mode:        h.Mode,
		Topic:       topic,
		MessageName: messageName,
		Body:        body,
	}, nil
}

// EncodePush serializes a complete push frame.
func EncodePush(fr PushFrame) []byte {
	h := PushHeader{
		ProtocolLen:    uint32(len(fr.Topic)),
		MessageNameLen: uint32(len(fr.MessageName)),
		BodyLen:        uint32(len(fr.Body)),
		Mode:           fr.Mode,
	}
	buf := make([]byte, pushHeaderLen+int(h.ContentLen()))
	EncodePushHeader(buf, h)
	off := pushHeaderLen
	off += copy(buf[off:], fr.Topic)
	off += copy(buf[off:], fr.MessageName)
	copy(buf[off:], fr.Body)
	return buf
}

// EncodePushParts serializes fr as separate header and content buffers.
func EncodePushParts(fr PushFrame) (header, content []byte) {
	h := PushHeader{
		ProtocolLen:    uint32(len(fr.Topic)),
		MessageNameLen: uint32(len(fr.MessageName)),
		BodyLen:        uint32(len(fr.Body)),
		Mode:           fr.Mode,
	}
	header = make([]byte, pushHeaderLen)
	EncodePushHeader(header, h)
	content = make([]byte, h.ContentLen())
	off := 0
	off += copy(content[off:], fr.Topic)
	off += copy(content[off:], fr.MessageName)
	copy(content[off:], fr.Body)
	return header, content
}

// DecodePush decodes a full push frame from b.
func DecodePush(b []byte) (PushFrame, error) {
	h, err := DecodePushHeader(b)
	if err != nil {
		return PushFrame{}, err
	}
	return DecodePushContent(h, b[pushHeaderLen:])
}

// Subscribe-control body conventions, carried in a RequestFrame with
// Kind == KindSub. Protocol names the topic; Body is one of these markers.
const (
	SubscribeBody   = "1"
	UnsubscribeBody = "0"
	HeartbeatTopic  = "00"
	HeartbeatBody   = "00"
)

// NewSubscribeControl builds the request frame a subscriber sends to
// subscribe to, or unsubscribe from, a topic.
func NewSubscribeControl(topic string, subscribe bool) RequestFrame {
	body := UnsubscribeBody
	if subscribe {
		body = SubscribeBody
	}
	return RequestFrame{
		Mode:     ModeSerialize,
		Kind:     KindSub,
		CallID:   0,
		Protocol: topic,
		Body:     []byte(body),
	}
}

// NewHeartbeat builds the request frame a subscriber sends to refresh
// liveness without altering any subscription.
func NewHeartbeat() RequestFrame {
	return RequestFrame{
		Mode:     ModeSerialize,
		Kind:     KindSub,
		CallID:   0,
		Protocol: HeartbeatTopic,
		Body:     []byte(HeartbeatBody),
	}
}

// IsSubscribe reports whether a sub-kind request frame is a subscribe
// control (as opposed to unsubscribe or heartbeat).
func IsSubscribe(fr RequestFrame) bool {
	return fr.Kind == KindSub && fr.Protocol != HeartbeatTopic && string(fr.Body) == SubscribeBody
}

// IsUnsubscribe reports whether a sub-kind request frame is an unsubscribe
// control.
func IsUnsubscribe(fr RequestFrame) bool {
	return fr.Kind == KindSub && fr.Protocol != HeartbeatTopic && string(fr.Body) == UnsubscribeBody
}

// IsHeartbeat reports whether a sub-kind request frame is a heartbeat.
func IsHeartbeat(fr RequestFrame) bool {
	return fr.Kind == KindSub && fr.Protocol == HeartbeatTopic && string(fr.Body) == HeartbeatBody
}

// ReadRequest blocks until one full request frame (header + content) has
// been read from r. It is the read-side half of the frame codec: read
// exactly the header, validate it, read exactly the content it declares.
func ReadRequest(r io.Reader) (RequestFrame, error) {
	headerBuf := make([]byte, requestHeaderLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return RequestFrame{}, err
	}
	h, err := DecodeRequestHeader(headerBuf)
	if err != nil {
		return RequestFrame{}, err
	}
	content := make([]byte, h.ContentLen())
	if _, err := io.ReadFull(r, content); err != nil {
		return RequestFrame{}, err
	}
	return DecodeRequestContent(h, content)
}

// ReadResponse blocks until one full response frame has been read from r.
func ReadResponse(r io.Reader) (ResponseFrame, error) {
	headerBuf := make([]byte, responseHeaderLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return ResponseFrame{}, err
	}
	h, err := DecodeResponseHeader(headerBuf)
	if err != nil {
		return ResponseFrame{}, err
	}
	content := make([]byte, h.ContentLen())
	if _, err := io.ReadFull(r, content); err != nil {
		return ResponseFrame{}, err
	}
	return DecodeResponseContent(h, content)
}

// ReadPush blocks until one full push frame has been read from r.
func ReadPush(r io.Reader) (PushFrame, error) {
	headerBuf := make([]byte, pushHeaderLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return PushFrame{}, err
	}
	h, err := DecodePushHeader(headerBuf)
	if err != nil {
		return PushFrame{}, err
	}
	content := make([]byte, h.ContentLen())
	if _, err := io.ReadFull(r, content); err != nil {
		return PushFrame{}, err
	}
	return DecodePushContent(h, content)
}
