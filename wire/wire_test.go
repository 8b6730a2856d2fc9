package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	fr := RequestFrame{
		Mode:        ModeSerialize,
		Kind:        KindAsyncRPC,
		CallID:      42,
		Protocol:    "echo",
		MessageName: "czrpc.test.Echo",
		Body:        []byte("hello"),
	}
	got, err := DecodeRequest(EncodeRequest(fr))
	require.NoError(t, err)
	assert.Equal(t, fr, got)
}

func TestRequestRoundTripEmptyFields(t *testing.T) {
	fr := RequestFrame{Mode: ModeNonSerialize, Kind: KindRPC, CallID: 1, Protocol: "p"}
	got, err := DecodeRequest(EncodeRequest(fr))
	require.NoError(t, err)
	assert.Equal(t, "", got.MessageName)
	assert.Empty(t, got.Body)
	assert.Equal(t, fr.Protocol, got.Protocol)
}

func TestResponseRoundTrip(t *testing.T) {
	fr := ResponseFrame{Code: CodeOK, CallID: 7, MessageName: "m", Body: []byte{1, 2, 3}}
	got, err := DecodeResponse(EncodeResponse(fr))
	require.NoError(t, err)
	assert.Equal(t, fr, got)
}

func TestPushRoundTrip(t *testing.T) {
	fr := PushFrame{Mode: ModeSerialize, Topic: "news", MessageName: "czrpc.test.News", Body: []byte("hi")}
	got, err := DecodePush(EncodePush(fr))
	require.NoError(t, err)
	assert.Equal(t, fr, got)
}

func TestRequestPartsMatchFlatEncode(t *testing.T) {
	fr := RequestFrame{
		Mode: ModeSerialize, Kind: KindSub, CallID: 9,
		Protocol: "news", MessageName: "czrpc.test.Echo", Body: []byte("payload"),
	}
	header, content := EncodeRequestParts(fr)
	assert.Equal(t, EncodeRequest(fr), append(append([]byte{}, header...), content...))

	got, err := DecodeRequest(append(append([]byte{}, header...), content...))
	require.NoError(t, err)
	assert.Equal(t, fr, got)
}

func TestResponsePartsMatchFlatEncode(t *testing.T) {
	fr := ResponseFrame{Code: CodeRouteFailed, CallID: 3, MessageName: "m", Body: []byte("x")}
	header, content := EncodeResponseParts(fr)
	assert.Equal(t, EncodeResponse(fr), append(append([]byte{}, header...), content...))
}

func TestPushPartsMatchFlatEncode(t *testing.T) {
	fr := PushFrame{Mode: ModeNonSerialize, Topic: "news", Body: []byte("x")}
	header, content := EncodePushParts(fr)
	assert.Equal(t, EncodePush(fr), append(append([]byte{}, header...), content...))
}

func TestDecodeRequestHeaderOversize(t *testing.T) {
	h := RequestHeader{BodyLen: MaxBuffer + 1}
	buf := make([]byte, requestHeaderLen)
	EncodeRequestHeader(buf, h)
	_, err := DecodeRequestHeader(buf)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeResponseHeaderOversize(t *testing.T) {
	h := ResponseHeader{BodyLen: MaxBuffer + 1}
	buf := make([]byte, responseHeaderLen)
	EncodeResponseHeader(buf, h)
	_, err := DecodeResponseHeader(buf)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodePushHeaderOversize(t *testing.T) {
	h := PushHeader{BodyLen: MaxBuffer + 1}
	buf := make([]byte, pushHeaderLen)
	EncodePushHeader(buf, h)
	_, err := DecodePushHeader(buf)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestShortHeader(t *testing.T) {
	_, err := DecodeRequestHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
	_, err = DecodeResponseHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
	_, err = DecodePushHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestSubscribeControlHelpers(t *testing.T) {
	sub := NewSubscribeControl("news", true)
	assert.True(t, IsSubscribe(sub))
	assert.False(t, IsUnsubscribe(sub))
	assert.False(t, IsHeartbeat(sub))

	unsub := NewSubscribeControl("news", false)
	assert.True(t, IsUnsubscribe(unsub))
	assert.False(t, IsSubscribe(unsub))

	hb := NewHeartbeat()
	assert.True(t, IsHeartbeat(hb))
	assert.False(t, IsSubscribe(hb))
	assert.False(t, IsUnsubscribe(hb))
}
