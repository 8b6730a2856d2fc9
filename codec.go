package czrpc

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// Message is any protobuf-generated type usable as a typed request or
// response body. It is a direct alias of proto.Message: czrpc does not
// reimplement serialization, it frames and routes whatever the protobuf
// library already knows how to marshal.
type Message = proto.Message

// marshalMessage serializes m and reports its fully-qualified protobuf type
// name, to be carried in a frame's message_name field.
func marshalMessage(m Message) (messageName string, body []byte, err error) {
	body, err = proto.Marshal(m)
	if err != nil {
		return "", nil, errors.Wrap(err, "czrpc: marshal message")
	}
	messageName = string(m.ProtoReflect().Descriptor().FullName())
	return messageName, body, nil
}

// newMessage instantiates a zero-value message for the given fully-qualified
// protobuf type name, looked up against the global protobuf type registry --
// the router's replacement for the original's compile-time dispatch, per the
// design notes' "typed decoding is performed against the declared protobuf
// type registry" strategy.
func newMessage(messageName string) (Message, error) {
	mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(messageName))
	if err != nil {
		return nil, errors.Wrapf(err, "czrpc: unknown protobuf type %q", messageName)
	}
	return mt.New().Interface(), nil
}

// unmarshalMessage decodes body into a freshly instantiated message of the
// named protobuf type.
func unmarshalMessage(messageName string, body []byte) (Message, error) {
	m, err := newMessage(messageName)
	if err != nil {
		return nil, err
	}
	if err := proto.Unmarshal(body, m); err != nil {
		return nil, errors.Wrap(err, "czrpc: unmarshal message")
	}
	return m, nil
}
