package flow

import (
	"encoding/json"
	"reflect"
)

// JsonCodec exchanges JSON-encoded messages of one type.
type JsonCodec[Msg any] struct {
	allocator func() Msg
}

// NewJsonCodec returns a codec for Msg, which MUST be a pointer type.
func NewJsonCodec[Msg any]() JsonCodec[Msg] {
	t := reflect.TypeFor[Msg]()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return JsonCodec[Msg]{
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (c JsonCodec[Msg]) Encode(msg Msg) ([]byte, error) {
	return json.Marshal(msg)
}

func (c JsonCodec[Msg]) Decode(payload []byte) (Msg, error) {
	result := c.allocator()
	err := json.Unmarshal(payload, result)
	return result, err
}
