package flow

// BytesCodec exchanges raw []byte payloads.
type BytesCodec struct {
	copyBuffers bool
}

// NewBytesCodec returns a pass-through codec. With localCopy the codec
// clones buffers on encode, so the caller may reuse its buffer right
// after Send returns.
func NewBytesCodec(localCopy bool) BytesCodec {
	return BytesCodec{
		copyBuffers: localCopy,
	}
}

func (c BytesCodec) Encode(msg []byte) ([]byte, error) {
	if !c.copyBuffers {
		return msg, nil
	}
	cloned := make([]byte, len(msg))
	copy(cloned, msg)
	return cloned, nil
}

func (c BytesCodec) Decode(payload []byte) ([]byte, error) {
	return payload, nil
}
