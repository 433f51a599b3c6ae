// Package wireformat provides the pluggable serialization format shared by
// the broker's persistence snapshot and its HTTPS exchange payloads.
//
// The broker never hard-codes a wire format: pkg/persist and pkg/exchange
// depend only on the Codec interface here (pkg/transport moves opaque
// bytes), so a deployment can swap JSON for a more compact binary handle
// without touching either layer.
package wireformat

import (
	"bytes"
	"reflect"

	"github.com/ugorji/go/codec"
)

// mapType is the type schema-less decoding uses for nested maps, so every
// layer can type-assert decoded objects as map[string]interface{}.
var mapType = reflect.TypeOf(map[string]interface{}(nil))

// Codec encodes and decodes values to and from the broker's wire/store
// representation.
type Codec interface {
	// Encode serializes v.
	Encode(v interface{}) ([]byte, error)
	// Decode deserializes data into v. v must be a pointer.
	Decode(data []byte, v interface{}) error
	// ContentType is the MIME type to advertise on the wire for this codec.
	ContentType() string
}

type handleCodec struct {
	handle      codec.Handle
	contentType string
}

func (c *handleCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, c.handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *handleCodec) Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, c.handle)
	return dec.Decode(v)
}

func (c *handleCodec) ContentType() string { return c.contentType }

// JSON returns a Codec backed by ugorji/go/codec's JSON handle. This is the
// default wire/store format: human-inspectable and self-describing, which
// matters for a broker.bpickle snapshot an operator may need to eyeball.
func JSON() Codec {
	h := &codec.JsonHandle{}
	h.Canonical = true
	h.MapType = mapType
	return &handleCodec{handle: h, contentType: "application/json"}
}

// CBOR returns a Codec backed by ugorji/go/codec's CBOR handle, a compact
// binary alternative usable on bandwidth-constrained links without changing
// any caller of Codec.
func CBOR() Codec {
	h := &codec.CborHandle{}
	h.MapType = mapType
	return &handleCodec{handle: h, contentType: "application/cbor"}
}

// Default is the codec used when a component is not configured with one.
func Default() Codec {
	return JSON()
}
