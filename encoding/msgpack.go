// Package encoding holds the serialization helpers used for stored history
// records and published events. All msgpack and zstd handling goes through
// here so every engine and sink agrees on the byte layout.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
// Unknown fields are rejected so a record written by an incompatible
// version is reported instead of being half-decoded.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields(true)

	return dec.Decode(v)
}
