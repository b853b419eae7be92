// Package payload implements the self-describing binary object model of
// spec §4.2: unsigned/negative integers, byte strings, text strings,
// arrays, maps keyed by text strings, booleans, and null, encoded with
// the shortest length prefix. The wire encoding is a constrained profile
// of CBOR (RFC 8949): this package drives github.com/fxamacker/cbor/v2
// for the actual marshal/unmarshal work (the teacher's own
// client/cborplugin and server/cborplugin packages use the same library
// for exactly this "small self-describing request/response object"
// role), and adds the extra structural strictness spec §4.2 demands
// beyond what a general-purpose CBOR library enforces on its own:
// indefinite-length items, 8-byte lengths, tags, and float/half forms
// are rejected outright rather than merely "unsupported by the target
// type".
package payload

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnsupportedForm is returned by Decode when the input uses a CBOR
// construct outside the protocol's supported subset (indefinite length,
// 8-byte length, tag, float/half, or anything other than major types
// 0,1,2,3,4,5,7-with-bool/null).
var ErrUnsupportedForm = errors.New("payload: unsupported CBOR form")

// ErrBounds is returned when a length prefix or nested item runs past
// the end of the input. A bounds violation is always a decode failure,
// never read past the slice.
var ErrBounds = errors.New("payload: out-of-bounds read")

var encMode = mustEncMode()
var decMode = mustDecMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.EncOptions{
		Sort: cbor.SortNone,
		// Shortest-form-by-value is the library's default behavior for
		// integers and lengths, matching "shortest length prefix".
	}
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return m
}

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		IndefLength:    cbor.IndefLengthForbidden,
		TagsMd:         cbor.TagsForbidden,
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}
	m, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}

// Encode serializes v (expected to be a map[string]interface{}, a Go
// struct with cbor tags, or a scalar/array thereof) into the protocol's
// payload bytes.
func Encode(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload: encode: %w", err)
	}
	if len(b) > 240 {
		return nil, fmt.Errorf("payload: encoded value exceeds 240-byte total payload budget (%d bytes)", len(b))
	}
	return b, nil
}

// Decode validates data against the protocol's strict structural rules
// and then unmarshals it into v (typically a *map[string]interface{}
// or a pointer to a tagged struct).
func Decode(data []byte, v interface{}) error {
	if err := validateStrict(data); err != nil {
		return err
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("payload: decode: %w", err)
	}
	return nil
}

// DecodeMap is a convenience wrapper for the common case of decoding
// into a fresh map[string]interface{}.
func DecodeMap(data []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := Decode(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
