// Package codec selects the structured-text encoding used for the
// human-readable artifacts: the store manifest, index descriptors, and the
// metadata carried by update-log records.
//
// Files record nothing about the codec that wrote them; every codec here
// produces standard JSON, so any of them can read any artifact.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// ErrSerialization wraps every encode/decode failure reported by Encode and
// Decode.
var ErrSerialization = errors.New("codec: serialization error")

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Indenter is implemented by codecs that can pretty-print.
type Indenter interface {
	MarshalIndent(v any, prefix, indent string) ([]byte, error)
}

// ByName returns a built-in codec by its configuration name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json", "":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Default is the codec used when none is configured.
var Default Codec = GoJSON{}

// Encode marshals v with c (Default when nil), indenting when c supports it,
// so persisted artifacts stay diffable.
func Encode(c Codec, v any) ([]byte, error) {
	if c == nil {
		c = Default
	}
	var (
		b   []byte
		err error
	)
	if ind, ok := c.(Indenter); ok {
		b, err = ind.MarshalIndent(v, "", "  ")
	} else {
		b, err = c.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s encode: %w", ErrSerialization, c.Name(), err)
	}
	return b, nil
}

// Decode unmarshals data into v with c (Default when nil).
func Decode(c Codec, data []byte, v any) error {
	if c == nil {
		c = Default
	}
	if err := c.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s decode: %w", ErrSerialization, c.Name(), err)
	}
	return nil
}

// GoJSON encodes with github.com/goccy/go-json. The store manifest is
// rewritten on every mutation, so it is the default.
type GoJSON struct{}

func (GoJSON) Marshal(v any) ([]byte, error)      { return gojson.Marshal(v) }
func (GoJSON) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }
func (GoJSON) Name() string                       { return "go-json" }

func (GoJSON) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// JSON encodes with encoding/json.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return "json" }

func (JSON) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}
