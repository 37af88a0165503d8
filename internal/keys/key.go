package keys

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidType is returned when a value cannot be used as a replicated key.
// Only null, booleans, finite numbers, strings and symbols are accepted.
var ErrInvalidType = errors.New("invalid key type")

// Kind identifies which variant a Key holds.
type Kind uint8

const (
	// KindInvalid is the zero Kind. A zero Key is never accepted by a collection.
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindSymbol
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSymbol:
		return "symbol"
	default:
		return "invalid"
	}
}

// Key is a collection key that round-trips identically across processes.
// Key is comparable and can be used directly as a Go map key.
type Key struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

// symbolField is the single member of the JSON object a symbol encodes to.
const symbolField = "$sym"

// Null returns the null key.
func Null() Key { return Key{kind: KindNull} }

// Bool returns a boolean key.
func Bool(b bool) Key { return Key{kind: KindBool, b: b} }

// Number returns a numeric key. NaN and infinities produce a key that
// fails validation.
func Number(n float64) Key { return Key{kind: KindNumber, n: n} }

// String returns a string key.
func String(s string) Key { return Key{kind: KindString, s: s} }

// Symbol returns an interned token key. Two symbols created from the same
// name compare equal, in this process and in any other.
func Symbol(name string) Key { return Key{kind: KindSymbol, s: name} }

// From converts a dynamic Go value into a Key.
// Returns ErrInvalidType for maps, slices, structs, pointers and non-finite numbers.
func From(v any) (Key, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Key:
		if err := t.Check(); err != nil {
			return Key{}, err
		}
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return checked(Number(t))
	case float32:
		return checked(Number(float64(t)))
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	default:
		return Key{}, fmt.Errorf("%w: %T", ErrInvalidType, v)
	}
}

func checked(k Key) (Key, error) {
	if err := k.Check(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Kind returns the variant held by k.
func (k Key) Kind() Kind { return k.kind }

// Valid reports whether k may be used as a collection key.
func (k Key) Valid() bool { return k.Check() == nil }

// Check returns ErrInvalidType if k is the zero Key or a non-finite number.
func (k Key) Check() error {
	switch k.kind {
	case KindNull, KindBool, KindString, KindSymbol:
		return nil
	case KindNumber:
		if math.IsNaN(k.n) || math.IsInf(k.n, 0) {
			return fmt.Errorf("%w: non-finite number", ErrInvalidType)
		}
		return nil
	default:
		return ErrInvalidType
	}
}

// Value returns the Go value held by the key: nil, bool, float64 or string.
// Symbols return their name.
func (k Key) Value() any {
	switch k.kind {
	case KindBool:
		return k.b
	case KindNumber:
		return k.n
	case KindString, KindSymbol:
		return k.s
	default:
		return nil
	}
}

// Encode returns the canonical wire form of the key.
func (k Key) Encode() ([]byte, error) {
	if err := k.Check(); err != nil {
		return nil, err
	}
	switch k.kind {
	case KindNull:
		return []byte("null"), nil
	case KindSymbol:
		return json.Marshal(map[string]string{symbolField: k.s})
	default:
		return json.Marshal(k.Value())
	}
}

// String returns the encoded form, or "<invalid>" for keys that cannot be encoded.
// It is used to build key-specific event topics.
func (k Key) String() string {
	b, err := k.Encode()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Key, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	if dec.More() {
		return Key{}, fmt.Errorf("decode key: trailing data")
	}
	if obj, ok := v.(map[string]any); ok {
		name, ok := obj[symbolField].(string)
		if !ok || len(obj) != 1 {
			return Key{}, fmt.Errorf("%w: object", ErrInvalidType)
		}
		return Symbol(name), nil
	}
	return From(v)
}
