// Package jsonstream reads JSON as a forward-only token stream.
//
// Release payloads are large and upstream APIs add fields over time, so callers pick
// out the handful of fields they need and skip everything else without building the
// full document in memory.
package jsonstream

import (
	"encoding/json"
	"fmt"
	"io"
)

type Reader struct {
	dec *json.Decoder
}

func NewReader(r io.Reader) *Reader {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Reader{dec: dec}
}

// More reports whether the current array or object has another element.
func (r *Reader) More() bool {
	return r.dec.More()
}

func (r *Reader) BeginObject() error { return r.expectDelim('{') }
func (r *Reader) EndObject() error   { return r.expectDelim('}') }
func (r *Reader) BeginArray() error  { return r.expectDelim('[') }
func (r *Reader) EndArray() error    { return r.expectDelim(']') }

func (r *Reader) expectDelim(want json.Delim) error {
	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("expected %q: %w", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Name reads an object key.
func (r *Reader) Name() (string, error) {
	tok, err := r.dec.Token()
	if err != nil {
		return "", fmt.Errorf("read name: %w", err)
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return s, nil
}

// String reads a string value. A JSON null yields ok=false.
func (r *Reader) String() (value string, ok bool, err error) {
	tok, err := r.dec.Token()
	if err != nil {
		return "", false, fmt.Errorf("read string: %w", err)
	}
	switch v := tok.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case json.Delim:
		return "", false, fmt.Errorf("expected string, got %q", v)
	default:
		return "", false, fmt.Errorf("expected string, got %v", v)
	}
}

// Bool reads a boolean value. A JSON null yields ok=false.
func (r *Reader) Bool() (value bool, ok bool, err error) {
	tok, err := r.dec.Token()
	if err != nil {
		return false, false, fmt.Errorf("read bool: %w", err)
	}
	switch v := tok.(type) {
	case nil:
		return false, false, nil
	case bool:
		return v, true, nil
	default:
		return false, false, fmt.Errorf("expected bool, got %v", v)
	}
}

// Int64 reads an integral number. A JSON null yields ok=false.
func (r *Reader) Int64() (value int64, ok bool, err error) {
	tok, err := r.dec.Token()
	if err != nil {
		return 0, false, fmt.Errorf("read number: %w", err)
	}
	switch v := tok.(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("parse number %q: %w", v.String(), err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("expected number, got %v", v)
	}
}

// Skip consumes the next value, descending into arrays and objects so that every
// opening delimiter is matched by its closing one.
func (r *Reader) Skip() error {
	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("skip: %w", err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{':
		for r.dec.More() {
			if _, err := r.Name(); err != nil {
				return err
			}
			if err := r.Skip(); err != nil {
				return err
			}
		}
		return r.EndObject()
	case '[':
		for r.dec.More() {
			if err := r.Skip(); err != nil {
				return err
			}
		}
		return r.EndArray()
	default:
		return fmt.Errorf("unexpected %q", d)
	}
}
