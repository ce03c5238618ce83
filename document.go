// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package flowshipper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
)

// ErrInvalidDocument is returned by ParseDocument for input that is not a
// single JSON object.
var ErrInvalidDocument = errors.New("invalid document")

// Document is a JSON object whose fields keep their input order. Values are
// held as raw JSON and re-encoded verbatim.
//
// Flow exporters emit different field sets, so no schema is imposed.
type Document struct {
	fields []documentField
}

type documentField struct {
	key   string
	value []byte
}

// ParseDocument parses data, which must hold exactly one JSON object
// optionally surrounded by whitespace, encoded as valid UTF-8. Repeated keys keep the position of the
// first occurrence and the value of the last. The returned Document does not
// reference data.
func ParseDocument(data []byte) (*Document, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidDocument)
	}
	iter := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowIterator(data)
	defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnIterator(iter)

	if next := iter.WhatIsNext(); next != jsoniter.ObjectValue {
		if iter.Error == io.EOF {
			return nil, fmt.Errorf("%w: empty input", ErrInvalidDocument)
		}
		return nil, fmt.Errorf("%w: expected object, found %s", ErrInvalidDocument, valueTypeName(next))
	}
	doc := &Document{}
	complete := iter.ReadObjectCB(func(iter *jsoniter.Iterator, key string) bool {
		value := bytes.TrimSpace(iter.SkipAndReturnBytes())
		if iter.Error != nil {
			return false
		}
		doc.set(key, value)
		return true
	})
	if !complete || iter.Error != nil {
		if iter.Error == nil || iter.Error == io.EOF {
			return nil, fmt.Errorf("%w: unexpected end of input", ErrInvalidDocument)
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, iter.Error)
	}
	// Reading past the object must hit the end of input. Any other token is
	// trailing data.
	iter.WhatIsNext()
	if iter.Error != io.EOF {
		return nil, fmt.Errorf("%w: unexpected data after object", ErrInvalidDocument)
	}
	return doc, nil
}

func valueTypeName(t jsoniter.ValueType) string {
	switch t {
	case jsoniter.StringValue:
		return "string"
	case jsoniter.NumberValue:
		return "number"
	case jsoniter.NilValue:
		return "null"
	case jsoniter.BoolValue:
		return "bool"
	case jsoniter.ArrayValue:
		return "array"
	default:
		return "invalid value"
	}
}

// Len returns the number of fields.
func (d *Document) Len() int {
	return len(d.fields)
}

// Keys returns the field names in order.
func (d *Document) Keys() []string {
	keys := make([]string, len(d.fields))
	for i, f := range d.fields {
		keys[i] = f.key
	}
	return keys
}

// Get returns the raw JSON value of key.
func (d *Document) Get(key string) ([]byte, bool) {
	if i := d.index(key); i >= 0 {
		return d.fields[i].value, true
	}
	return nil, false
}

// GetString returns the value of key if it is a JSON string.
func (d *Document) GetString(key string) (string, bool) {
	raw, ok := d.Get(key)
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// SetString sets key to the JSON string value, replacing any existing value
// in place, or appending the field otherwise.
func (d *Document) SetString(key, value string) {
	var w fastjson.Writer
	w.String(value)
	d.set(key, w.Bytes())
}

func (d *Document) set(key string, raw []byte) {
	if i := d.index(key); i >= 0 {
		d.fields[i].value = raw
		return
	}
	d.fields = append(d.fields, documentField{key: key, value: raw})
}

func (d *Document) index(key string) int {
	for i := range d.fields {
		if d.fields[i].key == key {
			return i
		}
	}
	return -1
}

// MarshalFastJSON writes the document as compact JSON.
func (d *Document) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawByte('{')
	for i, f := range d.fields {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(f.key)
		w.RawByte(':')
		w.RawBytes(f.value)
	}
	w.RawByte('}')
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d *Document) MarshalJSON() ([]byte, error) {
	var w fastjson.Writer
	if err := d.MarshalFastJSON(&w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
