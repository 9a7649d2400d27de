// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package marc builds MARC 21 bibliographic records and serializes them
// to ISO 2709 for catalog distribution.
package marc

import (
	"bytes"
	"fmt"
	"sort"
)

// ISO 2709 structure bytes.
const (
	fieldTerminator    = 0x1E
	subfieldDelimiter  = 0x1F
	recordTerminator   = 0x1D
	leaderLen          = 24
	directoryEntryLen  = 12
	maxFieldLen        = 9999
	maxRecordLen       = 99999
)

// Record status values, leader position 5.
const (
	StatusNew     = byte('n')
	StatusChanged = byte('c')
)

// Record type values, leader position 6.
const (
	TypeLanguageMaterial = byte('a')
	TypeNonmusicalSound  = byte('i')
)

// Subfield is one coded value inside a data field.
type Subfield struct {
	Code  byte
	Value string
}

// Sub is shorthand for building a Subfield.
func Sub(code byte, value string) Subfield {
	return Subfield{Code: code, Value: value}
}

// ControlField is a 00X field: a tag and flat data, no indicators.
type ControlField struct {
	Tag   string
	Value string
}

// DataField is a field with indicators and subfields.
type DataField struct {
	Tag       string
	Ind1      byte
	Ind2      byte
	Subfields []Subfield
}

// Record is one bibliographic record under construction.
type Record struct {
	Status byte
	Type   byte

	controlFields []ControlField
	dataFields    []DataField
}

// NewRecord starts a record with the given leader status and type.
func NewRecord(status, typ byte) *Record {
	return &Record{Status: status, Type: typ}
}

// AddControlField appends a control field.
func (r *Record) AddControlField(tag, value string) {
	r.controlFields = append(r.controlFields, ControlField{Tag: tag, Value: value})
}

// AddDataField appends a data field. Subfields with empty values are
// dropped; a field left with no subfields is not added.
func (r *Record) AddDataField(tag string, ind1, ind2 byte, subs ...Subfield) {
	kept := make([]Subfield, 0, len(subs))
	for _, s := range subs {
		if s.Value != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return
	}
	r.dataFields = append(r.dataFields, DataField{Tag: tag, Ind1: ind1, Ind2: ind2, Subfields: kept})
}

// Clone deep-copies the record so a base record can be overlaid per
// library without aliasing.
func (r *Record) Clone() *Record {
	out := &Record{Status: r.Status, Type: r.Type}
	out.controlFields = append(out.controlFields, r.controlFields...)
	for _, f := range r.dataFields {
		nf := DataField{Tag: f.Tag, Ind1: f.Ind1, Ind2: f.Ind2}
		nf.Subfields = append(nf.Subfields, f.Subfields...)
		out.dataFields = append(out.dataFields, nf)
	}
	return out
}

// marcField is a serialized field ready for the directory.
type marcField struct {
	tag  string
	data []byte
}

// MARC serializes the record to ISO 2709: 24-byte leader, directory,
// field data, record terminator. Lengths are UTF-8 byte lengths; the
// record length and base address are backfilled into the leader.
func (r *Record) MARC() ([]byte, error) {
	fields := make([]marcField, 0, len(r.controlFields)+len(r.dataFields))
	for _, cf := range r.controlFields {
		data := append([]byte(cf.Value), fieldTerminator)
		fields = append(fields, marcField{tag: cf.Tag, data: data})
	}
	for _, df := range r.dataFields {
		var buf bytes.Buffer
		buf.WriteByte(indicator(df.Ind1))
		buf.WriteByte(indicator(df.Ind2))
		for _, s := range df.Subfields {
			buf.WriteByte(subfieldDelimiter)
			buf.WriteByte(s.Code)
			buf.WriteString(s.Value)
		}
		buf.WriteByte(fieldTerminator)
		fields = append(fields, marcField{tag: df.Tag, data: buf.Bytes()})
	}

	// Directory order is ascending tag; a stable sort keeps repeated
	// tags in insertion order.
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	var dir bytes.Buffer
	var data bytes.Buffer
	offset := 0
	for _, f := range fields {
		if len(f.tag) != 3 {
			return nil, fmt.Errorf("invalid MARC tag %q", f.tag)
		}
		if len(f.data) > maxFieldLen {
			return nil, fmt.Errorf("MARC field %s exceeds %d bytes", f.tag, maxFieldLen)
		}
		fmt.Fprintf(&dir, "%s%04d%05d", f.tag, len(f.data), offset)
		data.Write(f.data)
		offset += len(f.data)
	}
	dir.WriteByte(fieldTerminator)

	baseAddress := leaderLen + dir.Len()
	recordLen := baseAddress + data.Len() + 1
	if recordLen > maxRecordLen {
		return nil, fmt.Errorf("MARC record exceeds %d bytes", maxRecordLen)
	}

	var out bytes.Buffer
	out.Grow(recordLen)
	// Leader: length, status, type, bibliographic level 'm', unicode
	// 'a' at position 9, indicator and subfield counts, base address,
	// fixed 4500 entry map.
	fmt.Fprintf(&out, "%05d%c%cm a22%05d a 4500", recordLen, r.Status, r.Type, baseAddress)
	out.Write(dir.Bytes())
	out.Write(data.Bytes())
	out.WriteByte(recordTerminator)
	return out.Bytes(), nil
}

func indicator(b byte) byte {
	if b == 0 {
		return ' '
	}
	return b
}
