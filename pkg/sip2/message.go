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

package sip2

import (
	"fmt"
	"strings"
	"time"
)

// Request message identifiers.
const (
	msgLogin         = "93"
	msgSCStatus      = "99"
	msgPatronInfo    = "63"
	msgEndSession    = "35"
	msgRequestResend = "97"
)

// Response message identifiers.
const (
	respLogin         = "94"
	respACSStatus     = "98"
	respPatronInfo    = "64"
	respEndSession    = "36"
	respRequestResend = "96"
)

// DefaultSeparator divides variable-length fields on the wire.
const DefaultSeparator = byte('|')

// message is an outbound SIP2 message under construction. Fixed-width
// header fields come first, then coded variable fields in insertion
// order.
type message struct {
	code   string
	fixed  []string
	fields []field
}

type field struct {
	code  string
	value string
}

func newMessage(code string) *message {
	return &message{code: code}
}

func (m *message) addFixed(v string) *message {
	m.fixed = append(m.fixed, v)
	return m
}

// addField appends a coded variable field. Separator bytes inside the
// value would corrupt framing, so they are stripped.
func (m *message) addField(code, value string, sep byte) *message {
	value = strings.ReplaceAll(value, string(sep), "")
	m.fields = append(m.fields, field{code: code, value: value})
	return m
}

// render serializes the message, appending the AY sequence field and AZ
// checksum when error detection is on. The checksum is the two's
// complement of the byte sum over everything through "AZ", rendered as
// four uppercase hex digits.
func (m *message) render(seq int, sep byte, errorDetection bool) string {
	var b strings.Builder
	b.WriteString(m.code)
	for _, f := range m.fixed {
		b.WriteString(f)
	}
	for _, f := range m.fields {
		b.WriteString(f.code)
		b.WriteString(f.value)
		b.WriteByte(sep)
	}
	if !errorDetection {
		return b.String() + "\r"
	}
	b.WriteString(fmt.Sprintf("AY%d", seq%10))
	b.WriteString("AZ")
	body := b.String()
	return body + checksum(body) + "\r"
}

// checksum computes the SIP2 checksum of s: sum the bytes, negate, and
// take the low 16 bits as uppercase hex.
func checksum(s string) string {
	var sum uint16
	for i := 0; i < len(s); i++ {
		sum += uint16(s[i])
	}
	return fmt.Sprintf("%04X", -sum)
}

// sipTimestamp renders the protocol's 18-character local timestamp:
// YYYYMMDD, a 4-character timezone field, then HHMMSS. The timezone
// field is zero-filled or blank-padded depending on dialect.
func sipTimestamp(t time.Time, tzSpaces bool) string {
	tz := "0000"
	if tzSpaces {
		tz = "    "
	}
	return t.Format("20060102") + tz + t.Format("150405")
}

// response is a parsed inbound message.
type response struct {
	code    string
	fixed   string
	fields  map[string][]string
	ordered []field
}

// firstField returns the first value for a field code, and whether the
// field was present at all.
func (r *response) firstField(code string) (string, bool) {
	vs, ok := r.fields[code]
	if !ok || len(vs) == 0 {
		return "", ok
	}
	return vs[0], true
}

func (r *response) allFields(code string) []string {
	return r.fields[code]
}

// fixedWidths maps response codes to the width of their fixed-length
// header, not counting the 2-character message identifier.
var fixedWidths = map[string]int{
	respLogin:         1,  // ok bit
	respACSStatus:     34, // status flags, timeout, retries, timestamp, version
	respPatronInfo:    14 + 3 + 18 + 4*6,
	respEndSession:    1 + 18,
	respRequestResend: 0,
}

// parseResponse splits a raw line (trailing \r already removed) into
// its fixed header and coded variable fields. When error detection is
// active the line must end in a valid AZ checksum; a mismatch returns
// errChecksum so the caller can request a resend.
func parseResponse(line string, sep byte, errorDetection bool) (*response, error) {
	if errorDetection {
		stripped, err := verifyChecksum(line)
		if err != nil {
			return nil, err
		}
		line = stripped
	}
	if len(line) < 2 {
		return nil, fmt.Errorf("SIP2 response too short: %q", line)
	}
	code := line[:2]
	rest := line[2:]

	width, ok := fixedWidths[code]
	if !ok {
		return nil, fmt.Errorf("unexpected SIP2 response code %q", code)
	}
	if len(rest) < width {
		return nil, fmt.Errorf("SIP2 %s response truncated: have %d of %d fixed characters", code, len(rest), width)
	}

	r := &response{
		code:   code,
		fixed:  rest[:width],
		fields: map[string][]string{},
	}
	for _, part := range strings.Split(rest[width:], string(sep)) {
		if len(part) < 2 {
			continue
		}
		fc, fv := part[:2], part[2:]
		if fc == "AY" {
			// Sequence echo, already consumed by the transport.
			continue
		}
		r.fields[fc] = append(r.fields[fc], fv)
		r.ordered = append(r.ordered, field{code: fc, value: fv})
	}
	return r, nil
}

// errChecksum marks a response whose AZ checksum did not verify. The
// client retries the exchange exactly once on it.
type errChecksum struct {
	line string
}

func (e *errChecksum) Error() string {
	return fmt.Sprintf("SIP2 response failed checksum verification: %q", e.line)
}

// verifyChecksum checks the trailing AZ field and returns the line with
// the sequence and checksum trailer removed.
func verifyChecksum(line string) (string, error) {
	i := strings.LastIndex(line, "AZ")
	if i < 0 || len(line) < i+6 {
		return "", &errChecksum{line: line}
	}
	want := line[i+2 : i+6]
	if checksum(line[:i+2]) != want {
		return "", &errChecksum{line: line}
	}
	return line[:i], nil
}
