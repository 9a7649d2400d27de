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

package statestore

import (
	"fmt"
	"strings"
)

// EscapePath rewrites characters the JSON-path engine mishandles so a
// string can serve as an object member name. The scheme is bijective:
// backtick is the escape character and escapes itself.
//
//	`  ->  ``
//	/  ->  `s
//	~  ->  `t
func EscapePath(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '`':
			b.WriteString("``")
		case '/':
			b.WriteString("`s")
		case '~':
			b.WriteString("`t")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnescapePath inverts EscapePath. A dangling or unknown escape pair is
// an error: it means the input was not produced by EscapePath.
func UnescapePath(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '`' {
			b.WriteRune(r)
			continue
		}
		i++
		if i >= len(runes) {
			return "", fmt.Errorf("dangling escape character in %q", s)
		}
		switch runes[i] {
		case '`':
			b.WriteRune('`')
		case 's':
			b.WriteRune('/')
		case 't':
			b.WriteRune('~')
		default:
			return "", fmt.Errorf("unknown escape pair %q in %q", string(runes[i-1:i+1]), s)
		}
	}
	return b.String(), nil
}

// jsonPath builds a root-anchored JSON path addressing the escaped
// member name, using bracket notation so member names may contain dots.
func jsonPath(segments ...string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		b.WriteString(`["`)
		b.WriteString(seg)
		b.WriteString(`"]`)
	}
	return b.String()
}
