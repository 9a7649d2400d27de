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

// Package model holds the shared value types of the circulation manager:
// identifiers, bibliographic and circulation data, collections, license
// pools, and patrons. Persistence is a repository concern; nothing here
// touches storage.
package model

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// IdentifierType classifies an Identifier's namespace. Two identifiers
// are the same identifier iff both type and value match.
type IdentifierType string

const (
	IdentifierTypeISBN      = IdentifierType("ISBN")
	IdentifierTypeURI       = IdentifierType("URI")
	IdentifierTypeUUID      = IdentifierType("UUID")
	IdentifierTypeOverdrive = IdentifierType("Overdrive ID")
	IdentifierTypeGutenberg = IdentifierType("Gutenberg ID")
	IdentifierTypeProquest  = IdentifierType("ProQuest Doc ID")
)

const (
	urnISBNPrefix    = "urn:isbn:"
	urnUUIDPrefix    = "urn:uuid:"
	urnGenericPrefix = "urn:librarysimplified.org/terms/id/"
)

// Identifier is a typed opaque string naming one manifestation across
// collections.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// URN renders the identifier in its canonical URN form.
func (i Identifier) URN() string {
	switch i.Type {
	case IdentifierTypeISBN:
		return urnISBNPrefix + i.Value
	case IdentifierTypeUUID:
		return urnUUIDPrefix + i.Value
	case IdentifierTypeURI:
		return i.Value
	default:
		return urnGenericPrefix + url.PathEscape(string(i.Type)) + "/" + url.PathEscape(i.Value)
	}
}

func (i Identifier) String() string {
	return i.URN()
}

// ParseURN parses the URN forms produced by URN plus bare http(s) URIs.
// An unrecognized or malformed URN is an error; importers treat that as
// a per-publication failure.
func ParseURN(urn string) (Identifier, error) {
	urn = strings.TrimSpace(urn)
	switch {
	case urn == "":
		return Identifier{}, fmt.Errorf("empty identifier")
	case strings.HasPrefix(urn, urnISBNPrefix):
		isbn := strings.ReplaceAll(strings.TrimPrefix(urn, urnISBNPrefix), "-", "")
		if !validISBN(isbn) {
			return Identifier{}, fmt.Errorf("invalid ISBN in %q", urn)
		}
		return Identifier{Type: IdentifierTypeISBN, Value: isbn}, nil
	case strings.HasPrefix(urn, urnUUIDPrefix):
		raw := strings.TrimPrefix(urn, urnUUIDPrefix)
		if _, err := uuid.Parse(raw); err != nil {
			return Identifier{}, fmt.Errorf("invalid UUID in %q: %w", urn, err)
		}
		return Identifier{Type: IdentifierTypeUUID, Value: raw}, nil
	case strings.HasPrefix(urn, urnGenericPrefix):
		rest := strings.TrimPrefix(urn, urnGenericPrefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Identifier{}, fmt.Errorf("malformed identifier URN %q", urn)
		}
		typ, err := url.PathUnescape(parts[0])
		if err != nil {
			return Identifier{}, fmt.Errorf("malformed identifier type in %q: %w", urn, err)
		}
		value, err := url.PathUnescape(parts[1])
		if err != nil {
			return Identifier{}, fmt.Errorf("malformed identifier value in %q: %w", urn, err)
		}
		return Identifier{Type: IdentifierType(typ), Value: value}, nil
	case strings.HasPrefix(urn, "http://"), strings.HasPrefix(urn, "https://"):
		return Identifier{Type: IdentifierTypeURI, Value: urn}, nil
	default:
		return Identifier{}, fmt.Errorf("unrecognized identifier %q", urn)
	}
}

// validISBN checks the ISBN-10 or ISBN-13 checksum.
func validISBN(s string) bool {
	switch len(s) {
	case 10:
		sum := 0
		for i, r := range s {
			var v int
			switch {
			case r >= '0' && r <= '9':
				v = int(r - '0')
			case (r == 'X' || r == 'x') && i == 9:
				v = 10
			default:
				return false
			}
			sum += (10 - i) * v
		}
		return sum%11 == 0
	case 13:
		sum := 0
		for i, r := range s {
			if r < '0' || r > '9' {
				return false
			}
			v := int(r - '0')
			if i%2 == 1 {
				v *= 3
			}
			sum += v
		}
		return sum%10 == 0
	default:
		return false
	}
}
