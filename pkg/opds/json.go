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

package opds

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseError reports a structurally invalid feed or license document.
type ParseError struct {
	Doc string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Doc, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Strings accepts both a bare JSON string and an array of strings;
// OPDS 2.0 uses the two forms interchangeably for language, format, and
// rel values.
type Strings []string

func (s *Strings) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Strings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or string array: %w", err)
	}
	*s = Strings(many)
	return nil
}

// Contains reports a case-insensitive membership test.
func (s Strings) Contains(v string) bool {
	for _, x := range s {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// First returns the first value or "".
func (s Strings) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Date accepts the partial-date forms feeds use for publication dates
// (2006, 2006-01, 2006-01-02) plus full RFC 3339 timestamps.
type Date struct {
	time.Time
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01", "2006"}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected date string: %w", err)
	}
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable date %q", raw)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(d.Format(time.RFC3339)) //nolint:wrapcheck // json.Marshal of a string cannot fail
}

// Name accepts either "Acme" or {"name": "Acme"}; publishers and
// imprints appear in both forms.
type Name struct {
	Name string `json:"name"`
}

func (n *Name) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		n.Name = s
		return nil
	}
	type alias Name
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("expected name string or object: %w", err)
	}
	*n = Name(a)
	return nil
}

// Contributor is one credited person. The wire form may be a string, an
// object, or an array of either; ContributorList normalizes all of them.
type Contributor struct {
	Name   string `json:"name"`
	SortAs string `json:"sortAs,omitempty"`
}

func (c *Contributor) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Name = s
		return nil
	}
	type alias Contributor
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("expected contributor string or object: %w", err)
	}
	*c = Contributor(a)
	return nil
}

// ContributorList accepts a single contributor or an array.
type ContributorList []Contributor

func (l *ContributorList) UnmarshalJSON(data []byte) error {
	var many []Contributor
	if err := json.Unmarshal(data, &many); err == nil {
		*l = ContributorList(many)
		return nil
	}
	var one Contributor
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("expected contributor or contributor array: %w", err)
	}
	*l = ContributorList{one}
	return nil
}

// Subject is one classification heading.
type Subject struct {
	Name   string `json:"name"`
	Scheme string `json:"scheme,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (s *Subject) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Name = str
		return nil
	}
	type alias Subject
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("expected subject string or object: %w", err)
	}
	*s = Subject(a)
	return nil
}

// SubjectList accepts a single subject or an array.
type SubjectList []Subject

func (l *SubjectList) UnmarshalJSON(data []byte) error {
	var many []Subject
	if err := json.Unmarshal(data, &many); err == nil {
		*l = SubjectList(many)
		return nil
	}
	var one Subject
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("expected subject or subject array: %w", err)
	}
	*l = SubjectList{one}
	return nil
}
