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

package patronauth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stackroom/circulation/pkg/problemdetail"
)

// RestrictionField says which PatronData field the library-identifier
// restriction matches against.
type RestrictionField string

const (
	RestrictionFieldBarcode    = RestrictionField("barcode")
	RestrictionFieldPatronType = RestrictionField("patron type")
)

// RestrictionType is the matching mode.
type RestrictionType string

const (
	RestrictionNone   = RestrictionType("")
	RestrictionPrefix = RestrictionType("prefix")
	RestrictionString = RestrictionType("string")
	RestrictionRegex  = RestrictionType("regex")
	RestrictionList   = RestrictionType("list")
)

// Restriction limits a provider's patrons to those belonging to one
// library within a consortium ILS.
type Restriction struct {
	Field RestrictionField
	Type  RestrictionType
	Value string

	re *regexp.Regexp
}

// NewRestriction validates and compiles a restriction. A nil result
// with nil error means no restriction is configured.
func NewRestriction(field RestrictionField, typ RestrictionType, value string) (*Restriction, error) {
	if typ == RestrictionNone {
		return nil, nil
	}
	if value == "" {
		return nil, fmt.Errorf("library identifier restriction value is required")
	}
	r := &Restriction{Field: field, Type: typ, Value: value}
	if typ == RestrictionRegex {
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("invalid library identifier restriction pattern: %w", err)
		}
		r.re = re
	}
	return r, nil
}

// RestrictionError reports a patron who authenticated but belongs to a
// different library.
type RestrictionError struct {
	Field RestrictionField
}

func (e *RestrictionError) Error() string {
	return fmt.Sprintf("patron %s does not match the library identifier restriction", e.Field)
}

// ProblemDetail projects the error for the request boundary.
func (e *RestrictionError) ProblemDetail() *problemdetail.Document {
	return problemdetail.New(problemdetail.TypePatronNotInLibrary, "Patron not in this library", 403)
}

// Enforce checks the snapshot against the restriction.
func (r *Restriction) Enforce(data *PatronData) error {
	subject := data.AuthorizationIdentifier.Value()
	if r.Field == RestrictionFieldPatronType {
		subject = data.ExternalType.Value()
	}

	var ok bool
	switch r.Type {
	case RestrictionPrefix:
		ok = strings.HasPrefix(subject, r.Value)
	case RestrictionString:
		ok = subject == r.Value
	case RestrictionRegex:
		ok = r.re.MatchString(subject)
	case RestrictionList:
		for _, v := range strings.Split(r.Value, ",") {
			if subject == strings.TrimSpace(v) {
				ok = true
				break
			}
		}
	default:
		ok = true
	}
	if !ok {
		return &RestrictionError{Field: r.Field}
	}

	data.LibraryIdentifier = NewField(subject)
	return nil
}
