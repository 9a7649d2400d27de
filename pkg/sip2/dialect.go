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

// Package sip2 implements a Standard Interchange Protocol v2 client and
// the patron authentication provider built on it. SIP2 is a
// line-oriented TCP protocol; vendors diverge on small details, which
// the Dialect table captures.
package sip2

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Dialect names a vendor behavior profile.
type Dialect string

const (
	DialectGenericILS = Dialect("GenericILS")
	DialectAGVerso    = Dialect("AutoGraphicsVerso")
	DialectPolaris    = Dialect("Polaris")
)

// DialectConfig captures how a dialect deviates from the base protocol.
type DialectConfig struct {
	// SendEndSession controls whether message 35 is sent before
	// disconnect. Some ILSes drop the connection on it.
	SendEndSession bool

	// TimezoneSpaces controls whether the 18-character timestamp's
	// timezone field is blank-padded (true) or zero-filled (false).
	TimezoneSpaces bool
}

var dialectConfigs = map[Dialect]DialectConfig{
	DialectGenericILS: {SendEndSession: true, TimezoneSpaces: false},
	DialectAGVerso:    {SendEndSession: false, TimezoneSpaces: false},
	DialectPolaris:    {SendEndSession: true, TimezoneSpaces: true},
}

// Config returns the dialect's behavior profile.
func (d Dialect) Config() (DialectConfig, error) {
	cfg, ok := dialectConfigs[d]
	if !ok {
		return DialectConfig{}, fmt.Errorf("unknown SIP2 dialect %q", d)
	}
	return cfg, nil
}

// Charset names a supported wire encoding. CP850 is the protocol's
// legacy default; modern ILSes speak UTF-8.
type Charset string

const (
	CharsetCP850 = Charset("cp850")
	CharsetUTF8  = Charset("utf-8")
)

// Encoding returns the text encoding for the charset.
func (c Charset) Encoding() (encoding.Encoding, error) {
	switch c {
	case CharsetCP850, "":
		return charmap.CodePage850, nil
	case CharsetUTF8:
		return unicode.UTF8, nil
	default:
		return nil, fmt.Errorf("unknown SIP2 charset %q", c)
	}
}
