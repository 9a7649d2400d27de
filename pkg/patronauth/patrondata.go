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

// Package patronauth defines the provider-neutral patron authentication
// contract: the PatronData snapshot, the closed block-reason taxonomy,
// the provider interface and registry, and library-identifier
// restrictions. Protocol clients live in their own packages (sip2,
// sirsidynix, oidc).
package patronauth

import (
	"time"

	"github.com/shopspring/decimal"
)

// BlockReason is the closed taxonomy of reasons a patron may be barred
// from borrowing. NoValue means "no signal"; Unknown means "the
// provider signaled a block we could not map", which is a different
// fact.
type BlockReason string

const (
	BlockNoValue               = BlockReason("")
	BlockCardReportedLost      = BlockReason("card reported lost")
	BlockExcessiveFines        = BlockReason("excessive fines")
	BlockExcessiveFees         = BlockReason("excessive fees")
	BlockTooManyLoans          = BlockReason("too many items checked out")
	BlockTooManyOverdue        = BlockReason("too many items overdue")
	BlockTooManyLost           = BlockReason("too many items lost")
	BlockTooManyRenewals       = BlockReason("too many renewals")
	BlockRecallOverdue         = BlockReason("recall overdue")
	BlockNoBorrowingPrivileges = BlockReason("no borrowing privileges")
	BlockPatronBlocked         = BlockReason("patron blocked")
	BlockExpired               = BlockReason("authorization expired")
	BlockNotApproved           = BlockReason("patron not approved")
	BlockUnknown               = BlockReason("unknown")
)

// Blocked reports whether the reason bars borrowing.
func (b BlockReason) Blocked() bool {
	return b != BlockNoValue
}

// Field is a tri-state string: unset (the provider said nothing),
// explicitly absent (the provider said "no value"), or a value. The
// distinction matters when merging authentication-time snapshots into
// stored patrons: unset fields must not clobber known data.
type Field struct {
	set     bool
	noValue bool
	value   string
}

// NewField carries a value.
func NewField(v string) Field {
	return Field{set: true, value: v}
}

// NoValue carries the explicit absence of a value.
func NoValue() Field {
	return Field{set: true, noValue: true}
}

// IsSet reports whether the provider said anything at all.
func (f Field) IsSet() bool { return f.set }

// IsNoValue reports an explicit absence.
func (f Field) IsNoValue() bool { return f.set && f.noValue }

// Value returns the carried value, or "" when unset or absent.
func (f Field) Value() string {
	if !f.set || f.noValue {
		return ""
	}
	return f.value
}

// PatronData is the authentication-time snapshot of one patron as the
// upstream ILS reports them. Complete=false means a second round trip
// (RemotePatronLookup) is needed to fill personal details.
type PatronData struct {
	PermanentID             Field
	AuthorizationIdentifier Field
	Username                Field
	PersonalName            Field
	EmailAddress            Field
	ExternalType            Field
	LibraryIdentifier       Field
	Fines                   *decimal.Decimal
	AuthorizationExpires    *time.Time
	BlockReason             BlockReason
	Complete                bool
}

// Blocked reports whether this snapshot bars borrowing.
func (p *PatronData) Blocked() bool {
	return p.BlockReason.Blocked()
}
