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

// Package opds holds the wire models and parsers for OPDS 1.x Atom
// feeds, OPDS 2.0 JSON feeds, and the ODL license extension. Parsing has
// no side effects; the importer owns all policy.
package opds

// Feed and publication media types.
const (
	AtomMediaType        = "application/atom+xml;profile=opds-catalog"
	OPDS2MediaType       = "application/opds+json"
	OPDS2PublicationType = "application/opds-publication+json"
	ODLInfoMediaType     = "application/vnd.odl.info+json"
)

// Content media types.
const (
	EPUBMediaType          = "application/epub+zip"
	PDFMediaType           = "application/pdf"
	AudiobookJSONMediaType = "application/audiobook+json"
	AudiobookLCPMediaType  = "application/audiobook+lcp"
)

// DRM scheme media types.
const (
	LCPLicenseMediaType  = "application/vnd.readium.lcp.license.v1.0+json"
	AdobeAdeptMediaType  = "application/vnd.adobe.adept+xml"
	BearerTokenMediaType = "application/vnd.librarysimplified.bearer-token+json"
	FeedbooksDRMScheme   = "http://www.feedbooks.com/audiobooks/access-restriction"
)

// Link relations.
const (
	RelNext             = "next"
	RelSelf             = "self"
	RelAcquisition      = "http://opds-spec.org/acquisition"
	RelOpenAccess       = "http://opds-spec.org/acquisition/open-access"
	RelBorrow           = "http://opds-spec.org/acquisition/borrow"
	RelImage            = "http://opds-spec.org/image"
	RelThumbnail        = "http://opds-spec.org/image/thumbnail"
	RelODLCheckout      = "http://opds-spec.org/acquisition/checkout"
)

// Availability states carried by OPDS 2.0 metadata and ODL licenses.
const (
	AvailabilityAvailable   = "available"
	AvailabilityUnavailable = "unavailable"
	AvailabilityReserved    = "reserved"
	AvailabilityReady       = "ready"
)
