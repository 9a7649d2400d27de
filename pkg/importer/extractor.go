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

package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/workerpool"

	"github.com/stackroom/circulation/pkg/model"
	"github.com/stackroom/circulation/pkg/opds"
)

// LicenseFetchConcurrency is the default parallelism for ODL
// license-info fetches within one page.
const LicenseFetchConcurrency = 10

// schemaAudiobook is the schema.org type OPDS 2.0 feeds use for audio.
const schemaAudiobook = "http://schema.org/Audiobook"

// FailedPublication records one publication that could not be imported.
// The rest of the page is unaffected.
type FailedPublication struct {
	Identifier string
	Title      string
	Error      string

	// Retryable marks transient failures as opposed to data defects
	// (a malformed identifier).
	Retryable bool
}

// ExtractResult is one page's worth of extraction.
type ExtractResult struct {
	Publications []*model.BibliographicData
	Failures     []FailedPublication
	NextURL      string

	// PageModified is the newest modified timestamp seen on the page,
	// used by the watermark stop rule.
	PageModified *time.Time
}

// Extractor turns a fetched feed page into bibliographic data. One
// implementation per protocol.
type Extractor interface {
	Extract(ctx context.Context, page []byte) (*ExtractResult, error)
}

// LicenseInfoFetcher retrieves and parses one ODL license-info document.
type LicenseInfoFetcher func(ctx context.Context, rawurl string) (*opds.LicenseInfo, error)

// drmSchemes is the set of media types recognized as DRM wrappers
// rather than content formats.
var drmSchemes = map[string]struct{}{
	opds.LCPLicenseMediaType:  {},
	opds.AdobeAdeptMediaType:  {},
	opds.BearerTokenMediaType: {},
	opds.FeedbooksDRMScheme:   {},
}

func isDRMScheme(mediaType string) bool {
	_, ok := drmSchemes[mediaType]
	return ok
}

// OPDS2Extractor handles plain OPDS 2.0 feeds: metadata plus
// link-derived formats, no per-copy licenses.
type OPDS2Extractor struct{}

func (OPDS2Extractor) Extract(_ context.Context, page []byte) (*ExtractResult, error) {
	feed, err := opds.ParseFeed(page)
	if err != nil {
		return nil, err
	}

	res := &ExtractResult{NextURL: feed.NextURL()}
	for i := range feed.Publications {
		p := &feed.Publications[i]
		data, err := extractPublication(p)
		if err != nil {
			res.Failures = append(res.Failures, publicationFailure(p, err, false))
			continue
		}
		res.trackModified(p.Metadata.Modified)
		data.Circulation = circulationFromLinks(data.Identifier, p)
		res.Publications = append(res.Publications, data)
	}
	return res, nil
}

// ODLExtractor handles OPDS 2.0 + ODL feeds. Per-publication licenses
// are reconciled against their license-info documents; info documents
// are only fetched for licenses that claim to be available.
type ODLExtractor struct {
	Fetch       LicenseInfoFetcher
	Concurrency int64
}

// licenseFetch addresses one license slot awaiting its info document.
type licenseFetch struct {
	pub int
	lic int
	url string
}

type licenseFetchResult struct {
	licenseFetch
	info *opds.LicenseInfo
	err  error
}

func (e *ODLExtractor) Extract(ctx context.Context, page []byte) (*ExtractResult, error) {
	feed, err := opds.ParseFeed(page)
	if err != nil {
		return nil, err
	}

	res := &ExtractResult{NextURL: feed.NextURL()}
	var fetches []licenseFetch

	for i := range feed.Publications {
		p := &feed.Publications[i]
		data, err := extractPublication(p)
		if err != nil {
			res.Failures = append(res.Failures, publicationFailure(p, err, false))
			continue
		}
		res.trackModified(p.Metadata.Modified)

		available := p.Metadata.Availability.Available()
		circ := &model.CirculationData{
			Identifier: data.Identifier,
			Formats:    odlFormats(p.Licenses),
		}
		idx := len(res.Publications)
		for j := range p.Licenses {
			lic := &p.Licenses[j]
			l := model.License{
				ID:           lic.Metadata.Identifier,
				CheckoutURL:  lic.CheckoutURL(),
				StatusURL:    lic.InfoURL(),
				ContentTypes: lic.Metadata.Formats,
			}
			if t := lic.Metadata.Terms; t != nil {
				l.CheckoutsLeft = t.Checkouts
				l.Expires = t.Expires
				l.Concurrency = t.Concurrency
			}
			// Only licenses the feed claims are lendable earn an info
			// fetch; everything else is recorded unavailable as-is.
			switch {
			case !available, !lic.Metadata.Availability.Available(), l.StatusURL == "":
				l.Status = model.LicenseStatusUnavailable
				l.CheckoutsAvailable = 0
			default:
				fetches = append(fetches, licenseFetch{pub: idx, lic: j, url: l.StatusURL})
			}
			circ.Licenses = append(circ.Licenses, l)
		}
		data.Circulation = circ
		res.Publications = append(res.Publications, data)
	}

	if err := e.reconcile(ctx, res, fetches); err != nil {
		return nil, err
	}
	for _, data := range res.Publications {
		data.Circulation.RecalculateCounts()
	}
	return res, nil
}

// reconcile fetches the pending info documents concurrently and folds
// the results back into the license slots. A license whose document
// cannot be fetched, or whose document identifies a different license,
// is dropped; the publication and its other licenses import normally.
func (e *ODLExtractor) reconcile(ctx context.Context, res *ExtractResult, fetches []licenseFetch) error {
	if len(fetches) == 0 {
		return nil
	}
	logger := logging.FromContext(ctx)

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = LicenseFetchConcurrency
	}
	pool := workerpool.New[licenseFetchResult](&workerpool.Config{
		Concurrency: concurrency,
		StopOnError: false,
	})
	for _, f := range fetches {
		f := f
		if err := pool.Do(ctx, func() (licenseFetchResult, error) {
			info, err := e.Fetch(ctx, f.url)
			return licenseFetchResult{licenseFetch: f, info: info, err: err}, nil
		}); err != nil {
			return fmt.Errorf("failed to enqueue license-info fetch: %w", err)
		}
	}
	results, err := pool.Done(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch license-info documents: %w", err)
	}

	drops := make(map[int]map[int]bool)
	drop := func(pub, lic int) {
		if drops[pub] == nil {
			drops[pub] = make(map[int]bool)
		}
		drops[pub][lic] = true
	}
	for _, r := range results {
		v := r.Value
		l := &res.Publications[v.pub].Circulation.Licenses[v.lic]
		if v.err != nil {
			logger.WarnContext(ctx, "failed to fetch license-info document, skipping license",
				"license", l.ID,
				"url", v.url,
				"error", v.err)
			drop(v.pub, v.lic)
			continue
		}
		// The feed and the document must agree on which license this is.
		if v.info.Identifier != "" && l.ID != "" && v.info.Identifier != l.ID {
			logger.ErrorContext(ctx, "license-info document identifies a different license, skipping license",
				"license", l.ID,
				"document_identifier", v.info.Identifier,
				"url", v.url)
			drop(v.pub, v.lic)
			continue
		}
		// A document whose terms contradict the feed's claims is trusted
		// only as far as marking the license unusable.
		if termsConflict(l, v.info) {
			logger.WarnContext(ctx, "license-info document terms contradict the feed, marking license unavailable",
				"license", l.ID,
				"url", v.url)
			l.Status = model.LicenseStatusUnavailable
			l.CheckoutsAvailable = 0
			continue
		}
		applyLicenseInfo(l, v.info)
	}

	for pub, dropSet := range drops {
		circ := res.Publications[pub].Circulation
		kept := make([]model.License, 0, len(circ.Licenses))
		for i, l := range circ.Licenses {
			if !dropSet[i] {
				kept = append(kept, l)
			}
		}
		circ.Licenses = kept
	}
	return nil
}

// termsConflict reports whether the info document's terms disagree with
// what the feed claimed for the same license.
func termsConflict(l *model.License, info *opds.LicenseInfo) bool {
	t := info.Terms
	if t == nil {
		return false
	}
	if t.Expires != nil && l.Expires != nil && !t.Expires.Equal(*l.Expires) {
		return true
	}
	if t.Concurrency != nil && l.Concurrency != nil && *t.Concurrency != *l.Concurrency {
		return true
	}
	return false
}

// applyLicenseInfo folds an info document into a license slot. The
// document is authoritative over the feed's claims.
func applyLicenseInfo(l *model.License, info *opds.LicenseInfo) {
	switch {
	case info.Available():
		l.Status = model.LicenseStatusAvailable
		l.CheckoutsAvailable = info.Checkouts.Available
	case info.Status == "preorder":
		l.Status = model.LicenseStatusPreordered
		l.CheckoutsAvailable = 0
	default:
		l.Status = model.LicenseStatusUnavailable
		l.CheckoutsAvailable = 0
	}
	if info.Checkouts.Left != nil {
		l.CheckoutsLeft = info.Checkouts.Left
	}
	if t := info.Terms; t != nil {
		if t.Expires != nil {
			l.Expires = t.Expires
		}
		if t.Concurrency != nil {
			l.Concurrency = t.Concurrency
		}
	}
	if len(info.Formats) > 0 {
		l.ContentTypes = info.Formats
	}
}

// odlFormats unions the delivery mechanisms of all licenses: each
// content format crossed with its protection schemes.
func odlFormats(licenses []opds.ODLLicense) []model.DeliveryMechanism {
	var out []model.DeliveryMechanism
	for i := range licenses {
		m := &licenses[i].Metadata
		var schemes []string
		if m.Protection != nil {
			schemes = m.Protection.Formats
		}
		for _, format := range m.Formats {
			if len(schemes) == 0 {
				out = append(out, model.DeliveryMechanism{ContentType: format})
				continue
			}
			for _, scheme := range schemes {
				out = append(out, model.DeliveryMechanism{ContentType: format, DRMScheme: scheme})
			}
		}
	}
	return dedupMechanisms(out)
}

// OPDS1Extractor handles legacy Atom feeds.
type OPDS1Extractor struct{}

func (OPDS1Extractor) Extract(_ context.Context, page []byte) (*ExtractResult, error) {
	feed, err := opds.ParseAtomFeed(page)
	if err != nil {
		return nil, err
	}

	res := &ExtractResult{NextURL: feed.NextURL()}
	for i := range feed.Entries {
		entry := &feed.Entries[i]
		data, err := extractAtomEntry(entry)
		if err != nil {
			res.Failures = append(res.Failures, FailedPublication{
				Identifier: entry.ID,
				Title:      entry.Title,
				Error:      err.Error(),
			})
			continue
		}
		if t, err := time.Parse(time.RFC3339, entry.Updated); err == nil {
			u := t.UTC()
			res.trackModified(&u)
		}
		res.Publications = append(res.Publications, data)
	}
	return res, nil
}

func extractAtomEntry(entry *opds.AtomEntry) (*model.BibliographicData, error) {
	ident, err := model.ParseURN(entry.ID)
	if err != nil {
		return nil, err
	}
	if entry.Title == "" {
		return nil, fmt.Errorf("publication %q has no title", entry.ID)
	}

	data := &model.BibliographicData{
		Identifier:  ident,
		Title:       entry.Title,
		Language:    entry.Language,
		Publisher:   entry.Publisher,
		Description: entry.Summary,
		Rights:      entry.Rights,
		Medium:      model.MediumBook,
	}
	if t, err := entry.IssuedTime(); err == nil {
		data.Issued = t
	}
	for _, a := range entry.Authors {
		if a.Name == "" {
			continue
		}
		data.Contributors = append(data.Contributors, model.Contributor{
			Name:  a.Name,
			Roles: []string{model.RoleAuthor},
		})
	}
	for _, c := range entry.Categories {
		name := c.Label
		if name == "" {
			name = c.Term
		}
		if name == "" {
			continue
		}
		data.Subjects = append(data.Subjects, model.Subject{
			Scheme: c.Scheme,
			Code:   c.Term,
			Name:   name,
		})
	}

	circ := &model.CirculationData{Identifier: ident}
	for _, l := range entry.AcquisitionLinks() {
		if l.Rel == opds.RelOpenAccess {
			circ.OpenAccess = true
			circ.UnlimitedAccess = true
		}
		if len(l.Indirect) > 0 {
			circ.Formats = append(circ.Formats, mechanismsFromIndirect(l.Indirect)...)
		} else if l.Type != "" && l.Type != opds.AtomMediaType {
			circ.Formats = append(circ.Formats, model.DeliveryMechanism{ContentType: l.Type})
		}
	}
	circ.Formats = dedupMechanisms(circ.Formats)
	if circ.UnlimitedAccess {
		circ.LicensesOwned = 0
		circ.LicensesAvailable = 0
	}
	if mechanismsSuggestAudio(circ.Formats) {
		data.Medium = model.MediumAudio
	}
	data.Circulation = circ
	return data, nil
}

func mechanismsFromIndirect(nodes []opds.IndirectAcquisition) []model.DeliveryMechanism {
	var out []model.DeliveryMechanism
	for _, n := range nodes {
		if isDRMScheme(n.Type) && len(n.Indirect) > 0 {
			for _, child := range n.Indirect {
				out = append(out, model.DeliveryMechanism{ContentType: child.Type, DRMScheme: n.Type})
			}
			continue
		}
		out = append(out, model.DeliveryMechanism{ContentType: n.Type})
	}
	return out
}

// extractPublication maps OPDS 2.0 metadata to bibliographic data.
// Shared by the OPDS2 and ODL extractors.
func extractPublication(p *opds.Publication) (*model.BibliographicData, error) {
	ident, err := model.ParseURN(p.Metadata.Identifier)
	if err != nil {
		return nil, err
	}
	if p.Metadata.Title == "" {
		return nil, fmt.Errorf("publication %q has no title", p.Metadata.Identifier)
	}

	m := &p.Metadata
	data := &model.BibliographicData{
		Identifier:  ident,
		Title:       m.Title,
		Subtitle:    m.Subtitle,
		SortTitle:   m.SortAs,
		Language:    m.Language.First(),
		Duration:    m.Duration,
		Description: m.Description,
		Medium:      model.MediumBook,
	}
	if m.Type == schemaAudiobook || len(m.Narrator) > 0 {
		data.Medium = model.MediumAudio
	}
	if m.Publisher != nil {
		data.Publisher = m.Publisher.Name
	}
	if m.Imprint != nil {
		data.Imprint = m.Imprint.Name
	}
	if m.Published != nil && !m.Published.IsZero() {
		t := m.Published.UTC()
		data.Issued = &t
	}
	addContributors(&data.Contributors, m.Author, model.RoleAuthor)
	addContributors(&data.Contributors, m.Translator, model.RoleTranslator)
	addContributors(&data.Contributors, m.Editor, model.RoleEditor)
	addContributors(&data.Contributors, m.Illustrator, model.RoleIllustrator)
	addContributors(&data.Contributors, m.Narrator, model.RoleNarrator)
	for _, s := range m.Subject {
		if s.Name == "" {
			continue
		}
		data.Subjects = append(data.Subjects, model.Subject{Scheme: s.Scheme, Code: s.Code, Name: s.Name})
	}
	if m.BelongsTo != nil && len(m.BelongsTo.Series) > 0 {
		data.Series = m.BelongsTo.Series[0].Name
		data.SeriesPosition = m.BelongsTo.Series[0].Position
	}
	return data, nil
}

func addContributors(dst *[]model.Contributor, src opds.ContributorList, role string) {
	for _, c := range src {
		if c.Name == "" {
			continue
		}
		*dst = append(*dst, model.Contributor{
			Name:     c.Name,
			SortName: c.SortAs,
			Roles:    []string{role},
		})
	}
}

// linkProperties is the slice of OPDS 2.0 link properties the importer
// reads.
type linkProperties struct {
	IndirectAcquisition []indirectNode `json:"indirectAcquisition"`
}

type indirectNode struct {
	Type  string         `json:"type"`
	Child []indirectNode `json:"child"`
}

// circulationFromLinks derives formats and access mode from a plain
// OPDS 2.0 publication's acquisition links. Feeds without per-copy
// licenses are open-ended: availability is a flag, not a count.
func circulationFromLinks(ident model.Identifier, p *opds.Publication) *model.CirculationData {
	circ := &model.CirculationData{Identifier: ident}

	var sawAcquisition bool
	for _, l := range p.Links {
		isOpenAccess := l.Rel.Contains(opds.RelOpenAccess)
		isAcquisition := isOpenAccess ||
			l.Rel.Contains(opds.RelAcquisition) ||
			l.Rel.Contains(opds.RelBorrow)
		if !isAcquisition {
			continue
		}
		sawAcquisition = true
		if isOpenAccess {
			circ.OpenAccess = true
		}

		var props linkProperties
		if len(l.Properties) > 0 {
			// Unknown property shapes are ignored, not fatal.
			_ = json.Unmarshal(l.Properties, &props)
		}
		if len(props.IndirectAcquisition) > 0 {
			circ.Formats = append(circ.Formats, mechanismsFromNodes(props.IndirectAcquisition)...)
		} else if l.Type != "" && l.Type != opds.OPDS2PublicationType {
			circ.Formats = append(circ.Formats, model.DeliveryMechanism{ContentType: l.Type})
		}
	}
	circ.Formats = dedupMechanisms(circ.Formats)

	if sawAcquisition && p.Metadata.Availability.Available() {
		circ.UnlimitedAccess = true
	}
	return circ
}

func mechanismsFromNodes(nodes []indirectNode) []model.DeliveryMechanism {
	var out []model.DeliveryMechanism
	for _, n := range nodes {
		if isDRMScheme(n.Type) && len(n.Child) > 0 {
			for _, child := range n.Child {
				out = append(out, model.DeliveryMechanism{ContentType: child.Type, DRMScheme: n.Type})
			}
			continue
		}
		out = append(out, model.DeliveryMechanism{ContentType: n.Type})
	}
	return out
}

func dedupMechanisms(in []model.DeliveryMechanism) []model.DeliveryMechanism {
	if len(in) < 2 {
		return in
	}
	seen := make(map[model.DeliveryMechanism]struct{}, len(in))
	out := in[:0]
	for _, m := range in {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func mechanismsSuggestAudio(formats []model.DeliveryMechanism) bool {
	for _, f := range formats {
		if strings.Contains(f.ContentType, "audiobook") {
			return true
		}
	}
	return false
}

func publicationFailure(p *opds.Publication, err error, retryable bool) FailedPublication {
	return FailedPublication{
		Identifier: p.Metadata.Identifier,
		Title:      p.Metadata.Title,
		Error:      err.Error(),
		Retryable:  retryable,
	}
}

func (r *ExtractResult) trackModified(t *time.Time) {
	if t == nil {
		return
	}
	if r.PageModified == nil || t.After(*r.PageModified) {
		u := t.UTC()
		r.PageModified = &u
	}
}
