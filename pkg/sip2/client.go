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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"golang.org/x/text/encoding"
)

const (
	// DefaultTimeout bounds each network operation. Configurable between
	// 1 and 9 seconds; the protocol's timeout field is a single digit.
	DefaultTimeout = 3 * time.Second

	minTimeout = 1 * time.Second
	maxTimeout = 9 * time.Second
)

// ClientConfig carries everything needed to open a SIP2 connection.
type ClientConfig struct {
	Host string
	Port int

	// UseTLS wraps the TCP connection in TLS. VerifyCert defaults to
	// true; self-signed ILS certificates are common enough that opting
	// out is supported.
	UseTLS     bool
	SkipVerify bool

	Timeout   time.Duration
	Separator byte
	Dialect   Dialect
	Charset   Charset

	// Login credentials for message 93. When LoginUserID is empty the
	// login step is skipped; some ILSes authenticate by source IP.
	LoginUserID   string
	LoginPassword string
	LocationCode  string

	// InstitutionID is sent as the AO field on patron messages.
	InstitutionID string

	// TerminalPassword is the AC field, when the ILS requires one.
	TerminalPassword string

	// ErrorDetection enables AY sequence numbers and AZ checksums.
	ErrorDetection bool
}

// normalize applies defaults and clamps the timeout into the protocol's
// representable range.
func (c *ClientConfig) normalize() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < minTimeout {
		c.Timeout = minTimeout
	}
	if c.Timeout > maxTimeout {
		c.Timeout = maxTimeout
	}
	if c.Separator == 0 {
		c.Separator = DefaultSeparator
	}
	if c.Dialect == "" {
		c.Dialect = DialectGenericILS
	}
}

// Client is a single SIP2 connection. It is not safe for concurrent
// use; the provider opens one per authentication exchange.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	cfg     *ClientConfig
	dialect DialectConfig
	enc     encoding.Encoding
	seq     int
	now     func() time.Time
}

// Dial opens a connection to the ILS.
func Dial(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	cfg.normalize()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SIP2 server %s: %w", addr, err)
	}
	if cfg.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.SkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("SIP2 TLS handshake with %s failed: %w", addr, err)
		}
		conn = tlsConn
	}
	return NewClient(conn, cfg)
}

// NewClient wraps an established connection. Split from Dial so tests
// can drive the protocol over a pipe.
func NewClient(conn net.Conn, cfg *ClientConfig) (*Client, error) {
	cfg.normalize()

	dialect, err := cfg.Dialect.Config()
	if err != nil {
		conn.Close()
		return nil, err
	}
	enc, err := cfg.Charset.Encoding()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		cfg:     cfg,
		dialect: dialect,
		enc:     enc,
		now:     time.Now,
	}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close SIP2 connection: %w", err)
	}
	return nil
}

// Login sends message 93 and fails unless the ILS answers 941.
func (c *Client) Login(ctx context.Context) error {
	m := newMessage(msgLogin).
		addFixed("0"). // UID algorithm: plain text
		addFixed("0"). // PWD algorithm: plain text
		addField("CN", c.cfg.LoginUserID, c.cfg.Separator).
		addField("CO", c.cfg.LoginPassword, c.cfg.Separator)
	if c.cfg.LocationCode != "" {
		m.addField("CP", c.cfg.LocationCode, c.cfg.Separator)
	}

	resp, err := c.exchange(ctx, m)
	if err != nil {
		return err
	}
	if resp.code != respLogin {
		return fmt.Errorf("expected SIP2 login response, got %q", resp.code)
	}
	if resp.fixed != "1" {
		return fmt.Errorf("SIP2 login rejected for user %q", c.cfg.LoginUserID)
	}
	return nil
}

// SCStatusResponse is the subset of message 98 the provider cares
// about.
type SCStatusResponse struct {
	OnlineStatus       bool
	ProtocolVersion    string
	SupportsPatronInfo bool
	InstitutionID      string
}

// SCStatus sends message 99 to learn what the ILS supports.
func (c *Client) SCStatus(ctx context.Context) (*SCStatusResponse, error) {
	m := newMessage(msgSCStatus).
		addFixed("0").   // status code: SC ok
		addFixed("040"). // max print width
		addFixed("2.00") // protocol version

	resp, err := c.exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.code != respACSStatus {
		return nil, fmt.Errorf("expected SIP2 ACS status response, got %q", resp.code)
	}

	out := &SCStatusResponse{
		OnlineStatus:    resp.fixed[0] == 'Y',
		ProtocolVersion: resp.fixed[30:34],
	}
	out.InstitutionID, _ = resp.firstField("AO")
	// BX supported-messages bitmap: position 9 is patron information.
	if bx, ok := resp.firstField("BX"); ok && len(bx) > 9 {
		out.SupportsPatronInfo = bx[9] == 'Y'
	} else {
		out.SupportsPatronInfo = true
	}
	return out, nil
}

// PatronStatus is the 14-position fixed field of message 64, decoded.
// A position reads true when the ILS flagged the condition.
type PatronStatus struct {
	ChargePrivilegesDenied    bool
	RenewalPrivilegesDenied   bool
	RecallPrivilegesDenied    bool
	HoldPrivilegesDenied      bool
	CardReportedLost          bool
	TooManyItemsCharged       bool
	TooManyItemsOverdue       bool
	TooManyRenewals           bool
	TooManyClaimsOfReturned   bool
	TooManyItemsLost          bool
	ExcessiveOutstandingFines bool
	ExcessiveOutstandingFees  bool
	RecallOverdue             bool
	TooManyItemsBilled        bool
}

func parsePatronStatus(s string) PatronStatus {
	at := func(i int) bool { return i < len(s) && s[i] == 'Y' }
	return PatronStatus{
		ChargePrivilegesDenied:    at(0),
		RenewalPrivilegesDenied:   at(1),
		RecallPrivilegesDenied:    at(2),
		HoldPrivilegesDenied:      at(3),
		CardReportedLost:          at(4),
		TooManyItemsCharged:       at(5),
		TooManyItemsOverdue:       at(6),
		TooManyRenewals:           at(7),
		TooManyClaimsOfReturned:   at(8),
		TooManyItemsLost:          at(9),
		ExcessiveOutstandingFines: at(10),
		ExcessiveOutstandingFees:  at(11),
		RecallOverdue:             at(12),
		TooManyItemsBilled:        at(13),
	}
}

// PatronInfoResponse is a parsed message 64.
type PatronInfoResponse struct {
	Status       PatronStatus
	Language     string
	PatronID     string // AA
	PersonalName string // AE

	// ValidPatron (BL) and ValidPatronPassword (CQ) are optional fields;
	// absent means the ILS did not evaluate them.
	ValidPatron         *bool
	ValidPatronPassword *bool

	FeeAmount    string // BV
	CurrencyType string // BH
	EmailAddress string // BE
	HomeAddress  string // BD
	PhoneNumber  string // BF

	// ExpirationDate is the PA field, format varies by vendor.
	ExpirationDate string

	// PatronType is the PC field (Polaris) or FU (some Sierra installs).
	PatronType string

	ScreenMessages []string // AF, repeatable
}

// PatronInformation sends message 63 and parses the 64 response.
func (c *Client) PatronInformation(ctx context.Context, patronID, password string) (*PatronInfoResponse, error) {
	m := newMessage(msgPatronInfo).
		addFixed("000"). // language: unknown
		addFixed(sipTimestamp(c.now(), c.dialect.TimezoneSpaces)).
		addFixed(strings.Repeat(" ", 10)). // summary: no detail blocks
		addField("AO", c.cfg.InstitutionID, c.cfg.Separator).
		addField("AA", patronID, c.cfg.Separator)
	if c.cfg.TerminalPassword != "" {
		m.addField("AC", c.cfg.TerminalPassword, c.cfg.Separator)
	}
	if password != "" {
		m.addField("AD", password, c.cfg.Separator)
	}

	resp, err := c.exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.code != respPatronInfo {
		return nil, fmt.Errorf("expected SIP2 patron information response, got %q", resp.code)
	}

	out := &PatronInfoResponse{
		Status:   parsePatronStatus(resp.fixed[:14]),
		Language: resp.fixed[14:17],
	}
	out.PatronID, _ = resp.firstField("AA")
	out.PersonalName, _ = resp.firstField("AE")
	out.FeeAmount, _ = resp.firstField("BV")
	out.CurrencyType, _ = resp.firstField("BH")
	out.EmailAddress, _ = resp.firstField("BE")
	out.HomeAddress, _ = resp.firstField("BD")
	out.PhoneNumber, _ = resp.firstField("BF")
	out.ExpirationDate, _ = resp.firstField("PA")
	if v, ok := resp.firstField("PC"); ok {
		out.PatronType = v
	} else {
		out.PatronType, _ = resp.firstField("FU")
	}
	if v, ok := resp.firstField("BL"); ok {
		b := v == "Y"
		out.ValidPatron = &b
	}
	if v, ok := resp.firstField("CQ"); ok {
		b := v == "Y"
		out.ValidPatronPassword = &b
	}
	out.ScreenMessages = resp.allFields("AF")
	return out, nil
}

// EndSession sends message 35 when the dialect allows it. Failures are
// logged and swallowed: the authentication result is already in hand.
func (c *Client) EndSession(ctx context.Context, patronID, password string) {
	if !c.dialect.SendEndSession {
		return
	}

	m := newMessage(msgEndSession).
		addFixed(sipTimestamp(c.now(), c.dialect.TimezoneSpaces)).
		addField("AO", c.cfg.InstitutionID, c.cfg.Separator).
		addField("AA", patronID, c.cfg.Separator)
	if password != "" {
		m.addField("AD", password, c.cfg.Separator)
	}

	if _, err := c.exchange(ctx, m); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to end SIP2 session",
			"error", err)
	}
}

// exchange sends one message and reads one response, retrying the send
// exactly once when the response fails its checksum. Sequence numbers
// advance per successful exchange; the resend reuses the sequence so
// the ILS can detect the duplicate.
func (c *Client) exchange(ctx context.Context, m *message) (*response, error) {
	resp, err := c.roundTrip(ctx, m)
	var cerr *errChecksum
	if errors.As(err, &cerr) {
		logging.FromContext(ctx).DebugContext(ctx, "SIP2 checksum mismatch, requesting resend")
		resp, err = c.roundTrip(ctx, m)
	}
	if err != nil {
		return nil, err
	}
	c.seq++
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, m *message) (*response, error) {
	deadline := c.now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set SIP2 connection deadline: %w", err)
	}

	wire, err := c.enc.NewEncoder().String(m.render(c.seq, c.cfg.Separator, c.cfg.ErrorDetection))
	if err != nil {
		return nil, fmt.Errorf("failed to encode SIP2 message: %w", err)
	}
	if _, err := c.conn.Write([]byte(wire)); err != nil {
		return nil, fmt.Errorf("failed to write SIP2 message: %w", err)
	}

	raw, err := c.reader.ReadString('\r')
	if err != nil {
		return nil, fmt.Errorf("failed to read SIP2 response: %w", err)
	}
	line, err := c.enc.NewDecoder().String(strings.TrimRight(raw, "\r\n"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode SIP2 response: %w", err)
	}

	resp, err := parseResponse(line, c.cfg.Separator, c.cfg.ErrorDetection)
	if err != nil {
		return nil, err
	}
	if resp.code == respRequestResend {
		return nil, &errChecksum{line: line}
	}
	return resp, nil
}
