// Copyright 2012 Go Free Range Ltd
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

// Package mailbox is the IMAP client for one monitored account. It
// selects the canonical all-messages folder, lists message
// identifiers and fetches raw messages with bounded fallback
// strategies for servers that will not hand over a full body.
package mailbox

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// Gmail exposes the canonical all-messages folder under two
	// spellings depending on the account's locale. Probed in this
	// order.
	allMailGmail      = "[Gmail]"
	allMailGmailFull  = "[Gmail]/All Mail"
	allMailGoogle     = "[Google Mail]"
	allMailGoogleFull = "[Google Mail]/All Mail"

	// Appended to the fetched headers when the server refuses to
	// hand over a message body. The synthesized message is
	// recorded as a complete success.
	placeholderBody = "\n\nThis message could not be downloaded from the server"

	// Commands per second sent to the server. Gmail tolerates far
	// more, but imports run unattended and there is no hurry.
	rateLimitPerSecond = 10
	rateLimitBurst     = 20
)

var (
	// ErrAuthentication means the server rejected the credentials.
	ErrAuthentication = errors.New("mailbox: authentication rejected")

	// ErrNoAllMailFolder means the folder listing contained none
	// of the known all-messages folder names.
	ErrNoAllMailFolder = errors.New("mailbox: no all-mail folder found under any known name")
)

// Credentials authenticate one account. When TokenSource is set the
// connection uses OAUTHBEARER with a token drawn from it; otherwise a
// plain LOGIN with Password.
type Credentials struct {
	Email       string
	Password    string
	TokenSource oauth2.TokenSource
}

// fetchItem names the body sections a fetch requests.
type fetchItem int

const (
	fetchFull       fetchItem = iota // BODY.PEEK[]
	fetchHeaderText                  // BODY.PEEK[HEADER] BODY.PEEK[TEXT]
	fetchHeader                      // BODY.PEEK[HEADER]
)

// fetchResult holds the sections the server returned for one uid.
type fetchResult struct {
	uid    uint32
	full   []byte
	header []byte
	text   []byte
}

// conn is the slice of the remote protocol the mailbox depends on:
// list folder names, select a folder, search identifiers, fetch
// sections, log out. Implemented for real servers by imapConn.
type conn interface {
	ListFolders(ctx context.Context) ([]string, error)
	Examine(ctx context.Context, folder string) error
	SearchUIDs(ctx context.Context, from uint32) ([]uint32, error)
	FetchUIDs(ctx context.Context, uids []uint32, item fetchItem) ([]fetchResult, error)
	Logout() error
}

// Mailbox is a connected, authenticated session with the canonical
// all-messages folder selected read-only.
type Mailbox struct {
	conn    conn
	limiter *rate.Limiter
	account string
}

// Connect dials addr, authenticates with the supplied credentials and
// selects the all-messages folder. debug, when non-nil, receives a
// dump of the wire conversation.
func Connect(ctx context.Context, addr string, creds Credentials, debug io.Writer) (*Mailbox, error) {
	c, err := dialIMAP(ctx, addr, creds, debug)
	if err != nil {
		return nil, err
	}
	return newMailbox(ctx, c, creds.Email)
}

func newMailbox(ctx context.Context, c conn, account string) (*Mailbox, error) {
	m := &Mailbox{
		conn:    c,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		account: account,
	}
	if err := m.selectAllMail(ctx); err != nil {
		c.Logout()
		return nil, err
	}
	return m, nil
}

// Account returns the email address this mailbox belongs to.
func (m *Mailbox) Account() string {
	return m.account
}

func (m *Mailbox) Close() error {
	return m.conn.Logout()
}

func (m *Mailbox) selectAllMail(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	folders, err := m.conn.ListFolders(ctx)
	if err != nil {
		return errors.Wrap(err, "listing folders")
	}
	present := make(map[string]bool, len(folders))
	for _, f := range folders {
		present[f] = true
	}

	var target string
	switch {
	case present[allMailGmail]:
		target = allMailGmailFull
	case present[allMailGoogle]:
		target = allMailGoogleFull
	default:
		return ErrNoAllMailFolder
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := m.conn.Examine(ctx, target); err != nil {
		return errors.Wrapf(err, "selecting %q", target)
	}
	return nil
}

// UIDs lists the identifiers of messages in the mailbox, in protocol
// order. When from is non-zero only identifiers >= from are returned.
// Identifiers are not assumed contiguous.
func (m *Mailbox) UIDs(ctx context.Context, from uint32) ([]uint32, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	uids, err := m.conn.SearchUIDs(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "searching uids")
	}
	return uids, nil
}

// FetchRaw fetches the full raw payload of one message. Exactly three
// strategies are tried, in order, with no retries beyond them:
//
//  1. the full body in one request;
//  2. if that returns empty, header and text fetched separately and
//     concatenated;
//  3. if the server answers the full fetch with a NO response, the
//     headers alone plus a placeholder body.
//
// A message that ends up synthesized by strategy 3 is a success, not
// a failure.
func (m *Mailbox) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	res, err := m.fetch(ctx, []uint32{uid}, fetchFull)
	if err != nil {
		if !isNoResponse(err) {
			return nil, errors.Wrapf(err, "fetching message %d", uid)
		}
		return m.fetchDegraded(ctx, uid)
	}
	if len(res) > 0 && len(res[0].full) > 0 {
		return res[0].full, nil
	}

	res, err = m.fetch(ctx, []uint32{uid}, fetchHeaderText)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching message %d header and text", uid)
	}
	if len(res) == 0 {
		return nil, errors.Errorf("no data for message %d", uid)
	}
	return append(res[0].header, res[0].text...), nil
}

// fetchDegraded synthesizes a message from the headers alone. The
// result is well formed enough for the header decoder to extract
// subject, from and date.
func (m *Mailbox) fetchDegraded(ctx context.Context, uid uint32) ([]byte, error) {
	res, err := m.fetch(ctx, []uint32{uid}, fetchHeader)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching message %d headers", uid)
	}
	if len(res) == 0 {
		return nil, errors.Errorf("no headers for message %d", uid)
	}
	return append(res[0].header, placeholderBody...), nil
}

// FetchBatch fetches several messages in one request for efficiency.
// Identifiers missing from the batch reply, or the whole batch if the
// request fails, fall back to FetchRaw with its usual strategies.
func (m *Mailbox) FetchBatch(ctx context.Context, uids []uint32) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	res, err := m.fetch(ctx, uids, fetchFull)
	if err == nil {
		for _, r := range res {
			if len(r.full) > 0 {
				out[r.uid] = r.full
			}
		}
	}

	for _, uid := range uids {
		if _, ok := out[uid]; ok {
			continue
		}
		raw, err := m.FetchRaw(ctx, uid)
		if err != nil {
			return nil, err
		}
		out[uid] = raw
	}
	return out, nil
}

func (m *Mailbox) fetch(ctx context.Context, uids []uint32, item fetchItem) ([]fetchResult, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return m.conn.FetchUIDs(ctx, uids, item)
}
