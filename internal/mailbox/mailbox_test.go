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

package mailbox

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// fakeConn scripts the remote side of the protocol.
type fakeConn struct {
	folders  []string
	examined []string
	uids     map[uint32][]uint32 // keyed by from

	// full maps uid to the BODY[] payload; a nil entry simulates a
	// server that returns no data for the primary fetch.
	full map[uint32][]byte
	// fullErr, when set, is returned for every full fetch.
	fullErr error

	header map[uint32][]byte
	text   map[uint32][]byte

	fetchCalls int
	loggedOut  bool
}

func (c *fakeConn) ListFolders(ctx context.Context) ([]string, error) {
	return c.folders, nil
}

func (c *fakeConn) Examine(ctx context.Context, folder string) error {
	c.examined = append(c.examined, folder)
	return nil
}

func (c *fakeConn) SearchUIDs(ctx context.Context, from uint32) ([]uint32, error) {
	return c.uids[from], nil
}

func (c *fakeConn) FetchUIDs(ctx context.Context, uids []uint32, item fetchItem) ([]fetchResult, error) {
	c.fetchCalls++
	if item == fetchFull && c.fullErr != nil {
		return nil, c.fullErr
	}
	var results []fetchResult
	for _, uid := range uids {
		r := fetchResult{uid: uid}
		switch item {
		case fetchFull:
			if c.full[uid] == nil {
				continue
			}
			r.full = c.full[uid]
		case fetchHeaderText:
			r.header = c.header[uid]
			r.text = c.text[uid]
		case fetchHeader:
			r.header = c.header[uid]
		}
		results = append(results, r)
	}
	return results, nil
}

func (c *fakeConn) Logout() error {
	c.loggedOut = true
	return nil
}

func connect(t *testing.T, c *fakeConn) *Mailbox {
	t.Helper()
	m, err := newMailbox(context.Background(), c, "tom@example.com")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSelectsGmailAllMailWhenPresent(t *testing.T) {
	c := &fakeConn{folders: []string{"Anything", "[Gmail]"}}
	connect(t, c)
	if diff := cmp.Diff([]string{"[Gmail]/All Mail"}, c.examined); diff != "" {
		t.Errorf("examined mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectsGoogleMailAllMailWhenNoGmailFolder(t *testing.T) {
	c := &fakeConn{folders: []string{"Anything", "[Google Mail]"}}
	connect(t, c)
	if diff := cmp.Diff([]string{"[Google Mail]/All Mail"}, c.examined); diff != "" {
		t.Errorf("examined mismatch (-want +got):\n%s", diff)
	}
}

func TestFailsWhenNoKnownAllMailFolderExists(t *testing.T) {
	c := &fakeConn{folders: []string{"Anything"}}
	_, err := newMailbox(context.Background(), c, "tom@example.com")
	if errors.Cause(err) != ErrNoAllMailFolder {
		t.Errorf("err = %v, want ErrNoAllMailFolder", err)
	}
	if !c.loggedOut {
		t.Error("connection must be closed after a failed folder selection")
	}
}

func TestUIDsListsAllMessages(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		uids:    map[uint32][]uint32{0: {1, 2, 3, 4}},
	}
	m := connect(t, c)
	uids, err := m.UIDs(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3, 4}, uids); diff != "" {
		t.Errorf("uids mismatch (-want +got):\n%s", diff)
	}
}

func TestUIDsListsFromWatermarkOnwards(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		uids:    map[uint32][]uint32{3: {3, 4}},
	}
	m := connect(t, c)
	uids, err := m.UIDs(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{3, 4}, uids); diff != "" {
		t.Errorf("uids mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchRawReturnsFullBody(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		full:    map[uint32][]byte{1: []byte("raw-message-body-1")},
	}
	m := connect(t, c)
	raw, err := m.FetchRaw(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "raw-message-body-1" {
		t.Errorf("raw = %q, want %q", raw, "raw-message-body-1")
	}
}

func TestFetchRawFallsBackToHeaderAndTextWhenFullIsEmpty(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		full:    map[uint32][]byte{},
		header:  map[uint32][]byte{1: []byte("raw-headers")},
		text:    map[uint32][]byte{1: []byte("raw-message-body-1")},
	}
	m := connect(t, c)
	raw, err := m.FetchRaw(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "raw-headersraw-message-body-1" {
		t.Errorf("raw = %q, want %q", raw, "raw-headersraw-message-body-1")
	}
}

func TestFetchRawSynthesizesMessageWhenBodyCannotBeDownloaded(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		fullErr: &imap.Error{Type: imap.StatusResponseTypeNo},
		header:  map[uint32][]byte{1: []byte("raw-headers")},
	}
	m := connect(t, c)
	raw, err := m.FetchRaw(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	want := "raw-headers\n\nThis message could not be downloaded from the server"
	if string(raw) != want {
		t.Errorf("raw = %q, want %q", raw, want)
	}
}

func TestFetchRawPropagatesOtherErrors(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		fullErr: errors.New("connection dropped"),
	}
	m := connect(t, c)
	if _, err := m.FetchRaw(context.Background(), 1); err == nil {
		t.Error("FetchRaw must propagate protocol errors")
	}
}

func TestFetchBatchFallsBackPerIdentifier(t *testing.T) {
	c := &fakeConn{
		folders: []string{"[Gmail]"},
		// uid 2 is missing from the batch reply and needs the
		// header+text fallback.
		full:   map[uint32][]byte{1: []byte("one")},
		header: map[uint32][]byte{2: []byte("raw-headers")},
		text:   map[uint32][]byte{2: []byte("two")},
	}
	m := connect(t, c)
	raws, err := m.FetchBatch(context.Background(), []uint32{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	want := map[uint32][]byte{
		1: []byte("one"),
		2: []byte("raw-headerstwo"),
	}
	if diff := cmp.Diff(want, raws); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
}
