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

package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/freerange/Sauron/internal/message"
	"github.com/freerange/Sauron/internal/parse"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type fakeMailbox struct {
	account string
	uids    []uint32
	raws    map[uint32][]byte

	fetchedUIDs []uint32
	closed      bool
}

func (m *fakeMailbox) Account() string { return m.account }

func (m *fakeMailbox) UIDs(ctx context.Context, from uint32) ([]uint32, error) {
	var out []uint32
	for _, uid := range m.uids {
		if uid >= from {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (m *fakeMailbox) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	m.fetchedUIDs = append(m.fetchedUIDs, uid)
	raw, ok := m.raws[uid]
	if !ok {
		return nil, errors.Errorf("no message %d", uid)
	}
	return raw, nil
}

func (m *fakeMailbox) FetchBatch(ctx context.Context, uids []uint32) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte, len(uids))
	for _, uid := range uids {
		raw, err := m.FetchRaw(ctx, uid)
		if err != nil {
			return nil, err
		}
		out[uid] = raw
	}
	return out, nil
}

func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

type recordedDelivery struct {
	account string
	uid     uint32
	hdr     message.Header
}

// fakeIndex records deliveries in memory. Guarded by a mutex because
// ImportAll records from several goroutines.
type fakeIndex struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

func (idx *fakeIndex) DeliveryExists(ctx context.Context, account string, uid uint32) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, d := range idx.deliveries {
		if d.account == account && d.uid == uid {
			return true, nil
		}
	}
	return false, nil
}

func (idx *fakeIndex) RecordDelivery(ctx context.Context, account string, uid uint32, hdr message.Header, raw []byte, contentHash string) (*message.Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deliveries = append(idx.deliveries, recordedDelivery{account, uid, hdr})
	return &message.Entry{
		ID:          parse.EntryID(hdr.MessageID, contentHash),
		ContentHash: contentHash,
		Subject:     hdr.Subject,
		Account:     account,
		UID:         uid,
	}, nil
}

func (idx *fakeIndex) HighestUID(ctx context.Context, account string) (uint32, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var max uint32
	var found bool
	for _, d := range idx.deliveries {
		if d.account == account && d.uid >= max {
			max = d.uid
			found = true
		}
	}
	return max, found, nil
}

func (idx *fakeIndex) uids(account string) []uint32 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var out []uint32
	for _, d := range idx.deliveries {
		if d.account == account {
			out = append(out, d.uid)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func raw(uid uint32) []byte {
	return []byte(fmt.Sprintf("Message-Id: <id-%d@example.com>\r\n"+
		"From: bob@example.com\r\n"+
		"Subject: message %d\r\n"+
		"Date: Sun, 1 Jan 2012 09:00:00 +0000\r\n"+
		"\r\n"+
		"body %d\r\n", uid, uid, uid))
}

func TestRunImportsAllMessages(t *testing.T) {
	mb := &fakeMailbox{
		account: "tom@example.com",
		uids:    []uint32{3, 4},
		raws:    map[uint32][]byte{3: raw(3), 4: raw(4)},
	}
	idx := &fakeIndex{}

	n, err := New(mb, idx, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Run = %d, want 2", n)
	}
	if diff := cmp.Diff([]uint32{3, 4}, idx.uids("tom@example.com")); diff != "" {
		t.Errorf("recorded uids mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSkipsAlreadyImportedMessages(t *testing.T) {
	mb := &fakeMailbox{
		account: "tom@example.com",
		uids:    []uint32{5},
		raws:    map[uint32][]byte{5: raw(5)},
	}
	idx := &fakeIndex{}
	idx.RecordDelivery(context.Background(), "tom@example.com", 5, parse.Header(raw(5)), raw(5), "hash-5")

	n, err := New(mb, idx, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Run = %d, want 0", n)
	}
	if len(mb.fetchedUIDs) != 0 {
		t.Errorf("fetched %v, want nothing for an already imported message", mb.fetchedUIDs)
	}
}

func TestRunResumesFromWatermark(t *testing.T) {
	mb := &fakeMailbox{
		account: "tom@example.com",
		uids:    []uint32{1, 2, 3},
		raws:    map[uint32][]byte{1: raw(1), 2: raw(2), 3: raw(3)},
	}
	idx := &fakeIndex{}
	idx.RecordDelivery(context.Background(), "tom@example.com", 1, parse.Header(raw(1)), raw(1), "hash-1")
	idx.RecordDelivery(context.Background(), "tom@example.com", 2, parse.Header(raw(2)), raw(2), "hash-2")

	n, err := New(mb, idx, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Run = %d, want 1", n)
	}
	// The watermark identifier itself is re-listed and skipped, never
	// refetched.
	if diff := cmp.Diff([]uint32{3}, mb.fetchedUIDs); diff != "" {
		t.Errorf("fetched uids mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReportsProgressOnFailure(t *testing.T) {
	mb := &fakeMailbox{
		account: "tom@example.com",
		uids:    []uint32{1, 2},
		raws:    map[uint32][]byte{1: raw(1), 2: raw(2)},
	}
	boom := errors.New("disk full")
	failing := &failingIndex{fakeIndex: &fakeIndex{}, failAfter: 1, err: boom}

	n, err := New(mb, failing, discardLogger()).Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded, want a failure")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Run error = %T, want *RunError", err)
	}
	if runErr.Processed != 1 || n != 1 {
		t.Errorf("processed = (%d, %d), want (1, 1)", runErr.Processed, n)
	}
	if errors.Cause(runErr.Err) != boom {
		t.Errorf("cause = %v, want the recording error", runErr.Err)
	}
}

// failingIndex fails RecordDelivery after a set number of successes.
type failingIndex struct {
	*fakeIndex
	failAfter int
	err       error
	step      int
}

func (idx *failingIndex) RecordDelivery(ctx context.Context, account string, uid uint32, hdr message.Header, raw []byte, contentHash string) (*message.Entry, error) {
	if idx.step >= idx.failAfter {
		return nil, idx.err
	}
	idx.step++
	return idx.fakeIndex.RecordDelivery(ctx, account, uid, hdr, raw, contentHash)
}

func TestImportAllRunsEverySource(t *testing.T) {
	tom := &fakeMailbox{
		account: "tom@example.com",
		uids:    []uint32{1},
		raws:    map[uint32][]byte{1: raw(1)},
	}
	chris := &fakeMailbox{
		account: "chris@example.com",
		uids:    []uint32{1},
		raws:    map[uint32][]byte{1: raw(1)},
	}
	idx := &fakeIndex{}

	sources := []Source{
		func(ctx context.Context) (Mailbox, error) { return tom, nil },
		func(ctx context.Context) (Mailbox, error) { return chris, nil },
	}
	if err := ImportAll(context.Background(), idx, discardLogger(), sources); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{1}, idx.uids("tom@example.com")); diff != "" {
		t.Errorf("tom uids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{1}, idx.uids("chris@example.com")); diff != "" {
		t.Errorf("chris uids mismatch (-want +got):\n%s", diff)
	}
	if !tom.closed || !chris.closed {
		t.Error("mailbox sessions must be closed after the run")
	}
}
