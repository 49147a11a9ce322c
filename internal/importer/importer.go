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

// Package importer synchronizes remote mailboxes into the message
// index. Runs are idempotent and resumable: an interrupted run picks
// up from the persisted watermark, and identifiers already indexed
// are never fetched again.
package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/freerange/Sauron/internal/parse"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// batchSize bounds how many messages one fetch command requests.
const batchSize = 50

// RunError reports a failed import run together with the number of
// identifiers committed before the failure, so callers can report
// partial progress and retry later from the watermark.
type RunError struct {
	Processed int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("import failed after %d messages: %v", e.Processed, e.Err)
}

func (e *RunError) Cause() error { return e.Err }

func (e *RunError) Unwrap() error { return e.Err }

// Importer synchronizes one mailbox into the index.
type Importer struct {
	mailbox Mailbox
	index   Index
	logger  *slog.Logger
}

func New(mb Mailbox, idx Index, logger *slog.Logger) *Importer {
	return &Importer{mailbox: mb, index: idx, logger: logger}
}

// Run performs one full synchronization pass and returns the number
// of newly recorded deliveries. Listing starts from the account's
// watermark; the watermark identifier itself is re-listed and then
// skipped by the existence check, so an interrupted run can never
// miss an identifier. Any failure is returned as a *RunError carrying
// the progress made.
func (im *Importer) Run(ctx context.Context) (int, error) {
	account := im.mailbox.Account()

	watermark, _, err := im.index.HighestUID(ctx, account)
	if err != nil {
		return 0, &RunError{Err: errors.Wrap(err, "reading watermark")}
	}

	uids, err := im.mailbox.UIDs(ctx, watermark)
	if err != nil {
		return 0, &RunError{Err: errors.Wrap(err, "listing mailbox")}
	}
	im.logger.Info("listed mailbox", "account", account, "uids", len(uids), "watermark", watermark)

	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		exists, err := im.index.DeliveryExists(ctx, account, uid)
		if err != nil {
			return 0, &RunError{Err: errors.Wrapf(err, "existence check for %d", uid)}
		}
		if !exists {
			pending = append(pending, uid)
		}
	}

	processed := 0
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		raws, err := im.mailbox.FetchBatch(ctx, batch)
		if err != nil {
			return processed, &RunError{Processed: processed, Err: errors.Wrap(err, "fetching batch")}
		}

		// Record in listing order so the watermark progresses
		// monotonically.
		for _, uid := range batch {
			raw, ok := raws[uid]
			if !ok {
				return processed, &RunError{Processed: processed, Err: errors.Errorf("no data for message %d", uid)}
			}
			hdr := parse.Header(raw)
			entry, err := im.index.RecordDelivery(ctx, account, uid, hdr, raw, parse.ContentHash(hdr))
			if err != nil {
				return processed, &RunError{Processed: processed, Err: errors.Wrapf(err, "recording message %d", uid)}
			}
			processed++
			im.logger.Debug("recorded delivery",
				"account", account, "uid", uid, "entry", entry.ID, "subject", hdr.Subject)
		}
	}

	im.logger.Info("import complete", "account", account, "new", processed)
	return processed, nil
}

// A Source opens a mailbox session for one account.
type Source func(ctx context.Context) (Mailbox, error)

// ImportAll runs one import per source concurrently. Imports for
// different accounts are independent; the first failure cancels the
// remaining runs and is returned.
func ImportAll(ctx context.Context, idx Index, logger *slog.Logger, sources []Source) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		grp.Go(func() error {
			mb, err := src(ctx)
			if err != nil {
				return err
			}
			defer mb.Close()
			_, err = New(mb, idx, logger).Run(ctx)
			return err
		})
	}
	return grp.Wait()
}
