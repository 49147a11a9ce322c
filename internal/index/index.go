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

// Package index is the deduplicating message index: one entry per
// distinct message content, one delivery record per (account, uid)
// import event, with recency, existence and substring search queries
// on top.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/freerange/Sauron/internal/message"
	"github.com/freerange/Sauron/internal/parse"

	"github.com/pkg/errors"
)

var (
	createTableSQL = []string{
		// The message_index table holds one row per logical
		// message.
		//
		// Field: content_hash
		//
		//   Dedup digest over the message id and normalized
		//   envelope. Every delivery of the same message
		//   produces the same value, so the primary key makes
		//   find-or-create atomic under concurrent imports.
		//
		// Field: entry_id
		//
		//   Stable, URL-safe external identifier derived from
		//   the protocol message identifier. Not unique in the
		//   degenerate case of two distinct messages reusing a
		//   Message-Id; lookups resolve to the first-seen row.
		//
		// Field: account, uid
		//
		//   Coordinates of the primary (first seen) delivery,
		//   which is authoritative for display metadata and
		//   locates the raw bytes in the message store.
		//
		// Rows are created exactly once per distinct
		// content_hash and never updated or deleted.
		`
CREATE TABLE IF NOT EXISTS message_index (
content_hash TEXT NOT NULL PRIMARY KEY,
entry_id TEXT NOT NULL,
message_id TEXT NOT NULL,
subject TEXT NOT NULL,
from_addr TEXT NOT NULL,
date INTEGER NOT NULL,
account TEXT NOT NULL,
uid INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS message_index_entry_id ON message_index (entry_id);`,
		`CREATE INDEX IF NOT EXISTS message_index_message_id ON message_index (message_id);`,
		`CREATE INDEX IF NOT EXISTS message_index_date ON message_index (date DESC);`,
		// The deliveries table is append-only evidence that one
		// account received one message. The (account, uid)
		// primary key enforces the protocol guarantee that uids
		// are unique per mailbox but not across accounts.
		`
CREATE TABLE IF NOT EXISTS deliveries (
account TEXT NOT NULL,
uid INTEGER NOT NULL,
content_hash TEXT NOT NULL,
delivered_to TEXT NOT NULL,
PRIMARY KEY (account, uid),
FOREIGN KEY (content_hash) REFERENCES message_index (content_hash)
);`,
		`CREATE INDEX IF NOT EXISTS deliveries_content_hash ON deliveries (content_hash);`,
		// The entry_recipients table accumulates the To and Cc
		// addresses seen across all deliveries of an entry, for
		// the search query only. Delivered-To is excluded: the
		// monitored account's own address never matches a search.
		`
CREATE TABLE IF NOT EXISTS entry_recipients (
content_hash TEXT NOT NULL,
address TEXT NOT NULL,
PRIMARY KEY (content_hash, address)
);`,
	}
)

// BlobStore is the raw message store boundary the index writes
// through. Backing technology is the caller's choice.
type BlobStore interface {
	Put(account string, uid uint32, raw []byte) error
	Get(account string, uid uint32) ([]byte, bool, error)
}

// DB is the message index backed by SQLite plus a raw message store
// for message bodies.
type DB struct {
	db    *sql.DB
	store BlobStore
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, store BlobStore) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up. The default of 5
	// seconds is too short when several accounts import in
	// parallel; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, store: store}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

// DeliveryExists reports whether the (account, uid) pair has already
// been recorded. Exact match only.
func (db *DB) DeliveryExists(ctx context.Context, account string, uid uint32) (bool, error) {
	const q = `SELECT 1 FROM deliveries WHERE account = $1 AND uid = $2`
	var one int
	err := db.db.QueryRowContext(ctx, q, account, int64(uid)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "delivery existence query failed")
	}
	return true, nil
}

// RecordDelivery records one delivery of a message and persists its
// raw bytes to the message store as part of the same logical write.
// If an entry with the same content hash already exists the delivery
// is appended to it and the existing entry returned; otherwise this
// delivery becomes the primary of a new entry. Find-or-create is a
// single transaction keyed on the content_hash primary key, so
// concurrent deliveries of one message can never create two entries.
func (db *DB) RecordDelivery(ctx context.Context, account string, uid uint32, hdr message.Header, raw []byte, contentHash string) (*message.Entry, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	entryID := parse.EntryID(hdr.MessageID, contentHash)
	_, err = tx.ExecContext(ctx, `
INSERT INTO message_index (content_hash, entry_id, message_id, subject, from_addr, date, account, uid)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (content_hash) DO NOTHING`,
		contentHash, entryID, hdr.MessageID, hdr.Subject, hdr.From, hdr.Date.Unix(), account, int64(uid))
	if err != nil {
		return nil, errors.Wrap(err, "entry upsert failed")
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO deliveries (account, uid, content_hash, delivered_to)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account, uid) DO NOTHING`,
		account, int64(uid), contentHash, hdr.DeliveredTo)
	if err != nil {
		return nil, errors.Wrap(err, "delivery insert failed")
	}

	for _, addr := range hdr.Recipients {
		_, err = tx.ExecContext(ctx, `
INSERT INTO entry_recipients (content_hash, address)
VALUES ($1, $2)
ON CONFLICT (content_hash, address) DO NOTHING`,
			contentHash, addr)
		if err != nil {
			return nil, errors.Wrap(err, "recipient insert failed")
		}
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx,
		selectEntry+` WHERE content_hash = $1`, contentHash))
	if err != nil {
		return nil, errors.Wrap(err, "entry readback failed")
	}

	if err := db.store.Put(account, uid, raw); err != nil {
		return nil, errors.Wrap(err, "raw message store write failed")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit failed")
	}
	return entry, nil
}

// HighestUID returns the watermark for an account: the maximum
// mailbox-local identifier recorded across all its deliveries. The
// second return value is false when the account has no deliveries.
func (db *DB) HighestUID(ctx context.Context, account string) (uint32, bool, error) {
	const q = `SELECT MAX(uid) FROM deliveries WHERE account = $1`
	var uid sql.NullInt64
	if err := db.db.QueryRowContext(ctx, q, account).Scan(&uid); err != nil {
		return 0, false, errors.Wrap(err, "watermark query failed")
	}
	if !uid.Valid {
		return 0, false, nil
	}
	return uint32(uid.Int64), true, nil
}

const selectEntry = `
SELECT content_hash, entry_id, message_id, subject, from_addr, date, account, uid
FROM message_index`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*message.Entry, error) {
	var e message.Entry
	var date, uid int64
	err := row.Scan(&e.ContentHash, &e.ID, &e.MessageID, &e.Subject, &e.From, &date, &e.Account, &uid)
	if err != nil {
		return nil, err
	}
	e.Date = time.Unix(date, 0).UTC()
	e.UID = uint32(uid)
	return &e, nil
}

// MostRecent returns up to limit entries sorted by date descending,
// one row per entry regardless of how many deliveries it has,
// excluding entries whose sender matches any of the given patterns. A
// pattern is an exact, case-sensitive address with an optional single
// trailing-prefix wildcard, e.g. "a*@example.com".
func (db *DB) MostRecent(ctx context.Context, limit int, excluding []string) ([]*message.Message, error) {
	q := selectEntry
	args := []any{}
	for _, pattern := range excluding {
		if len(args) == 0 {
			q += " WHERE"
		} else {
			q += " AND"
		}
		q += fmt.Sprintf(" from_addr NOT GLOB $%d", len(args)+1)
		args = append(args, globEscape(pattern))
	}
	q += fmt.Sprintf(" ORDER BY date DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "most recent query failed")
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "most recent scan failed")
		}
		msg, err := db.message(ctx, entry)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, errors.Wrap(rows.Err(), "most recent rows failed")
}

// globEscape neutralizes the GLOB metacharacters "?" and "[" by
// wrapping them in single-character classes. "*" passes through: it is
// the one wildcard exclusion patterns support; every other character
// compares exactly.
func globEscape(pattern string) string {
	if !strings.ContainsAny(pattern, "?[") {
		return pattern
	}
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	for _, r := range pattern {
		switch r {
		case '?', '[':
			b.WriteRune('[')
			b.WriteRune(r)
			b.WriteRune(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Search returns entries whose subject, from, to, cc or body contains
// term as a case-sensitive substring, sorted by date descending.
// Internal identifiers never match. Bodies are materialized lazily
// from the raw message store, only for entries the indexed fields did
// not already match.
func (db *DB) Search(ctx context.Context, term string) ([]*message.Message, error) {
	const q = `
SELECT content_hash, entry_id, message_id, subject, from_addr, date, account, uid,
(instr(subject, $1) > 0
 OR instr(from_addr, $1) > 0
 OR EXISTS (SELECT 1 FROM entry_recipients r
            WHERE r.content_hash = message_index.content_hash
            AND instr(r.address, $1) > 0)) AS meta_match
FROM message_index
ORDER BY date DESC`

	rows, err := db.db.QueryContext(ctx, q, term)
	if err != nil {
		return nil, errors.Wrap(err, "search query failed")
	}
	defer rows.Close()

	type candidate struct {
		entry     *message.Entry
		metaMatch bool
	}
	var candidates []candidate
	for rows.Next() {
		var e message.Entry
		var date, uid, metaMatch int64
		err := rows.Scan(&e.ContentHash, &e.ID, &e.MessageID, &e.Subject, &e.From, &date, &e.Account, &uid, &metaMatch)
		if err != nil {
			return nil, errors.Wrap(err, "search scan failed")
		}
		e.Date = time.Unix(date, 0).UTC()
		e.UID = uint32(uid)
		candidates = append(candidates, candidate{&e, metaMatch != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "search rows failed")
	}

	var msgs []*message.Message
	for _, c := range candidates {
		if !c.metaMatch {
			ok, err := db.bodyContains(c.entry, term)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		msg, err := db.message(ctx, c.entry)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (db *DB) bodyContains(entry *message.Entry, term string) (bool, error) {
	raw, ok, err := db.store.Get(entry.Account, entry.UID)
	if err != nil {
		return false, errors.Wrapf(err, "fetching raw message %s/%d", entry.Account, entry.UID)
	}
	if !ok {
		return false, nil
	}
	body, err := parse.Body(raw)
	if err != nil {
		// A body we cannot parse simply does not match.
		return false, nil
	}
	return strings.Contains(body, term), nil
}

// Find returns the entry with the given external identifier, or nil
// when no such entry exists. When two entries share an identifier the
// first seen wins.
func (db *DB) Find(ctx context.Context, entryID string) (*message.Message, error) {
	return db.findOne(ctx, ` WHERE entry_id = $1 ORDER BY rowid ASC LIMIT 1`, entryID)
}

// FindByMessageID returns the entry recorded for a protocol message
// identifier, or nil when no such entry exists.
func (db *DB) FindByMessageID(ctx context.Context, messageID string) (*message.Message, error) {
	return db.findOne(ctx, ` WHERE message_id = $1 ORDER BY rowid ASC LIMIT 1`, messageID)
}

func (db *DB) findOne(ctx context.Context, where string, arg any) (*message.Message, error) {
	entry, err := scanEntry(db.db.QueryRowContext(ctx, selectEntry+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find query failed")
	}
	return db.message(ctx, entry)
}

// message builds the read model: entry metadata, the recipient union
// across deliveries, and a lazy resolver into the raw store.
func (db *DB) message(ctx context.Context, entry *message.Entry) (*message.Message, error) {
	recipients, err := db.recipientsOf(ctx, entry.ContentHash)
	if err != nil {
		return nil, err
	}
	return message.New(*entry, recipients, db.store.Get), nil
}

func (db *DB) recipientsOf(ctx context.Context, contentHash string) ([]string, error) {
	const q = `SELECT delivered_to FROM deliveries WHERE content_hash = $1 ORDER BY rowid ASC`
	rows, err := db.db.QueryContext(ctx, q, contentHash)
	if err != nil {
		return nil, errors.Wrap(err, "recipients query failed")
	}
	defer rows.Close()

	var recipients []string
	seen := make(map[string]bool)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, errors.Wrap(err, "recipients scan failed")
		}
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		recipients = append(recipients, addr)
	}
	return recipients, errors.Wrap(rows.Err(), "recipients rows failed")
}
