package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Header is the decoded envelope of a raw message. A zero field means
// the corresponding header was absent or empty.
type Header struct {
	// Subject after encoding remediation. Empty when the message
	// carries no usable Subject header.
	Subject string

	// Address of the first From header, e.g. "bob@example.com".
	From string

	// The Date header. Zero when absent or unparseable.
	Date time.Time

	// Union of To and Cc addresses, blanks removed. The Delivered-To
	// address is kept out of this set: it names the monitored
	// account, not an addressee the sender chose, and it must never
	// satisfy a search.
	Recipients []string

	// The Message-Id header with angle brackets stripped.
	MessageID string

	// The Delivered-To header, recording which monitored address
	// this particular delivery reached.
	DeliveredTo string
}

// Entry is one logical message in the index. Every delivery sharing
// the same content hash maps to exactly one Entry; the account and UID
// identify the primary (first seen) delivery.
type Entry struct {
	// ID is the stable, URL-safe external identifier, derived from
	// the protocol message identifier. It survives reindexing.
	ID string

	// ContentHash is the dedup digest shared by all deliveries of
	// this message.
	ContentHash string

	MessageID string
	Subject   string
	From      string
	Date      time.Time

	// Primary delivery coordinates within the raw message store.
	Account string
	UID     uint32
}

// RawResolver fetches the stored raw bytes for one delivery. The
// second return value reports whether the bytes were present.
type RawResolver func(account string, uid uint32) ([]byte, bool, error)

// Message is the read model for one index entry. The raw payload is
// resolved lazily through the injected resolver and cached for the
// lifetime of the Message; raw messages are immutable once stored so
// no invalidation is needed.
type Message struct {
	Entry

	// Recipients is the union of delivered-to addresses across all
	// deliveries of this entry, blanks removed.
	Recipients []string

	resolve RawResolver
	raw     []byte
	loaded  bool
}

func New(entry Entry, recipients []string, resolve RawResolver) *Message {
	return &Message{Entry: entry, Recipients: recipients, resolve: resolve}
}

// ReceivedBy reports whether the given address is among the
// recipients of this message.
func (m *Message) ReceivedBy(address string) bool {
	for _, r := range m.Recipients {
		if r == address {
			return true
		}
	}
	return false
}

// Raw returns the original message bytes from the raw store. The
// result is memoized; an absent payload yields nil, false.
func (m *Message) Raw() ([]byte, bool, error) {
	if m.loaded {
		return m.raw, m.raw != nil, nil
	}
	raw, ok, err := m.resolve(m.Account, m.UID)
	if err != nil {
		return nil, false, err
	}
	m.loaded = true
	if ok {
		m.raw = raw
	}
	return m.raw, ok, nil
}
