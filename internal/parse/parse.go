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

// Package parse decodes raw message bytes into envelope headers and
// plain-text bodies, and derives the digests the index is keyed on.
package parse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/freerange/Sauron/internal/message"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// windows1252 maps the raw undeclared single bytes we have actually
// encountered in the wild to the character the sender meant. Bytes
// outside this table are deliberately not repaired so that corruption
// stays visible instead of being replaced with a guess.
var windows1252 = map[byte]rune{
	0xA3: '£',
	0x85: '…',
	0x96: '–',
	0xEB: 'ë',
}

// RepairEncoding fixes header text that declares no charset (or the
// wrong one) but was actually written in a legacy Western European
// code page. Valid UTF-8 passes through unchanged. If any invalid
// byte falls outside the remediation table the original string is
// returned untouched.
func RepairEncoding(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			repl, ok := windows1252[s[i]]
			if !ok {
				return s
			}
			b.WriteRune(repl)
			i++
			continue
		}
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// Header decodes the envelope of a raw message. Decoding is best
// effort: a message the parser cannot read at all yields a zero
// Header rather than an error, so one mangled message can never stall
// an import run.
func Header(raw []byte) message.Header {
	ent, err := gomessage.Read(bytes.NewReader(raw))
	if ent == nil || err != nil && !gomessage.IsUnknownCharset(err) {
		return message.Header{}
	}
	h := mail.Header{Header: ent.Header}

	var hdr message.Header
	subject, _ := h.Subject()
	hdr.Subject = RepairEncoding(strings.TrimSpace(subject))

	if froms, err := h.AddressList("From"); err == nil && len(froms) > 0 {
		hdr.From = froms[0].Address
	}

	if date, err := h.Date(); err == nil {
		hdr.Date = date
	}

	if id, err := h.MessageID(); err == nil {
		hdr.MessageID = id
	}

	hdr.DeliveredTo = strings.TrimSpace(h.Get("Delivered-To"))

	seen := make(map[string]bool)
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			hdr.Recipients = append(hdr.Recipients, addr)
		}
	}
	for _, key := range []string{"To", "Cc"} {
		if addrs, err := h.AddressList(key); err == nil {
			for _, a := range addrs {
				add(a.Address)
			}
		}
	}

	return hdr
}

// Body extracts the displayable plain text of a raw message: the
// concatenation of all text/plain leaf parts, depth first, in part
// order. Non-text parts contribute nothing. Transfer encodings and
// declared charsets are undone by the reader.
func Body(raw []byte) (string, error) {
	ent, err := gomessage.Read(bytes.NewReader(raw))
	if ent == nil {
		return "", errors.Wrap(err, "parse message")
	}
	var sb strings.Builder
	if err := collectText(ent, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func collectText(ent *gomessage.Entity, sb *strings.Builder) error {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Wrap(err, "read part")
			}
			if err := collectText(part, sb); err != nil {
				return err
			}
		}
		return nil
	}
	// ContentType defaults to text/plain when the header is absent.
	t, _, err := ent.Header.ContentType()
	if err != nil || t != "text/plain" {
		return nil
	}
	if _, err := io.Copy(sb, ent.Body); err != nil {
		return errors.Wrap(err, "read body")
	}
	return nil
}

// ContentHash returns the dedup digest for a decoded message: a
// deterministic function of the message id and the normalized
// envelope, so that every delivery of one message hashes identically
// no matter which account received it.
func ContentHash(hdr message.Header) string {
	var b bytes.Buffer
	b.WriteString(hdr.MessageID)
	b.WriteByte(0)
	b.WriteString(hdr.From)
	b.WriteByte(0)
	b.WriteString(hdr.Subject)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(hdr.Date.Unix(), 10))
	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:])
}

// EntryID derives the stable external identifier for an entry from
// the protocol message identifier. Messages without a Message-Id fall
// back to the content hash, which is equally deterministic.
func EntryID(messageID, contentHash string) string {
	if messageID == "" {
		return contentHash
	}
	sum := sha256.Sum256([]byte(messageID))
	return hex.EncodeToString(sum[:])
}
