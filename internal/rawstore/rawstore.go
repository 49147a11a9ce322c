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

// Package rawstore is a durable blob store for raw message bytes,
// keyed by (account, mailbox-local identifier). Messages are
// immutable once written.
package rawstore

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"
)

// Store writes each raw message to its own file beneath a two level
// directory farm, so that no single directory grows unboundedly.
type Store struct {
	path string
}

func New(path string) (*Store, error) {
	if err := mkdirfarm(path, 2); err != nil {
		return nil, errors.Wrapf(err, "creating message store at %q", path)
	}
	return &Store{path: path}, nil
}

// Put stores the raw bytes for one delivery. Re-putting the same key
// overwrites with identical content and is harmless.
func (s *Store) Put(account string, uid uint32, raw []byte) error {
	p := s.makePath(account, uid).join()
	if err := os.WriteFile(p, raw, messageFileMode); err != nil {
		return errors.Wrapf(err, "storing message %s/%d", account, uid)
	}
	return nil
}

// Get returns the raw bytes for one delivery, or ok == false when the
// key has never been stored.
func (s *Store) Get(account string, uid uint32) ([]byte, bool, error) {
	raw, err := os.ReadFile(s.makePath(account, uid).join())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading message %s/%d", account, uid)
	}
	return raw, true, nil
}

// Exists reports whether raw bytes are present for the key.
func (s *Store) Exists(account string, uid uint32) bool {
	_, err := os.Stat(s.makePath(account, uid).join())
	return err == nil
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// basename holds the fields encoded into the file name of a stored
// message.
type basename struct {
	account string
	uid     uint32
}

// encode returns the basename in a filename safe form: a
// distinguisher and encoding version, the escaped account, and the
// decimal uid.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "sauron-1-"
	account := escape(b.account)
	uid := strconv.FormatUint(uint64(b.uid), 10)
	sb.Grow(len(prefix) + len(account) + len(uid) + 1)
	sb.WriteString(prefix)
	sb.WriteString(account)
	sb.WriteRune('-')
	sb.WriteString(uid)
	return sb.String()
}

// Return the specified string with characters that should not appear
// in a stored message filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in a stored message filename. Only alphanumeric
// characters pass through, a strict subset of the POSIX portable
// filename character set.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}

	// Everything else must be escaped.
	return true
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(key string) []string {
	fp := fingerprint([]byte(key))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *Store) makePath(account string, uid uint32) path {
	base := basename{account: account, uid: uid}.encode()
	return path{
		root: s.path,
		dirs: pathParts(base),
		base: base,
	}
}
