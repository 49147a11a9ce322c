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

// This file provides the boundaries the synchronizer works across.

import (
	"context"

	"github.com/freerange/Sauron/internal/message"
)

// Mailbox lists and fetches messages from one remote account.
type Mailbox interface {
	// Account returns the email address the mailbox belongs to.
	Account() string

	// UIDs lists message identifiers in protocol order; from is
	// inclusive, zero means all.
	UIDs(ctx context.Context, from uint32) ([]uint32, error)

	// FetchRaw fetches one full raw message, degrading to a
	// synthesized placeholder message rather than failing when
	// the body cannot be downloaded.
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)

	// FetchBatch fetches several messages at once, falling back
	// to per-identifier fetches where necessary.
	FetchBatch(ctx context.Context, uids []uint32) (map[uint32][]byte, error)

	Close() error
}

// Index records deliveries and answers the existence and watermark
// queries the synchronizer needs to stay idempotent.
type Index interface {
	DeliveryExists(ctx context.Context, account string, uid uint32) (bool, error)
	RecordDelivery(ctx context.Context, account string, uid uint32, hdr message.Header, raw []byte, contentHash string) (*message.Entry, error)
	HighestUID(ctx context.Context, account string) (uint32, bool, error)
}
