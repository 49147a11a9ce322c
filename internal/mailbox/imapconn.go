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
	"crypto/tls"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// imapConn implements conn against a real IMAP server.
type imapConn struct {
	client *imapclient.Client
}

func dialIMAP(ctx context.Context, addr string, creds Credentials, debug io.Writer) (conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad mailbox address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad mailbox port in %q", addr)
	}

	options := &imapclient.Options{
		TLSConfig:   &tls.Config{ServerName: host},
		DebugWriter: debug,
	}
	client, err := imapclient.DialTLS(addr, options)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	if creds.TokenSource != nil {
		token, err := creds.TokenSource.Token()
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "obtaining OAuth token")
		}
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Email,
			Token:    token.AccessToken,
			Host:     host,
			Port:     port,
		})
		if err := client.Authenticate(saslClient); err != nil {
			client.Close()
			return nil, errors.Wrapf(ErrAuthentication, "bearer auth for %s: %v", creds.Email, err)
		}
	} else {
		if err := client.Login(creds.Email, creds.Password).Wait(); err != nil {
			client.Close()
			return nil, errors.Wrapf(ErrAuthentication, "login for %s: %v", creds.Email, err)
		}
	}

	return &imapConn{client: client}, nil
}

func (c *imapConn) ListFolders(ctx context.Context) ([]string, error) {
	list, err := c.client.List("", "%", nil).Collect()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list))
	for _, d := range list {
		names = append(names, d.Mailbox)
	}
	return names, nil
}

func (c *imapConn) Examine(ctx context.Context, folder string) error {
	_, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	return err
}

func (c *imapConn) SearchUIDs(ctx context.Context, from uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if from > 0 {
		// Stop zero is the protocol's "*": everything from the
		// watermark onwards.
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(from)}}}
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	all := data.AllUIDs()
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (c *imapConn) FetchUIDs(ctx context.Context, uids []uint32, item fetchItem) ([]fetchResult, error) {
	ids := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, imap.UID(uid))
	}
	set := imap.UIDSetNum(ids...)

	full := &imap.FetchItemBodySection{Peek: true}
	header := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	text := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText, Peek: true}

	var sections []*imap.FetchItemBodySection
	switch item {
	case fetchFull:
		sections = []*imap.FetchItemBodySection{full}
	case fetchHeaderText:
		sections = []*imap.FetchItemBodySection{header, text}
	case fetchHeader:
		sections = []*imap.FetchItemBodySection{header}
	}

	buffers, err := c.client.Fetch(set, &imap.FetchOptions{
		UID:         true,
		BodySection: sections,
	}).Collect()
	if err != nil {
		return nil, err
	}

	results := make([]fetchResult, 0, len(buffers))
	for _, buf := range buffers {
		results = append(results, fetchResult{
			uid:    uint32(buf.UID),
			full:   buf.FindBodySection(full),
			header: buf.FindBodySection(header),
			text:   buf.FindBodySection(text),
		})
	}
	return results, nil
}

func (c *imapConn) Logout() error {
	err := c.client.Logout().Wait()
	c.client.Close()
	return err
}

// isNoResponse reports whether err is the server's tagged NO reply,
// the signal that a message exists but its data will not be served.
func isNoResponse(err error) bool {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return imapErr.Type == imap.StatusResponseTypeNo
	}
	return false
}
