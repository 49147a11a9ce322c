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

// Package wiretrace prints the mailbox protocol conversation to
// stdout for debugging. Plug the writer into the IMAP client's debug
// hook.
package wiretrace

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// traceWriter prefixes every line of the wire dump so it stands out
// from regular program output. Writes may arrive in fragments, so
// partial lines are buffered until their newline shows up.
type traceWriter struct {
	mu  sync.Mutex
	out io.Writer
	buf bytes.Buffer
}

func (w *traceWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Put the partial line back for the next write.
			w.buf.Write(line)
			break
		}
		if _, err := io.WriteString(w.out, "imap | "+string(line)); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Writer returns an io.Writer that dumps the wire conversation to
// stdout.
func Writer() io.Writer {
	return &traceWriter{out: os.Stdout}
}
