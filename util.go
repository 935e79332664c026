// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"io"
	"os"
)

// proxyReader forwards reads and reports every byte count to send.
type proxyReader struct {
	reader io.Reader
	send   func(n int)
}

func (r *proxyReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	if n > 0 {
		r.send(n)
	}
	return n, err
}

// Close closes the wrapped reader when it implements io.Closer.
func (r *proxyReader) Close() error {
	if closer, ok := r.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
