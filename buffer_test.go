// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"io"
	"testing"

	"github.com/hooklift/assert"
)

func TestRollingBufferByteAdvance(t *testing.T) {
	data := srand(30, 100)
	buf, ok, err := newRollingBuffer(bytes.NewReader(data), 8, 32)
	assert.Ok(t, err)
	assert.Cond(t, ok, "expected a primed window")

	for offset := 0; ; offset++ {
		assert.Equals(t, data[offset:offset+8], buf.windowView())
		ok, err = buf.advance(1)
		assert.Ok(t, err)
		if !ok {
			assert.Equals(t, 100-8, offset)
			break
		}
	}
}

func TestRollingBufferBulkSkip(t *testing.T) {
	data := srand(31, 64)
	buf, ok, err := newRollingBuffer(bytes.NewReader(data), 8, 32)
	assert.Ok(t, err)

	offset := 0
	for ok {
		assert.Equals(t, data[offset:offset+8], buf.windowView())
		ok, err = buf.advance(8)
		assert.Ok(t, err)
		offset += 8
	}
	assert.Equals(t, 64, offset)
}

func TestRollingBufferShortStream(t *testing.T) {
	_, ok, err := newRollingBuffer(bytes.NewReader([]byte("abc")), 8, 32)
	assert.Ok(t, err)
	assert.Cond(t, !ok, "a stream shorter than the window holds no window")
}

func TestZeroPad(t *testing.T) {
	tests := []struct {
		desc      string
		seed      string
		window    int
		blocksize int
		want      string
	}{
		{"multiple of blocksize", "ABCDEFGH", 8, 4, "ABCDEFGH"},
		{"pad to blocksize", "ABCDEFGHIJ", 8, 4, "ABCDEFGHIJ\x00\x00"},
		{"short seed pads to window", "AB", 8, 4, "AB\x00\x00\x00\x00\x00\x00"},
		{"empty seed", "", 8, 4, "\x00\x00\x00\x00\x00\x00\x00\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			r := zeroPad(bytes.NewReader([]byte(tt.seed)), int64(len(tt.seed)), tt.window, tt.blocksize)
			got, err := io.ReadAll(r)
			assert.Ok(t, err)
			assert.Equals(t, []byte(tt.want), got)
		})
	}
}
