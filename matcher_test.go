// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hooklift/assert"
)

func newTestWriter(t *testing.T, cf *ControlFile) *outputFileWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out")
	w, err := newOutputFileWriter(path, cf, &events{})
	assert.Ok(t, err)
	t.Cleanup(w.abort)
	return w
}

// scanBytes drives the matcher over an in-memory seed the way the
// orchestrator drives it over a seed file.
func scanBytes(t *testing.T, cf *ControlFile, w *outputFileWriter, seed []byte) {
	t.Helper()
	m := newBlockMatcher(cf)
	r := zeroPad(bytes.NewReader(seed), int64(len(seed)), m.windowSize(), cf.Header.Blocksize)
	buf, ok, err := newRollingBuffer(r, m.windowSize(), 16*m.windowSize())
	assert.Ok(t, err)
	for ok {
		n, err := m.match(w, buf)
		assert.Ok(t, err)
		if w.isComplete() {
			break
		}
		ok, err = buf.advance(n)
		assert.Ok(t, err)
	}
}

func outputContents(t *testing.T, w *outputFileWriter) []byte {
	t.Helper()
	assert.Ok(t, w.close())
	data, err := os.ReadFile(w.path)
	assert.Ok(t, err)
	return data
}

func TestMatchIdentitySeed(t *testing.T) {
	target := []byte("ABCDEFGH")
	cf := makeControlFile(t, target, smallParams)
	w := newTestWriter(t, cf)

	scanBytes(t, cf, w, target)

	assert.Cond(t, w.isComplete(), "identity seed should complete the target")
	assert.Equals(t, 0, len(w.missingRanges()))
	assert.Equals(t, target, outputContents(t, w))
}

func TestMatchShiftedSeed(t *testing.T) {
	target := []byte("ABCDEFGH")
	cf := makeControlFile(t, target, smallParams)
	w := newTestWriter(t, cf)

	scanBytes(t, cf, w, []byte("XXABCDEFGHYY"))

	assert.Cond(t, w.isComplete(), "both blocks occur at offset 2 of the seed")
	assert.Equals(t, target, outputContents(t, w))
}

func TestMatchPartialSeed(t *testing.T) {
	target := []byte("ABCDEFGH")
	cf := makeControlFile(t, target, smallParams)
	w := newTestWriter(t, cf)

	scanBytes(t, cf, w, []byte("ABCDZZZZ"))

	assert.Cond(t, !w.isComplete(), "block 1 has no source in the seed")
	assert.Equals(t, []byteRange{{Start: 4, End: 8}}, w.missingRanges())
}

// TestMatchShiftedSeedLaw checks that a seed holding the target at any
// byte offset still yields every aligned block.
func TestMatchShiftedSeedLaw(t *testing.T) {
	target := srand(40, 48)
	p := controlFileParams{blocksize: 8, seqMatches: 2, weakLen: 2, strongLen: 3, url: "file", filename: "file"}
	cf := makeControlFile(t, target, p)

	for shift := 1; shift < 8; shift++ {
		w := newTestWriter(t, cf)
		seed := append(append([]byte{}, srand(int64(shift), shift)...), target...)
		scanBytes(t, cf, w, seed)
		assert.Cond(t, w.isComplete(), "shifted seed should recover every block")
	}
}

func TestMatchSingleSequence(t *testing.T) {
	target := []byte("ABCDEFGH")
	p := smallParams
	p.seqMatches = 1
	cf := makeControlFile(t, target, p)
	w := newTestWriter(t, cf)

	scanBytes(t, cf, w, []byte("ZABCD"))

	assert.Cond(t, !w.isComplete(), "only block 0 is present in the seed")
	assert.Equals(t, []byteRange{{Start: 4, End: 8}}, w.missingRanges())
}

func TestMatchLastBlockAlone(t *testing.T) {
	// With sequence matching the final block carries no successor and must
	// still be reachable from its own weak sum.
	target := []byte("ABCDEFGH")
	cf := makeControlFile(t, target, smallParams)
	w := newTestWriter(t, cf)

	scanBytes(t, cf, w, []byte("YYYYEFGHYYYY"))

	assert.Cond(t, !w.isComplete(), "block 0 has no source in the seed")
	assert.Equals(t, []byteRange{{Start: 0, End: 4}}, w.missingRanges())
}

func TestMatchRepeatedBlocks(t *testing.T) {
	// Identical blocks share a bucket; one window write satisfies all of
	// them.
	target := []byte("ABCDABCD")
	cf := makeControlFile(t, target, smallParams)
	w := newTestWriter(t, cf)

	scanBytes(t, cf, w, []byte("ABCD"))

	assert.Cond(t, w.isComplete(), "one occurrence should satisfy both blocks")
	assert.Equals(t, target, outputContents(t, w))
}
