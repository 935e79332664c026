// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"testing"

	"github.com/hooklift/assert"
	"golang.org/x/crypto/md4"
)

var alpha = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789\n"

// srand generates a random byte string of fixed size.
func srand(seed int64, size int) []byte {
	buf := make([]byte, size)
	rand.Seed(seed)
	for i := 0; i < size; i++ {
		buf[i] = alpha[rand.Intn(len(alpha))]
	}
	return buf
}

// controlFileParams mirror what zsyncmake would be invoked with.
type controlFileParams struct {
	blocksize  int
	seqMatches int
	weakLen    int
	strongLen  int
	url        string
	filename   string
	mtime      string
	// digests selects the whole-file digest headers to emit: "md4" (the
	// default when empty), "sha1", or "both".
	digests string
}

// smallParams are the literal values of the end-to-end scenarios.
var smallParams = controlFileParams{
	blocksize:  4,
	seqMatches: 2,
	weakLen:    2,
	strongLen:  3,
	url:        "file",
	filename:   "file",
}

// makeControlFileBytes produces the control file a producer would emit for
// target: the text header followed by one (weak, strong) record per
// zero-padded block.
func makeControlFileBytes(target []byte, p controlFileParams) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "zsync: 0.6.2\n")
	fmt.Fprintf(&buf, "Filename: %s\n", p.filename)
	if p.mtime != "" {
		fmt.Fprintf(&buf, "MTime: %s\n", p.mtime)
	}
	fmt.Fprintf(&buf, "Blocksize: %d\n", p.blocksize)
	fmt.Fprintf(&buf, "Length: %d\n", len(target))
	fmt.Fprintf(&buf, "Hash-Lengths: %d,%d,%d\n", p.seqMatches, p.weakLen, p.strongLen)
	fmt.Fprintf(&buf, "URL: %s\n", p.url)
	if p.digests == "sha1" || p.digests == "both" {
		fmt.Fprintf(&buf, "SHA-1: %x\n", sha1.Sum(target))
	}
	if p.digests == "" || p.digests == "md4" || p.digests == "both" {
		h := md4.New()
		h.Write(target)
		fmt.Fprintf(&buf, "MD4: %x\n", h.Sum(nil))
	}
	buf.WriteByte('\n')

	n := numBlocks(int64(len(target)), p.blocksize)
	for k := 0; k < n; k++ {
		block := make([]byte, p.blocksize)
		copy(block, target[k*p.blocksize:])
		var rs rollingSum
		rs.init(block)
		weak := rs.sum32() & weakMask(p.weakLen)
		for i := p.weakLen - 1; i >= 0; i-- {
			buf.WriteByte(byte(weak >> (8 * uint(i))))
		}
		buf.Write(strongSum(block, p.strongLen))
	}
	return buf.Bytes()
}

func makeControlFile(t *testing.T, target []byte, p controlFileParams) *ControlFile {
	cf, err := ReadControlFile(bytes.NewReader(makeControlFileBytes(target, p)))
	assert.Ok(t, err)
	return cf
}
