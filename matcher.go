// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "bytes"

// candidate is one block reachable from a weak-sum bucket. For sequence
// matching, non-final blocks carry the masked weak sum of their successor
// so a double match can be screened before the second strong sum is
// computed.
type candidate struct {
	block    int
	nextWeak uint32
	hasNext  bool
}

// blockIndex maps masked weak sums to the blocks bearing them. Buckets
// hold indices, not pointers into the block table, so the index is a pure
// lookup structure.
type blockIndex struct {
	mask    uint32
	buckets map[uint32][]candidate
}

func newBlockIndex(cf *ControlFile) *blockIndex {
	idx := &blockIndex{
		mask:    weakMask(cf.Header.WeakLen),
		buckets: make(map[uint32][]candidate, cf.NumBlocks()),
	}
	n := cf.NumBlocks()
	for k, sum := range cf.blockSums {
		c := candidate{block: k}
		if cf.Header.SeqMatches == 2 && k+1 < n {
			c.nextWeak = cf.blockSums[k+1].weak
			c.hasNext = true
		}
		key := sum.weak
		idx.buckets[key] = append(idx.buckets[key], c)
	}
	return idx
}

func (idx *blockIndex) lookup(weak uint32) []candidate {
	return idx.buckets[weak&idx.mask]
}

// blockMatcher scans a seed stream for target blocks. The scan window is
// SeqMatches blocks wide; one rolling sum per block half is maintained so
// a one-byte advance stays O(1).
type blockMatcher struct {
	cf  *ControlFile
	idx *blockIndex

	head, tail rollingSum
	rolling    bool
	prevFirst  byte
	prevMid    byte
}

func newBlockMatcher(cf *ControlFile) *blockMatcher {
	return &blockMatcher{cf: cf, idx: newBlockIndex(cf)}
}

// windowSize is the width of the scan window: one block, or two when the
// control file requires consecutive matches.
func (m *blockMatcher) windowSize() int {
	return m.cf.Header.SeqMatches * m.cf.Header.Blocksize
}

// match examines the buffer's current window and writes any verified
// blocks to w. It returns the number of bytes the caller should advance
// the buffer by: 1 after a miss, or one or two block lengths after a
// match, in which case the rolling state is reinitialized on the next
// call.
func (m *blockMatcher) match(w *outputFileWriter, b *rollingBuffer) (int, error) {
	win := b.windowView()
	bs := m.cf.Header.Blocksize
	seq := m.cf.Header.SeqMatches

	if m.rolling {
		m.head.roll(m.prevFirst, win[bs-1])
		if seq == 2 {
			m.tail.roll(m.prevMid, win[2*bs-1])
		}
	} else {
		m.head.init(win[:bs])
		if seq == 2 {
			m.tail.init(win[bs : 2*bs])
		}
		m.rolling = true
	}
	m.prevFirst = win[0]
	if seq == 2 {
		m.prevMid = win[bs]
	}

	cands := m.idx.lookup(m.head.sum32())
	if len(cands) == 0 {
		return 1, nil
	}

	strong := strongSum(win[:bs], m.cf.Header.StrongLen)
	matched, double := false, false
	var tailStrong []byte
	for _, c := range cands {
		if !bytes.Equal(strong, m.cf.blockSums[c.block].strong) {
			continue
		}
		matched = true
		if err := w.writeBlock(int64(c.block), win[:bs]); err != nil {
			return 0, err
		}
		if !c.hasNext || c.nextWeak != m.tail.sum32()&m.idx.mask {
			continue
		}
		if tailStrong == nil {
			tailStrong = strongSum(win[bs:2*bs], m.cf.Header.StrongLen)
		}
		if !bytes.Equal(tailStrong, m.cf.blockSums[c.block+1].strong) {
			continue
		}
		if err := w.writeBlock(int64(c.block+1), win[bs:2*bs]); err != nil {
			return 0, err
		}
		double = true
	}
	if !matched {
		return 1, nil
	}

	m.rolling = false
	if double {
		return 2 * bs, nil
	}
	return bs, nil
}
