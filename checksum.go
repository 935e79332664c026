// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "golang.org/x/crypto/md4"

// Rolling checksum halves are 16 bit for simplicity and speed; overflow is
// part of the algorithm.
const mod = 1 << 16

// rollingSum is the zsync variant of the rsync rolling hash described in
// https://www.samba.org/~tridge/phd_thesis.pdf. Over a window of length l,
// a is the plain byte sum and b weighs each byte by its distance from the
// end of the window, so the first byte carries weight l.
type rollingSum struct {
	a, b uint16
	l    uint16
}

// init computes both halves directly from a full window.
func (s *rollingSum) init(window []byte) {
	s.a, s.b = 0, 0
	s.l = uint16(len(window))
	l := len(window)
	for i, c := range window {
		s.a += uint16(c)
		s.b += uint16(l-i) * uint16(c)
	}
}

// roll slides the window one byte: out leaves at the front, in enters at
// the back. a must be updated before b.
func (s *rollingSum) roll(out, in byte) {
	s.a += uint16(in) - uint16(out)
	s.b += s.a - s.l*uint16(out)
}

// sum32 exposes the combined checksum as (b << 16) | a.
func (s *rollingSum) sum32() uint32 {
	return uint32(s.b)<<16 | uint32(s.a)
}

// weakMask returns the mask that truncates a 32-bit rolling sum to its low
// size bytes, matching how control files store weak sums of 2 to 4 bytes.
func weakMask(size int) uint32 {
	return ^uint32(0) >> (8 * (4 - uint(size)))
}

// strongSum computes the MD4 digest of block truncated to size bytes. MD4
// is what the zsync file format specifies; it is not used for security.
func strongSum(block []byte, size int) []byte {
	h := md4.New()
	h.Write(block)
	return h.Sum(nil)[:size]
}
