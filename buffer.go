// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "io"

// rollingBuffer presents a fixed-size window over a byte stream with cheap
// single-byte advance. The backing buffer is a multiple of the window size
// so most advances only move an index; the stream is consulted again once
// the window reaches the tail of what has been buffered.
type rollingBuffer struct {
	r      io.Reader
	buf    []byte
	window int
	start  int
	end    int
	eof    bool
}

// newRollingBuffer primes a buffer of the given capacity and fills the
// first window. The capacity must be at least twice the window; by
// convention callers use 16 times the window.
func newRollingBuffer(r io.Reader, window, capacity int) (*rollingBuffer, bool, error) {
	b := &rollingBuffer{r: r, buf: make([]byte, capacity), window: window}
	ok, err := b.fill()
	return b, ok, err
}

// windowView returns the current window. The slice is only valid until the
// next call to advance.
func (b *rollingBuffer) windowView() []byte {
	return b.buf[b.start : b.start+b.window]
}

// advance slides the window n bytes forward. It reports false once the
// stream is exhausted and a full window can no longer be provided.
func (b *rollingBuffer) advance(n int) (bool, error) {
	b.start += n
	if b.start+b.window <= b.end {
		return true, nil
	}
	return b.fill()
}

func (b *rollingBuffer) fill() (bool, error) {
	if b.start > b.end {
		// A skip past buffered data: discard the overshoot from the stream.
		if err := b.discard(b.start - b.end); err != nil {
			return false, err
		}
		b.start = b.end
	}
	copy(b.buf, b.buf[b.start:b.end])
	b.end -= b.start
	b.start = 0
	for b.end < b.window && !b.eof {
		n, err := b.r.Read(b.buf[b.end:])
		b.end += n
		if err == io.EOF {
			b.eof = true
			break
		}
		if err != nil {
			return false, err
		}
	}
	return b.end >= b.window, nil
}

func (b *rollingBuffer) discard(n int) error {
	var tmp [512]byte
	for n > 0 && !b.eof {
		limit := n
		if limit > len(tmp) {
			limit = len(tmp)
		}
		m, err := b.r.Read(tmp[:limit])
		n -= m
		if err == io.EOF {
			b.eof = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// zeroPad extends a seed stream with zeros so its length is a multiple of
// the block size and at least one matcher window, matching how the sums in
// the control file are computed over the padded final block.
func zeroPad(r io.Reader, size int64, window, blocksize int) io.Reader {
	var zeros int64
	if size < int64(window) {
		zeros = int64(window) - size
	} else if rem := size % int64(blocksize); rem != 0 {
		zeros = int64(blocksize) - rem
	}
	if zeros == 0 {
		return r
	}
	return io.MultiReader(r, &zeroReader{n: zeros})
}

type zeroReader struct {
	n int64
}

func (z *zeroReader) Read(p []byte) (int, error) {
	if z.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > z.n {
		p = p[:z.n]
	}
	for i := range p {
		p[i] = 0
	}
	z.n -= int64(len(p))
	return len(p), nil
}
