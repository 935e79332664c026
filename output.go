// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"crypto/sha1"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/md4"
)

// byteRange is a half-open interval [Start, End) of target bytes.
type byteRange struct {
	Start, End int64
}

// outputFileWriter assembles the target file in a temporary file next to
// the final path. Blocks arrive out of order from seed scans and range
// fetches; each block is written at most once and the whole-file digest is
// folded in strict ascending offset order so it matches the producer's.
type outputFileWriter struct {
	path    string
	tmpPath string
	f       *os.File

	cf        *ControlFile
	blocksize int64
	length    int64

	written      []bool
	writtenCount int
	// rangeFill tracks how many bytes of a block have arrived over HTTP;
	// a block is verified against its strong sum once fully covered.
	rangeFill []int64

	digest   hash.Hash
	expected []byte
	cursor   int

	events *events
	closed bool
}

func newOutputFileWriter(path string, cf *ControlFile, ev *events) (*outputFileWriter, error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.part")
	if err != nil {
		return nil, errors.Wrapf(err, "failed creating temporary file in %s", dir)
	}
	if err := f.Truncate(cf.Header.Length); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrapf(err, "failed sizing %s", f.Name())
	}

	w := &outputFileWriter{
		path:      path,
		tmpPath:   f.Name(),
		f:         f,
		cf:        cf,
		blocksize: int64(cf.Header.Blocksize),
		length:    cf.Header.Length,
		written:   make([]bool, cf.NumBlocks()),
		rangeFill: make([]int64, cf.NumBlocks()),
		events:    ev,
	}
	// Newer producers emit SHA-1 for the whole file; fall back to MD4.
	if cf.Header.SHA1 != nil {
		w.digest = sha1.New()
		w.expected = cf.Header.SHA1
	} else {
		w.digest = md4.New()
		w.expected = cf.Header.MD4
	}
	return w, nil
}

// blockLen returns the number of target bytes block k covers, which is
// shorter than the block size only for the final block.
func (w *outputFileWriter) blockLen(k int64) int64 {
	if end := (k + 1) * w.blocksize; end > w.length {
		return w.length - k*w.blocksize
	}
	return w.blocksize
}

// writeBlock stores an already verified block. data holds one zero-padded
// block; only the bytes inside the target length are written. Writing a
// block that is already present is a no-op.
func (w *outputFileWriter) writeBlock(k int64, data []byte) error {
	if w.written[k] {
		return nil
	}
	n := w.blockLen(k)
	if _, err := w.f.WriteAt(data[:n], k*w.blocksize); err != nil {
		return errors.Wrapf(err, "failed writing block %d", k)
	}
	w.written[k] = true
	w.writtenCount++
	w.events.blockWritten(k, int(n))
	return w.fold()
}

// writeRange stores bytes fetched over HTTP starting at the given target
// offset. Bytes for blocks already recovered from seeds are dropped. Every
// block that becomes fully covered is checked against its strong sum.
func (w *outputFileWriter) writeRange(offset int64, data []byte) error {
	for len(data) > 0 {
		k := offset / w.blocksize
		valid := k*w.blocksize + w.blockLen(k)
		if offset >= valid {
			// Offset in the pad zone of the final block: nothing to keep.
			return nil
		}
		span := valid - offset
		if span > int64(len(data)) {
			span = int64(len(data))
		}
		if !w.written[k] {
			if _, err := w.f.WriteAt(data[:span], offset); err != nil {
				return errors.Wrapf(err, "failed writing range at offset %d", offset)
			}
			w.rangeFill[k] += span
			if w.rangeFill[k] == w.blockLen(k) {
				if err := w.verifyBlock(k); err != nil {
					return err
				}
			}
		}
		offset += span
		data = data[span:]
	}
	return nil
}

// verifyBlock re-reads a range-filled block, pads it, and compares its
// strong sum against the control file before marking it written.
func (w *outputFileWriter) verifyBlock(k int64) error {
	block := make([]byte, w.blocksize)
	if _, err := w.f.ReadAt(block[:w.blockLen(k)], k*w.blocksize); err != nil {
		return errors.Wrapf(err, "failed reading back block %d", k)
	}
	sum := strongSum(block, w.cf.Header.StrongLen)
	if !bytes.Equal(sum, w.cf.blockSums[k].strong) {
		return &ChecksumError{Block: k}
	}
	w.written[k] = true
	w.writtenCount++
	w.events.blockWritten(k, int(w.blockLen(k)))
	return w.fold()
}

// fold feeds completed blocks to the whole-file digest in strict target
// offset order and verifies the digest once the last block is in.
func (w *outputFileWriter) fold() error {
	n := w.cf.NumBlocks()
	buf := make([]byte, w.blocksize)
	for w.cursor < n && w.written[w.cursor] {
		k := int64(w.cursor)
		l := w.blockLen(k)
		if _, err := w.f.ReadAt(buf[:l], k*w.blocksize); err != nil {
			return errors.Wrapf(err, "failed reading back block %d", k)
		}
		w.digest.Write(buf[:l])
		w.cursor++
	}
	if w.cursor == n {
		if !bytes.Equal(w.digest.Sum(nil), w.expected) {
			return &ChecksumError{Block: -1}
		}
	}
	return nil
}

// missingRanges coalesces runs of unwritten blocks into maximal byte
// ranges clipped to the target length, in ascending order.
func (w *outputFileWriter) missingRanges() []byteRange {
	var ranges []byteRange
	for k := 0; k < len(w.written); k++ {
		if w.written[k] {
			continue
		}
		start := int64(k) * w.blocksize
		for k < len(w.written) && !w.written[k] {
			k++
		}
		end := int64(k) * w.blocksize
		if end > w.length {
			end = w.length
		}
		ranges = append(ranges, byteRange{Start: start, End: end})
	}
	return ranges
}

func (w *outputFileWriter) isComplete() bool {
	return w.writtenCount == len(w.written)
}

// close moves the completed temporary file over the final path. The rename
// is atomic where the filesystem supports it, with a copy fallback, and
// the header MTime is restored when present.
func (w *outputFileWriter) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return errors.Wrapf(err, "failed closing %s", w.tmpPath)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		if err := copyFile(w.tmpPath, w.path); err != nil {
			os.Remove(w.tmpPath)
			return err
		}
		os.Remove(w.tmpPath)
	}
	if mtime := w.cf.Header.MTime; !mtime.IsZero() {
		os.Chtimes(w.path, mtime, mtime)
	}
	return nil
}

// abort releases the temporary file after a failure. Safe to call after
// close, where it does nothing.
func (w *outputFileWriter) abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.tmpPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed opening %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed copying %s to %s", src, dst)
	}
	return out.Close()
}
