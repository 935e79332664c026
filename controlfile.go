// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bufio"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Header holds the textual part of a zsync control file.
type Header struct {
	// Version is the producer version from the "zsync" line.
	Version string
	// Filename is the name hint for the target file.
	Filename string
	// URL locates the target file, possibly relative to the control file.
	URL string
	// MTime is the target's modification time, zero when absent.
	MTime time.Time
	// Length is the target file length in bytes.
	Length int64
	// Blocksize is the size of each target block in bytes.
	Blocksize int
	// SeqMatches is the number of consecutive block matches required for a
	// hit to be accepted, 1 or 2.
	SeqMatches int
	// WeakLen is the number of weak checksum bytes stored per block.
	WeakLen int
	// StrongLen is the number of strong checksum bytes stored per block.
	StrongLen int
	// SHA1 is the whole-file SHA-1 digest, nil when the header omits it.
	SHA1 []byte
	// MD4 is the whole-file MD4 digest, nil when the header omits it.
	MD4 []byte
}

// blockSum is one entry of the control file's block table. The sums are
// computed over the zero-padded block.
type blockSum struct {
	weak   uint32
	strong []byte
}

// ControlFile is the parsed, immutable form of a zsync control file.
type ControlFile struct {
	Header    Header
	blockSums []blockSum
}

// NumBlocks returns the number of blocks in the target file.
func (cf *ControlFile) NumBlocks() int {
	return len(cf.blockSums)
}

// numBlocks computes ceil(length/blocksize).
func numBlocks(length int64, blocksize int) int {
	return int((length + int64(blocksize) - 1) / int64(blocksize))
}

// ReadControlFile parses a zsync control file: "Key: Value" lines up to an
// empty line, followed by numBlocks fixed-width binary checksum records.
func ReadControlFile(r io.Reader) (*ControlFile, error) {
	br := bufio.NewReader(r)

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	n := numBlocks(h.Length, h.Blocksize)
	record := h.WeakLen + h.StrongLen
	body := make([]byte, n*record)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, errors.Wrapf(err, "control file block table truncated, want %d records of %d bytes", n, record)
	}

	sums := make([]blockSum, n)
	for k := 0; k < n; k++ {
		rec := body[k*record : (k+1)*record]
		var weak uint32
		for _, b := range rec[:h.WeakLen] {
			weak = weak<<8 | uint32(b)
		}
		strong := make([]byte, h.StrongLen)
		copy(strong, rec[h.WeakLen:])
		sums[k] = blockSum{weak: weak, strong: strong}
	}

	return &ControlFile{Header: *h, blockSums: sums}, nil
}

func readHeader(br *bufio.Reader) (*Header, error) {
	h := &Header{Length: -1, SeqMatches: -1}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "control file header truncated")
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("malformed control file header line %q", line)
		}
		key, value := kv[0], strings.TrimSpace(kv[1])

		switch key {
		case "zsync":
			h.Version = value
		case "Filename":
			h.Filename = value
		case "URL":
			h.URL = value
		case "MTime":
			if t, err := http.ParseTime(value); err == nil {
				h.MTime = t
			}
		case "Length":
			h.Length, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid Length %q", value)
			}
		case "Blocksize":
			h.Blocksize, err = strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid Blocksize %q", value)
			}
		case "Hash-Lengths":
			if err := parseHashLengths(h, value); err != nil {
				return nil, err
			}
		case "SHA-1":
			h.SHA1, err = hex.DecodeString(value)
			if err != nil || len(h.SHA1) != 20 {
				return nil, errors.Errorf("invalid SHA-1 digest %q", value)
			}
		case "MD4":
			h.MD4, err = hex.DecodeString(value)
			if err != nil || len(h.MD4) != 16 {
				return nil, errors.Errorf("invalid MD4 digest %q", value)
			}
		default:
			// Unknown keys are ignored for forward compatibility.
		}
	}
	return h, validateHeader(h)
}

func parseHashLengths(h *Header, value string) error {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return errors.Errorf("invalid Hash-Lengths %q", value)
	}
	var err error
	if h.SeqMatches, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return errors.Wrapf(err, "invalid Hash-Lengths %q", value)
	}
	if h.WeakLen, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
		return errors.Wrapf(err, "invalid Hash-Lengths %q", value)
	}
	if h.StrongLen, err = strconv.Atoi(strings.TrimSpace(parts[2])); err != nil {
		return errors.Wrapf(err, "invalid Hash-Lengths %q", value)
	}
	return nil
}

func validateHeader(h *Header) error {
	if h.Version == "" {
		return errors.New("control file missing zsync version")
	}
	if h.Length < 0 {
		return errors.New("control file missing Length")
	}
	if h.Blocksize <= 0 {
		return errors.Errorf("invalid block size %d", h.Blocksize)
	}
	if h.URL == "" {
		return errors.New("control file missing URL")
	}
	if h.Filename == "" {
		return errors.New("control file missing Filename")
	}
	if h.SHA1 == nil && h.MD4 == nil {
		return errors.New("control file missing whole-file digest")
	}
	if h.SeqMatches == -1 {
		return errors.New("control file missing Hash-Lengths")
	}
	if h.SeqMatches < 1 || h.SeqMatches > 2 {
		return errors.Errorf("invalid sequence matches %d", h.SeqMatches)
	}
	if h.WeakLen < 2 || h.WeakLen > 4 {
		return errors.Errorf("invalid weak checksum length %d", h.WeakLen)
	}
	if h.StrongLen < 3 || h.StrongLen > 16 {
		return errors.Errorf("invalid strong checksum length %d", h.StrongLen)
	}
	return nil
}
