// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrControlFileNotFound is returned when the zsync control file does
	// not exist, either as a local path or as a remote URL answering 404.
	ErrControlFileNotFound = errors.New("control file not found")

	// ErrNoRelativeBase is returned when the control file carries a
	// relative target URL and no zsync file source is known to resolve it
	// against.
	ErrNoRelativeBase = errors.New("target url is relative and no zsync file source is set")
)

// ChecksumError reports content that does not match the checksums in the
// control file. Block is the index of the offending block, or -1 when the
// whole-file digest failed.
type ChecksumError struct {
	Block int64
}

func (e *ChecksumError) Error() string {
	if e.Block < 0 {
		return "whole-file digest does not match control file"
	}
	return fmt.Sprintf("checksum validation failed for block %d", e.Block)
}
