// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Observer receives lifecycle and progress callbacks from a running sync.
// Observers are write-only sinks: they cannot mutate engine state or feed
// errors back, and they are invoked synchronously on the engine's
// goroutine so they should return quickly. Embed NopObserver to implement
// only the callbacks of interest.
type Observer interface {
	// SyncStarted fires once at the beginning of a run.
	SyncStarted(uri string)
	// SyncCompleted fires after the output file is in place.
	SyncCompleted(path string)
	// SyncFailed fires when the run surfaces an error.
	SyncFailed(err error)
	// ControlFileRead reports bytes read while parsing the control file.
	ControlFileRead(n int)
	// SeedScanStarted fires before a seed file is scanned.
	SeedScanStarted(path string, size int64)
	// SeedRead reports bytes read from the seed being scanned.
	SeedRead(n int)
	// BlockWritten fires once per target block the first time its
	// verified contents reach the output file.
	BlockWritten(block int64, n int)
	// RangeReceived fires for every byte range the remote server answers.
	RangeReceived(start, end int64)
	// BytesDownloaded reports bytes received over HTTP for the target.
	BytesDownloaded(n int)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) SyncStarted(string)            {}
func (NopObserver) SyncCompleted(string)          {}
func (NopObserver) SyncFailed(error)              {}
func (NopObserver) ControlFileRead(int)           {}
func (NopObserver) SeedScanStarted(string, int64) {}
func (NopObserver) SeedRead(int)                  {}
func (NopObserver) BlockWritten(int64, int)       {}
func (NopObserver) RangeReceived(int64, int64)    {}
func (NopObserver) BytesDownloaded(int)           {}

// events fans callbacks out to the registered observers. An empty list is
// valid and dispatches nothing. A nil dispatcher is not handled: every
// method dereferences its receiver.
type events struct {
	observers []Observer
}

func (e *events) syncStarted(uri string) {
	for _, o := range e.observers {
		o.SyncStarted(uri)
	}
}

func (e *events) syncCompleted(path string) {
	for _, o := range e.observers {
		o.SyncCompleted(path)
	}
}

func (e *events) syncFailed(err error) {
	for _, o := range e.observers {
		o.SyncFailed(err)
	}
}

func (e *events) controlFileRead(n int) {
	for _, o := range e.observers {
		o.ControlFileRead(n)
	}
}

func (e *events) seedScanStarted(path string, size int64) {
	for _, o := range e.observers {
		o.SeedScanStarted(path, size)
	}
}

func (e *events) seedRead(n int) {
	for _, o := range e.observers {
		o.SeedRead(n)
	}
}

func (e *events) blockWritten(block int64, n int) {
	for _, o := range e.observers {
		o.BlockWritten(block, n)
	}
}

func (e *events) rangeReceived(r byteRange) {
	for _, o := range e.observers {
		o.RangeReceived(r.Start, r.End)
	}
}

func (e *events) bytesDownloaded(n int) {
	for _, o := range e.observers {
		o.BytesDownloaded(n)
	}
}

// StatsObserver accumulates transfer statistics over a run. The engine is
// single-threaded, so the counters need no synchronization.
type StatsObserver struct {
	NopObserver

	started         time.Time
	elapsed         time.Duration
	controlBytes    int64
	downloadedBytes int64
	seedBytes       int64
	writtenBytes    int64
	matchedBlocks   int64
}

func (s *StatsObserver) SyncStarted(string) {
	s.started = time.Now()
}

func (s *StatsObserver) SyncCompleted(string) {
	s.elapsed = time.Since(s.started)
}

func (s *StatsObserver) SyncFailed(error) {
	s.elapsed = time.Since(s.started)
}

func (s *StatsObserver) ControlFileRead(n int) {
	s.controlBytes += int64(n)
}

func (s *StatsObserver) SeedRead(n int) {
	s.seedBytes += int64(n)
}

func (s *StatsObserver) BlockWritten(block int64, n int) {
	s.matchedBlocks++
	s.writtenBytes += int64(n)
}

func (s *StatsObserver) BytesDownloaded(n int) {
	s.downloadedBytes += int64(n)
}

// TotalBytesDownloaded is the number of target bytes fetched over HTTP,
// excluding the control file.
func (s *StatsObserver) TotalBytesDownloaded() int64 {
	return s.downloadedBytes
}

// TotalBytesWritten is the number of bytes written to the output file.
func (s *StatsObserver) TotalBytesWritten() int64 {
	return s.writtenBytes
}

// Summary renders a one-line account of the run.
func (s *StatsObserver) Summary() string {
	return fmt.Sprintf("downloaded %s of %s in %s",
		humanize.Bytes(uint64(s.downloadedBytes)),
		humanize.Bytes(uint64(s.writtenBytes)),
		s.elapsed.Round(time.Millisecond))
}
