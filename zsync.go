// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zsync implements a zsync download client: it reconstructs a file
// served over HTTP by reusing blocks found in local seed files and
// fetching only the byte ranges that remain, per
// http://zsync.moria.org.uk/.
package zsync

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// Options are the optional arguments to a sync. The zero value is valid.
// The engine snapshots the options at entry, so mutating them while a sync
// runs has no effect on that run.
type Options struct {
	// InputFiles are local seed files scanned for reusable blocks, in
	// order. An existing output file is scanned first, before any of
	// these.
	InputFiles []string
	// OutputFile overrides the output location. When empty the Filename
	// header of the control file is used, relative to the working
	// directory.
	OutputFile string
	// SaveZsyncFile, when set and the control file is remote, stores a
	// copy of the control file at this path before parsing it.
	SaveZsyncFile string
	// ZsyncFileSource is the URI the control file was originally
	// retrieved from. It is required to resolve a relative target URL
	// when the control file is opened from a local path.
	ZsyncFileSource *url.URL
	// Credentials maps host names to basic-auth credentials. A host is
	// only sent its credentials after a 401 challenge, or preemptively
	// over https once it has accepted them during the run.
	Credentials map[string]Credentials
	// Observers receive progress callbacks. They cannot influence the
	// outcome of the sync.
	Observers []Observer
}

// copy snapshots the options so a running sync is isolated from caller
// mutation. The snapshot is augmented during the run.
func (o *Options) copy() *Options {
	c := &Options{}
	if o == nil {
		return c
	}
	*c = *o
	c.InputFiles = append([]string(nil), o.InputFiles...)
	c.Observers = append([]Observer(nil), o.Observers...)
	c.Credentials = make(map[string]Credentials, len(o.Credentials))
	for h, cred := range o.Credentials {
		c.Credentials[h] = cred
	}
	return c
}

// Zsync is a download client. It is safe to reuse for consecutive syncs;
// the basic-auth challenge cache is scoped to a single sync.
type Zsync struct {
	client *http.Client
}

// New creates a client using a default HTTP transport.
func New() *Zsync {
	return NewWithClient(nil)
}

// NewWithClient creates a client that issues all requests through c. Pass
// nil for the default transport.
func NewWithClient(c *http.Client) *Zsync {
	return &Zsync{client: c}
}

// Sync reconstructs the target described by the zsync control file at
// zsyncFile, which may be a local path or an http(s) URL, and returns the
// path of the written output file.
func (z *Zsync) Sync(ctx context.Context, zsyncFile string, opts *Options) (string, error) {
	opts = opts.copy()
	ev := &events{observers: opts.Observers}
	ev.syncStarted(zsyncFile)

	path, err := z.sync(ctx, zsyncFile, opts, ev)
	if err != nil {
		ev.syncFailed(err)
		return "", err
	}
	ev.syncCompleted(path)
	return path, nil
}

func (z *Zsync) sync(ctx context.Context, zsyncFile string, opts *Options, ev *events) (string, error) {
	hc := newHTTPClient(z.client, opts.Credentials, ev)

	in, err := z.openControlFile(ctx, hc, zsyncFile, opts)
	if err != nil {
		return "", err
	}
	cf, err := ReadControlFile(&proxyReader{reader: in, send: ev.controlFileRead})
	in.Close()
	if err != nil {
		return "", errors.Wrapf(err, "malformed control file %s", zsyncFile)
	}

	glog.V(2).Infof("zsync: target %s, %d blocks of %d bytes", cf.Header.Filename, cf.NumBlocks(), cf.Header.Blocksize)

	outputFile := opts.OutputFile
	if outputFile == "" {
		outputFile = cf.Header.Filename
	}

	// A pre-existing output file is the most likely source of matching
	// blocks, so it is scanned before any other seed.
	seeds := opts.InputFiles
	if fileExists(outputFile) {
		seeds = append([]string{outputFile}, seeds...)
	}

	target, err := url.Parse(cf.Header.URL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid target url %q", cf.Header.URL)
	}
	if !target.IsAbs() {
		if opts.ZsyncFileSource == nil {
			return "", ErrNoRelativeBase
		}
		target = opts.ZsyncFileSource.ResolveReference(target)
	}

	w, err := newOutputFileWriter(outputFile, cf, ev)
	if err != nil {
		return "", err
	}
	defer w.abort()

	for _, seed := range seeds {
		if w.isComplete() {
			break
		}
		if err := scanSeed(seed, cf, w, ev); err != nil {
			var se *seedReadError
			if stderrors.As(err, &se) {
				glog.Warningf("zsync: skipping seed %s: %v", seed, err)
				continue
			}
			return "", err
		}
		glog.V(2).Infof("zsync: %d of %d blocks recovered after scanning %s", w.writtenCount, len(w.written), seed)
	}

	if !w.isComplete() {
		ranges := w.missingRanges()
		glog.V(2).Infof("zsync: fetching %d missing ranges from %s", len(ranges), target)
		if err := hc.partialGet(ctx, target, ranges, w); err != nil {
			return "", err
		}
	}
	if !w.isComplete() {
		return "", errors.Errorf("target still incomplete after fetching %s", target)
	}

	if err := w.close(); err != nil {
		return "", err
	}
	return outputFile, nil
}

// openControlFile opens the control file for read. Local paths are
// streamed from disk. Remote URLs are fetched; when a save path is set the
// body is persisted there first and then opened from disk, and in either
// case the URL is recorded as the base for resolving a relative target
// URL.
func (z *Zsync) openControlFile(ctx context.Context, hc *httpClient, zsyncFile string, opts *Options) (io.ReadCloser, error) {
	u, err := url.Parse(zsyncFile)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		opts.ZsyncFileSource = u
		body, err := hc.get(ctx, u)
		if err != nil {
			return nil, err
		}
		if opts.SaveZsyncFile == "" {
			return body, nil
		}
		defer body.Close()
		f, err := os.Create(opts.SaveZsyncFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed saving control file to %s", opts.SaveZsyncFile)
		}
		if _, err := io.Copy(f, body); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "failed saving control file to %s", opts.SaveZsyncFile)
		}
		if err := f.Close(); err != nil {
			return nil, errors.Wrapf(err, "failed saving control file to %s", opts.SaveZsyncFile)
		}
		zsyncFile = opts.SaveZsyncFile
	}

	f, err := os.Open(zsyncFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrControlFileNotFound, "%s", zsyncFile)
		}
		return nil, errors.Wrapf(err, "failed opening control file %s", zsyncFile)
	}
	return f, nil
}

// seedReadError marks an I/O failure on a seed file. Seeds are advisory:
// the orchestrator logs the failure and moves on to the next seed.
type seedReadError struct {
	err error
}

func (e *seedReadError) Error() string { return e.err.Error() }
func (e *seedReadError) Unwrap() error { return e.err }

// scanSeed runs the block matcher over one seed file, writing every
// verified block into w. Read failures are reported as seedReadError;
// writer failures are returned as-is and are fatal.
func scanSeed(path string, cf *ControlFile, w *outputFileWriter, ev *events) error {
	f, err := os.Open(path)
	if err != nil {
		return &seedReadError{err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return &seedReadError{err}
	}
	ev.seedScanStarted(path, fi.Size())

	m := newBlockMatcher(cf)
	r := zeroPad(&proxyReader{reader: f, send: ev.seedRead}, fi.Size(), m.windowSize(), cf.Header.Blocksize)
	buf, ok, err := newRollingBuffer(r, m.windowSize(), 16*m.windowSize())
	if err != nil {
		return &seedReadError{err}
	}
	for ok {
		n, err := m.match(w, buf)
		if err != nil {
			return err
		}
		if w.isComplete() {
			break
		}
		ok, err = buf.advance(n)
		if err != nil {
			return &seedReadError{err}
		}
	}
	return nil
}
