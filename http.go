// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Credentials carry a username and password for HTTP basic authentication
// against a single host.
type Credentials struct {
	Username string
	Password string
}

// httpClient wraps the transport the engine drives its downloads through.
// It remembers, for the duration of a run, which hosts accepted basic
// credentials so later https requests send them preemptively. Plain http
// requests never do, which leaves the server room to redirect to https
// before credentials are on the wire.
type httpClient struct {
	client     *http.Client
	creds      map[string]Credentials
	basicHosts map[string]bool
	events     *events
}

func newHTTPClient(c *http.Client, creds map[string]Credentials, ev *events) *httpClient {
	if c == nil {
		c = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DisableCompression:  true,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: 15 * time.Minute,
		}
	}
	return &httpClient{
		client:     c,
		creds:      creds,
		basicHosts: make(map[string]bool),
		events:     ev,
	}
}

// do issues the request, answering a basic-auth challenge at most once.
func (h *httpClient) do(req *http.Request) (*http.Response, error) {
	u := req.URL
	cred, hasCred := h.creds[u.Hostname()]
	if hasCred && u.Scheme == "https" && h.basicHosts[u.Hostname()] {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "request to %s failed", u)
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}

	challenge := res.Header.Get("Www-Authenticate")
	if !hasCred || req.Header.Get("Authorization") != "" || !strings.HasPrefix(strings.ToLower(challenge), "basic") {
		return res, nil
	}
	res.Body.Close()

	retry := req.Clone(req.Context())
	retry.SetBasicAuth(cred.Username, cred.Password)
	res, err = h.client.Do(retry)
	if err != nil {
		return nil, errors.Wrapf(err, "authenticated request to %s failed", u)
	}
	if res.StatusCode < 400 {
		h.basicHosts[u.Hostname()] = true
	}
	return res, nil
}

// get retrieves a resource in full. A 404 surfaces as
// ErrControlFileNotFound since get is only used for the control file.
func (h *httpClient) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %s", u)
	}
	res, err := h.do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		res.Body.Close()
		return nil, errors.Wrapf(ErrControlFileNotFound, "%s", u)
	case res.StatusCode != http.StatusOK:
		res.Body.Close()
		return nil, errors.Errorf("unexpected status %d fetching %s", res.StatusCode, u)
	}
	return res.Body, nil
}

// partialGet drives a single ranged request for all missing ranges and
// streams the response into the writer. Servers may answer with the full
// body, a single range, or a multipart/byteranges body; all three are
// routed through writeRange.
func (h *httpClient) partialGet(ctx context.Context, u *url.URL, ranges []byteRange, w *outputFileWriter) error {
	if len(ranges) == 0 {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "invalid url %s", u)
	}
	req.Header.Set("Range", rangeHeader(ranges))

	res, err := h.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body := &proxyReader{reader: res.Body, send: h.events.bytesDownloaded}

	switch res.StatusCode {
	case http.StatusOK:
		// Server ignored the ranges: the body is the full file in order.
		h.events.rangeReceived(byteRange{Start: 0, End: w.length})
		return streamRange(body, 0, w.length, w)

	case http.StatusPartialContent:
		mediatype, params, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
		if mediatype == "multipart/byteranges" {
			return h.readMultipart(body, params["boundary"], w)
		}
		r, err := parseContentRange(res.Header.Get("Content-Range"))
		if err != nil {
			return err
		}
		h.events.rangeReceived(r)
		return streamRange(body, r.Start, r.End, w)

	default:
		return errors.Errorf("unexpected status %d fetching ranges from %s", res.StatusCode, u)
	}
}

func (h *httpClient) readMultipart(body io.Reader, boundary string, w *outputFileWriter) error {
	if boundary == "" {
		return errors.New("multipart response without boundary")
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed reading multipart range response")
		}
		r, err := parseContentRange(part.Header.Get("Content-Range"))
		if err != nil {
			return err
		}
		h.events.rangeReceived(r)
		if err := streamRange(part, r.Start, r.End, w); err != nil {
			return err
		}
	}
}

// streamRange copies body bytes for target range [start, end) into the
// writer in chunks.
func streamRange(body io.Reader, start, end int64, w *outputFileWriter) error {
	buf := make([]byte, 32*1024)
	offset := start
	for offset < end {
		limit := int64(len(buf))
		if remaining := end - offset; remaining < limit {
			limit = remaining
		}
		n, err := body.Read(buf[:limit])
		if n > 0 {
			if werr := w.writeRange(offset, buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err == io.EOF {
			if offset < end {
				return errors.Errorf("range response truncated at offset %d, want %d", offset, end)
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed reading range response")
		}
	}
	return nil
}

// rangeHeader renders ranges as an HTTP byte-range set with inclusive
// ends.
func rangeHeader(ranges []byteRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("%d-%d", r.Start, r.End-1)
	}
	return "bytes=" + strings.Join(parts, ",")
}

// parseContentRange parses "bytes lo-hi/total" with an inclusive hi,
// tolerating surrounding whitespace from either CRLF or LF header
// termination.
func parseContentRange(value string) (byteRange, error) {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "bytes ") {
		return byteRange{}, errors.Errorf("unsupported Content-Range %q", value)
	}
	v = strings.TrimPrefix(v, "bytes ")
	if i := strings.IndexByte(v, '/'); i >= 0 {
		v = v[:i]
	}
	dash := strings.IndexByte(v, '-')
	if dash < 0 {
		return byteRange{}, errors.Errorf("unsupported Content-Range %q", value)
	}
	lo, err := strconv.ParseInt(strings.TrimSpace(v[:dash]), 10, 64)
	if err != nil {
		return byteRange{}, errors.Wrapf(err, "unsupported Content-Range %q", value)
	}
	hi, err := strconv.ParseInt(strings.TrimSpace(v[dash+1:]), 10, 64)
	if err != nil {
		return byteRange{}, errors.Wrapf(err, "unsupported Content-Range %q", value)
	}
	return byteRange{Start: lo, End: hi + 1}, nil
}
