package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Fasd800/civitai-browser/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// TraceTransport wraps an http.RoundTripper and appends request/response
// dumps to a trace file. Authorization headers are redacted before the
// request is dumped so API keys never reach disk.
type TraceTransport struct {
	Transport http.RoundTripper
	file      *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewTraceTransport opens (or creates) the trace file for appending. A nil
// inner transport uses http.DefaultTransport.
func NewTraceTransport(transport http.RoundTripper, path string) (*TraceTransport, error) {
	safePath := helpers.SanitizePath(path)
	// #nosec G304
	f, err := os.OpenFile(safePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening API trace file %s: %w", safePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &TraceTransport{
		Transport: transport,
		file:      f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip executes the transaction and records a redacted dump of both
// sides. The network call happens outside the file lock.
func (t *TraceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if dump, err := httputil.DumpRequestOut(redacted(req), false); err != nil {
		log.WithError(err).Debug("Failed to dump request for API trace")
	} else {
		t.append(fmt.Sprintf("--- Request (%s) ---\n%s\n", start.Format(time.RFC3339), dump))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		t.append(fmt.Sprintf("--- Error (%v) ---\n%s\n", duration, err.Error()))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		body, readErr := io.ReadAll(resp.Body)
		if readErr == nil {
			_ = resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(body))
			header, _ := httputil.DumpResponse(resp, false)
			t.append(fmt.Sprintf("--- Response (%v) ---\n%s%s\n", duration, header, body))
			return resp, nil
		}
		log.WithError(readErr).Debug("Failed to read response body for API trace")
	}

	header, _ := httputil.DumpResponse(resp, false)
	t.append(fmt.Sprintf("--- Response (%v, %s) ---\n%s(body not traced)\n", duration, contentType, header))
	return resp, nil
}

// redacted returns a shallow copy of the request with the auth header
// replaced. The original request is never mutated.
func redacted(req *http.Request) *http.Request {
	if req.Header.Get("Authorization") == "" {
		return req
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer [redacted]")
	return clone
}

func (t *TraceTransport) append(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(entry + "\n"); err != nil {
		log.WithError(err).Warn("Failed to write API trace entry")
		return
	}
	if err := t.writer.Flush(); err != nil {
		log.WithError(err).Warn("Failed to flush API trace file")
	}
}

// Close flushes and closes the trace file.
func (t *TraceTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Flush(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("flushing API trace file: %w", err)
	}
	return t.file.Close()
}
