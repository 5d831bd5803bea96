// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"errors"
	"net"
	"time"

	"aegisgate/pkg/deadline"
)

// methods is the set of HTTP request-line method tokens recognized by the
// quick sniff. It is the only method set in the package: ValidateHeaders
// does not re-check the method.
var methods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE"}

// Sentinel errors identifying each header-stream validation outcome.
var (
	// ErrHeaderSizeExceeded and ErrHeaderCountExceeded are attack-shape
	// rejections: the caller maps these to the slowloris counter, not the
	// http counter, per the telemetry split in the header-stream validator
	// design.
	ErrHeaderSizeExceeded  = errors.New("http: total header bytes exceed max_http_header_size")
	ErrHeaderCountExceeded = errors.New("http: header line count exceeds max_http_header_count")
)

// Sniff reports whether buf is a prefix of (or a full match for) one of the
// known HTTP method tokens followed by a space. The gateway calls it once,
// on the single byte read by FirstByte, to decide whether to run the
// header-stream validator.
func Sniff(buf []byte) bool {
	for _, m := range methods {
		token := m + " "
		n := len(buf)
		if n > len(token) {
			n = len(token)
		}
		if bytes.Equal(buf[:n], []byte(token)[:n]) {
			return true
		}
	}
	return false
}

// ValidateHeaders accumulates bytes from conn into acc until the
// end-of-headers sequence CRLF CRLF is observed, or until either the
// header count or the total header size bound is exceeded, or either the
// overall deadline or the per-read idle timeout elapses.
//
// A nil return means a complete, well-formed request was observed; the
// caller counts this as HttpRejected (http_rejections_total). A non-nil
// return is ErrHeaderSizeExceeded, ErrHeaderCountExceeded, or the read
// error that ended the stream (a net.Error with Timeout() == true when a
// deadline elapsed, or e.g. io.EOF when the client closed); the caller
// counts every non-nil return against slowloris_rejections_total.
func ValidateHeaders(conn net.Conn, acc *bytes.Buffer, maxHeaderSize, maxHeaderCount int, overallDeadline time.Time, idleTimeout time.Duration) error {
	countExceeded := false
	sizeExceeded := false

	predicate := func(b []byte) bool {
		end := bytes.Index(b, []byte("\r\n\r\n"))
		head := b
		if end >= 0 {
			head = b[:end+2]
		}
		// lines terminated so far, minus the request line itself
		headerLines := bytes.Count(head, []byte("\r\n")) - 1
		if headerLines > maxHeaderCount {
			countExceeded = true
			return true
		}
		if end >= 0 && end+4 > maxHeaderSize {
			sizeExceeded = true
			return true
		}
		return end >= 0
	}

	err := deadline.BoundedReadUntil(conn, acc, predicate, maxHeaderSize, overallDeadline, idleTimeout)
	if err != nil {
		if errors.Is(err, deadline.ErrExceedsMaxBytes) {
			return ErrHeaderSizeExceeded
		}
		return err
	}
	if countExceeded {
		return ErrHeaderCountExceeded
	}
	if sizeExceeded {
		return ErrHeaderSizeExceeded
	}
	return nil
}
