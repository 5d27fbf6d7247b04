// Package compress implements the ASAP compression codec (§4.4): gzip and
// optional brotli encode/decode, negotiated via Accept-Encoding /
// Content-Encoding, with a post-decompression size ceiling to guard
// against decompression bombs.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Algorithm names the wire encodings this codec understands.
type Algorithm string

const (
	Identity Algorithm = "identity"
	Gzip     Algorithm = "gzip"
	Brotli   Algorithm = "br"
)

// Threshold is the default compression threshold in bytes: a body is
// compressed only when its serialized size is strictly greater than this
// value.
const Threshold = 1024

// UnsupportedEncodingError is returned when Decode sees a Content-Encoding
// it does not recognize; callers map this to HTTP 415.
type UnsupportedEncodingError struct {
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported content-encoding %q", e.Encoding)
}

// SizeExceededError is returned by Decode when the decompressed byte count
// would exceed the configured ceiling; callers map this to HTTP 413.
type SizeExceededError struct {
	Limit int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("decompressed size exceeds limit of %d bytes", e.Limit)
}

// AcceptEncodingHeader returns the Accept-Encoding value a client should
// advertise, covering every algorithm this codec can decode.
func AcceptEncodingHeader() string {
	return "gzip, br, identity"
}

// ShouldCompress reports whether a body of size n bytes should be
// compressed: strictly greater than the threshold, per §4.4/§8.
func ShouldCompress(n int, threshold int) bool {
	return n > threshold
}

// NegotiateAlgorithm picks the best encoding this codec can produce for a
// given Accept-Encoding header value. Preference order: br, then gzip.
// Returns Identity if neither is acceptable.
func NegotiateAlgorithm(acceptEncoding string) Algorithm {
	lower := strings.ToLower(acceptEncoding)
	if strings.Contains(lower, "br") {
		return Brotli
	}
	if strings.Contains(lower, "gzip") {
		return Gzip
	}
	return Identity
}

// Encode compresses body using algo, returning the encoded bytes.
func Encode(algo Algorithm, body []byte) ([]byte, error) {
	switch algo {
	case Identity, "":
		return body, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("compress: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("compress: brotli write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress: brotli close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, &UnsupportedEncodingError{Encoding: string(algo)}
	}
}

// Decode decompresses body according to contentEncoding, enforcing maxSize
// as a hard ceiling on the decompressed byte count. An empty or
// "identity" contentEncoding is a passthrough (still subject to maxSize).
func Decode(contentEncoding string, body []byte, maxSize int64) ([]byte, error) {
	algo := Algorithm(strings.ToLower(strings.TrimSpace(contentEncoding)))
	if algo == "" {
		algo = Identity
	}

	var reader io.Reader
	switch algo {
	case Identity:
		reader = bytes.NewReader(body)
	case Gzip:
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("compress: corrupt gzip data: %w", err)
		}
		defer gz.Close()
		reader = gz
	case Brotli:
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, &UnsupportedEncodingError{Encoding: contentEncoding}
	}

	limited := io.LimitReader(reader, maxSize+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("compress: corrupt %s data: %w", algo, err)
	}
	if int64(len(out)) > maxSize {
		return nil, &SizeExceededError{Limit: maxSize}
	}
	return out, nil
}
