package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding is sent when the request does not name its own encodings.
const AcceptEncoding = "gzip, br, zstd"

// DefaultMaxDecodedSize bounds the decoded size of one response body.
const DefaultMaxDecodedSize = 128 << 20

// ErrDecodedTooLarge is returned once a decoded body exceeds its limit.
var ErrDecodedTooLarge = errors.New("decoded response body too large")

// decodingBody decodes a response body according to its Content-Encoding.
// The decoder is created on first read so Connect never blocks on body
// bytes.
type decodingBody struct {
	raw      io.ReadCloser
	encoding string
	limit    int64

	mu      sync.Mutex
	decoder io.Reader
	release func()
	read    int64
	err     error
}

// supportedEncoding reports whether the connector decodes enc.
func supportedEncoding(enc string) bool {
	switch enc {
	case "gzip", "x-gzip", "br", "zstd":
		return true
	}
	return false
}

// wrapDecoding returns the body to hand to the lifecycle. Encoded responses
// lose Content-Encoding and Content-Length since the client sees decoded
// bytes.
func wrapDecoding(raw io.ReadCloser, header http.Header, limit int64) io.ReadCloser {
	enc := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || !supportedEncoding(enc) {
		return raw
	}
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &decodingBody{raw: raw, encoding: enc, limit: limit}
}

func (d *decodingBody) init() error {
	switch d.encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(d.raw)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		d.decoder = zr
		d.release = func() { _ = zr.Close() }
	case "br":
		d.decoder = brotli.NewReader(d.raw)
	case "zstd":
		zr, err := zstd.NewReader(d.raw, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		d.decoder = zr
		d.release = zr.Close
	}
	return nil
}

func (d *decodingBody) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	if d.decoder == nil {
		if err := d.init(); err != nil {
			d.err = err
			return 0, err
		}
	}
	n, err := d.decoder.Read(p)
	d.read += int64(n)
	if d.limit > 0 && d.read > d.limit {
		d.err = ErrDecodedTooLarge
		return 0, d.err
	}
	if err != nil {
		d.err = err
	}
	return n, err
}

// Close closes the raw body first so a blocked Read returns before the
// decoder is released.
func (d *decodingBody) Close() error {
	err := d.raw.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.release != nil {
		d.release()
		d.release = nil
	}
	if d.err == nil {
		d.err = io.ErrClosedPipe
	}
	return err
}
