package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
	emptyReader = strings.NewReader("")
)

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) *brotli.Reader {
	br := brotliReaderPool.Get().(*brotli.Reader)
	_ = br.Reset(r)
	return br
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// layer is one decoding stage; release returns pooled readers.
type layer struct {
	io.ReadCloser
	inner   io.ReadCloser
	release func()
}

func (l *layer) Close() error {
	if l.release != nil {
		l.release()
		l.release = nil
	}
	return errors.Join(l.ReadCloser.Close(), l.inner.Close())
}

// DecompressReader wraps body with decoders for the listed content codings.
// Codings are given in the order they were applied and are removed in
// reverse. Supported: gzip, deflate (zlib or raw), br and identity.
func DecompressReader(body io.ReadCloser, encodings []string) (io.ReadCloser, error) {
	for i := len(encodings) - 1; i >= 0; i-- {
		var (
			reader  io.ReadCloser
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip", "x-gzip":
			zr, err := getGzipReader(body)
			if err != nil {
				return nil, fmt.Errorf("gzip initialization error: %w", err)
			}
			reader, release = zr, func() { putGzipReader(zr) }
		case "deflate":
			reader = tryDeflate(body)
		case "br":
			br := getBrotliReader(body)
			reader, release = io.NopCloser(br), func() { putBrotliReader(br) }
		case "identity", "":
			continue
		default:
			return nil, fmt.Errorf("unsupported Content-Encoding layer: %s", enc)
		}
		body = &layer{ReadCloser: reader, inner: body, release: release}
	}
	return body, nil
}

// contentCodings splits every Content-Encoding header value into codings.
func contentCodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// DecodeBody returns the decoded form of a body sent with header h. Bodies
// without a Content-Encoding are returned unchanged.
func DecodeBody(h http.Header, raw []byte) ([]byte, error) {
	codings := contentCodings(h)
	if len(codings) == 0 || len(raw) == 0 {
		return raw, nil
	}
	r, err := DecompressReader(io.NopCloser(bytes.NewReader(raw)), codings)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", strings.Join(codings, ","), err)
	}
	return decoded, nil
}

// resettableReader records what it reads so the stream can be replayed
// after a failed zlib header probe.
type resettableReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newResettableReader(r io.Reader) *resettableReader {
	buf := bytes.NewBuffer(make([]byte, 0, 64))
	return &resettableReader{r: io.TeeReader(r, buf), buf: buf, source: r}
}

func (rr *resettableReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *resettableReader) Reset() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate reads zlib-wrapped deflate and falls back to raw deflate.
func tryDeflate(r io.Reader) io.ReadCloser {
	rr := newResettableReader(r)
	if zr, err := zlib.NewReader(rr); err == nil {
		return zr
	}
	rr.Reset()
	return flate.NewReader(rr)
}
