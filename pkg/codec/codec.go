// Package codec provides the pluggable payload compression registry used by
// the distribution engine. Schemes are identified by name; a subscription
// requesting an unregistered scheme is delivered uncompressed.
package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor compresses a delivery payload. Implementations must be safe for
// concurrent use; the engine calls them from many subscription pumps.
type Compressor interface {
	Scheme() string
	Compress(src []byte) ([]byte, error)
}

// Registry maps scheme names to compressors.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Compressor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]Compressor)}
}

// Default returns a registry with the gzip, zstd and s2 schemes registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register(Gzip())
	if z, err := Zstd(); err == nil {
		r.Register(z)
	}
	r.Register(S2())
	return r
}

// Register adds or replaces a compressor under its scheme name.
func (r *Registry) Register(c Compressor) {
	r.mu.Lock()
	r.schemes[c.Scheme()] = c
	r.mu.Unlock()
}

// Get looks up a compressor by scheme.
func (r *Registry) Get(scheme string) (Compressor, bool) {
	r.mu.RLock()
	c, ok := r.schemes[scheme]
	r.mu.RUnlock()
	return c, ok
}

type gzipCompressor struct {
	pool sync.Pool
}

// Gzip returns a gzip compressor tuned for speed over ratio.
func Gzip() Compressor {
	return &gzipCompressor{
		pool: sync.Pool{New: func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		}},
	}
}

func (g *gzipCompressor) Scheme() string { return "gzip" }

func (g *gzipCompressor) Compress(src []byte) ([]byte, error) {
	w := g.pool.Get().(*gzip.Writer)
	defer g.pool.Put(w)

	var buf bytes.Buffer
	w.Reset(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("codec: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

// Zstd returns a zstd compressor. The underlying encoder is reused across
// calls; EncodeAll is concurrency-safe.
func Zstd() (Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	return &zstdCompressor{enc: enc}, nil
}

func (z *zstdCompressor) Scheme() string { return "zstd" }

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

type s2Compressor struct{}

// S2 returns an s2 (snappy-compatible) compressor.
func S2() Compressor { return s2Compressor{} }

func (s2Compressor) Scheme() string { return "s2" }

func (s2Compressor) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}
