// Package imagetest holds small fakes for the external collaborators
// spec.md excludes from scope (decoder, processor, request executor),
// shared across package tests the way the teacher's own _test.go files
// each define a handful of small helper structs inline rather than a
// shared fixtures package — this one is shared because the same fakes are
// needed by several tiers' tests (memstore, downloader, manager).
package imagetest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync/atomic"
)

// PNGBytes renders a solid-color square of the given size as PNG bytes,
// good enough for exercising decode/serialize/store round trips without a
// real image fixture on disk.
func PNGBytes(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 1, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// CostImage is a minimal Costed implementation (imagecache.Image also
// satisfies this shape, but memstore tests want something with no
// dependency on the root package to avoid an import cycle).
type CostImage struct {
	Cost int
}

func (c CostImage) CacheCost() int { return c.Cost }

// RoundTripFunc adapts a function to http.RoundTripper / the Downloader's
// RequestExecutor interface.
type RoundTripFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// StaticResponder always answers with status/body, counting how many times
// it was invoked so tests can assert single-flight coalescing (spec.md §8
// property 1, "at-most-one inflight").
type StaticResponder struct {
	Status int
	Body   []byte
	Calls  atomic.Int64
	Delay  func() // optional, invoked synchronously before responding
}

func (s *StaticResponder) Do(req *http.Request) (*http.Response, error) {
	s.Calls.Add(1)
	if s.Delay != nil {
		s.Delay()
	}
	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}
	resp := &http.Response{
		StatusCode: status,
		Body:       newReadCloser(s.Body),
		Header:     make(http.Header),
		Request:    req,
	}
	return resp, nil
}

// SequenceResponder answers each call from a pre-set list in order, the
// last entry repeating once exhausted — used to drive spec.md §8 scenario
// S6 (503 then 200).
type SequenceResponder struct {
	Responses []FakeResponse
	Calls     atomic.Int64
}

type FakeResponse struct {
	Status int
	Body   []byte
	Err    error
}

func (s *SequenceResponder) Do(req *http.Request) (*http.Response, error) {
	i := s.Calls.Add(1) - 1
	idx := int(i)
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	r := s.Responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return &http.Response{
		StatusCode: r.Status,
		Body:       newReadCloser(r.Body),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

type readCloser struct {
	*bytes.Reader
}

func (readCloser) Close() error { return nil }

func newReadCloser(b []byte) *readCloser {
	return &readCloser{bytes.NewReader(b)}
}

// CallCounter is embedded by root-package test fakes (e.g. a Processor or
// Decoder implementation) that need to count invocations per distinct key
// without this package needing to import the root package's types (which
// would cycle back through any _test.go file using package imagecache
// directly rather than imagecache_test).
type CallCounter struct {
	n atomic.Int64
}

func (c *CallCounter) Hit() int64    { c.n.Add(1); return c.n.Load() }
func (c *CallCounter) Count() int64  { return c.n.Load() }
