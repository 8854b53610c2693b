package nbt

import (
	"bytes"
	"compress/gzip"
	"sync"
)

// bufferPool holds decompression buffers shared by all decode workers.
//
// Usage:
//
//	buf := acquireBuffer()
//	defer releaseBuffer(buf)
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func acquireBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// releaseBuffer resets buf and returns it to the pool. Buffers above maxInputBytes are dropped.
func releaseBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxInputBytes {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// gzipPool starts empty; a zero gzip.Reader cannot be Reset
var gzipPool sync.Pool

func acquireGzip(src *bytes.Reader) (*gzip.Reader, error) {
	if zr, ok := gzipPool.Get().(*gzip.Reader); ok {
		if err := zr.Reset(src); err != nil {
			gzipPool.Put(zr)
			return nil, err
		}
		return zr, nil
	}
	return gzip.NewReader(src)
}

func releaseGzip(zr *gzip.Reader) {
	if zr == nil {
		return
	}
	zr.Close()
	gzipPool.Put(zr)
}

// Warmup pre-allocates decode buffers ahead of the first cycle
func Warmup(n int) {
	bufs := make([]*bytes.Buffer, 0, n)
	for i := 0; i < n; i++ {
		buf := acquireBuffer()
		buf.Grow(4096)
		bufs = append(bufs, buf)
	}
	for _, buf := range bufs {
		releaseBuffer(buf)
	}
}
