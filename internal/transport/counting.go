package transport

import (
	"io"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// CountingWriter counts the compressed bytes of one fabric request body as
// they are streamed into the request pipe. Every write is also added to
// sink, so retried attempts show up in the per-operation byte total.
type CountingWriter struct {
	w     io.Writer
	sink  prometheus.Counter
	count atomic.Int64
}

// NewCountingWriter wraps w. sink may be nil.
func NewCountingWriter(w io.Writer, sink prometheus.Counter) *CountingWriter {
	return &CountingWriter{w: w, sink: sink}
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.count.Add(int64(n))
		if cw.sink != nil {
			cw.sink.Add(float64(n))
		}
	}
	return n, err
}

// Count returns the bytes written so far. Safe to call during writes.
func (cw *CountingWriter) Count() int64 {
	return cw.count.Load()
}
