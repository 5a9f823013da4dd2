package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountingWriter_FeedsSink(t *testing.T) {
	var buf bytes.Buffer
	sink := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_request_bytes_total"})
	cw := NewCountingWriter(&buf, sink)

	if cw.Count() != 0 {
		t.Fatalf("expected initial count 0, got %d", cw.Count())
	}
	for _, chunk := range []string{"zstd-frame-1", "", "frame-2"} {
		if _, err := cw.Write([]byte(chunk)); err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}

	if cw.Count() != 19 {
		t.Fatalf("expected count 19, got %d", cw.Count())
	}
	if got := testutil.ToFloat64(sink); got != 19 {
		t.Fatalf("expected sink 19, got %v", got)
	}
	if buf.String() != "zstd-frame-1frame-2" {
		t.Fatalf("unexpected buffer content: %q", buf.String())
	}
}

func TestCountingWriter_NilSink(t *testing.T) {
	cw := NewCountingWriter(io.Discard, nil)
	if _, err := cw.Write([]byte("payload")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if cw.Count() != 7 {
		t.Fatalf("expected count 7, got %d", cw.Count())
	}
}

func TestCountingWriter_ClosedPipeCountsNothing(t *testing.T) {
	pr, pw := io.Pipe()
	_ = pr.CloseWithError(errors.New("request aborted"))

	sink := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_aborted_bytes_total"})
	cw := NewCountingWriter(pw, sink)
	if _, err := cw.Write([]byte("never delivered")); err == nil {
		t.Fatal("expected write to a closed pipe to fail")
	}
	if cw.Count() != 0 || testutil.ToFloat64(sink) != 0 {
		t.Fatalf("expected nothing counted, got count=%d sink=%v", cw.Count(), testutil.ToFloat64(sink))
	}
}
