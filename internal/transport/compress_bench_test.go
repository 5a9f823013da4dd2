package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// benchPlacement builds a placement request of the size a large tenant
// produces: one slot per agent plus the allocations behind it.
func benchPlacement(agents int) map[string]any {
	slots := make(map[string]int, agents)
	allocs := make(map[string][]string, agents)
	for i := 0; i < agents; i++ {
		id := fmt.Sprintf("agent-%04d", i)
		slots[id] = i % 16
		allocs[id] = []string{
			fmt.Sprintf("inference/%s-7d9f8c6b5-%05d@GPU-%08x", id, i, i),
			fmt.Sprintf("inference/%s-7d9f8c6b5-%05d@GPU-%08x", id, i+1, i+1),
		}
	}
	return map[string]any{"slots": slots, "allocations": allocs}
}

// BenchmarkStreamingCompress measures the io.Pipe + zstd path of
// Client.doPost at every configurable level.
func BenchmarkStreamingCompress(b *testing.B) {
	payload := benchPlacement(2000)
	raw, err := json.Marshal(payload)
	if err != nil {
		b.Fatal(err)
	}

	for _, level := range []zstd.EncoderLevel{zstd.SpeedFastest, zstd.SpeedDefault, zstd.SpeedBetterCompression, zstd.SpeedBestCompression} {
		b.Run(level.String(), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				pr, pw := io.Pipe()
				cw := NewCountingWriter(pw, nil)
				zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(level))
				if err != nil {
					b.Fatal(err)
				}

				errCh := make(chan error, 1)
				go func() {
					encErr := json.NewEncoder(zw).Encode(payload)
					closeErr := zw.Close()
					switch {
					case encErr != nil:
						pw.CloseWithError(encErr)
						errCh <- encErr
					case closeErr != nil:
						pw.CloseWithError(closeErr)
						errCh <- closeErr
					default:
						pw.Close()
						errCh <- nil
					}
				}()

				var compressed bytes.Buffer
				if _, err := io.Copy(&compressed, pr); err != nil {
					b.Fatal(err)
				}
				if err := <-errCh; err != nil {
					b.Fatal(err)
				}
				if compressed.Len() >= len(raw) {
					b.Fatalf("compressed (%d) >= uncompressed (%d)", compressed.Len(), len(raw))
				}
				b.ReportMetric(float64(cw.Count()), "compressed-bytes")
			}
		})
	}
}
