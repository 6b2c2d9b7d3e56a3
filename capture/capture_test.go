package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/pipeline"
)

func encodeSamples(samples []float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func TestDecodeSamples(t *testing.T) {
	in := []float32{0, 0.5, -1, 0.25}
	got := decodeSamples(encodeSamples(in))
	if len(got) != len(in) {
		t.Fatalf("got %d samples, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], in[i])
		}
	}
	// A trailing partial sample is discarded, not misread.
	if got := decodeSamples(encodeSamples(in)[:9]); len(got) != 2 {
		t.Errorf("partial decode = %d samples, want 2", len(got))
	}
}

func TestChunkBytes(t *testing.T) {
	if got := chunkBytes(16000, 5*time.Second); got != 320000 {
		t.Errorf("chunkBytes = %d, want 320000", got)
	}
}

func testWorkerConfig() Config {
	return Config{
		SampleRate:    4,
		ChunkDuration: time.Second,
		OfflineRetry:  60 * time.Second,
		CrashDelay:    10 * time.Second,
	}
}

func TestWorkerPumpsChunks(t *testing.T) {
	rt := pipeline.NewRuntime(16, 16, 4, 12)

	// 4 Hz and 1 s chunks: 4 samples per chunk, 2.5 chunks of data.
	samples := make([]float32, 10)
	for i := range samples {
		samples[i] = float32(i)
	}
	stream := io.NopCloser(bytes.NewReader(encodeSamples(samples)))

	w := NewWorker("foo", testWorkerConfig(), rt)
	w.openStream = func(ctx context.Context) (io.ReadCloser, error) { return stream, nil }

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	var chunks []pipeline.AudioChunk
	deadline := time.After(2 * time.Second)
	for len(chunks) < 3 {
		select {
		case c := <-rt.Audio:
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatalf("got %d chunks, want 3", len(chunks))
		}
	}
	cancel()
	<-w.Done()

	if chunks[0].Channel != "foo" || len(chunks[0].Samples) != 4 {
		t.Errorf("chunk 0 = %s/%d samples, want foo/4", chunks[0].Channel, len(chunks[0].Samples))
	}
	if chunks[0].ChunkStart != 0 || chunks[0].ChunkEnd != 1 {
		t.Errorf("chunk 0 span = [%v, %v], want [0, 1]", chunks[0].ChunkStart, chunks[0].ChunkEnd)
	}
	if chunks[1].ChunkStart != 1 || chunks[1].ChunkEnd != 2 {
		t.Errorf("chunk 1 span = [%v, %v], want [1, 2]", chunks[1].ChunkStart, chunks[1].ChunkEnd)
	}
	// The tail chunk carries the remaining two samples, half a chunk long.
	if len(chunks[2].Samples) != 2 || chunks[2].ChunkEnd != 2.5 {
		t.Errorf("tail chunk = %d samples ending %v, want 2 ending 2.5", len(chunks[2].Samples), chunks[2].ChunkEnd)
	}
	if chunks[2].Samples[0] != 8 || chunks[2].Samples[1] != 9 {
		t.Errorf("tail samples = %v, want [8 9]", chunks[2].Samples)
	}
}

func TestWorkerRetriesWhenOffline(t *testing.T) {
	rt := pipeline.NewRuntime(16, 16, 4, 12)
	w := NewWorker("foo", testWorkerConfig(), rt)
	w.openStream = func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("no playable streams")
	}

	var mu sync.Mutex
	var delays []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delays)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-w.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(delays) < 2 {
		t.Fatalf("got %d retry sleeps, want at least 2", len(delays))
	}
	for i, d := range delays[:2] {
		if d != 60*time.Second {
			t.Errorf("delay[%d] = %v, want offline retry of 60s", i, d)
		}
	}
	// An unavailable stream is routine, not an alert.
	select {
	case ev := <-rt.Events:
		t.Errorf("offline stream produced an event: %+v", ev)
	default:
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestWorkerCrashEmitsNotice(t *testing.T) {
	rt := pipeline.NewRuntime(16, 16, 4, 12)
	w := NewWorker("foo", testWorkerConfig(), rt)
	w.openStream = func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(errReader{err: errors.New("decoder blew up")}), nil
	}

	var mu sync.Mutex
	var delays []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	var notice pipeline.SystemNotice
	deadline := time.After(2 * time.Second)
waiting:
	for {
		select {
		case ev := <-rt.Events:
			if n, ok := ev.(pipeline.SystemNotice); ok {
				notice = n
				break waiting
			}
		case <-deadline:
			t.Fatal("no system notice after capture crash")
		}
	}
	cancel()
	<-w.Done()

	if notice.Severity != pipeline.SeverityWarning {
		t.Errorf("notice severity = %q, want warning", notice.Severity)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) == 0 || delays[0] != 10*time.Second {
		t.Errorf("crash delays = %v, want first sleep of 10s", delays)
	}
}

func TestWorkerHonorsBackpressure(t *testing.T) {
	// Threshold 2 on a capacity-4 queue: only two chunks may sit in the
	// queue, the rest are shed.
	rt := pipeline.NewRuntime(16, 4, 4, 2)

	samples := make([]float32, 40) // ten 1s chunks at 4 Hz
	stream := io.NopCloser(bytes.NewReader(encodeSamples(samples)))

	w := NewWorker("foo", testWorkerConfig(), rt)
	w.openStream = func(ctx context.Context) (io.ReadCloser, error) { return stream, nil }
	w.sleep = func(ctx context.Context, d time.Duration) { <-ctx.Done() }

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rt.Audio) < 2 {
		time.Sleep(time.Millisecond)
	}
	// Give the worker time to run through the rest of the stream.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-w.Done()

	if got := len(rt.Audio); got != 2 {
		t.Errorf("queued chunks = %d, want 2 (threshold)", got)
	}
}
