package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-sentry/pipeline"
)

type fakeTranscriber struct {
	loadErr error

	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Load(ctx context.Context) error { return f.loadErr }

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []float32, rate int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type recordingAnalyzer struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAnalyzer) Analyze(ctx context.Context, channel, transcript, lastSent string) {
	a.mu.Lock()
	a.calls = append(a.calls, channel+"|"+transcript+"|"+lastSent)
	a.mu.Unlock()
}

func testRuntime() *pipeline.Runtime {
	return pipeline.NewRuntime(16, 16, 4, 12)
}

func waitForTranscript(t *testing.T, rt *pipeline.Runtime) pipeline.Transcript {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-rt.Events:
			if tr, ok := ev.(pipeline.Transcript); ok {
				return tr
			}
		case <-deadline:
			t.Fatal("transcript event never arrived")
		}
	}
}

func TestWorkerEmitsTranscript(t *testing.T) {
	rt := testRuntime()
	tr := &fakeTranscriber{text: "  hello world  "}
	w := NewWorker(tr, nil, rt, nil, 16000)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); <-w.Done() }()

	rt.Audio <- pipeline.AudioChunk{Channel: "foo", Samples: make([]float32, 8), ChunkStart: 5, ChunkEnd: 10}

	got := waitForTranscript(t, rt)
	if got.Channel != "foo" || got.Text != "hello world" {
		t.Errorf("transcript = %+v, want foo/hello world (trimmed)", got)
	}
	if got.ChunkStart != 5 || got.ChunkEnd != 10 {
		t.Errorf("chunk span = [%v, %v], want [5, 10]", got.ChunkStart, got.ChunkEnd)
	}
}

func TestWorkerSkipsEmptyTranscripts(t *testing.T) {
	rt := testRuntime()
	tr := &fakeTranscriber{text: "   "}
	w := NewWorker(tr, nil, rt, nil, 16000)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); <-w.Done() }()

	rt.Audio <- pipeline.AudioChunk{Channel: "foo", Samples: make([]float32, 8)}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		n := tr.calls
		tr.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case ev := <-rt.Events:
		t.Errorf("blank transcript produced an event: %+v", ev)
	default:
	}
}

func TestWorkerSurvivesTranscribeErrors(t *testing.T) {
	rt := testRuntime()
	tr := &fakeTranscriber{err: errors.New("decode failed")}
	w := NewWorker(tr, nil, rt, nil, 16000)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); <-w.Done() }()

	rt.Audio <- pipeline.AudioChunk{Channel: "foo", Samples: make([]float32, 8)}
	rt.Audio <- pipeline.AudioChunk{Channel: "foo", Samples: make([]float32, 8)}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		n := tr.calls
		tr.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("worker stopped consuming after a transcribe error")
}

func TestWorkerLoadFailureIsFatal(t *testing.T) {
	rt := testRuntime()
	tr := &fakeTranscriber{loadErr: errors.New("model file missing")}
	w := NewWorker(tr, nil, rt, nil, 16000)

	go w.Run(context.Background())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept running after load failure")
	}

	select {
	case ev := <-rt.Events:
		n, ok := ev.(pipeline.SystemNotice)
		if !ok || n.Severity != pipeline.SeverityCritical {
			t.Errorf("expected critical notice, got %+v", ev)
		}
		if !strings.Contains(n.Text, "failed to load") {
			t.Errorf("notice text = %q", n.Text)
		}
	default:
		t.Error("no notice emitted for load failure")
	}
}

func TestWorkerAnalyzerWindow(t *testing.T) {
	rt := testRuntime()
	tr := &fakeTranscriber{text: "a reply"}
	an := &recordingAnalyzer{}
	w := NewWorker(tr, an, rt, nil, 16000)

	base := time.Now()
	w.now = func() time.Time { return base }

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() { cancel(); <-w.Done() }()

	// Sent 30s ago: inside the window.
	rt.SetLastSent("foo", "our message", base.Add(-30*time.Second))
	rt.Audio <- pipeline.AudioChunk{Channel: "foo", Samples: make([]float32, 8)}
	waitForTranscript(t, rt)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		an.mu.Lock()
		n := len(an.calls)
		an.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	an.mu.Lock()
	if len(an.calls) != 1 || an.calls[0] != "foo|a reply|our message" {
		t.Errorf("analyzer calls = %v", an.calls)
	}
	an.mu.Unlock()

	// Sent two minutes ago: outside the window, no hand-off.
	rt.SetLastSent("bar", "stale", base.Add(-2*time.Minute))
	rt.Audio <- pipeline.AudioChunk{Channel: "bar", Samples: make([]float32, 8)}
	waitForTranscript(t, rt)

	time.Sleep(20 * time.Millisecond)
	an.mu.Lock()
	if len(an.calls) != 1 {
		t.Errorf("stale send reached analyzer: %v", an.calls)
	}
	an.mu.Unlock()
}

func TestWriteWAVHeader(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "*.wav")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	samples := []float32{0, 0.5, -0.5, 1, -1}
	if err := writeWAV(f, samples, 16000); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 44+2*len(samples) {
		t.Fatalf("file length = %d, want %d", len(data), 44+2*len(samples))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(data[24:]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if ch := binary.LittleEndian.Uint16(data[22:]); ch != 1 {
		t.Errorf("channels = %d, want mono", ch)
	}
	// Full-scale samples clip to int16 extremes.
	if v := int16(binary.LittleEndian.Uint16(data[44+6:])); v != 32767 {
		t.Errorf("sample 3 = %d, want 32767", v)
	}
	if v := int16(binary.LittleEndian.Uint16(data[44+8:])); v != -32767 {
		t.Errorf("sample 4 = %d, want -32767", v)
	}
}
