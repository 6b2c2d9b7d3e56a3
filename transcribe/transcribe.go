// Package transcribe drains the shared audio queue through a speech-to-text
// backend and publishes transcripts as events.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/stream-sentry/datalog"
	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/telemetry"
)

// Transcriber turns a chunk of mono PCM samples into text. Implementations
// are opaque; Load is called once before any Transcribe.
type Transcriber interface {
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Analyzer receives transcripts for channels we recently spoke in, paired
// with the last message we sent there. Implementations must not block for
// long; the worker calls them inline.
type Analyzer interface {
	Analyze(ctx context.Context, channel, transcript, lastSent string)
}

const (
	popTimeout = time.Second
	// selfSendWindow bounds how long after a self-send a transcript is still
	// considered a potential reaction to it.
	selfSendWindow = 90 * time.Second
)

// Worker owns the single transcription loop. There is exactly one per
// process; it is started lazily and never restarted.
type Worker struct {
	tr         Transcriber
	an         Analyzer
	rt         *pipeline.Runtime
	log        *datalog.Logger
	sampleRate int

	window time.Duration
	now    func() time.Time

	done chan struct{}
}

// NewWorker builds the transcription worker. an may be nil.
func NewWorker(tr Transcriber, an Analyzer, rt *pipeline.Runtime, log *datalog.Logger, sampleRate int) *Worker {
	return &Worker{
		tr:         tr,
		an:         an,
		rt:         rt,
		log:        log,
		sampleRate: sampleRate,
		window:     selfSendWindow,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Done is closed once the worker has stopped, whether by cancellation or by
// a fatal backend failure.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run loads the backend and then drains audio chunks until ctx is canceled.
// A backend that fails to load kills this worker only: capture and chat keep
// running, and the failure is surfaced as a critical notice.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	if err := w.tr.Load(ctx); err != nil {
		w.rt.Emit(pipeline.SystemNotice{
			Channel:  pipeline.SystemChannel,
			Text:     fmt.Sprintf("transcription backend failed to load: %v", err),
			Severity: pipeline.SeverityCritical,
		})
		slog.Error("transcription backend load failed", slog.Any("err", err))
		return
	}
	slog.Info("transcription worker started")

	timer := time.NewTimer(popTimeout)
	defer timer.Stop()
	for {
		timer.Reset(popTimeout)
		select {
		case <-ctx.Done():
			return
		case chunk := <-w.rt.Audio:
			w.handle(ctx, chunk)
		case <-timer.C:
		}
	}
}

func (w *Worker) handle(ctx context.Context, chunk pipeline.AudioChunk) {
	telemetry.SetAudioQueueDepth(len(w.rt.Audio))

	start := w.now()
	text, err := w.tr.Transcribe(ctx, chunk.Samples, w.sampleRate)
	telemetry.TranscribeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("transcription failed", slog.String("channel", chunk.Channel), slog.Any("err", err))
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	w.rt.Emit(pipeline.Transcript{
		Channel:    chunk.Channel,
		Text:       text,
		ChunkStart: chunk.ChunkStart,
		ChunkEnd:   chunk.ChunkEnd,
	})
	telemetry.Transcripts.Inc()
	if w.log != nil {
		w.log.LogTranscript(w.now(), chunk.Channel, text, chunk.ChunkStart, chunk.ChunkEnd)
	}

	if w.an == nil {
		return
	}
	lastText, at, ok := w.rt.LastSent(chunk.Channel)
	if ok && w.now().Sub(at) <= w.window {
		w.an.Analyze(ctx, chunk.Channel, text, lastText)
	}
}
