// Package capture pulls live audio for one channel through streamlink and
// ffmpeg and feeds fixed-duration sample chunks into the shared audio queue.
package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/telemetry"
)

// Config carries the external tool paths and audio format parameters.
type Config struct {
	StreamlinkPath string
	FFmpegPath     string
	SampleRate     int
	ChunkDuration  time.Duration

	// OfflineRetry is how long to wait before re-resolving when the stream
	// is not available or ended. CrashDelay applies after unexpected errors.
	OfflineRetry time.Duration
	CrashDelay   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StreamlinkPath == "" {
		out.StreamlinkPath = "streamlink"
	}
	if out.FFmpegPath == "" {
		out.FFmpegPath = "ffmpeg"
	}
	if out.SampleRate <= 0 {
		out.SampleRate = 16000
	}
	if out.ChunkDuration <= 0 {
		out.ChunkDuration = 5 * time.Second
	}
	if out.OfflineRetry <= 0 {
		out.OfflineRetry = 60 * time.Second
	}
	if out.CrashDelay <= 0 {
		out.CrashDelay = 10 * time.Second
	}
	return out
}

// Worker captures one channel's audio until its context is canceled.
type Worker struct {
	channel string
	cfg     Config
	rt      *pipeline.Runtime

	// openStream and sleep are swapped in tests.
	openStream func(ctx context.Context) (io.ReadCloser, error)
	sleep      func(ctx context.Context, d time.Duration)

	done chan struct{}
}

// NewWorker builds a capture worker for one channel.
func NewWorker(channel string, cfg Config, rt *pipeline.Runtime) *Worker {
	w := &Worker{
		channel: channel,
		cfg:     cfg.withDefaults(),
		rt:      rt,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
		done: make(chan struct{}),
	}
	w.openStream = w.openPipeline
	return w
}

// Done is closed once the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Channel returns the channel this worker captures.
func (w *Worker) Channel() string { return w.channel }

// Run captures audio in a resolve/pump/retry loop until ctx is canceled.
// A stream that ends or never resolves is retried on the offline interval;
// anything else is surfaced as a system notice and retried after a short
// crash delay.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	for ctx.Err() == nil {
		stream, err := w.openStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("stream not available", slog.String("channel", w.channel), slog.Any("err", err))
			w.sleep(ctx, w.cfg.OfflineRetry)
			continue
		}

		err = w.pump(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			slog.Info("stream ended", slog.String("channel", w.channel))
			w.sleep(ctx, w.cfg.OfflineRetry)
			continue
		}

		w.rt.Emit(pipeline.SystemNotice{
			Channel:  pipeline.SystemChannel,
			Text:     fmt.Sprintf("audio capture for %s failed: %v", w.channel, err),
			Severity: pipeline.SeverityWarning,
		})
		slog.Warn("capture error", slog.String("channel", w.channel), slog.Any("err", err))
		w.sleep(ctx, w.cfg.CrashDelay)
	}
}

// pump reads fixed-size chunks from the raw f32le stream and offers them to
// the audio queue. Returns nil when the stream ends.
func (w *Worker) pump(ctx context.Context, stream io.Reader) error {
	chunkLen := chunkBytes(w.cfg.SampleRate, w.cfg.ChunkDuration)
	buf := make([]byte, chunkLen)
	var offset float64

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			samples := decodeSamples(buf[:n])
			end := offset + float64(len(samples))/float64(w.cfg.SampleRate)
			w.rt.OfferAudio(pipeline.AudioChunk{
				Channel:    w.channel,
				Samples:    samples,
				ChunkStart: offset,
				ChunkEnd:   end,
			})
			telemetry.ChunksCaptured.Inc()
			offset = end
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// openPipeline resolves the audio-only stream URL and starts an ffmpeg
// process decoding it to raw mono f32le on stdout.
func (w *Worker) openPipeline(ctx context.Context) (io.ReadCloser, error) {
	url, err := w.resolveURL(ctx)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, w.cfg.FFmpegPath,
		"-loglevel", "error",
		"-i", url,
		"-f", "f32le",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", w.cfg.SampleRate),
		"-vn",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	slog.Info("capture started", slog.String("channel", w.channel))
	return &processStream{r: stdout, cmd: cmd}, nil
}

// resolveURL asks streamlink for the direct audio_only stream URL.
func (w *Worker) resolveURL(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, w.cfg.StreamlinkPath,
		"--stream-url", "https://twitch.tv/"+w.channel, "audio_only")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolve stream url: %w", err)
	}
	url := strings.TrimSpace(string(out))
	if url == "" {
		return "", fmt.Errorf("streamlink returned no url for %s", w.channel)
	}
	return url, nil
}

// processStream ties the lifetime of the ffmpeg process to its stdout pipe.
type processStream struct {
	r   io.ReadCloser
	cmd *exec.Cmd
}

func (p *processStream) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *processStream) Close() error {
	_ = p.r.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// chunkBytes is the byte length of one chunk of f32le samples.
func chunkBytes(rate int, dur time.Duration) int {
	return 4 * int(float64(rate)*dur.Seconds())
}

// decodeSamples converts little-endian float32 bytes to samples, discarding
// any trailing partial sample.
func decodeSamples(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
