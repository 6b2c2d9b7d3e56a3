// Package monitor is the orchestrator: it reconciles capture workers against
// the active channel set, starts the transcription worker lazily, serves
// channel join requests, and polls Helix for liveness and metadata.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/stream-sentry/capture"
	"github.com/onnwee/stream-sentry/pipeline"
	"github.com/onnwee/stream-sentry/telemetry"
)

const (
	workerStopTimeout = 5 * time.Second
	// failureThreshold is how many consecutive poll failures trigger an
	// extra backoff sleep on top of the regular interval.
	failureThreshold = 3
)

// Helix is the subset of the Twitch API the orchestrator needs.
type Helix interface {
	GetStreams(ctx context.Context, logins []string) ([]pipeline.LiveInfo, error)
	GetFollowedChannels(ctx context.Context) ([]string, error)
	GetFollowerCounts(ctx context.Context, logins []string) (map[string]int, error)
	FetchThumbnail(ctx context.Context, url string) ([]byte, error)
}

// ShardManager rebuilds chat sessions over the active set.
type ShardManager interface {
	Rebuild(ctx context.Context, active []string)
	StopAll()
}

// captureWorker is what Reconcile manages; satisfied by *capture.Worker.
type captureWorker interface {
	Run(ctx context.Context)
	Done() <-chan struct{}
}

type workerHandle struct {
	worker captureWorker
	cancel context.CancelFunc
}

// Config carries the orchestrator knobs.
type Config struct {
	PollInterval time.Duration
	Capture      capture.Config
}

// Orchestrator ties the pieces together. All mutation of the active set and
// the worker map goes through it, serialized by its mutex.
type Orchestrator struct {
	cfg   Config
	rt    *pipeline.Runtime
	mgr   ShardManager
	helix Helix

	// newWorker and sleep are swapped in tests.
	newWorker func(channel string) captureWorker
	sleep     func(ctx context.Context, d time.Duration)

	// startTranscriber launches the transcription worker; it runs at most
	// once, on the first capture worker start, and is never re-run.
	startTranscriber func(ctx context.Context)
	transcribeOnce   sync.Once

	mu      sync.Mutex
	workers map[string]*workerHandle
	baseCtx context.Context
	wasLive map[string]bool

	failures int
}

// New builds an orchestrator. helix may be nil, which disables polling.
// startTranscriber may be nil when transcription is not configured.
func New(cfg Config, rt *pipeline.Runtime, mgr ShardManager, helix Helix, startTranscriber func(ctx context.Context)) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	o := &Orchestrator{
		cfg:              cfg,
		rt:               rt,
		mgr:              mgr,
		helix:            helix,
		startTranscriber: startTranscriber,
		workers:          make(map[string]*workerHandle),
		wasLive:          make(map[string]bool),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
	o.newWorker = func(channel string) captureWorker {
		return capture.NewWorker(channel, cfg.Capture, rt)
	}
	return o
}

// Start anchors the orchestrator lifetime on ctx and launches the poll loop.
// Every session and worker started by a later join is parented on ctx, never
// on the join caller's context: request contexts end with their request, but
// the shards they spawn must not.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()
	go o.run(ctx)
}

// runContext returns the lifetime context anchored by Start.
func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseCtx != nil {
		return o.baseCtx
	}
	return context.Background()
}

func (o *Orchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.stopAllWorkers()
			return
		case <-ticker.C:
			if o.helix == nil {
				continue
			}
			telemetry.TimeFunc(telemetry.PollDuration, func() { o.poll(ctx) })
		}
	}
}

// JoinChannel adds a channel to the active set, rebuilds the shards, and
// starts its capture worker. Idempotent; a second join is a no-op. ctx scopes
// only this call: the sessions and workers it spawns live on the Start
// context and outlive the caller.
func (o *Orchestrator) JoinChannel(ctx context.Context, channel string) error {
	channel = normalizeChannel(channel)
	if channel == "" {
		return fmt.Errorf("empty channel name")
	}
	if !o.rt.AddActive(channel) {
		return nil
	}
	slog.Info("joining channel", slog.String("channel", channel))
	o.mgr.Rebuild(o.runContext(), o.rt.ActiveChannels())
	o.Reconcile()
	o.rt.Emit(pipeline.ChannelJoined{Channel: channel})
	return nil
}

// LeaveChannel removes a channel from the active set and tears down its
// workers and shard membership.
func (o *Orchestrator) LeaveChannel(ctx context.Context, channel string) {
	channel = normalizeChannel(channel)
	if !o.rt.RemoveActive(channel) {
		return
	}
	slog.Info("leaving channel", slog.String("channel", channel))
	o.mgr.Rebuild(o.runContext(), o.rt.ActiveChannels())
	o.Reconcile()
}

// Reconcile diffs the capture worker map against the active set: workers for
// inactive channels are stopped, missing workers are started. The
// transcription worker starts with the first capture worker.
func (o *Orchestrator) Reconcile() {
	o.mu.Lock()
	base := o.baseCtx
	if base == nil {
		base = context.Background()
	}

	var stale []*workerHandle
	var staleNames []string
	for ch, h := range o.workers {
		if !o.rt.IsActive(ch) {
			stale = append(stale, h)
			staleNames = append(staleNames, ch)
			delete(o.workers, ch)
		}
	}

	var started []string
	for _, ch := range o.rt.ActiveChannels() {
		if _, ok := o.workers[ch]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(base)
		w := o.newWorker(ch)
		o.workers[ch] = &workerHandle{worker: w, cancel: cancel}
		go w.Run(wctx)
		started = append(started, ch)
	}
	o.mu.Unlock()

	for i, h := range stale {
		h.cancel()
		select {
		case <-h.worker.Done():
		case <-time.After(workerStopTimeout):
			slog.Warn("capture worker did not stop in time, abandoning", slog.String("channel", staleNames[i]))
		}
	}
	for _, ch := range staleNames {
		slog.Info("capture worker stopped", slog.String("channel", ch))
	}
	for _, ch := range started {
		slog.Info("capture worker started", slog.String("channel", ch))
	}

	if len(started) > 0 && o.startTranscriber != nil {
		o.transcribeOnce.Do(func() {
			slog.Info("starting transcription worker")
			go o.startTranscriber(base)
		})
	}
}

func (o *Orchestrator) stopAllWorkers() {
	o.mu.Lock()
	handles := make([]*workerHandle, 0, len(o.workers))
	for _, h := range o.workers {
		handles = append(handles, h)
	}
	o.workers = make(map[string]*workerHandle)
	o.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		select {
		case <-h.worker.Done():
		case <-time.After(workerStopTimeout):
		}
	}
}

// WorkerCount returns the number of live capture workers.
func (o *Orchestrator) WorkerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// poll asks Helix which of the followed and active channels are live, prunes
// offline actives, prompts on fresh streams, and refreshes metadata.
func (o *Orchestrator) poll(ctx context.Context) {
	logins := o.rt.ActiveChannels()
	if followed, err := o.helix.GetFollowedChannels(ctx); err == nil {
		logins = mergeLogins(logins, followed)
	} else {
		slog.Warn("followed channel lookup failed", slog.Any("err", err))
	}
	if len(logins) == 0 {
		return
	}

	streams, err := o.helix.GetStreams(ctx, logins)
	if err != nil {
		o.failures++
		slog.Warn("stream poll failed", slog.Int("consecutive", o.failures), slog.Any("err", err))
		if o.failures >= failureThreshold {
			o.sleep(ctx, o.cfg.PollInterval)
		}
		return
	}
	o.failures = 0

	live := make(map[string]pipeline.LiveInfo, len(streams))
	for _, s := range streams {
		live[strings.ToLower(s.Login)] = s
	}

	// Offline actives leave the set; their chat and audio are gone anyway.
	rebuild := false
	for _, ch := range o.rt.ActiveChannels() {
		if _, ok := live[ch]; ok {
			continue
		}
		o.rt.Emit(pipeline.SystemNotice{
			Channel:  pipeline.SystemChannel,
			Text:     fmt.Sprintf("%s went offline, leaving", ch),
			Severity: pipeline.SeverityInfo,
		})
		o.rt.RemoveActive(ch)
		rebuild = true
	}
	if rebuild {
		o.mgr.Rebuild(o.runContext(), o.rt.ActiveChannels())
		o.Reconcile()
	}

	// Follower counts enrich the prompt for streams that just went live.
	var fresh []string
	for login := range live {
		if !o.rt.IsActive(login) && !o.wasLive[login] {
			fresh = append(fresh, login)
		}
	}
	followers := map[string]int{}
	if len(fresh) > 0 {
		if counts, err := o.helix.GetFollowerCounts(ctx, fresh); err == nil {
			followers = counts
		} else {
			slog.Debug("follower count lookup failed", slog.Any("err", err))
		}
	}

	for login, info := range live {
		if o.rt.IsActive(login) {
			o.emitMetadata(ctx, login, info)
			o.wasLive[login] = true
			continue
		}
		// Prompt once per stream-up transition, never join by ourselves.
		if !o.wasLive[login] {
			info.Followers = followers[login]
			o.rt.Emit(pipeline.StreamOnlinePrompt{Channel: login, Live: info})
		}
		o.wasLive[login] = true
	}
	for login := range o.wasLive {
		if _, ok := live[login]; !ok {
			delete(o.wasLive, login)
		}
	}
}

func (o *Orchestrator) emitMetadata(ctx context.Context, channel string, info pipeline.LiveInfo) {
	var thumb []byte
	if info.ThumbnailURL != "" {
		var err error
		thumb, err = o.helix.FetchThumbnail(ctx, info.ThumbnailURL)
		if err != nil {
			slog.Debug("thumbnail fetch failed", slog.String("channel", channel), slog.Any("err", err))
		}
	}
	o.rt.Emit(pipeline.MetadataUpdate{
		Channel:   channel,
		Game:      info.Game,
		Viewers:   info.Viewers,
		Thumbnail: thumb,
	})
}

func normalizeChannel(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	channel = strings.TrimPrefix(channel, "#")
	return strings.TrimSpace(channel)
}

func mergeLogins(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, l := range list {
			l = strings.ToLower(l)
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}
