package configsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"porthaul/controlplane/pkg/telemetry/metrics"
)

var tracer = otel.Tracer("porthaul/controlplane/configsync")

// Status is the terminal state of a sync request.
type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip reasons.
const (
	ReasonUnchanged = "unchanged"
	ReasonThrottled = "throttled"
	ReasonCanceled  = "canceled"
)

// Request is a queued sync request.
type Request struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Force     bool      `json:"force"`
	Priority  int       `json:"priority"`
	Timestamp time.Time `json:"timestamp"`

	waiters []chan Outcome
}

// Outcome reports how a request ended.
type Outcome struct {
	RequestID  string        `json:"requestId"`
	Trigger    string        `json:"trigger"`
	Force      bool          `json:"force"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Hash       string        `json:"hash,omitempty"`
	Services   int           `json:"services"`
	Error      string        `json:"error,omitempty"`
	Err        error         `json:"-"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// Config configures a Syncer.
type Config struct {
	// MinInterval is the minimum spacing of non-forced applies.
	MinInterval time.Duration

	// ApplyTimeout bounds one apply.
	ApplyTimeout time.Duration

	// QueueSize caps distinct pending triggers. A request beyond the cap is
	// merged into the entry that runs next.
	QueueSize int

	// HistorySize is how many outcomes History keeps.
	HistorySize int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Syncer renders and applies the engine config, one sync at a time.
type Syncer struct {
	source   Source
	renderer *Renderer
	applier  Applier
	cfg      Config
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu         sync.Mutex
	queue      map[string]*Request
	running    bool
	inFlight   *Request
	lastHash   string
	history    []Outcome
	retryTimer *time.Timer
	closed     bool
	wg         sync.WaitGroup
}

// NewSyncer creates a syncer. When the applier implements HashReader its
// current hash seeds the no-op check.
func NewSyncer(source Source, renderer *Renderer, applier Applier, cfg Config, m *metrics.Collector) *Syncer {
	if applier == nil {
		applier = NopApplier{}
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	s := &Syncer{
		source:   source,
		renderer: renderer,
		applier:  applier,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
		logger:   slog.Default().With("component", "configsync", "applier", applier.Name()),
		queue:    make(map[string]*Request),
	}
	if hr, ok := applier.(HashReader); ok {
		if h, err := hr.CurrentHash(); err == nil {
			s.lastHash = h
		} else {
			s.logger.Warn("could not read current engine config", "error", err)
		}
	}
	return s
}

// RequestSync queues a sync and waits for its outcome. If ctx ends first
// the request stays queued and the outcome reports canceled.
func (s *Syncer) RequestSync(ctx context.Context, trigger string, force bool, priority int) Outcome {
	ch := make(chan Outcome, 1)
	if err := s.enqueue(trigger, force, priority, ch); err != nil {
		return Outcome{Trigger: trigger, Force: force, Status: StatusFailed, Err: err, Error: err.Error()}
	}
	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		return Outcome{
			Trigger: trigger,
			Force:   force,
			Status:  StatusSkipped,
			Reason:  ReasonCanceled,
			Err:     ctx.Err(),
			Error:   ctx.Err().Error(),
		}
	}
}

// Enqueue queues a sync without waiting.
func (s *Syncer) Enqueue(trigger string, force bool, priority int) {
	if err := s.enqueue(trigger, force, priority, nil); err != nil {
		s.logger.Debug("sync request dropped", "trigger", trigger, "error", err)
	}
}

func (s *Syncer) enqueue(trigger string, force bool, priority int, waiter chan Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	req, ok := s.queue[trigger]
	if !ok && len(s.queue) >= s.cfg.QueueSize {
		req = s.nextLocked()
		ok = req != nil
	}
	if ok {
		// a newer request for the same trigger replaces the queued one but
		// keeps its place in line
		req.ID = uuid.NewString()
		req.Force = req.Force || force
		if priority > req.Priority {
			req.Priority = priority
		}
	} else {
		req = &Request{
			ID:        uuid.NewString(),
			Trigger:   trigger,
			Force:     force,
			Priority:  priority,
			Timestamp: s.cfg.Now(),
		}
		s.queue[trigger] = req
	}
	if waiter != nil {
		req.waiters = append(req.waiters, waiter)
	}
	s.metrics.SetSyncQueueDepth(len(s.queue))

	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.drain()
	}
	return nil
}

// nextLocked returns the queued request with the highest priority, oldest
// first among equals.
func (s *Syncer) nextLocked() *Request {
	var best *Request
	for _, r := range s.queue {
		if best == nil ||
			r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.Timestamp.Before(best.Timestamp)) {
			best = r
		}
	}
	return best
}

func (s *Syncer) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		req := s.nextLocked()
		if req == nil {
			s.running = false
			s.inFlight = nil
			s.mu.Unlock()
			return
		}
		delete(s.queue, req.Trigger)
		s.inFlight = req
		s.metrics.SetSyncQueueDepth(len(s.queue))
		s.mu.Unlock()

		out := s.execute(req)

		s.mu.Lock()
		s.recordLocked(out)
		s.mu.Unlock()

		for _, w := range req.waiters {
			w <- out
		}
	}
}

func (s *Syncer) execute(req *Request) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ApplyTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "configsync.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("trigger", req.Trigger),
		attribute.Bool("force", req.Force),
		attribute.Int("priority", req.Priority),
	)

	out := Outcome{
		RequestID: req.ID,
		Trigger:   req.Trigger,
		Force:     req.Force,
		StartedAt: s.cfg.Now(),
	}
	finish := func(status Status, reason string, err error) Outcome {
		out.Status = status
		out.Reason = reason
		if err != nil {
			out.Err = err
			out.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
		}
		out.FinishedAt = s.cfg.Now()
		out.Duration = out.FinishedAt.Sub(out.StartedAt)
		span.SetAttributes(attribute.String("status", string(status)), attribute.String("reason", reason))
		s.metrics.RecordSync(string(status), reason, out.Duration)
		return out
	}

	rules, err := s.source.Rules(ctx)
	if err != nil {
		s.logger.Error("sync failed to load rules", "trigger", req.Trigger, "error", err)
		return finish(StatusFailed, StageRender, &SyncError{Trigger: req.Trigger, Stage: StageRender, Err: err})
	}
	cfg := s.renderer.Render(rules)
	data, hash, err := Encode(cfg)
	if err != nil {
		return finish(StatusFailed, StageRender, &SyncError{Trigger: req.Trigger, Stage: StageRender, Err: err})
	}
	out.Hash = hash
	out.Services = len(cfg.Services)

	s.mu.Lock()
	unchanged := hash == s.lastHash
	s.mu.Unlock()
	if unchanged && !req.Force {
		s.logger.Debug("sync skipped, config unchanged", "trigger", req.Trigger, "hash", hash)
		return finish(StatusSkipped, ReasonUnchanged, nil)
	}

	if !req.Force && !s.limiter.Allow() {
		s.scheduleRetry(req)
		s.logger.Debug("sync throttled", "trigger", req.Trigger)
		return finish(StatusSkipped, ReasonThrottled, nil)
	}

	if err := s.applier.Apply(ctx, cfg, data); err != nil {
		s.logger.Error("config apply failed",
			"trigger", req.Trigger,
			"force", req.Force,
			"hash", hash,
			"error", err,
		)
		return finish(StatusFailed, StageApply, &SyncError{
			Trigger: req.Trigger,
			Stage:   StageApply,
			Err:     fmt.Errorf("%w: %v", ErrApplyFailed, err),
		})
	}

	s.mu.Lock()
	s.lastHash = hash
	s.mu.Unlock()

	s.logger.Info("config applied",
		"trigger", req.Trigger,
		"force", req.Force,
		"services", len(cfg.Services),
		"hash", hash,
	)
	return finish(StatusApplied, "", nil)
}

// scheduleRetry re-enqueues a throttled request once a token is available.
func (s *Syncer) scheduleRetry(req *Request) {
	r := s.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	trigger, priority := req.Trigger, req.Priority

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.retryTimer != nil {
		// a pending retry renders the full config anyway
		return
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		s.Enqueue(trigger, false, priority)
	})
}

func (s *Syncer) recordLocked(out Outcome) {
	s.history = append(s.history, out)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]Outcome(nil), s.history[over:]...)
	}
}

// History returns recent outcomes, newest first.
func (s *Syncer) History() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outcome, len(s.history))
	for i, o := range s.history {
		out[len(s.history)-1-i] = o
	}
	return out
}

// Pending returns the queued requests, next to run first.
func (s *Syncer) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]*Request, 0, len(s.queue))
	for _, r := range s.queue {
		reqs = append(reqs, r)
	}
	out := make([]Request, 0, len(reqs))
	for len(reqs) > 0 {
		best := 0
		for i, r := range reqs {
			b := reqs[best]
			if r.Priority > b.Priority || (r.Priority == b.Priority && r.Timestamp.Before(b.Timestamp)) {
				best = i
			}
		}
		r := *reqs[best]
		r.waiters = nil
		out = append(out, r)
		reqs = append(reqs[:best], reqs[best+1:]...)
	}
	return out
}

// InFlight reports whether a sync is running.
func (s *Syncer) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight != nil
}

// LastHash returns the hash of the last applied config.
func (s *Syncer) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

// Close rejects new requests, cancels a pending throttle retry and waits for
// queued requests to finish.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
