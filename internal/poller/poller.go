// Package poller drives the periodic fetch-diff-fanout cycle.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"blogwatch/internal/config"
	"blogwatch/internal/fetcher"
	"blogwatch/internal/model"
	"blogwatch/internal/storage"
)

// ErrBusy is returned when a manual refresh collides with a running cycle.
var ErrBusy = errors.New("poll cycle already in progress")

// Fetcher fetches the blog source once.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.Post, error)
}

// Differ filters fetched posts down to the genuinely new ones.
type Differ interface {
	Diff(ctx context.Context, fetched []model.Post) ([]model.Post, error)
}

// Fanout distributes one new post to matching users.
type Fanout interface {
	Fanout(ctx context.Context, post model.Post) (int, error)
}

// Status is a point-in-time snapshot of the poller.
type Status struct {
	Running             bool       `json:"running"`
	LastPollAt          *time.Time `json:"last_poll"`
	LastError           string     `json:"last_error"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextInterval        string     `json:"next_interval"`
}

// Poller runs the fetch-diff-fanout cycle at a base interval, stretching it
// with exponential backoff after consecutive failures. Fetch-stage errors are
// contained here: they are logged, recorded in PollState and never fatal.
type Poller struct {
	store   storage.Storage
	fetcher Fetcher
	differ  Differ
	fanout  Fanout
	log     *slog.Logger

	base       time.Duration
	factor     float64
	maxBackoff time.Duration

	// cycleMu guards the fetch-diff-fanout critical section so a manual
	// refresh and the timer-driven cycle cannot interleave.
	cycleMu sync.Mutex

	// stateMu guards the snapshot fields below.
	stateMu    sync.Mutex
	running    bool
	failures   int
	lastPollAt *time.Time
	lastErr    string
}

// New creates a Poller.
func New(store storage.Storage, f Fetcher, d Differ, fan Fanout, cfg *config.Config, log *slog.Logger) *Poller {
	return &Poller{
		store:      store,
		fetcher:    f,
		differ:     d,
		fanout:     fan,
		log:        log,
		base:       cfg.PollInterval(),
		factor:     cfg.PollBackoffFactor,
		maxBackoff: cfg.PollMaxBackoff,
	}
}

// Run starts the polling loop, blocking until ctx is cancelled. An in-flight
// cycle is allowed to finish within the fetch timeout rather than being
// killed mid-write.
func (p *Poller) Run(ctx context.Context) {
	p.restoreState(ctx)
	p.setRunning(true)
	defer p.setRunning(false)

	_ = p.pollOnce(ctx)

	for {
		timer := time.NewTimer(p.NextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = p.pollOnce(ctx)
		}
	}
}

// Refresh runs one out-of-band cycle for a user-initiated refresh. It fails
// with ErrBusy instead of queueing behind a running cycle.
func (p *Poller) Refresh(ctx context.Context) error {
	return p.pollOnce(ctx)
}

// NextInterval computes the delay before the next cycle:
// min(base * factor^failures, maxBackoff). Non-decreasing in failure count.
func (p *Poller) NextInterval() time.Duration {
	p.stateMu.Lock()
	n := p.failures
	p.stateMu.Unlock()

	if n == 0 {
		return p.base
	}
	d := float64(p.base) * math.Pow(p.factor, float64(n))
	if d > float64(p.maxBackoff) || d < 0 {
		return p.maxBackoff
	}
	return time.Duration(d)
}

// Status returns the current poller snapshot.
func (p *Poller) Status() Status {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return Status{
		Running:             p.running,
		LastPollAt:          p.lastPollAt,
		LastError:           p.lastErr,
		ConsecutiveFailures: p.failures,
		NextInterval:        p.nextIntervalLocked().String(),
	}
}

func (p *Poller) nextIntervalLocked() time.Duration {
	if p.failures == 0 {
		return p.base
	}
	d := float64(p.base) * math.Pow(p.factor, float64(p.failures))
	if d > float64(p.maxBackoff) || d < 0 {
		return p.maxBackoff
	}
	return time.Duration(d)
}

// pollOnce runs one full cycle. TryLock is the fail-safe against a wedged or
// overlapping cycle: the caller skips with ErrBusy instead of blocking.
func (p *Poller) pollOnce(ctx context.Context) error {
	if !p.cycleMu.TryLock() {
		p.log.Warn("poll cycle already in progress, skipping")
		return ErrBusy
	}
	defer p.cycleMu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.log.Debug("starting poll cycle")

	posts, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.recordFailure(ctx, err)
		return err
	}

	fresh, err := p.differ.Diff(ctx, posts)
	if err != nil {
		// Storage failure: abort without touching PollState so the next
		// cycle retries cleanly.
		p.log.Error("diff posts", "error", err)
		return err
	}

	for _, post := range fresh {
		if _, err := p.fanout.Fanout(ctx, post); err != nil {
			p.log.Error("fanout post", "post", post.ID, "error", err)
		}
	}

	p.recordSuccess(ctx)
	return nil
}

func (p *Poller) restoreState(ctx context.Context) {
	st, err := p.store.GetPollState(ctx)
	if err != nil {
		p.log.Error("restore poll state", "error", err)
		return
	}
	p.stateMu.Lock()
	p.failures = st.ConsecutiveFailures
	p.lastPollAt = st.LastPollAt
	p.lastErr = st.LastError
	p.stateMu.Unlock()
}

func (p *Poller) recordSuccess(ctx context.Context) {
	now := time.Now().UTC()

	p.stateMu.Lock()
	p.failures = 0
	p.lastErr = ""
	p.lastPollAt = &now
	st := p.snapshotLocked()
	p.stateMu.Unlock()

	// Persisting PollState is the final step of a successful cycle.
	if err := p.store.SavePollState(ctx, st); err != nil {
		p.log.Error("persist poll state", "error", err)
	}
}

func (p *Poller) recordFailure(ctx context.Context, cause error) {
	p.stateMu.Lock()
	p.failures++
	p.lastErr = cause.Error()
	st := p.snapshotLocked()
	next := p.nextIntervalLocked()
	failures := p.failures
	p.stateMu.Unlock()

	p.log.Error("poll cycle failed",
		"kind", errorKind(cause), "failures", failures, "next_interval", next, "error", cause)

	if err := p.store.SavePollState(ctx, st); err != nil {
		p.log.Error("persist poll state", "error", err)
	}
}

func (p *Poller) snapshotLocked() *model.PollState {
	return &model.PollState{
		LastPollAt:          p.lastPollAt,
		ConsecutiveFailures: p.failures,
		LastError:           p.lastErr,
	}
}

func (p *Poller) setRunning(v bool) {
	p.stateMu.Lock()
	p.running = v
	p.stateMu.Unlock()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, fetcher.ErrTimeout):
		return "timeout"
	case errors.Is(err, fetcher.ErrUnauthorized):
		return "auth"
	case errors.Is(err, fetcher.ErrParse):
		return "parse"
	case errors.Is(err, fetcher.ErrNetwork):
		return "network"
	default:
		return "other"
	}
}
