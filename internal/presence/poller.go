package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"presencebot/internal/eventbus"
	"presencebot/internal/metrics"
	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

// MinInterval is the shortest accepted poll interval.
const MinInterval = time.Second

type TokenSource interface {
	UsableToken(ctx context.Context, externalID string) (string, bool)
}

type StatusFetcher interface {
	FetchStatus(ctx context.Context, accessToken, externalID string) (upstream.Snapshot, error)
}

// Notifier receives accounts that made a material transition.
type Notifier interface {
	Notify(ctx context.Context, account storage.LinkedAccount, snap upstream.Snapshot)
}

// Store is the slice of storage the poller reads.
type Store interface {
	StatusWriter
	ListWatched(ctx context.Context) ([]string, error)
	GetAccount(ctx context.Context, externalID string) (storage.LinkedAccount, error)
	PruneExpiredPending(ctx context.Context, now time.Time) (int64, error)
}

type Options struct {
	Interval time.Duration
	Store    Store
	Tokens   TokenSource
	Status   StatusFetcher
	Notifier Notifier
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

const (
	stateIdle int32 = iota
	stateRunning
)

// Status is a point-in-time view of the poller.
type Status struct {
	Running       bool // scheduler started and not stopped
	State         string
	CyclesStarted uint64
	CyclesSkipped uint64
	LastError     string
	LastCycleAt   time.Time
	Interval      time.Duration
}

// CycleEvent is the payload of the poll.cycle.* topics.
type CycleEvent struct {
	CycleID     string
	Accounts    int
	Transitions int
	Failures    int
	Took        time.Duration
}

type Poller struct {
	interval time.Duration
	store    Store
	tokens   TokenSource
	status   StatusFetcher
	notifier Notifier
	tracker  *Tracker
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	runCtx  context.Context
	stopped bool

	state    atomic.Int32
	inflight sync.WaitGroup
	started  atomic.Uint64
	skipped  atomic.Uint64

	lastMu      sync.Mutex
	lastErr     string
	lastCycleAt time.Time
}

func NewPoller(opts Options) (*Poller, error) {
	if opts.Interval < MinInterval {
		return nil, fmt.Errorf("poll interval %s below minimum %s", opts.Interval, MinInterval)
	}
	if opts.Store == nil || opts.Tokens == nil || opts.Status == nil {
		return nil, errors.New("poller: store, tokens and status are required")
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	return &Poller{
		interval: opts.Interval,
		store:    opts.Store,
		tokens:   opts.Tokens,
		status:   opts.Status,
		notifier: opts.Notifier,
		tracker:  NewTracker(opts.Store, opts.Bus, opts.Metrics, opts.Log.With(logx.String("comp", "tracker"))),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Log,
	}, nil
}

// Start schedules a cycle every interval and runs the first one right away.
// Cycles run under a context detached from ctx's cancellation; Stop is the
// only way to end polling.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("poller: already stopped")
	}
	if p.c != nil {
		return nil
	}
	p.runCtx = context.WithoutCancel(ctx)

	cl := logx.CronLogger{L: p.log}
	p.c = cron.New(cron.WithLogger(cl))
	job := cron.NewChain(cron.Recover(cl)).Then(cron.FuncJob(func() { p.Trigger() }))
	p.c.Schedule(p.schedule(), job)
	p.c.Start()
	go job.Run()

	p.log.Info("poller started", logx.Duration("interval", p.interval))
	return nil
}

// every fires at a fixed delay after the previous activation. Unlike
// cron.Every it keeps sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func (p *Poller) schedule() cron.Schedule { return every(p.interval) }

// Stop cancels future firings and waits for an in-flight cycle to finish, or
// for ctx to expire. The in-flight cycle itself is never aborted.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.stopped = true
	p.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs one cycle unless one is already running, in which case the
// firing is counted as skipped. It reports whether a cycle ran.
func (p *Poller) Trigger() bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	ctx := p.runCtx
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	if ctx == nil {
		ctx = context.Background()
	}
	if !p.state.CompareAndSwap(stateIdle, stateRunning) {
		p.skipped.Add(1)
		p.metrics.CycleSkipped()
		p.bus.Publish(eventbus.Event{Type: eventbus.TopicCycleSkipped, Time: time.Now()})
		p.log.Debug("previous cycle still running; firing skipped")
		return false
	}
	defer p.state.Store(stateIdle)

	p.cycle(ctx)
	return true
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	running := p.c != nil
	p.mu.Unlock()

	p.lastMu.Lock()
	defer p.lastMu.Unlock()

	st := "idle"
	switch {
	case p.state.Load() == stateRunning:
		st = "running"
	case !running:
		st = "stopped"
	}
	return Status{
		Running:       running,
		State:         st,
		CyclesStarted: p.started.Load(),
		CyclesSkipped: p.skipped.Load(),
		LastError:     p.lastErr,
		LastCycleAt:   p.lastCycleAt,
		Interval:      p.interval,
	}
}

func (p *Poller) setLast(at time.Time, err error) {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	p.lastCycleAt = at
	if err != nil {
		p.lastErr = err.Error()
	} else {
		p.lastErr = ""
	}
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	ev := CycleEvent{CycleID: uuid.NewString()}
	log := p.log.With(logx.String("cycle_id", ev.CycleID))

	p.started.Add(1)
	p.metrics.CycleStarted()
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicCycleStarted, Time: start, Data: ev})

	var lastErr error
	ids, err := p.store.ListWatched(ctx)
	if err != nil {
		lastErr = fmt.Errorf("list watched accounts: %w", err)
		log.Error("cycle aborted", logx.Err(err))
	}

	ev.Accounts = len(ids)
	for _, id := range ids {
		transitioned, err := p.checkAccount(ctx, log, id)
		if err != nil {
			ev.Failures++
			lastErr = fmt.Errorf("account %s: %w", id, err)
		}
		if transitioned {
			ev.Transitions++
		}
	}

	if n, err := p.store.PruneExpiredPending(ctx, time.Now()); err != nil {
		log.Warn("prune pending authorizations failed", logx.Err(err))
	} else if n > 0 {
		log.Debug("pruned pending authorizations", logx.Int64("count", n))
	}

	ev.Took = time.Since(start)
	p.setLast(start, lastErr)
	p.metrics.CycleFinished(ev.Took)
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicCycleFinished, Time: time.Now(), Data: ev})
	log.Debug("cycle finished",
		logx.Int("accounts", ev.Accounts),
		logx.Int("transitions", ev.Transitions),
		logx.Int("failures", ev.Failures),
		logx.Duration("took", ev.Took),
	)
}

// checkAccount polls one account. Every failure stays local to the account.
func (p *Poller) checkAccount(ctx context.Context, log logx.Logger, externalID string) (bool, error) {
	log = log.With(logx.String("external_id", externalID))

	token, ok := p.tokens.UsableToken(ctx, externalID)
	if !ok {
		p.metrics.AccountChecked("no_token")
		return false, nil
	}

	snap, err := p.status.FetchStatus(ctx, token, externalID)
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrRateLimited):
		p.metrics.AccountChecked("rate_limited")
		log.Warn("status rate limited; retrying next cycle")
		return false, err
	case errors.Is(err, upstream.ErrUnauthorized):
		p.metrics.AccountChecked("unauthorized")
		log.Warn("status unauthorized; owner may need to re-authorize", logx.Err(err))
		return false, err
	case errors.Is(err, upstream.ErrTransient):
		p.metrics.AccountChecked("transient")
		log.Warn("status fetch failed", logx.Err(err))
		return false, err
	default:
		p.metrics.AccountChecked("error")
		log.Error("status fetch failed", logx.Err(err))
		return false, err
	}

	account, err := p.store.GetAccount(ctx, externalID)
	if err != nil {
		p.metrics.AccountChecked("error")
		log.Warn("account lookup failed", logx.Err(err))
		return false, err
	}

	out, err := p.tracker.Observe(ctx, account, snap)
	if err != nil {
		// A transition that was not recorded is not announced.
		p.metrics.AccountChecked("error")
		log.Error("status not recorded; notification suppressed", logx.Err(err))
		return false, err
	}
	p.metrics.AccountChecked("ok")

	if out.Transitioned && p.notifier != nil {
		log.Info("account became active", logx.String("activity_id", out.ActivityID))
		p.notifier.Notify(ctx, account, snap)
	}
	return out.Transitioned, nil
}
