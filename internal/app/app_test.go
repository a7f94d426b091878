package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"presencebot/internal/config"
	"presencebot/internal/httpapi"
	"presencebot/internal/runtime/supervisor"
	"presencebot/internal/storage"
	"presencebot/internal/transport"
	"presencebot/internal/vault"
	logx "presencebot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url    string
		driver string
		dsn    string
		busy   time.Duration
	}{
		{"postgres://bot@db/presence", "postgres", "postgres://bot@db/presence", 0},
		{"sqlite:./data/p.db", "sqlite", "./data/p.db", 5 * time.Second},
		{"./p.db", "sqlite", "./p.db", 5 * time.Second},
	}
	for _, tt := range tests {
		cfg := config.Defaults()
		cfg.Storage.URL = tt.url
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			t.Fatalf("%s: %v", tt.url, err)
		}
		if sc.Driver != tt.driver || sc.DSN != tt.dsn || sc.BusyTimeout != tt.busy {
			t.Fatalf("%s: got %+v", tt.url, sc)
		}
	}

	cfg := config.Defaults()
	cfg.Storage.URL = "./p.db"
	cfg.Storage.BusyTimeout = "soon"
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatalf("expected busy_timeout error")
	}
}

func TestMapUpstreamAndNotifierDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	sc, err := mapStatusConfig(cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if sc.Timeout != 10*time.Second || sc.EnrichTimeout != 5*time.Second {
		t.Fatalf("status timeouts = %v / %v", sc.Timeout, sc.EnrichTimeout)
	}
	oc, err := mapOAuthConfig(cfg)
	if err != nil {
		t.Fatalf("oauth: %v", err)
	}
	if oc.Scope != "openid profile" || oc.Timeout != 10*time.Second {
		t.Fatalf("oauth = %+v", oc)
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	if nc.RetryMax != 3 || nc.RetryBase != 500*time.Millisecond || nc.SendTimeout != 10*time.Second {
		t.Fatalf("notifier = %+v", nc)
	}

	cfg.Notifier.RetryBase = "-1s"
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatalf("expected negative duration error")
	}
}

type captureSender struct {
	mu  sync.Mutex
	to  []transport.ChatTarget
	txt []string
}

func (c *captureSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = append(c.to, to)
	c.txt = append(c.txt, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func TestLinkedNoticeGoesToRequester(t *testing.T) {
	t.Parallel()

	s := &captureSender{}
	notice := linkedNotice(s, logx.Nop())

	notice(context.Background(), "77", vault.Linked{ExternalID: "42", DisplayName: "Builder"})
	notice(context.Background(), "not-a-user", vault.Linked{ExternalID: "43"})

	if len(s.to) != 1 || s.to[0].ChatID != 77 {
		t.Fatalf("targets = %+v", s.to)
	}
	if !strings.Contains(s.txt[0], "Builder") || !strings.Contains(s.txt[0], "/monitor me") {
		t.Fatalf("text = %q", s.txt[0])
	}
}

// slowPoller finishes Stop only once release is closed.
type slowPoller struct {
	release chan struct{}

	mu       sync.Mutex
	finished bool
}

func (p *slowPoller) Start(context.Context) error { return nil }

func (p *slowPoller) Stop(ctx context.Context) error {
	select {
	case <-p.release:
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type closeRecorder struct {
	*storage.Memory
	poller *slowPoller

	mu           sync.Mutex
	closed       bool
	pollerFinish bool
}

func (s *closeRecorder) Close() error {
	s.poller.mu.Lock()
	finished := s.poller.finished
	s.poller.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pollerFinish = finished
	return nil
}

type idleAdapter struct{ captureSender }

func (*idleAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (*idleAdapter) Stop(context.Context) error                        { return nil }

func newStoppableApp(p *slowPoller, store storage.Store) *App {
	return &App{
		sup:           supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop())),
		log:           logx.Nop(),
		store:         store,
		adapter:       &idleAdapter{},
		poller:        p,
		http:          httpapi.New(httpapi.Config{}, httpapi.Options{Log: logx.Nop()}),
		pollerStopMax: 20 * time.Millisecond,
	}
}

func TestStopClosesStorageOnlyAfterPollerFinishes(t *testing.T) {
	t.Parallel()

	p := &slowPoller{release: make(chan struct{})}
	store := &closeRecorder{Memory: storage.NewMemory(), poller: p}
	a := newStoppableApp(p, store)

	// The cycle outlives the poller step cap but ends within the caller's deadline.
	time.AfterFunc(200*time.Millisecond, func() { close(p.release) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.closed {
		t.Fatalf("storage not closed")
	}
	if !store.pollerFinish {
		t.Fatalf("storage closed while a poll cycle was still running")
	}
}

func TestStopLeavesStorageOpenWhenPollerNeverFinishes(t *testing.T) {
	t.Parallel()

	p := &slowPoller{release: make(chan struct{})}
	defer close(p.release)
	store := &closeRecorder{Memory: storage.NewMemory(), poller: p}
	a := newStoppableApp(p, store)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.closed {
		t.Fatalf("storage closed under a running poll cycle")
	}
}
