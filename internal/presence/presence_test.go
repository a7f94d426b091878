package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"presencebot/internal/storage"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	active := func(id string) upstream.Snapshot {
		return upstream.Snapshot{State: storage.StateActive, ActivityID: id}
	}
	tests := []struct {
		name string
		prev Previous
		snap upstream.Snapshot
		want bool
	}{
		{"same activity", Previous{storage.StateActive, "A"}, active("A"), false},
		{"online to active", Previous{State: storage.StateOnline}, active("B"), true},
		{"switch activity", Previous{storage.StateActive, "A"}, active("C"), true},
		{"offline to active", Previous{State: storage.StateOffline}, active("A"), true},
		{"re-enter after leaving", Previous{storage.StateOnline, ""}, active("A"), true},
		{"active to online", Previous{storage.StateActive, "A"}, upstream.Snapshot{State: storage.StateOnline}, false},
		{"offline stays", Previous{State: storage.StateOffline}, upstream.Snapshot{State: storage.StateOffline}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Evaluate(tt.prev, tt.snap)
			if got.Transitioned != tt.want {
				t.Fatalf("transitioned = %v, want %v", got.Transitioned, tt.want)
			}
			if got.State != tt.snap.State || got.ActivityID != tt.snap.ActivityID {
				t.Fatalf("outcome = %+v, want observation echoed", got)
			}
		})
	}
}

type stubTokens struct {
	missing map[string]bool
	entered chan struct{}
	release chan struct{}
}

func (s *stubTokens) UsableToken(_ context.Context, id string) (string, bool) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if s.missing[id] {
		return "", false
	}
	return "tok-" + id, true
}

type stubStatus struct {
	mu    sync.Mutex
	snaps map[string]upstream.Snapshot
	errs  map[string]error
}

func (s *stubStatus) set(id string, snap upstream.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ExternalID = id
	s.snaps[id] = snap
}

func (s *stubStatus) FetchStatus(_ context.Context, token, id string) (upstream.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "tok-"+id {
		return upstream.Snapshot{}, fmt.Errorf("bad token %q", token)
	}
	if err := s.errs[id]; err != nil {
		return upstream.Snapshot{}, err
	}
	return s.snaps[id], nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) Notify(_ context.Context, a storage.LinkedAccount, snap upstream.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, a.ExternalID+"@"+snap.ActivityID)
}

func (r *recordingNotifier) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func seed(t *testing.T, store *storage.Memory, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if _, err := store.UpsertAccount(ctx, storage.LinkedAccount{ExternalID: id, OwnerID: "owner-" + id}); err != nil {
			t.Fatalf("seed account %s: %v", id, err)
		}
		if err := store.PutSubscription(ctx, storage.Subscription{ContextID: "chat-" + id, ExternalID: id, ChannelID: "chat-" + id}); err != nil {
			t.Fatalf("seed subscription %s: %v", id, err)
		}
	}
}

func newTestPoller(t *testing.T, tokens TokenSource, status StatusFetcher, n Notifier, store *storage.Memory) *Poller {
	t.Helper()
	p, err := NewPoller(Options{
		Interval: time.Hour,
		Store:    store,
		Tokens:   tokens,
		Status:   status,
		Notifier: n,
		Log:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return p
}

func TestPollerCycleIsolatesAccounts(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	seed(t, store, "1", "2", "3", "4")

	status := &stubStatus{
		snaps: map[string]upstream.Snapshot{},
		errs: map[string]error{
			"2": fmt.Errorf("presence: %w", upstream.ErrRateLimited),
		},
	}
	status.set("1", upstream.Snapshot{State: storage.StateActive, ActivityID: "A"})
	status.set("3", upstream.Snapshot{State: storage.StateOnline})
	status.set("4", upstream.Snapshot{State: storage.StateActive, ActivityID: "Z"})
	n := &recordingNotifier{}
	tokens := &stubTokens{missing: map[string]bool{"4": true}}

	p := newTestPoller(t, tokens, status, n, store)
	if !p.Trigger() {
		t.Fatalf("first cycle did not run")
	}
	if got := n.snapshot(); len(got) != 1 || got[0] != "1@A" {
		t.Fatalf("notifications = %v, want [1@A]", got)
	}

	a3, _ := store.GetAccount(context.Background(), "3")
	if a3.LastState != storage.StateOnline {
		t.Fatalf("account 3 state = %q, want Online", a3.LastState)
	}
	a4, _ := store.GetAccount(context.Background(), "4")
	if a4.LastState != storage.StateOffline {
		t.Fatalf("account without token was updated: %q", a4.LastState)
	}
	if st := p.Status(); st.LastError == "" {
		t.Fatalf("rate limited account not reported in status")
	}

	// Same activity: no repeat.
	p.Trigger()
	if got := n.snapshot(); len(got) != 1 {
		t.Fatalf("notifications after steady state = %v", got)
	}

	// Switching activity fires again.
	status.set("1", upstream.Snapshot{State: storage.StateActive, ActivityID: "B"})
	p.Trigger()
	if got := n.snapshot(); len(got) != 2 || got[1] != "1@B" {
		t.Fatalf("notifications after switch = %v", got)
	}

	if st := p.Status(); st.CyclesStarted != 3 || st.CyclesSkipped != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestPollerSkipsOverlappingFiring(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	seed(t, store, "1")
	status := &stubStatus{snaps: map[string]upstream.Snapshot{}, errs: map[string]error{}}
	status.set("1", upstream.Snapshot{State: storage.StateOnline})
	tokens := &stubTokens{entered: make(chan struct{}), release: make(chan struct{})}

	p := newTestPoller(t, tokens, status, nil, store)

	first := make(chan bool, 1)
	go func() { first <- p.Trigger() }()

	select {
	case <-tokens.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first cycle never reached the account")
	}

	if p.Trigger() {
		t.Fatalf("overlapping firing ran a cycle")
	}
	st := p.Status()
	if st.CyclesStarted != 1 || st.CyclesSkipped != 1 {
		t.Fatalf("started=%d skipped=%d, want 1 and 1", st.CyclesStarted, st.CyclesSkipped)
	}
	if st.State != "running" {
		t.Fatalf("state = %q, want running", st.State)
	}

	close(tokens.release)
	if ran := <-first; !ran {
		t.Fatalf("first cycle reported skipped")
	}
	if p.Status().State == "running" {
		t.Fatalf("poller still running after cycle")
	}
}

func TestPollerStartRunsImmediatelyAndStops(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	seed(t, store, "1")
	status := &stubStatus{snaps: map[string]upstream.Snapshot{}, errs: map[string]error{}}
	status.set("1", upstream.Snapshot{State: storage.StateActive, ActivityID: "A"})
	n := &recordingNotifier{}

	p := newTestPoller(t, &stubTokens{}, status, n, store)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Cancelling the start context must not stop polling.
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for len(n.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no immediate cycle on start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.Status().Running {
		t.Fatalf("poller not running after start")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.Trigger() {
		t.Fatalf("cycle ran after stop")
	}
	if st := p.Status(); st.Running || st.State != "stopped" {
		t.Fatalf("status after stop = %+v", st)
	}
}

func TestNewPollerRejectsShortInterval(t *testing.T) {
	t.Parallel()

	_, err := NewPoller(Options{
		Interval: 500 * time.Millisecond,
		Store:    storage.NewMemory(),
		Tokens:   &stubTokens{},
		Status:   &stubStatus{},
	})
	if err == nil {
		t.Fatalf("expected interval error")
	}
}

func TestPollerScheduleKeepsSubSecondInterval(t *testing.T) {
	t.Parallel()

	for _, iv := range []time.Duration{1500 * time.Millisecond, 2999 * time.Millisecond, 60500 * time.Millisecond} {
		p, err := NewPoller(Options{
			Interval: iv,
			Store:    storage.NewMemory(),
			Tokens:   &stubTokens{},
			Status:   &stubStatus{},
			Log:      logx.Nop(),
		})
		if err != nil {
			t.Fatalf("%s: %v", iv, err)
		}
		at := time.Date(2024, 5, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
		next := p.schedule().Next(at)
		if got := next.Sub(at); got != iv {
			t.Fatalf("next firing after %s, want %s", got, iv)
		}
		if got := p.schedule().Next(next).Sub(next); got != iv {
			t.Fatalf("second firing after %s, want %s", got, iv)
		}
	}
}

type failingStatusStore struct {
	*storage.Memory
}

func (failingStatusStore) UpdateStatus(context.Context, string, storage.PresenceState, string) error {
	return errors.New("read-only")
}

func TestPollerSuppressesNotifyWhenStatusWriteFails(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemory()
	seed(t, mem, "1")
	status := &stubStatus{snaps: map[string]upstream.Snapshot{}, errs: map[string]error{}}
	status.set("1", upstream.Snapshot{State: storage.StateActive, ActivityID: "A"})
	n := &recordingNotifier{}

	p, err := NewPoller(Options{
		Interval: time.Hour,
		Store:    failingStatusStore{mem},
		Tokens:   &stubTokens{},
		Status:   status,
		Notifier: n,
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	p.Trigger()
	if got := n.snapshot(); len(got) != 0 {
		t.Fatalf("notified despite failed write: %v", got)
	}
}
