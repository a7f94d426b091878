package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"presencebot/internal/commands"
	"presencebot/internal/config"
	"presencebot/internal/eventbus"
	"presencebot/internal/httpapi"
	"presencebot/internal/metrics"
	"presencebot/internal/notifier"
	"presencebot/internal/presence"
	"presencebot/internal/runtime/supervisor"
	"presencebot/internal/storage"
	"presencebot/internal/transport"
	"presencebot/internal/transport/telegram"
	"presencebot/internal/upstream"
	"presencebot/internal/vault"
	logx "presencebot/pkg/logx"
	"presencebot/pkg/tgui"
)

type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	poller  service
	router  *commands.Router
	http    *httpapi.Server

	pollerStopMax time.Duration

	updates chan transport.Update
}

// NewApp loads configuration and builds every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, os.Getenv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLogConfig(cfg))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	log := comp("app")

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	// From here on a failure must release the store.
	a, err := build(cfg, store, m, bus, comp)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.log = log
	a.logs = logSvc
	return a, nil
}

func build(cfg *config.Config, store storage.Store, m *metrics.Metrics, bus eventbus.Bus, comp func(string) logx.Logger) (*App, error) {
	key, err := cfg.KeyBytes()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", config.EnvEncryptionKey, err)
	}
	cipher, err := vault.NewCipher(key)
	if err != nil {
		return nil, err
	}

	hc := &http.Client{}
	oc, err := mapOAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	oauth := upstream.NewOAuthClient(oc, hc)
	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	status := upstream.NewStatusClient(stc, hc, comp("upstream"))

	v, err := vault.New(vault.Options{
		Store:   store,
		Cipher:  cipher,
		OAuth:   oauth,
		Bus:     bus,
		Metrics: m,
		Log:     comp("vault"),
	})
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, comp("telegram"))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	fan := notifier.New(nc, store, status, ad, bus, m, comp("notifier"))

	poller, err := presence.NewPoller(presence.Options{
		Interval: cfg.PollInterval(),
		Store:    store,
		Tokens:   v,
		Status:   status,
		Notifier: fan,
		Bus:      bus,
		Metrics:  m,
		Log:      comp("poller"),
	})
	if err != nil {
		return nil, err
	}

	router := commands.NewRouter(ad, comp("commands"), commands.Handlers(commands.Deps{
		Vault:  v,
		Store:  store,
		Poller: poller,
	})...)

	httpLog := comp("http")
	srv := httpapi.New(mapHTTPConfig(cfg), httpapi.Options{
		Auth:     v,
		Metrics:  m,
		Log:      httpLog,
		OnLinked: linkedNotice(ad, httpLog),
	})

	return &App{
		bus:     bus,
		store:   store,
		adapter: ad,
		poller:  poller,
		router:  router,
		http:    srv,
		updates: make(chan transport.Update, 256),

		pollerStopMax: 5 * time.Second,
	}, nil
}

// linkedNotice confirms a finished link in the requester's private chat.
func linkedNotice(s transport.Sender, log logx.Logger) func(context.Context, string, vault.Linked) {
	return func(ctx context.Context, requesterID string, l vault.Linked) {
		chatID, err := strconv.ParseInt(requesterID, 10, 64)
		if err != nil {
			return
		}
		name := l.DisplayName
		if name == "" {
			name = l.ExternalID
		}
		msg := tgui.New().
			Title("✅", "Account linked").
			KV("Account", name).
			Line("Run /monitor me in a chat to announce when you start playing.").
			Build()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := msg.Send(ctx, s, transport.ChatTarget{ChatID: chatID}); err != nil {
			log.Debug("link confirmation not delivered", logx.String("requester_id", requesterID), logx.Err(err))
		}
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Only logging may change at runtime; everything else needs a restart.
	base := a.cfgm.Get()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.CheckImmutable(base, cfg)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.logEvent(e)
				}
			}
		})
	}

	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(a.sup.Context(), a.router.Menu()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if err := a.poller.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := base
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.logs.Apply(mapLogConfig(newCfg))
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	// Watcher failures are retried and never stop the app.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))

	a.log.Info("app started", logx.Duration("poll_interval", a.cfgm.Get().PollInterval()))
	return nil
}

// logEvent keeps bus traffic at debug level, except vault write failures.
func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case vault.PendingWriteFailure:
		a.log.Warn("pending authorization not persisted", logx.String("requester_id", d.RequesterID), logx.String("err", d.Err))
	case presence.CycleEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("cycle_id", d.CycleID),
			logx.Int("accounts", d.Accounts), logx.Int("transitions", d.Transitions), logx.Int("failures", d.Failures))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	// It reports whether fn returned nil before the deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) bool {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
			return err == nil
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			return false
		}
	}

	// The poller goes first so no cycle touches storage after it closes.
	pollerDone := step("poller", a.pollerStopMax, a.poller.Stop)
	step("http", 2*time.Second, a.http.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	if !pollerDone {
		// An in-flight cycle may still be delivering; give it the rest of ctx.
		pollerDone = step("poller.drain", 0, a.poller.Stop)
	}
	if pollerDone {
		step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	} else {
		a.log.Warn("storage left open: poll cycle still running")
	}

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Uint64("goroutines_started", c.Started), logx.Int64("goroutines_active", c.Active))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
