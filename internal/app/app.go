package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/eventbus"
	"tgrelay/internal/notifier"
	"tgrelay/internal/observability"
	"tgrelay/internal/observability/server"
	"tgrelay/internal/relay"
	rtsup "tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
	"tgrelay/pkg/systemd"
)

// maxLineBytes bounds a single ReadLines message; Telegram caps a message at 4096 chars.
const maxLineBytes = 64 * 1024

type Option func(*options)

type options struct {
	oneShot bool
	sink    transport.Sink
}

// WithOneShot skips the config watcher and the HTTP server, and always
// flushes on Stop.
func WithOneShot() Option { return func(o *options) { o.oneShot = true } }

// WithSink replaces the configured Telegram driver.
func WithSink(s transport.Sink) Option { return func(o *options) { o.sink = s } }

// App owns every long-lived component of the relay daemon.
type App struct {
	opts options

	cfgm  *config.ConfigManager
	logs  *logx.Service
	log   logx.Logger
	sink  transport.Sink
	store storage.Store
	bus   eventbus.Bus

	metrics *observability.Metrics
	notif   *notifier.Service
	serv    *server.Service

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	startedAt time.Time
	stopped   bool
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.Comp("app"))

	sink := o.sink
	if sink == nil {
		sink, err = newSink(cfg, root)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
	} else {
		sink = transport.Throttle(sink, cfg.Telegram.RatePerSec)
	}

	store, err := storage.Open(mapStorageConfig(cfg), root)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		closeStore(store)
		_ = logs.Close()
		return nil, err
	}
	if o.oneShot {
		// A one-shot run has no later flush to fall back on.
		ncfg.FlushOnStop = true
	}

	bus := eventbus.New()
	metrics := observability.NewMetrics()
	notif := notifier.New(ncfg, strings.TrimSpace(cfg.Telegram.ChatID), sink, root, bus, store, metrics)

	a := &App{
		opts:    o,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		sink:    sink,
		store:   store,
		bus:     bus,
		metrics: metrics,
		notif:   notif,
	}
	if !o.oneShot {
		a.serv = server.New(mapServerConfig(cfg), server.Deps{
			Relay:   notif,
			Metrics: metrics,
			Journal: store,
			Health:  a.health,
		}, root)
	}
	if cfg.Logging.Telegram.Enabled {
		logs.SetForwarder(notif)
	}
	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Done closes when the app's supervisor stops, for example after a fatal error.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	if a.sup != nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sup = sup
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.notif.Start(sup.Context())
	if a.serv != nil {
		a.serv.Start(sup.Context())
	}

	events, unsub := a.bus.Subscribe(128, "relay.")
	busLog := a.logs.Logger().With(logx.Comp("eventbus"))
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; relay.queued fires per message.
				busLog.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if !a.opts.oneShot {
		a.cfgm.SetLogger(a.logs.Logger().With(logx.Comp("config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			// A driver that cannot be built must not reach the reload loop.
			if _, err := newSink(cfg, logx.Nop()); err != nil {
				return err
			}
			_, err := mapNotifierConfig(cfg)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		sup.Go("config.watch", a.cfgm.Watch)
		sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, func() bool { return sup.Err() == nil })
		})
	}

	a.log.Info("app started",
		logx.String("chat_id", a.cfgm.Get().Telegram.ChatID),
		logx.Int("threshold", a.notif.Threshold()),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	change := config.SummarizeConfigChange(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config applied (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if newCfg.Logging.Telegram.Enabled {
		a.logs.SetForwarder(a.notif)
	} else {
		a.logs.SetForwarder(nil)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid buffer config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if len(change.Restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config applied", fields...)
}

// Notify enqueues one message; buffered=false flushes immediately.
func (a *App) Notify(ctx context.Context, text string, buffered bool) relay.Result {
	return a.notif.Notify(ctx, text, buffered)
}

func (a *App) Flush(ctx context.Context) relay.Result {
	return a.notif.Flush(ctx, notifier.TriggerManual)
}

// ReadLines enqueues every non-blank line of r as one message until EOF or
// ctx is done. It returns the number of lines handed to the buffer and the
// joined errors of any flush that failed on the way.
func (a *App) ReadLines(ctx context.Context, r io.Reader, buffered bool) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)

	var (
		n    int
		errs []error
	)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		n++
		if res := a.Notify(ctx, line, buffered); res.Outcome == relay.Failed {
			errs = append(errs, flushError(res))
		}
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("read input: %w", err))
	}
	return n, errors.Join(errs...)
}

func flushError(res relay.Result) error {
	if errors.Is(res.Err, notifier.ErrStopped) {
		return res.Err
	}
	return fmt.Errorf("flush of %d messages failed: %w", res.Count, res.Err)
}

func (a *App) health() map[string]any {
	a.mu.Lock()
	sup, started := a.sup, a.startedAt
	a.mu.Unlock()

	out := map[string]any{
		"pending":     a.notif.Pending(),
		"threshold":   a.notif.Threshold(),
		"bus_dropped": eventbus.Dropped(a.bus),
		"journal":     a.store != nil,
	}
	if sup != nil {
		c := sup.Counters()
		out["uptime_s"] = int64(time.Since(started).Seconds())
		out["goroutines_active"] = c.Active
		if err := sup.Err(); err != nil {
			out["fatal"] = err.Error()
		}
	}
	return out
}

// Stop shuts the app down. The returned error wraps a failed final flush.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	sup := a.sup
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))

	var final error
	// Intake first, then the notifier so its final flush sees every accepted message.
	a.step(ctx, "server", time.Second, func(c context.Context) error {
		if a.serv != nil {
			a.serv.Stop(c)
		}
		return nil
	})
	a.logs.SetForwarder(nil)
	// Not a step: the final flush already honours ctx and its result is needed here.
	if res := a.notif.Stop(ctx); res.Outcome == relay.Failed {
		final = flushError(res)
	}
	if sup != nil {
		sup.Cancel()
		a.step(ctx, "supervisor", 2*time.Second, sup.Wait)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	if final != nil {
		a.log.Error("final flush failed", logx.Err(final))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return final
}

// step runs fn with an upper bound so one component cannot stall the whole
// stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
