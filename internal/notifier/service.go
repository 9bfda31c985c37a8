package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/relay"
	rtsup "tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

var ErrStopped = errors.New("notifier stopped")

// Service owns the relay buffer for the daemon: dedup in front of Enqueue,
// a cron-driven periodic flush, and reporting of every flush to the log, the
// event bus, metrics and the flush journal.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	rec   Recorder
	buf   *relay.Buffer

	cfg     Config
	stopped bool
	cron    *cron.Cron
	sup     *rtsup.Supervisor

	// inFlight tracks Notify calls so Stop can flush after the last enqueue.
	inFlight sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

// New builds a Service delivering to recipient through sink. store and rec
// may be nil.
func New(cfg Config, recipient string, sink transport.Sink, log logx.Logger, bus eventbus.Bus, store storage.Store, rec Recorder) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	s := &Service{
		log:   log.With(logx.Comp("notifier")),
		bus:   bus,
		store: store,
		rec:   rec,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	s.buf = relay.New(recipient, sink, relay.WithThreshold(s.cfg.Threshold))
	return s
}

// Apply updates the dedup and journal knobs. Threshold and Schedule changes
// need a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	cur := s.cfg
	cfg.Threshold = cur.Threshold
	cfg.Schedule = cur.Schedule
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Threshold < 1 {
		cfg.Threshold = relay.DefaultThreshold
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2048
	}
	s.cfg = cfg
}

func (s *Service) Threshold() int { return s.buf.Threshold() }

func (s *Service) Pending() int { return s.buf.Pending() }

// Start launches the periodic flush and the dedup persistence loop. It is
// idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.stopped {
		return
	}

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
		pch, st := s.persistCh, s.store
		s.sup.Go0("dedup.persist", func(c context.Context) { s.persistLoop(c, pch, st) })
	}

	if s.cfg.Schedule != nil {
		runCtx := s.sup.Context()
		s.cron = cron.New(cron.WithLocation(time.Local))
		s.cron.Schedule(s.cfg.Schedule, cron.FuncJob(func() {
			if runCtx.Err() != nil {
				return
			}
			s.Flush(runCtx, TriggerSchedule)
		}))
		s.cron.Start()
		s.log.Debug("flush schedule started", logx.Time("next", s.cfg.Schedule.Next(time.Now())))
	}
}

// Stop stops intake and the schedule, then flushes once when FlushOnStop is
// set. The final flush honours ctx.
func (s *Service) Stop(ctx context.Context) relay.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return relay.Result{Outcome: relay.NoOp}
	}
	s.stopped = true
	c, sup, pch := s.cron, s.sup, s.persistCh
	s.cron, s.persistCh = nil, nil
	flush := s.cfg.FlushOnStop
	s.mu.Unlock()

	if c != nil {
		// Wait for a running scheduled flush so the final flush sees its leftovers.
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.inFlight.Wait()

	res := relay.Result{Outcome: relay.NoOp}
	if flush {
		res = s.Flush(ctx, TriggerShutdown)
	} else if n := s.buf.Pending(); n > 0 {
		s.log.Warn("stopping with unsent messages", logx.Int("pending", n))
	}

	if pch != nil {
		// The persist loop drains the closed channel and exits on its own.
		close(pch)
	}
	if sup != nil {
		err := sup.Wait(ctx)
		if err == nil {
			err = sup.Stop(ctx)
		}
		if err != nil {
			s.log.Debug("notifier supervisor stop", logx.Err(err))
		}
	}
	return res
}

// Notify enqueues text. Returns the flush Result when the enqueue triggered a
// flush, a Queued Result otherwise, and NoOp when dedup suppressed the text.
func (s *Service) Notify(ctx context.Context, text string, buffered bool) relay.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return relay.Result{Outcome: relay.Failed, Err: ErrStopped}
	}
	cfg := s.cfg
	pch := s.persistCh
	s.inFlight.Add(1)
	s.mu.Unlock()
	defer s.inFlight.Done()

	if cfg.DedupWindow > 0 {
		key := dedupKey(text)
		if !s.dedupAllow(ctx, key, cfg, pch) {
			s.rec.Deduped()
			s.publish(EventDeduped, FlushEvent{Outcome: "deduped", Pending: s.buf.Pending()})
			return relay.Result{Outcome: relay.NoOp}
		}
	}

	s.rec.Enqueued()
	start := time.Now()
	res := s.buf.Enqueue(ctx, text, buffered)
	if !res.Flushed {
		n := s.buf.Pending()
		s.rec.SetPending(n)
		s.publish(EventQueued, FlushEvent{Outcome: res.Outcome.String(), Pending: n})
		return res
	}
	trigger := TriggerThreshold
	if !buffered {
		trigger = TriggerUnbuffered
	}
	s.report(ctx, trigger, res, time.Since(start))
	return res
}

// Flush delivers everything queued now.
func (s *Service) Flush(ctx context.Context, trigger Trigger) relay.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	start := time.Now()
	res := s.buf.Flush(ctx)
	s.report(ctx, trigger, res, time.Since(start))
	return res
}

// Forward implements logx.Forwarder: log lines are relayed as buffered messages.
func (s *Service) Forward(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	_ = s.Notify(context.Background(), text, true)
}

// History returns recent flushes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) report(ctx context.Context, trigger Trigger, res relay.Result, took time.Duration) {
	pending := s.buf.Pending()
	s.rec.Flushed(string(trigger), res, took)
	s.rec.SetPending(pending)

	ev := FlushEvent{Trigger: trigger, Outcome: res.Outcome.String(), Count: res.Count, Pending: pending, Error: res.Reason()}
	fields := []logx.Field{
		logx.String("trigger", string(trigger)),
		logx.Int("count", res.Count),
		logx.Duration("took", took),
	}
	switch res.Outcome {
	case relay.NoOp:
		s.log.Debug(res.String(), fields...)
		s.publish(EventNoOp, ev)
		return
	case relay.Sent:
		s.log.Info(res.String(), fields...)
		s.publish(EventSent, ev)
	case relay.Failed:
		fields = append(fields,
			logx.Err(res.Err),
			logx.Bool("temporary", isTemporary(res.Err)),
			logx.Text("dropped", res.Payload, 512),
		)
		s.log.Error("flush failed; batch dropped", fields...)
		s.publish(EventFailed, ev)
	}

	item := HistoryItem{At: time.Now(), Trigger: trigger, Outcome: ev.Outcome, Count: res.Count, Error: ev.Error, TookMS: took.Milliseconds()}
	s.appendHistory(item)
	s.journal(ctx, item, res)
}

func (s *Service) journal(ctx context.Context, item HistoryItem, res relay.Result) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	keep := s.cfg.KeepPayload
	s.mu.Unlock()

	rec := storage.FlushRecord{
		At:      item.At,
		Trigger: string(item.Trigger),
		Outcome: item.Outcome,
		Count:   item.Count,
		Error:   item.Error,
		TookMS:  item.TookMS,
	}
	var se *transport.SinkError
	if errors.As(res.Err, &se) {
		rec.Status = se.StatusCode
	}
	if keep && res.Outcome == relay.Failed {
		rec.Payload = res.Payload
	}
	// The flush ctx may already be spent on a slow sink; the journal gets its own budget.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.store.AppendFlush(jctx, rec); err != nil {
		s.log.Warn("flush journal append failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev FlushEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether text with key may be enqueued, and if so
// opens a new suppression window for it.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	// The store lookup ran unlocked; a concurrent caller may have claimed key.
	if u, ok := s.dedup[key]; ok && now.Before(u) {
		s.dmu.Unlock()
		return false
	}
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over cap: evict the entries that expire first.
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func isTemporary(err error) bool {
	var se *transport.SinkError
	return errors.As(err, &se) && se.Temporary()
}
