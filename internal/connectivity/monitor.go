package connectivity

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"reportq/internal/config"
	"reportq/internal/logging"
)

// Handler receives connectivity states.
type Handler func(ctx context.Context, state State)

// Monitor polls a Prober and fans state changes out to subscribers.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
	link     *linkWatcher

	mu       sync.Mutex
	subs     map[uint64]Handler
	nextID   uint64
	last     State
	observed bool
	running  bool
	quit     chan struct{}
	done     chan struct{}
	trigger  chan struct{}
}

// NewMonitor builds a Monitor probing the configured URL. Netlink link events
// are watched when enabled in the configuration.
func NewMonitor(cfg *config.Config, logger *slog.Logger) *Monitor {
	m := NewMonitorWithProber(NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.ProbeTimeout()), cfg.ProbeInterval(), logger)
	if cfg.Connectivity.Netlink {
		m.link = newLinkWatcher(logger, m.Trigger)
	}
	return m
}

// NewMonitorWithProber builds a Monitor around an arbitrary Prober.
func NewMonitorWithProber(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "connectivity"),
		subs:     make(map[uint64]Handler),
		trigger:  make(chan struct{}, 1),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	monitor *Monitor
	id      uint64
	once    sync.Once
}

// Stop removes the subscription. It is safe to call more than once.
func (s *Subscription) Stop() {
	if s == nil || s.monitor == nil {
		return
	}
	s.once.Do(func() {
		s.monitor.mu.Lock()
		delete(s.monitor.subs, s.id)
		s.monitor.mu.Unlock()
	})
}

// Subscribe registers handler for state changes. Handlers run on the monitor
// goroutine, one at a time, and should hand long work off.
func (m *Monitor) Subscribe(handler Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs[m.nextID] = handler
	return &Subscription{monitor: m, id: m.nextID}
}

// Start launches the polling loop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	quit, done := m.quit, m.done
	m.mu.Unlock()

	if m.link != nil {
		m.link.Start(ctx)
	}

	go m.loop(ctx, quit, done)

	m.logger.Info("connectivity monitor started",
		logging.String(logging.FieldEventType, "connectivity_monitor_started"),
		logging.Duration("interval", m.interval),
		logging.Bool("netlink", m.link.Running()),
	)
	return nil
}

// Stop halts polling and waits for an in-flight probe or handler to return.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.quit)
	done := m.done
	m.mu.Unlock()

	m.link.Stop()
	<-done

	m.logger.Info("connectivity monitor stopped",
		logging.String(logging.FieldEventType, "connectivity_monitor_stopped"),
	)
}

// Running reports whether the polling loop is active.
func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Current returns the most recent observation and whether one exists.
func (m *Monitor) Current() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.observed
}

// Trigger requests an immediate probe. Requests made while one is pending coalesce.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// ProbeNow runs a single probe outside the loop without notifying subscribers.
func (m *Monitor) ProbeNow(ctx context.Context) State {
	return m.prober.Probe(ctx)
}

func (m *Monitor) loop(ctx context.Context, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-ticker.C:
			m.observe(ctx)
		case <-m.trigger:
			m.observe(ctx)
		}
	}
}

func (m *Monitor) observe(ctx context.Context) {
	state := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	changed := !m.observed || !m.last.same(state)
	m.last = state
	m.observed = true
	var handlers []Handler
	if changed {
		handlers = make([]Handler, 0, len(m.subs))
		for _, id := range slices.Sorted(maps.Keys(m.subs)) {
			handlers = append(handlers, m.subs[id])
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "connectivity_changed"),
		logging.Bool("connected", state.IsConnected),
		logging.Bool("internet_reachable", state.IsInternetReachable),
	}
	if state.Detail != "" {
		attrs = append(attrs, logging.String("detail", state.Detail))
	}
	m.logger.Info("connectivity changed", logging.Args(attrs...)...)

	for _, handler := range handlers {
		handler(ctx, state)
	}
}
