package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"options-flow-lab/internal/calendar"
	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// State of the stream reliability state machine.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateBackfilling  State = "BACKFILLING"
	StateHalted       State = "HALTED"
)

// errHalted stops the stream loop when the budget halts mid-connection.
var errHalted = errors.New("budget halted")

// Budget is the session-scoped budget the manager meters frames against.
type Budget interface {
	Record(n int64) domain.BudgetLevel
	ConnectionUp()
	ConnectionDown()
	Halted() bool
	Reset(now time.Time)
	ResetIfNewSession(now time.Time) bool
}

// SealController holds window sealing while an outage is being patched.
type SealController interface {
	PauseSealing()
	ResumeSealing()
	MarkGap(start, end int64)
}

// ManagerOptions contains configuration for creating a Manager.
type ManagerOptions struct {
	Source  TickSource
	Queue   *Queue
	Budget  Budget            // optional
	Sealer  SealController    // optional
	Session *calendar.Session // required to wait out a halt

	HeartbeatTimeout time.Duration // 0 disables heartbeat detection
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxRetries       uint64 // 0 retries forever
	BackfillTimeout  time.Duration

	Clock     func() time.Time
	WaitUntil func(ctx context.Context, t time.Time) error

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Manager owns the ingestion connection lifecycle: it reads frames, meters
// them, de-duplicates them, and patches outages with backfill.
type Manager struct {
	source  TickSource
	queue   *Queue
	budget  Budget
	sealer  SealController
	session *calendar.Session

	heartbeatTimeout time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	maxRetries       uint64
	backfillTimeout  time.Duration

	clock     func() time.Time
	waitUntil func(ctx context.Context, t time.Time) error
	log       zerolog.Logger
	metrics   *observability.Metrics

	stateMu sync.RWMutex
	state   State

	// Owned by the Run goroutine.
	lastTs      int64
	lastSeq     uint64
	outage      bool
	outageStart int64

	// Unsequenced ticks admitted at lastTs, and the newest backfilled
	// timestamp the live stream may still redeliver.
	boundary   map[tickIdentity]struct{}
	replayHigh int64

	watermark  atomic.Int64
	duplicates atomic.Uint64
	backfilled atomic.Uint64
}

// NewManager creates a new reliability manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WaitUntil == nil {
		opts.WaitUntil = sleepUntil
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = 30 * time.Second
	}
	return &Manager{
		source:           opts.Source,
		queue:            opts.Queue,
		budget:           opts.Budget,
		sealer:           opts.Sealer,
		session:          opts.Session,
		heartbeatTimeout: opts.HeartbeatTimeout,
		initialBackoff:   opts.InitialBackoff,
		maxBackoff:       opts.MaxBackoff,
		maxRetries:       opts.MaxRetries,
		backfillTimeout:  opts.BackfillTimeout,
		clock:            opts.Clock,
		waitUntil:        opts.WaitUntil,
		log:              opts.Logger.With().Str("component", "reliability").Logger(),
		metrics:          opts.Metrics,
		state:            StateConnecting,
		boundary:         make(map[tickIdentity]struct{}),
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(next State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = next
	m.stateMu.Unlock()

	if prev == next {
		return
	}
	m.metrics.SetConnectionState(string(prev), string(next))
	m.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("state transition")
}

// Watermark returns the timestamp of the newest admitted tick.
func (m *Manager) Watermark() int64 { return m.watermark.Load() }

// Duplicates returns the number of replayed ticks dropped.
func (m *Manager) Duplicates() uint64 { return m.duplicates.Load() }

// Backfilled returns the number of ticks recovered by backfill.
func (m *Manager) Backfilled() uint64 { return m.backfilled.Load() }

// Run drives the state machine until ctx is cancelled or a finite source
// ends, both of which return nil. Persistent inability to reconnect
// returns an error wrapping ErrReconnectExhausted.
func (m *Manager) Run(ctx context.Context) error {
	defer m.source.Close()
	m.metrics.SetConnectionState("", string(StateConnecting))

	for {
		if ctx.Err() != nil {
			return nil
		}

		if m.budget != nil {
			if m.budget.ResetIfNewSession(m.clock()) {
				m.log.Info().Msg("new trading session, budget reset")
			}
			if m.budget.Halted() {
				if err := m.waitOutHalt(ctx); err != nil {
					return nil
				}
				continue
			}
		}

		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.abandonOutage()
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		if m.outage {
			m.metrics.RecordReconnect()
			m.backfill(ctx)
			if ctx.Err() != nil {
				return nil
			}
		}

		m.setState(StateConnected)
		if m.budget != nil {
			m.budget.ConnectionUp()
		}
		err := m.stream(ctx)
		if m.budget != nil {
			m.budget.ConnectionDown()
		}
		if cerr := m.source.Close(); cerr != nil {
			m.log.Debug().Err(cerr).Msg("close source")
		}

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrEndOfStream):
			m.log.Info().Int64("watermark", m.lastTs).Msg("source exhausted")
			return nil
		case errors.Is(err, errHalted):
			continue
		default:
			m.log.Warn().Err(err).Int64("last_tick", m.lastTs).Msg("stream interrupted")
			m.beginOutage()
		}
	}
}

// connect opens the source with bounded exponential backoff.
func (m *Manager) connect(ctx context.Context) error {
	if !m.outage {
		m.setState(StateConnecting)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialBackoff
	b.MaxInterval = m.maxBackoff
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if m.maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, m.maxRetries)
	}

	op := func() error {
		return m.source.Connect(ctx)
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn().Err(err).Dur("retry_in", wait).Msg("connect failed")
	}
	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
}

// stream reads frames until the connection fails, the source ends or the
// budget halts.
func (m *Manager) stream(ctx context.Context) error {
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.heartbeatTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, m.heartbeatTimeout)
		}
		raw, err := m.source.Next(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return ErrHeartbeatMissed
			}
			return err
		}
		if raw == nil {
			continue
		}

		level := domain.BudgetNormal
		if m.budget != nil {
			level = m.budget.Record(int64(raw.WireBytes))
		}
		m.admit(raw, false)
		if level == domain.BudgetHalted {
			return errHalted
		}
	}
}

// admit queues a tick unless it is a heartbeat or a replay of one already
// admitted. Sequenced ticks are compared by sequence number. Unsequenced
// ticks are compared against the timestamp watermark, but only while they
// can be replays: during backfill, and on the live stream until it passes
// the last backfilled timestamp.
func (m *Manager) admit(raw *domain.RawTick, backfilled bool) bool {
	if raw.Heartbeat {
		return false
	}

	if raw.Sequence > 0 {
		if raw.Sequence <= m.lastSeq {
			m.dropDuplicate()
			return false
		}
		m.lastSeq = raw.Sequence
	} else {
		id := identityOf(raw)
		if backfilled || raw.TimestampNs <= m.replayHigh {
			if m.replayed(raw.TimestampNs, id) {
				m.dropDuplicate()
				return false
			}
		}
		switch {
		case raw.TimestampNs > m.lastTs:
			clear(m.boundary)
			m.boundary[id] = struct{}{}
		case raw.TimestampNs == m.lastTs:
			m.boundary[id] = struct{}{}
		}
	}

	if !backfilled && raw.TimestampNs > m.replayHigh {
		m.replayHigh = 0
	}
	if raw.TimestampNs > m.lastTs {
		m.lastTs = raw.TimestampNs
		m.watermark.Store(raw.TimestampNs)
	}
	m.queue.Push(raw)
	return true
}

// replayed reports whether an unsequenced tick was already admitted.
// Anything older than the watermark was, and so was an identical tick at it.
func (m *Manager) replayed(ts int64, id tickIdentity) bool {
	if ts < m.lastTs {
		return true
	}
	if ts == m.lastTs {
		_, ok := m.boundary[id]
		return ok
	}
	return false
}

func (m *Manager) dropDuplicate() {
	m.duplicates.Add(1)
	m.metrics.RecordDrop(observability.DropDuplicate)
}

func (m *Manager) beginOutage() {
	if !m.outage {
		m.outage = true
		m.outageStart = m.lastTs
		if m.outageStart == 0 {
			m.outageStart = m.clock().UnixNano()
		}
		if m.sealer != nil {
			m.sealer.PauseSealing()
		}
	}
	m.setState(StateDisconnected)
}

// abandonOutage flags the unrecovered range and lets sealing proceed.
func (m *Manager) abandonOutage() {
	if !m.outage {
		return
	}
	if m.sealer != nil {
		m.sealer.MarkGap(m.outageStart, m.clock().UnixNano())
		m.sealer.ResumeSealing()
	}
	m.outage = false
}

// backfill requests the outage range and queues what the feed returns.
// Sealing resumes only after the queued ticks were processed.
func (m *Manager) backfill(ctx context.Context) {
	m.setState(StateBackfilling)
	start, end := m.outageStart, m.clock().UnixNano()

	bctx, cancel := context.WithTimeout(ctx, m.backfillTimeout)
	ticks, err := m.source.Backfill(bctx, start, end)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		m.metrics.RecordBackfill("failed", 0)
		m.log.Warn().Err(err).Int64("start", start).Int64("end", end).Msg("backfill failed, marking gap")
		if m.sealer != nil {
			m.sealer.MarkGap(start, end)
		}
	} else {
		if err := ValidateTickOrdering(ticks); err != nil {
			m.log.Debug().Int("ticks", len(ticks)).Msg("backfill batch unordered, sorting")
			SortTicks(ticks)
		}
		n := 0
		for _, t := range ticks {
			if m.admit(t, true) {
				n++
			}
		}
		m.replayHigh = m.lastTs
		m.backfilled.Add(uint64(n))
		m.metrics.RecordBackfill("ok", n)
		m.log.Info().Int("ticks", n).Int("received", len(ticks)).Msg("backfill complete")

		if err := m.queue.WaitIdle(ctx); err != nil {
			return
		}
	}

	m.outage = false
	if m.sealer != nil {
		m.sealer.ResumeSealing()
	}
}

// waitOutHalt closes the feed and blocks until the next session opens.
func (m *Manager) waitOutHalt(ctx context.Context) error {
	m.setState(StateHalted)
	if err := m.source.Close(); err != nil {
		m.log.Debug().Err(err).Msg("close source")
	}
	if m.session == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	next := m.session.NextOpen(m.clock())
	m.log.Warn().Time("resume_at", next).Msg("budget exhausted, ingestion halted")
	if err := m.waitUntil(ctx, next); err != nil {
		return err
	}
	m.budget.Reset(next)
	m.outage = false
	return nil
}
