package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/metrics"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/retry"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/utils"
)

const (
	defaultCycleTimeout   = 30 * time.Second
	defaultPublishTimeout = 10 * time.Second
)

var (
	// ErrNotReady is returned by Setup when the initial fetch fails.
	ErrNotReady = errors.New("device not ready")
	// ErrStopped is returned for cycles requested after Stop.
	ErrStopped = errors.New("coordinator stopped")
)

// State is the coordinator's position in its fetch cycle.
type State int

const (
	Idle State = iota
	Fetching
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Fetcher is the device surface the coordinator polls.
type Fetcher interface {
	FetchMeasurement(ctx context.Context) (models.Measurement, error)
	FetchDeviceInfo(ctx context.Context) (models.DeviceInfo, error)
}

// Publisher receives a state update after every cycle.
type Publisher interface {
	Publish(ctx context.Context, update models.StateUpdate) error
}

// Options configures a Coordinator.
type Options struct {
	InstanceID   string
	Device       models.DeviceConfig
	Policy       retry.Policy
	CycleTimeout time.Duration
	Publisher    Publisher
	Logger       *slog.Logger
}

// Status is the consumer view of a coordinator. Snapshot is the last good
// snapshot and survives failed cycles; Err is the error of the latest cycle.
type Status struct {
	InstanceID    string               `json:"instanceId"`
	Device        models.DeviceConfig  `json:"device"`
	State         State                `json:"state"`
	Snapshot      *models.PollSnapshot `json:"snapshot"`
	Err           error                `json:"-"`
	LastAttemptAt time.Time            `json:"lastAttemptAt"`
	LastSuccessAt time.Time            `json:"lastSuccessAt"`
	Interval      time.Duration        `json:"interval"`
}

// Stale reports whether the snapshot is older than the latest attempt.
func (s Status) Stale() bool {
	return s.State == Failed && s.Snapshot != nil
}

// Coordinator polls one device on a shared schedule and caches the latest
// snapshot. Cycles of the same coordinator never overlap.
type Coordinator struct {
	id           string
	device       models.DeviceConfig
	fetcher      Fetcher
	policy       retry.Policy
	cycleTimeout time.Duration
	publisher    Publisher
	log          *slog.Logger
	now          func() time.Time

	// cycle is held for the whole fetch cycle.
	cycle sync.Mutex

	mu          sync.RWMutex
	state       State
	snapshot    *models.PollSnapshot
	lastErr     error
	lastAttempt time.Time
	lastSuccess time.Time
	interval    time.Duration

	intervalChanged chan struct{}
	stopOnce        sync.Once
	stop            chan struct{}
	// halt is cancelled by Stop; it aborts the cycle in flight.
	halt       context.Context
	cancelHalt context.CancelFunc
}

// New builds an idle coordinator. It does not fetch until RefreshNow, Tick or Run.
func New(fetcher Fetcher, opts Options) (*Coordinator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	if strings.TrimSpace(opts.InstanceID) == "" {
		return nil, errors.New("instance id must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cycleTimeout := opts.CycleTimeout
	if cycleTimeout <= 0 {
		cycleTimeout = defaultCycleTimeout
	}
	halt, cancelHalt := context.WithCancel(context.Background())
	return &Coordinator{
		id:           opts.InstanceID,
		device:       opts.Device,
		fetcher:      fetcher,
		policy:       opts.Policy,
		cycleTimeout: cycleTimeout,
		publisher:    opts.Publisher,
		log: logger.With(
			slog.String("component", "coordinator"),
			slog.String("instance", opts.InstanceID),
			slog.String("name", opts.Device.Name),
		),
		now:             time.Now,
		state:           Idle,
		intervalChanged: make(chan struct{}, 1),
		stop:            make(chan struct{}),
		halt:            halt,
		cancelHalt:      cancelHalt,
	}, nil
}

// ID returns the instance id.
func (c *Coordinator) ID() string { return c.id }

// Device returns the instance configuration.
func (c *Coordinator) Device() models.DeviceConfig { return c.device }

// RefreshNow runs a cycle outside the schedule, waiting for any cycle in
// flight to finish first. The error is returned to the caller.
func (c *Coordinator) RefreshNow(ctx context.Context) (models.PollSnapshot, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()
	return c.runCycle(ctx)
}

// Tick runs one scheduled cycle. Failures are recorded on the status and
// logged, never returned. A tick that finds a cycle in flight is skipped.
func (c *Coordinator) Tick(ctx context.Context) {
	if !c.cycle.TryLock() {
		c.log.Warn("cycle_skipped", slog.String("reason", "previous cycle still running"))
		return
	}
	defer c.cycle.Unlock()
	if _, err := c.runCycle(ctx); err != nil && !errors.Is(err, ErrStopped) {
		c.log.Error("cycle_failed", slog.Any("err", err))
	}
}

// CurrentSnapshot returns the cached status without blocking on a cycle.
func (c *Coordinator) CurrentSnapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		InstanceID:    c.id,
		Device:        c.device,
		State:         c.state,
		Err:           c.lastErr,
		LastAttemptAt: c.lastAttempt,
		LastSuccessAt: c.lastSuccess,
		Interval:      c.interval,
	}
	if c.snapshot != nil {
		snap := c.snapshot.Clone()
		st.Snapshot = &snap
	}
	return st
}

// Interval returns the schedule currently applied to this coordinator.
func (c *Coordinator) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// SetInterval changes the schedule. A running loop picks it up immediately.
func (c *Coordinator) SetInterval(d time.Duration) {
	c.mu.Lock()
	changed := c.interval != d
	c.interval = d
	c.mu.Unlock()
	if !changed {
		return
	}
	select {
	case c.intervalChanged <- struct{}{}:
	default:
	}
}

// Run ticks on the current interval until ctx is done or Stop is called.
// Each tick runs in its own goroutine so an overrunning cycle makes the next
// tick skip rather than queue.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ticker *time.Ticker
	var tick <-chan time.Time
	reset := func() {
		d := c.Interval()
		switch {
		case d <= 0 && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
		case d <= 0:
		case ticker == nil:
			ticker = time.NewTicker(d)
			tick = ticker.C
		default:
			ticker.Reset(d)
		}
		c.log.Info("schedule_applied", slog.Duration("interval", d))
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	reset()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-c.intervalChanged:
			reset()
		case <-tick:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Tick(ctx)
			}()
		}
	}
}

// Stop ends Run and aborts the cycle in flight. When Stop returns no cycle
// is running and none will publish again. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.cancelHalt()
		close(c.stop)
	})
	c.cycle.Lock()
	c.cycle.Unlock()
	metrics.ForgetInstance(c.id)
}

// Stopped reports whether Stop has been called.
func (c *Coordinator) Stopped() bool {
	return c.halt.Err() != nil
}

func (c *Coordinator) runCycle(ctx context.Context) (models.PollSnapshot, error) {
	if c.Stopped() {
		return models.PollSnapshot{}, ErrStopped
	}
	started := time.Now()
	c.mu.Lock()
	c.state = Fetching
	c.lastAttempt = c.now().UTC()
	c.mu.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	defer cancel()
	unwatch := context.AfterFunc(c.halt, cancel)
	defer unwatch()

	snap, err := c.fetch(cycleCtx)
	if c.Stopped() {
		return models.PollSnapshot{}, ErrStopped
	}
	metrics.ObserveCycle(c.id, err == nil, time.Since(started))
	if err != nil {
		c.mu.Lock()
		c.state = Failed
		c.lastErr = err
		c.mu.Unlock()
		c.publish(ctx, false)
		return models.PollSnapshot{}, err
	}

	c.mu.Lock()
	changed := c.snapshot == nil || !utils.MeasurementsEqual(c.snapshot.Measurement, snap.Measurement, 0)
	c.state = Ready
	c.lastErr = nil
	c.lastSuccess = snap.FetchedAt
	stored := snap.Clone()
	c.snapshot = &stored
	c.mu.Unlock()

	c.log.Info("cycle_ok",
		slog.String("pm2_5", utils.ValuePtrString(snap.Measurement.PM25)),
		slog.String("pm10", utils.ValuePtrString(snap.Measurement.PM10)),
		slog.String("device_id", utils.StringPtrValue(snap.DeviceInfo.ID)),
		slog.Bool("changed", changed),
	)
	c.publish(ctx, changed)
	return snap, nil
}

// fetch reads the measurement and then the device info; both must succeed.
func (c *Coordinator) fetch(ctx context.Context) (models.PollSnapshot, error) {
	measurement, err := retry.Do(ctx, c.policy, func(ctx context.Context) (models.Measurement, error) {
		m, err := c.fetcher.FetchMeasurement(ctx)
		metrics.ObserveAttempt("data", err)
		if err != nil {
			c.log.Warn("fetch_attempt_failed", slog.String("endpoint", "data"), slog.Any("err", err))
		}
		return m, err
	})
	if err != nil {
		return models.PollSnapshot{}, fmt.Errorf("fetch measurement: %w", err)
	}

	info, err := retry.Do(ctx, c.policy, func(ctx context.Context) (models.DeviceInfo, error) {
		d, err := c.fetcher.FetchDeviceInfo(ctx)
		metrics.ObserveAttempt("config", err)
		if err != nil {
			c.log.Warn("fetch_attempt_failed", slog.String("endpoint", "config"), slog.Any("err", err))
		}
		return d, err
	})
	if err != nil {
		return models.PollSnapshot{}, fmt.Errorf("fetch device info: %w", err)
	}

	return models.PollSnapshot{
		Measurement: measurement,
		DeviceInfo:  info,
		FetchedAt:   c.now().UTC(),
	}, nil
}

func (c *Coordinator) publish(ctx context.Context, changed bool) {
	if c.publisher == nil {
		return
	}
	st := c.CurrentSnapshot()
	update := models.StateUpdate{
		InstanceID:   st.InstanceID,
		Name:         st.Device.Name,
		State:        st.State.String(),
		Manufacturer: models.Manufacturer,
		Latitude:     st.Device.Latitude,
		Longitude:    st.Device.Longitude,
		Changed:      changed,
		PublishedAt:  c.now().UTC(),
	}
	if st.Snapshot != nil {
		update.Measurement = &st.Snapshot.Measurement
		update.DeviceInfo = &st.Snapshot.DeviceInfo
		fetchedAt := st.Snapshot.FetchedAt
		update.FetchedAt = &fetchedAt
	}
	if st.Err != nil {
		update.Error = st.Err.Error()
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()
	if err := c.publisher.Publish(pubCtx, update); err != nil {
		c.log.Warn("publish_failed", slog.Any("err", err))
	}
}

// Setup performs the blocking initial fetch for a freshly built coordinator
// and registers it. A failed fetch leaves the registry untouched and returns
// an error wrapping ErrNotReady.
func Setup(ctx context.Context, reg *Registry, c *Coordinator) error {
	if _, err := c.RefreshNow(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotReady, c.device.Name, err)
	}
	if c.Stopped() {
		return fmt.Errorf("%w: %s: %w", ErrNotReady, c.device.Name, ErrStopped)
	}
	return reg.Register(c.id, c)
}
