package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/config"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/coordinator"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/db"
	httpserver "github.com/partikus/nettiego-watcher/services/watcher/internal/http"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/nettiego"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/publish"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/retry"
)

const startupSetupConcurrency = 4

// Application wires configuration, device coordinators, sinks and the REST
// API, and owns their lifecycle.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	http      *http.Client
	registry  *coordinator.Registry
	publisher *publish.Fanout
	server    *httpserver.Server
	newID     func() string
	now       func() time.Time

	// addMu serializes AddDevice so the name check and registration are atomic.
	addMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingDevice

	runCtx    context.Context
	cancelRun context.CancelFunc
	runners   sync.WaitGroup
	closeOnce sync.Once
}

type pendingDevice struct {
	coord *coordinator.Coordinator
	info  models.PendingDevice
}

// New connects the configured sinks and prepares the application.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	logger := newLogger(cfg.LogLevel)
	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	var states httpserver.StateReader
	for _, s := range sinks {
		if store, ok := s.(*db.Store); ok {
			states = store
		}
	}
	a, err := build(cfg, logger, publish.NewFanout(logger, cfg.DryRun, sinks...), states)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	return a, nil
}

func build(cfg config.Config, logger *slog.Logger, publisher *publish.Fanout, states httpserver.StateReader) (*Application, error) {
	registry, err := coordinator.NewRegistry(cfg.MaxRequestsPerDay, logger)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a := &Application{
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			Timeout: cfg.CycleTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		registry:  registry,
		publisher: publisher,
		newID:     uuid.NewString,
		now:       time.Now,
		pending:   make(map[string]*pendingDevice),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	a.server = httpserver.New(cfg, a, states)
	return a, nil
}

// Run sets up the configured devices, then serves the API and retries
// not-ready devices until ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	defer a.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("watcher_starting",
		slog.Int("devices", len(a.cfg.Devices)),
		slog.Int("daily_budget", a.cfg.MaxRequestsPerDay),
		slog.String("address", a.cfg.ListenAddr()),
	)
	a.setupConfigured(ctx)

	httpCh := make(chan error, 1)
	go func() {
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddr()))
		httpCh <- a.server.Run(ctx)
	}()

	retryCh := make(chan error, 1)
	go func() {
		retryCh <- a.retryPending(ctx, a.cfg.SetupRetry)
	}()

	var httpErr error
	for httpCh != nil || retryCh != nil {
		select {
		case err := <-httpCh:
			httpErr = err
			httpCh = nil
			if err != nil {
				a.logger.Error("http_server_error", slog.Any("err", err))
			} else {
				a.logger.Info("server_closed")
			}
			cancel()
		case err := <-retryCh:
			retryCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("setup_retry_error", slog.Any("err", err))
			}
			cancel()
		}
	}
	a.logger.Info("watcher_stopped")
	return httpErr
}

// Close stops every coordinator and closes the sinks.
func (a *Application) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancelRun()
		a.runners.Wait()
		err = a.publisher.Close()
	})
	return err
}

func (a *Application) setupConfigured(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(startupSetupConcurrency)
	for _, dev := range a.cfg.Devices {
		dev := dev
		g.Go(func() error {
			id, err := a.setup(ctx, dev, nettiego.NewClient(dev.BaseURL, a.http))
			if err != nil {
				a.logger.Warn("device_not_ready",
					slog.String("instance", id),
					slog.String("name", dev.Name),
					slog.Any("err", err),
				)
				return nil
			}
			a.logger.Info("device_ready", slog.String("instance", id), slog.String("name", dev.Name))
			return nil
		})
	}
	_ = g.Wait()
}

// AddDevice validates and probes a new device, then sets it up. When the
// initial fetch fails the device is kept pending and the returned error
// wraps coordinator.ErrNotReady.
func (a *Application) AddDevice(ctx context.Context, dev models.DeviceConfig) (string, error) {
	dev.Name = strings.TrimSpace(dev.Name)
	dev.BaseURL = strings.TrimSpace(dev.BaseURL)
	if dev.Name == "" {
		return "", fmt.Errorf("%w: name is empty", config.ErrInvalidDevice)
	}
	if err := config.ValidateURL(dev.BaseURL); err != nil {
		return "", err
	}

	a.addMu.Lock()
	defer a.addMu.Unlock()
	if a.nameTaken(dev.Name) {
		return "", fmt.Errorf("%w: %s", coordinator.ErrDuplicateName, dev.Name)
	}

	client := nettiego.NewClient(dev.BaseURL, a.http)
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	ok := client.Probe(probeCtx)
	cancel()
	if !ok {
		return "", fmt.Errorf("%w: %s", nettiego.ErrCannotConnect, dev.BaseURL)
	}
	return a.setup(ctx, dev, client)
}

// RemoveDevice stops a registered or pending device and clears its state
// from the sinks.
func (a *Application) RemoveDevice(ctx context.Context, id string) error {
	a.mu.Lock()
	p, wasPending := a.pending[id]
	delete(a.pending, id)
	a.mu.Unlock()

	var c *coordinator.Coordinator
	if wasPending {
		c = p.coord
	} else {
		var ok bool
		c, ok = a.registry.Deregister(id)
		if !ok {
			return fmt.Errorf("%w: %s", coordinator.ErrUnknownInstance, id)
		}
	}
	// Stop returns once the cycle in flight is done, so nothing republishes
	// the instance after Remove.
	c.Stop()

	if err := a.publisher.Remove(ctx, id); err != nil {
		a.logger.Warn("sink_remove_failed", slog.String("instance", id), slog.Any("err", err))
	}
	a.logger.Info("device_removed",
		slog.String("instance", id),
		slog.String("name", c.Device().Name),
		slog.Bool("pending", wasPending),
	)
	return nil
}

// Refresh runs a cycle for a registered device right away.
func (a *Application) Refresh(ctx context.Context, id string) (coordinator.Status, error) {
	c, ok := a.registry.Get(id)
	if !ok {
		return coordinator.Status{}, fmt.Errorf("%w: %s", coordinator.ErrUnknownInstance, id)
	}
	_, err := c.RefreshNow(ctx)
	return c.CurrentSnapshot(), err
}

// Devices returns the status of every registered device.
func (a *Application) Devices() []coordinator.Status {
	coords := a.registry.List()
	out := make([]coordinator.Status, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.CurrentSnapshot())
	}
	return out
}

// Device returns the status of one registered device.
func (a *Application) Device(id string) (coordinator.Status, bool) {
	c, ok := a.registry.Get(id)
	if !ok {
		return coordinator.Status{}, false
	}
	return c.CurrentSnapshot(), true
}

// Pending lists devices waiting for a successful initial fetch.
func (a *Application) Pending() []models.PendingDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.PendingDevice, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Schedule reports the current interval and budget.
func (a *Application) Schedule() coordinator.Schedule {
	return a.registry.Schedule()
}

func (a *Application) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.RetryAttempts,
		Timeout:     a.cfg.RetryTimeout,
		Retryable:   nettiego.IsTransient,
	}
}

func (a *Application) setup(ctx context.Context, dev models.DeviceConfig, fetcher coordinator.Fetcher) (string, error) {
	id := a.newID()
	c, err := coordinator.New(fetcher, coordinator.Options{
		InstanceID:   id,
		Device:       dev,
		Policy:       a.policy(),
		CycleTimeout: a.cfg.CycleTimeout,
		Publisher:    a.publisher,
		Logger:       a.logger,
	})
	if err != nil {
		return "", err
	}
	if err := coordinator.Setup(ctx, a.registry, c); err != nil {
		if errors.Is(err, coordinator.ErrNotReady) {
			a.markPending(c, err)
		}
		return id, err
	}
	a.start(c)
	return id, nil
}

func (a *Application) start(c *coordinator.Coordinator) {
	a.runners.Add(1)
	go func() {
		defer a.runners.Done()
		if err := c.Run(a.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("coordinator_stopped", slog.String("instance", c.ID()), slog.Any("err", err))
		}
	}()
}

func (a *Application) markPending(c *coordinator.Coordinator, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[c.ID()]
	if !ok {
		p = &pendingDevice{coord: c, info: models.PendingDevice{InstanceID: c.ID(), Device: c.Device()}}
		a.pending[c.ID()] = p
	}
	p.info.Attempts++
	p.info.LastError = cause.Error()
	p.info.NextAttemptAt = a.now().UTC().Add(a.pendingRetryDelayLocked())
}

// pendingRetryDelayLocked spaces setup retries so pending devices stay
// within the daily budget, counting them alongside the registered ones.
// a.mu must be held.
func (a *Application) pendingRetryDelayLocked() time.Duration {
	sched := a.registry.Schedule()
	delay := coordinator.ComputeInterval(sched.DailyBudget, sched.ActiveInstances+len(a.pending))
	if delay < a.cfg.SetupRetry {
		delay = a.cfg.SetupRetry
	}
	return delay
}

func (a *Application) nameTaken(name string) bool {
	if _, ok := a.registry.FindByName(name); ok {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pending {
		if strings.EqualFold(p.info.Device.Name, name) {
			return true
		}
	}
	return false
}

// retryPending retries the initial fetch of pending devices every interval.
func (a *Application) retryPending(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.retryPendingOnce(ctx)
		}
	}
}

func (a *Application) retryPendingOnce(ctx context.Context) {
	now := a.now()
	a.mu.Lock()
	batch := make([]*coordinator.Coordinator, 0, len(a.pending))
	for _, p := range a.pending {
		if now.Before(p.info.NextAttemptAt) {
			continue
		}
		batch = append(batch, p.coord)
	}
	a.mu.Unlock()

	for _, c := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := coordinator.Setup(ctx, a.registry, c); err != nil {
			a.mu.Lock()
			_, still := a.pending[c.ID()]
			a.mu.Unlock()
			if !still {
				continue
			}
			a.markPending(c, err)
			a.logger.Warn("device_still_not_ready", slog.String("instance", c.ID()), slog.Any("err", err))
			continue
		}

		a.mu.Lock()
		_, still := a.pending[c.ID()]
		delete(a.pending, c.ID())
		a.mu.Unlock()
		if !still {
			// Removed while the fetch was running; RemoveDevice already stopped it.
			a.registry.Deregister(c.ID())
			continue
		}
		a.start(c)
		a.logger.Info("device_ready", slog.String("instance", c.ID()), slog.String("name", c.Device().Name))
	}
}
