package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/config"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/coordinator"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/nettiego"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/publish"
)

type memorySink struct {
	mu      sync.Mutex
	states  map[string]models.StateUpdate
	removed []string
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Publish(ctx context.Context, u models.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[u.InstanceID] = u
	return nil
}

func (s *memorySink) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) state(id string) (models.StateUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.states[id]
	return u, ok
}

// fakeDevice serves /data.json and /config.json; dataFails makes /data.json
// answer 500 and dataDelay holds the answer back.
type fakeDevice struct {
	srv       *httptest.Server
	dataFails atomic.Bool
	dataDelay atomic.Int64
	dataCalls atomic.Int32
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{}
	mux := http.NewServeMux()
	mux.HandleFunc(nettiego.DataPath, func(w http.ResponseWriter, r *http.Request) {
		d.dataCalls.Add(1)
		if delay := time.Duration(d.dataDelay.Load()); delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if d.dataFails.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"sensordatavalues":[{"value_type":"SDS_P2","value":"8.4"},{"value_type":"SDS_P1","value":"11.0"}]}`))
	})
	mux.HandleFunc(nettiego.ConfigPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fs_ssid":"nam-77","SOFTWARE_VERSION":"NAMF-2020-36"}`))
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func newTestApp(t *testing.T) (*Application, *memorySink) {
	t.Helper()
	cfg := config.Config{
		MaxRequestsPerDay: 288,
		RetryAttempts:     2,
		RetryTimeout:      200 * time.Millisecond,
		CycleTimeout:      2 * time.Second,
		ProbeTimeout:      time.Second,
		SetupRetry:        time.Hour,
		Port:              0,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &memorySink{states: make(map[string]models.StateUpdate)}
	a, err := build(cfg, logger, publish.NewFanout(logger, false, sink), nil)
	if err != nil {
		t.Fatalf("build returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, sink
}

// advance moves the application clock forward by d.
func advance(a *Application, d time.Duration) {
	base := a.now
	a.now = func() time.Time { return base().Add(d) }
}

func TestAddDeviceRegistersAndPublishes(t *testing.T) {
	a, sink := newTestApp(t)
	dev := newFakeDevice(t)

	id, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Balcony", BaseURL: dev.srv.URL})
	if err != nil {
		t.Fatalf("AddDevice returned error: %v", err)
	}
	st, ok := a.Device(id)
	if !ok {
		t.Fatalf("expected device %s to be registered", id)
	}
	if st.State != coordinator.Ready || st.Snapshot == nil || *st.Snapshot.Measurement.PM25 != 8.4 {
		t.Fatalf("unexpected status %+v", st)
	}
	if sched := a.Schedule(); sched.ActiveInstances != 1 || sched.Interval != 5*time.Minute {
		t.Fatalf("unexpected schedule %+v", sched)
	}
	if u, ok := sink.state(id); !ok || u.State != "ready" {
		t.Fatalf("expected ready state published, got %+v", u)
	}
}

func TestAddDeviceValidation(t *testing.T) {
	a, _ := newTestApp(t)
	dev := newFakeDevice(t)

	if _, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "x", BaseURL: "ftp://host"}); !errors.Is(err, config.ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice for bad scheme, got %v", err)
	}
	if _, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: " ", BaseURL: dev.srv.URL}); !errors.Is(err, config.ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice for empty name, got %v", err)
	}

	if _, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Balcony", BaseURL: dev.srv.URL}); err != nil {
		t.Fatalf("AddDevice returned error: %v", err)
	}
	if _, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "balcony", BaseURL: dev.srv.URL}); !errors.Is(err, coordinator.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if got := len(a.Devices()); got != 1 {
		t.Fatalf("expected 1 device, got %d", got)
	}
}

func TestAddDeviceProbeFailure(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Ghost", BaseURL: srv.URL})
	if !errors.Is(err, nettiego.ErrCannotConnect) {
		t.Fatalf("expected ErrCannotConnect, got %v", err)
	}
	if len(a.Devices()) != 0 || len(a.Pending()) != 0 {
		t.Fatalf("expected nothing to be set up")
	}
}

func TestNotReadyDeviceIsRetried(t *testing.T) {
	a, sink := newTestApp(t)
	dev := newFakeDevice(t)
	dev.dataFails.Store(true)

	id, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Garden", BaseURL: dev.srv.URL})
	if !errors.Is(err, coordinator.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	pending := a.Pending()
	if len(pending) != 1 || pending[0].InstanceID != id || pending[0].Attempts != 1 {
		t.Fatalf("unexpected pending list %+v", pending)
	}
	if a.Schedule().ActiveInstances != 0 {
		t.Fatalf("expected no active instances while not ready")
	}
	if u, ok := sink.state(id); !ok || u.State != "failed" {
		t.Fatalf("expected failed state to be published, got %+v", u)
	}

	advance(a, 2*time.Hour)
	a.retryPendingOnce(context.Background())
	if p := a.Pending(); len(p) != 1 || p[0].Attempts != 2 {
		t.Fatalf("expected a second failed attempt, got %+v", p)
	}

	dev.dataFails.Store(false)
	advance(a, 2*time.Hour)
	a.retryPendingOnce(context.Background())
	if len(a.Pending()) != 0 {
		t.Fatalf("expected pending list to drain")
	}
	if st, ok := a.Device(id); !ok || st.State != coordinator.Ready {
		t.Fatalf("expected device to be registered and ready, got %+v", st)
	}
}

func TestRemoveDevice(t *testing.T) {
	a, sink := newTestApp(t)
	dev := newFakeDevice(t)

	first, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "One", BaseURL: dev.srv.URL})
	if err != nil {
		t.Fatalf("AddDevice returned error: %v", err)
	}
	if _, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Two", BaseURL: dev.srv.URL}); err != nil {
		t.Fatalf("AddDevice returned error: %v", err)
	}
	if got := a.Schedule().Interval; got != 10*time.Minute {
		t.Fatalf("expected 10m for two devices, got %s", got)
	}

	if err := a.RemoveDevice(context.Background(), first); err != nil {
		t.Fatalf("RemoveDevice returned error: %v", err)
	}
	if got := a.Schedule().Interval; got != 5*time.Minute {
		t.Fatalf("expected interval to shrink back to 5m, got %s", got)
	}
	if _, ok := sink.state(first); ok {
		t.Fatalf("expected removed device state to be cleared from sinks")
	}

	if err := a.RemoveDevice(context.Background(), "missing"); !errors.Is(err, coordinator.ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestRemovePendingDevice(t *testing.T) {
	a, _ := newTestApp(t)
	dev := newFakeDevice(t)
	dev.dataFails.Store(true)

	id, _ := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Garden", BaseURL: dev.srv.URL})
	if err := a.RemoveDevice(context.Background(), id); err != nil {
		t.Fatalf("RemoveDevice returned error: %v", err)
	}
	if len(a.Pending()) != 0 {
		t.Fatalf("expected pending device to be dropped")
	}

	dev.dataFails.Store(false)
	advance(a, 2*time.Hour)
	a.retryPendingOnce(context.Background())
	if _, ok := a.Device(id); ok {
		t.Fatalf("expected removed device not to come back")
	}
}

func TestRefresh(t *testing.T) {
	a, _ := newTestApp(t)
	dev := newFakeDevice(t)

	id, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Balcony", BaseURL: dev.srv.URL})
	if err != nil {
		t.Fatalf("AddDevice returned error: %v", err)
	}

	dev.dataFails.Store(true)
	st, err := a.Refresh(context.Background(), id)
	if err == nil {
		t.Fatalf("expected refresh to report the failure")
	}
	if !st.Stale() {
		t.Fatalf("expected stale status after failed refresh, got %+v", st)
	}

	if _, err := a.Refresh(context.Background(), "missing"); !errors.Is(err, coordinator.ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestPendingRetryStaysWithinBudget(t *testing.T) {
	a, _ := newTestApp(t)
	a.cfg.SetupRetry = time.Minute
	dev := newFakeDevice(t)
	dev.dataFails.Store(true)

	start := time.Now()
	if _, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Garden", BaseURL: dev.srv.URL}); !errors.Is(err, coordinator.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	pending := a.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending device, got %+v", pending)
	}
	// 288 requests a day leaves one cycle every 5 minutes for a single device.
	if wait := pending[0].NextAttemptAt.Sub(start); wait < 5*time.Minute {
		t.Fatalf("expected next attempt at least 5m away, got %s", wait)
	}

	calls := dev.dataCalls.Load()
	advance(a, 2*time.Minute)
	a.retryPendingOnce(context.Background())
	if got := dev.dataCalls.Load(); got != calls {
		t.Fatalf("expected no request before the budgeted delay, got %d new", got-calls)
	}
	if p := a.Pending(); p[0].Attempts != 1 {
		t.Fatalf("expected attempts to stay at 1, got %d", p[0].Attempts)
	}

	advance(a, 4*time.Minute)
	a.retryPendingOnce(context.Background())
	if p := a.Pending(); len(p) != 1 || p[0].Attempts != 2 {
		t.Fatalf("expected a second attempt once due, got %+v", p)
	}
}

func TestRemoveDeviceDuringCycleLeavesSinksClear(t *testing.T) {
	a, sink := newTestApp(t)
	dev := newFakeDevice(t)

	id, err := a.AddDevice(context.Background(), models.DeviceConfig{Name: "Balcony", BaseURL: dev.srv.URL})
	if err != nil {
		t.Fatalf("AddDevice returned error: %v", err)
	}
	c, ok := a.registry.Get(id)
	if !ok {
		t.Fatalf("expected device %s to be registered", id)
	}

	dev.dataDelay.Store(int64(150 * time.Millisecond))
	calls := dev.dataCalls.Load()
	done := make(chan struct{})
	go func() {
		c.Tick(context.Background())
		close(done)
	}()
	for dev.dataCalls.Load() == calls {
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.RemoveDevice(context.Background(), id); err != nil {
		t.Fatalf("RemoveDevice returned error: %v", err)
	}
	<-done
	time.Sleep(200 * time.Millisecond)

	if u, ok := sink.state(id); ok {
		t.Fatalf("expected removed device to stay out of the sinks, got %+v", u)
	}
}
