package coordinator

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

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/nettiego"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Timeout: 40 * time.Millisecond, Retryable: nettiego.IsTransient}
}

func ptr(v float64) *float64 { return &v }

func sptr(v string) *string { return &v }

type fakeFetcher struct {
	calls   atomic.Int32
	measure func(ctx context.Context, call int32) (models.Measurement, error)
}

func (f *fakeFetcher) FetchMeasurement(ctx context.Context) (models.Measurement, error) {
	n := f.calls.Add(1)
	if f.measure == nil {
		return models.Measurement{PM25: ptr(10)}, nil
	}
	return f.measure(ctx, n)
}

func (f *fakeFetcher) FetchDeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	return models.DeviceInfo{ID: sptr("nam-1"), SoftwareVersion: sptr("NAMF-2020-36")}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.StateUpdate
}

func (p *recordingPublisher) Publish(ctx context.Context, u models.StateUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) all() []models.StateUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.StateUpdate(nil), p.updates...)
}

func newTestCoordinator(t *testing.T, f Fetcher, pub Publisher) *Coordinator {
	t.Helper()
	c, err := New(f, Options{
		InstanceID: "inst-1",
		Device:     models.DeviceConfig{Name: "Balcony", BaseURL: "http://device.local", Latitude: 50.06, Longitude: 19.94},
		Policy:     fastPolicy(),
		Publisher:  pub,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New(nil, Options{InstanceID: "x"}); err == nil {
		t.Fatalf("expected error for nil fetcher")
	}
	if _, err := New(&fakeFetcher{}, Options{}); err == nil {
		t.Fatalf("expected error for empty instance id")
	}
}

func TestRefreshNowStoresSnapshotAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	c := newTestCoordinator(t, &fakeFetcher{}, pub)

	if st := c.CurrentSnapshot(); st.State != Idle || st.Snapshot != nil {
		t.Fatalf("expected idle coordinator without snapshot, got %+v", st)
	}

	snap, err := c.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("RefreshNow returned error: %v", err)
	}
	if snap.Measurement.PM25 == nil || *snap.Measurement.PM25 != 10 {
		t.Fatalf("unexpected measurement %+v", snap.Measurement)
	}

	st := c.CurrentSnapshot()
	if st.State != Ready {
		t.Fatalf("expected ready, got %s", st.State)
	}
	if st.Snapshot == nil || st.Err != nil {
		t.Fatalf("expected snapshot without error, got %+v", st)
	}
	if st.LastSuccessAt.IsZero() || st.LastAttemptAt.IsZero() {
		t.Fatalf("expected attempt and success times to be set")
	}

	updates := pub.all()
	if len(updates) != 1 {
		t.Fatalf("expected one published update, got %d", len(updates))
	}
	u := updates[0]
	if u.State != "ready" || !u.Changed || u.InstanceID != "inst-1" || u.Manufacturer != models.Manufacturer {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.Latitude != 50.06 || u.Longitude != 19.94 {
		t.Fatalf("expected coordinates to pass through, got %v,%v", u.Latitude, u.Longitude)
	}
}

func TestCurrentSnapshotIsACopy(t *testing.T) {
	c := newTestCoordinator(t, &fakeFetcher{}, nil)
	if _, err := c.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow returned error: %v", err)
	}
	st := c.CurrentSnapshot()
	*st.Snapshot.Measurement.PM25 = 999

	again := c.CurrentSnapshot()
	if *again.Snapshot.Measurement.PM25 != 10 {
		t.Fatalf("expected cached snapshot to be unaffected, got %v", *again.Snapshot.Measurement.PM25)
	}
}

func TestRefreshNowReturnsErrorAfterServerFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestCoordinator(t, nettiego.NewClient(srv.URL, srv.Client()), nil)
	_, err := c.RefreshNow(context.Background())

	var failed *retry.PollFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected PollFailedError, got %v", err)
	}
	var apiErr *nettiego.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500 as cause, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}

	st := c.CurrentSnapshot()
	if st.State != Failed || st.Snapshot != nil || st.Err == nil {
		t.Fatalf("expected failed state without snapshot, got %+v", st)
	}
}

func TestMalformedResponseIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestCoordinator(t, nettiego.NewClient(srv.URL, srv.Client()), nil)
	_, err := c.RefreshNow(context.Background())

	var malformed *nettiego.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single request, got %d", n)
	}
}

func TestTickFailureKeepsPreviousSnapshot(t *testing.T) {
	pub := &recordingPublisher{}
	f := &fakeFetcher{measure: func(ctx context.Context, call int32) (models.Measurement, error) {
		if call == 1 {
			return models.Measurement{PM25: ptr(12), PM10: ptr(20)}, nil
		}
		return models.Measurement{}, &nettiego.APIError{StatusCode: http.StatusBadGateway}
	}}
	c := newTestCoordinator(t, f, pub)

	c.Tick(context.Background())
	c.Tick(context.Background())

	st := c.CurrentSnapshot()
	if st.State != Failed {
		t.Fatalf("expected failed after second tick, got %s", st.State)
	}
	if st.Snapshot == nil || *st.Snapshot.Measurement.PM25 != 12 {
		t.Fatalf("expected previous snapshot to be kept, got %+v", st.Snapshot)
	}
	if !st.Stale() {
		t.Fatalf("expected status to be stale")
	}
	if st.Err == nil {
		t.Fatalf("expected latest error to be recorded")
	}

	updates := pub.all()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	last := updates[1]
	if last.State != "failed" || last.Error == "" || last.Measurement == nil {
		t.Fatalf("expected failed update carrying the last snapshot, got %+v", last)
	}
}

func TestTickFailureWithoutSnapshot(t *testing.T) {
	f := &fakeFetcher{measure: func(ctx context.Context, call int32) (models.Measurement, error) {
		return models.Measurement{}, &nettiego.UnreachableError{URL: "http://device.local", Err: errors.New("refused")}
	}}
	c := newTestCoordinator(t, f, nil)

	c.Tick(context.Background())

	st := c.CurrentSnapshot()
	if st.State != Failed || st.Snapshot != nil || st.Stale() {
		t.Fatalf("expected failed state with no snapshot, got %+v", st)
	}
}

func TestUnchangedReadingIsFlagged(t *testing.T) {
	pub := &recordingPublisher{}
	c := newTestCoordinator(t, &fakeFetcher{}, pub)

	for i := 0; i < 2; i++ {
		if _, err := c.RefreshNow(context.Background()); err != nil {
			t.Fatalf("RefreshNow returned error: %v", err)
		}
	}
	updates := pub.all()
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if !updates[0].Changed || updates[1].Changed {
		t.Fatalf("expected only the first update to be marked changed, got %v,%v", updates[0].Changed, updates[1].Changed)
	}
}

func TestTickSkipsWhileCycleInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{measure: func(ctx context.Context, call int32) (models.Measurement, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return models.Measurement{PM25: ptr(1)}, nil
	}}
	c := newTestCoordinator(t, f, nil)
	c.cycleTimeout = 5 * time.Second
	c.policy = retry.Policy{MaxAttempts: 1, Timeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		_, err := c.RefreshNow(context.Background())
		done <- err
	}()
	<-started

	c.Tick(context.Background())
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("expected overlapping tick to be skipped, got %d fetches", n)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RefreshNow returned error: %v", err)
	}
	if st := c.CurrentSnapshot(); st.State != Ready {
		t.Fatalf("expected ready, got %s", st.State)
	}
}

func TestRunTicksOnInterval(t *testing.T) {
	f := &fakeFetcher{}
	c := newTestCoordinator(t, f, nil)
	c.SetInterval(10 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for f.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 scheduled cycles, got %d", f.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	c.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error after Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

func TestStopDiscardsCycleInFlight(t *testing.T) {
	started := make(chan struct{})
	f := &fakeFetcher{measure: func(ctx context.Context, call int32) (models.Measurement, error) {
		if call == 1 {
			close(started)
		}
		<-ctx.Done()
		return models.Measurement{}, &nettiego.UnreachableError{URL: "http://device.local", Err: ctx.Err()}
	}}
	pub := &recordingPublisher{}
	c := newTestCoordinator(t, f, pub)
	c.cycleTimeout = 5 * time.Second
	c.policy = retry.Policy{MaxAttempts: 1, Timeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		c.Tick(context.Background())
		close(done)
	}()
	<-started

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not abort the cycle in flight")
	}
	<-done

	if got := len(pub.all()); got != 0 {
		t.Fatalf("expected no publish after Stop, got %d", got)
	}
	if _, err := c.RefreshNow(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected no fetch after Stop, got %d", f.calls.Load())
	}
}

func TestSetupRefusesStoppedCoordinator(t *testing.T) {
	reg, err := NewRegistry(DefaultDailyRequestBudget, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	c := newTestCoordinator(t, &fakeFetcher{}, nil)
	c.Stop()

	if err := Setup(context.Background(), reg, c); !errors.Is(err, ErrNotReady) || !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrNotReady wrapping ErrStopped, got %v", err)
	}
	if reg.ActiveCount() != 0 {
		t.Fatalf("expected stopped coordinator not to register")
	}
}

func TestRunWithoutIntervalWaitsForChange(t *testing.T) {
	f := &fakeFetcher{}
	c := newTestCoordinator(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	if n := f.calls.Load(); n != 0 {
		t.Fatalf("expected no cycles without an interval, got %d", n)
	}

	c.SetInterval(10 * time.Millisecond)
	deadline := time.After(2 * time.Second)
	for f.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatalf("expected a cycle after the interval was set")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSetupRegistersOnSuccess(t *testing.T) {
	reg, err := NewRegistry(DefaultDailyRequestBudget, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	c := newTestCoordinator(t, &fakeFetcher{}, nil)

	if err := Setup(context.Background(), reg, c); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if reg.ActiveCount() != 1 {
		t.Fatalf("expected 1 active instance, got %d", reg.ActiveCount())
	}
	if got := c.Interval(); got != 5*time.Minute {
		t.Fatalf("expected interval 5m, got %s", got)
	}
	if st := c.CurrentSnapshot(); st.Snapshot == nil {
		t.Fatalf("expected snapshot after setup")
	}
}

func TestSetupFailsNotReady(t *testing.T) {
	reg, err := NewRegistry(DefaultDailyRequestBudget, testLogger())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	f := &fakeFetcher{measure: func(ctx context.Context, call int32) (models.Measurement, error) {
		return models.Measurement{}, &nettiego.MalformedResponseError{Path: nettiego.DataPath, Err: errors.New("bad")}
	}}
	c := newTestCoordinator(t, f, nil)

	err = Setup(context.Background(), reg, c)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if reg.ActiveCount() != 0 {
		t.Fatalf("expected registry to stay empty, got %d", reg.ActiveCount())
	}
	if reg.Interval() != 0 {
		t.Fatalf("expected no interval, got %s", reg.Interval())
	}
}

func TestStateMarshalsByName(t *testing.T) {
	b, err := Ready.MarshalText()
	if err != nil || string(b) != "ready" {
		t.Fatalf("expected ready, got %q (%v)", b, err)
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected unknown state rendering %q", State(42).String())
	}
}
