package coordinator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/metrics"
)

const (
	minutesPerDay = 24 * 60
	// DefaultDailyRequestBudget allows one cycle every five minutes for a single device.
	DefaultDailyRequestBudget = 24 * 12
)

var (
	// ErrDuplicateInstance is returned when an instance id is registered twice.
	ErrDuplicateInstance = errors.New("instance already registered")
	// ErrUnknownInstance is returned for ids the registry does not hold.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrDuplicateName is returned when a device name is already in use.
	ErrDuplicateName = errors.New("device name already configured")
)

// Schedule describes how the daily budget is currently spread.
type Schedule struct {
	Interval        time.Duration `json:"interval"`
	ActiveInstances int           `json:"activeInstances"`
	DailyBudget     int           `json:"dailyBudget"`
}

// ComputeInterval spreads the daily request budget over the active instances:
// ceil(1440 / budget) minutes per instance.
func ComputeInterval(dailyBudget, instances int) time.Duration {
	if dailyBudget <= 0 || instances <= 0 {
		return 0
	}
	perInstance := (minutesPerDay + dailyBudget - 1) / dailyBudget
	return time.Duration(perInstance*instances) * time.Minute
}

// Registry tracks live coordinators and keeps their shared interval in step
// with the instance count. All mutation and the interval broadcast happen
// under one lock.
type Registry struct {
	budget int
	log    *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*Coordinator
	interval time.Duration
}

// NewRegistry creates an empty registry for the given daily request budget.
func NewRegistry(dailyBudget int, logger *slog.Logger) (*Registry, error) {
	if dailyBudget <= 0 {
		return nil, fmt.Errorf("daily request budget must be positive, got %d", dailyBudget)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		budget:  dailyBudget,
		log:     logger.With(slog.String("component", "registry")),
		entries: make(map[string]*Coordinator),
	}, nil
}

// Register adds a coordinator and reapplies the interval to every entry.
func (r *Registry) Register(id string, c *Coordinator) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("instance id must not be empty")
	}
	if c == nil {
		return errors.New("coordinator must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, id)
	}
	r.entries[id] = c
	r.recomputeLocked()
	r.log.Info("instance_registered", slog.String("instance", id), slog.Int("active", len(r.entries)))
	return nil
}

// Deregister removes a coordinator and reapplies the interval to the rest.
// The removed coordinator is returned so the caller can stop it.
func (r *Registry) Deregister(id string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	r.recomputeLocked()
	r.log.Info("instance_deregistered", slog.String("instance", id), slog.Int("active", len(r.entries)))
	return c, true
}

// ActiveCount returns the number of registered coordinators.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Interval returns the interval last applied to the entries.
func (r *Registry) Interval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interval
}

// Schedule returns the interval, instance count and budget as one consistent view.
func (r *Registry) Schedule() Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Schedule{Interval: r.interval, ActiveInstances: len(r.entries), DailyBudget: r.budget}
}

// Budget returns the daily request budget.
func (r *Registry) Budget() int {
	return r.budget
}

// Get looks up a coordinator by instance id.
func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[id]
	return c, ok
}

// List returns the registered coordinators ordered by instance id.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// FindByName returns the coordinator configured with the given name.
func (r *Registry) FindByName(name string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.entries {
		if strings.EqualFold(c.Device().Name, name) {
			return c, true
		}
	}
	return nil, false
}

func (r *Registry) recomputeLocked() {
	r.interval = ComputeInterval(r.budget, len(r.entries))
	for _, c := range r.entries {
		c.SetInterval(r.interval)
	}
	metrics.SetSchedule(r.interval, len(r.entries))
	r.log.Info("interval_recomputed",
		slog.Duration("interval", r.interval),
		slog.Int("active", len(r.entries)),
		slog.Int("daily_budget", r.budget),
	)
}
