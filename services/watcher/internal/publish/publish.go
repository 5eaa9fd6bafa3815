// Package publish fans state updates out to the sinks the host application
// reads from.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/metrics"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

// Sink is one destination for state updates.
type Sink interface {
	Name() string
	Publish(ctx context.Context, update models.StateUpdate) error
	// Remove clears whatever the sink holds for a removed instance.
	Remove(ctx context.Context, instanceID string) error
	Close() error
}

// Fanout publishes every update to all sinks. A failing sink does not keep
// the others from receiving the update.
type Fanout struct {
	sinks  []Sink
	dryRun bool
	log    *slog.Logger
}

// NewFanout wires the given sinks. With dryRun set, updates are only logged.
func NewFanout(logger *slog.Logger, dryRun bool, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fanout{
		sinks:  sinks,
		dryRun: dryRun,
		log:    logger.With(slog.String("component", "publisher")),
	}
}

// Names lists the configured sinks.
func (f *Fanout) Names() []string {
	out := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Publish sends the update to every sink and joins their errors.
func (f *Fanout) Publish(ctx context.Context, update models.StateUpdate) error {
	if f.dryRun {
		f.log.Info("dry_run_publish",
			slog.String("instance", update.InstanceID),
			slog.String("state", update.State),
			slog.Any("sinks", f.Names()),
		)
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, update); err != nil {
			metrics.IncPublishError(s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Remove clears the instance from every sink.
func (f *Fanout) Remove(ctx context.Context, instanceID string) error {
	if f.dryRun {
		f.log.Info("dry_run_remove", slog.String("instance", instanceID))
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Remove(ctx, instanceID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func encode(update models.StateUpdate) ([]byte, error) {
	b, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("marshal state update: %w", err)
	}
	return b, nil
}
