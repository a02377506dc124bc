package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/registry"
	"github.com/rs/zerolog"
)

// DefaultInterval is used when no sweep interval is configured
const DefaultInterval = 10 * time.Minute

// Reconciler performs the periodic housekeeping of the registry: it
// removes expired secrets and snapshots of deleted worker types, and
// refreshes the registry gauges.
type Reconciler struct {
	reg      *registry.Registry
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu sync.Mutex // Serializes cycles

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(reg *registry.Registry, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		reg:      reg,
		interval: interval,
		now:      time.Now,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop. One cycle runs immediately.
// Start after Start or Stop does nothing.
func (r *Reconciler) Start() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run()
}

// Stop stops the reconciler and waits for a running cycle to finish.
// Stopping a reconciler that never started returns immediately.
func (r *Reconciler) Stop() {
	r.lifecycle.Lock()
	if r.stopped {
		r.lifecycle.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.stopCh)
	r.lifecycle.Unlock()

	if started {
		<-r.doneCh
	}
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
		}

		select {
		case <-ticker.C:
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one reconciliation cycle. Each step runs even when
// an earlier one failed; the first error is returned.
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, step := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"secrets", r.reconcileSecrets},
		{"states", r.reconcileStates},
		{"gauges", r.reconcileGauges},
	} {
		if err := step.fn(ctx); err != nil {
			r.logger.Warn().Err(err).Str("step", step.name).Msg("Reconciliation step failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", step.name, err)
			}
		}
	}
	return firstErr
}

// reconcileSecrets removes secrets that were never redeemed
func (r *Reconciler) reconcileSecrets(ctx context.Context) error {
	_, err := r.reg.Secrets.RemoveExpired(ctx, r.now())
	return err
}

// reconcileStates drops snapshots whose worker type was removed
func (r *Reconciler) reconcileStates(ctx context.Context) error {
	names, err := r.reg.WorkerTypes.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(names))
	for _, name := range names {
		known[name] = true
	}

	states, err := r.reg.States.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range states {
		if known[name] {
			continue
		}
		// A worker type created since the list above keeps its state, and
		// so does one that cannot be read right now.
		_, err := r.reg.WorkerTypes.Get(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("checking worker type %s: %w", name, err)
		}
		if err := r.reg.States.Remove(ctx, name); err != nil {
			return err
		}
		r.logger.Info().Str("worker_type", name).Msg("Removed state of deleted worker type")
	}
	return nil
}

// reconcileGauges refreshes the registry gauges and the capacity
// gauges from the latest snapshots
func (r *Reconciler) reconcileGauges(ctx context.Context) error {
	amiSets, err := r.reg.AmiSets.List(ctx)
	if err != nil {
		return err
	}
	metrics.AmiSetsTotal.Set(float64(len(amiSets)))

	secrets, err := r.reg.Secrets.Count(ctx)
	if err != nil {
		return err
	}
	metrics.SecretsTotal.Set(float64(secrets))

	summaries, err := r.reg.States.Summaries(ctx)
	if err != nil {
		return err
	}
	metrics.WorkerTypesTotal.Set(float64(len(summaries)))

	metrics.CapacityByState.Reset()
	for _, s := range summaries {
		metrics.CapacityByState.WithLabelValues(s.WorkerType, "running").Set(float64(s.RunningCapacity))
		metrics.CapacityByState.WithLabelValues(s.WorkerType, "pending").Set(float64(s.PendingCapacity))
		metrics.CapacityByState.WithLabelValues(s.WorkerType, "requested").Set(float64(s.RequestedCapacity))
	}
	return nil
}
