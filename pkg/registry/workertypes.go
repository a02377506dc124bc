package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/launchspec"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

const kindWorkerType = "worker-type"

// Fields that decide whether a repeated create is a replay. Name,
// description, owner and lastModified are not compared.
var workerTypeIdentity = fieldSet[types.WorkerType](
	"LaunchSpec",
	"UserData",
	"Secrets",
	"Scopes",
	"MinCapacity",
	"MaxCapacity",
	"ScalingRatio",
	"MinPrice",
	"MaxPrice",
	"CanUseOndemand",
	"CanUseSpot",
	"InstanceTypes",
	"Regions",
)

// WorkerTypes stores worker type definitions. Every write is checked by
// the launch spec validator first.
type WorkerTypes struct {
	store     storage.Store
	validator launchspec.Validator
	events    events.Publisher
	codec     codec[types.WorkerType]
	clock     clock
	logger    zerolog.Logger
}

// NewWorkerTypes creates a worker type registry
func NewWorkerTypes(store storage.Store, validator launchspec.Validator, publisher events.Publisher) *WorkerTypes {
	return &WorkerTypes{
		store:     store,
		validator: validator,
		events:    publisher,
		codec:     jsonCodec[types.WorkerType](),
		logger:    log.WithComponent("registry").With().Str("kind", kindWorkerType).Logger(),
	}
}

// Create stores a new worker type. Repeating a create with an equal
// definition returns the stored one without side effects.
func (r *WorkerTypes) Create(ctx context.Context, name string, def *types.WorkerType) (*types.WorkerType, error) {
	wt := *def
	wt.WorkerType = name
	wt.LastModified = r.clock.now()

	if err := r.validate(ctx, &wt); err != nil {
		return nil, err
	}

	stored, created, err := createIdempotent(r.store, r.codec, PartitionWorkerTypes, name, &wt, workerTypeIdentity)
	if errors.Is(err, ErrConflict) {
		metrics.CreateConflictsTotal.WithLabelValues(kindWorkerType).Inc()
		return nil, fmt.Errorf("worker type %s: %w", name, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create worker type %s: %w", name, err)
	}
	if !created {
		metrics.IdempotentReplaysTotal.WithLabelValues(kindWorkerType).Inc()
		r.logger.Debug().Str("worker_type", name).Msg("Create replayed")
		return stored, nil
	}

	r.logger.Info().Str("worker_type", name).Msg("Worker type created")
	r.events.Publish(&events.Event{
		Type:     events.EventWorkerTypeCreated,
		Message:  fmt.Sprintf("worker type %s created", name),
		Metadata: map[string]string{"workerType": name},
	})
	return stored, nil
}

// Update replaces an existing worker type. The new definition is
// validated before anything is written, and lastModified is fixed once
// for the whole operation so retries stamp the same instant.
func (r *WorkerTypes) Update(ctx context.Context, name string, def *types.WorkerType) (*types.WorkerType, error) {
	wt := *def
	wt.WorkerType = name
	wt.LastModified = r.clock.now()

	if _, err := r.Get(ctx, name); err != nil {
		return nil, err
	}
	if err := r.validate(ctx, &wt); err != nil {
		return nil, err
	}

	data, err := r.codec.encode(name, &wt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker type %s: %w", name, err)
	}

	// Every field comes from the request, so the current row only has to
	// exist.
	err = r.store.Update(ctx, PartitionWorkerTypes, name, func([]byte) ([]byte, error) {
		return data, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("worker type %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update worker type %s: %w", name, err)
	}

	r.logger.Info().Str("worker_type", name).Msg("Worker type updated")
	r.events.Publish(&events.Event{
		Type:     events.EventWorkerTypeUpdated,
		Message:  fmt.Sprintf("worker type %s updated", name),
		Metadata: map[string]string{"workerType": name},
	})
	return r.codec.decode(name, data)
}

// Get returns the stored worker type
func (r *WorkerTypes) Get(ctx context.Context, name string) (*types.WorkerType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wt, err := load(r.store, r.codec, PartitionWorkerTypes, name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("worker type %s: %w", name, ErrNotFound)
	}
	return wt, err
}

// Delete removes a worker type. Deleting a missing worker type succeeds;
// the removal event is only published when a row was actually removed.
func (r *WorkerTypes) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existed, err := r.store.Delete(PartitionWorkerTypes, name)
	if err != nil {
		return fmt.Errorf("failed to delete worker type %s: %w", name, err)
	}
	if !existed {
		return nil
	}

	r.logger.Info().Str("worker_type", name).Msg("Worker type removed")
	r.events.Publish(&events.Event{
		Type:     events.EventWorkerTypeRemoved,
		Message:  fmt.Sprintf("worker type %s removed", name),
		Metadata: map[string]string{"workerType": name},
	})
	return nil
}

// List returns every worker type name in ascending order
func (r *WorkerTypes) List(ctx context.Context) ([]string, error) {
	return listRows(ctx, r.store, PartitionWorkerTypes)
}

// LaunchSpecs returns the generated launch specifications of a stored
// worker type. A stored definition that no longer validates yields an
// InvalidLaunchSpecificationsError.
func (r *WorkerTypes) LaunchSpecs(ctx context.Context, name string) (launchspec.Specs, error) {
	wt, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	specs, reasons, err := r.validator.LaunchSpecs(ctx, wt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate launch specifications for %s: %w", name, err)
	}
	if len(reasons) > 0 {
		metrics.InvalidLaunchSpecsTotal.Inc()
		return nil, invalidLaunchSpecifications(reasons)
	}
	return specs, nil
}

func (r *WorkerTypes) validate(ctx context.Context, wt *types.WorkerType) error {
	reasons, err := r.validator.Validate(ctx, wt)
	if err != nil {
		return fmt.Errorf("launch specification validation failed: %w", err)
	}
	if len(reasons) == 0 {
		return nil
	}

	metrics.InvalidLaunchSpecsTotal.Inc()
	r.logger.Debug().
		Str("worker_type", wt.WorkerType).
		Strs("reasons", reasons).
		Msg("Rejected invalid launch specifications")
	return invalidLaunchSpecifications(reasons)
}

func listRows(ctx context.Context, store storage.Store, partition string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := []string{}
	err := store.Scan(partition, func(row string, _ []byte) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", partition, err)
	}
	return rows, nil
}
