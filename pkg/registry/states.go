package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"golang.org/x/sync/errgroup"
)

// summaryConcurrency bounds the parallel loads of Summaries
const summaryConcurrency = 8

// States holds the latest capacity snapshot per worker type. Snapshots
// are written whole by the provisioning loop and never merged.
type States struct {
	store       storage.Store
	workerTypes *WorkerTypes
	codec       codec[types.WorkerState]
}

// NewStates creates a state store. workerTypes supplies the capacity
// bounds for summaries.
func NewStates(store storage.Store, workerTypes *WorkerTypes) *States {
	return &States{
		store:       store,
		workerTypes: workerTypes,
		codec:       jsonCodec[types.WorkerState](),
	}
}

// Write replaces the snapshot of a worker type
func (s *States) Write(ctx context.Context, workerType string, state *types.WorkerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := normalizeState(workerType, state)
	data, err := s.codec.encode(workerType, snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode state of %s: %w", workerType, err)
	}
	if err := s.store.Put(PartitionWorkerStates, workerType, data); err != nil {
		return fmt.Errorf("failed to write state of %s: %w", workerType, err)
	}
	return nil
}

// Read returns the snapshot of a worker type, or an empty one when none
// was ever written
func (s *States) Read(ctx context.Context, workerType string) (*types.WorkerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := load(s.store, s.codec, PartitionWorkerStates, workerType)
	if errors.Is(err, ErrNotFound) {
		return types.EmptyWorkerState(workerType), nil
	}
	if err != nil {
		return nil, err
	}
	return normalizeState(workerType, state), nil
}

// Remove deletes the snapshot of a worker type
func (s *States) Remove(ctx context.Context, workerType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.store.Delete(PartitionWorkerStates, workerType); err != nil {
		return fmt.Errorf("failed to remove state of %s: %w", workerType, err)
	}
	return nil
}

// List returns the worker types that have a stored snapshot
func (s *States) List(ctx context.Context) ([]string, error) {
	return listRows(ctx, s.store, PartitionWorkerStates)
}

// Summarize returns the capacity summary of a worker type. It fails with
// ErrNotFound when the worker type itself does not exist.
func (s *States) Summarize(ctx context.Context, workerType string) (*types.Summary, error) {
	wt, err := s.workerTypes.Get(ctx, workerType)
	if err != nil {
		return nil, err
	}
	state, err := s.Read(ctx, workerType)
	if err != nil {
		return nil, err
	}
	return Summarize(wt, state), nil
}

// Summaries returns the summary of every worker type in name order.
// Worker types removed while the summaries are computed are skipped.
func (s *States) Summaries(ctx context.Context) ([]*types.Summary, error) {
	names, err := s.workerTypes.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*types.Summary, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for i, name := range names {
		g.Go(func() error {
			summary, err := s.Summarize(gctx, name)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to summarize %s: %w", name, err)
			}
			results[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summaries := make([]*types.Summary, 0, len(results))
	for _, summary := range results {
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

// Summarize derives the capacity summary of one worker type. Every list
// entry counts once: running instances, pending instances, and spot
// requests plus internally tracked requests.
func Summarize(wt *types.WorkerType, state *types.WorkerState) *types.Summary {
	summary := &types.Summary{
		WorkerType:  wt.WorkerType,
		MinCapacity: wt.MinCapacity,
		MaxCapacity: wt.MaxCapacity,
	}
	if state == nil {
		return summary
	}

	for _, instance := range state.Instances {
		switch instance.State {
		case types.InstanceStateRunning:
			summary.RunningCapacity++
		case types.InstanceStatePending:
			summary.PendingCapacity++
		}
	}
	summary.RequestedCapacity = len(state.Requests) + len(state.InternalTrackedRequests)
	return summary
}

func normalizeState(workerType string, state *types.WorkerState) *types.WorkerState {
	out := types.EmptyWorkerState(workerType)
	if state == nil {
		return out
	}
	if state.Instances != nil {
		out.Instances = state.Instances
	}
	if state.Requests != nil {
		out.Requests = state.Requests
	}
	if state.InternalTrackedRequests != nil {
		out.InternalTrackedRequests = state.InternalTrackedRequests
	}
	return out
}
