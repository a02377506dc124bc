package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

const kindAmiSet = "ami-set"

var amiSetIdentity = fieldSet[types.AmiSet]("AMIs")

// AmiSets stores named image mappings
type AmiSets struct {
	store  storage.Store
	events events.Publisher
	codec  codec[types.AmiSet]
	clock  clock
	logger zerolog.Logger
}

// NewAmiSets creates an AMI set registry
func NewAmiSets(store storage.Store, publisher events.Publisher) *AmiSets {
	return &AmiSets{
		store:  store,
		events: publisher,
		codec:  jsonCodec[types.AmiSet](),
		logger: log.WithComponent("registry").With().Str("kind", kindAmiSet).Logger(),
	}
}

// Create stores a new AMI set, succeeding without effect when an equal
// one already exists
func (r *AmiSets) Create(ctx context.Context, id string, def *types.AmiSet) (*types.AmiSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := *def
	set.ID = id
	set.LastModified = r.clock.now()

	stored, created, err := createIdempotent(r.store, r.codec, PartitionAmiSets, id, &set, amiSetIdentity)
	if errors.Is(err, ErrConflict) {
		metrics.CreateConflictsTotal.WithLabelValues(kindAmiSet).Inc()
		return nil, fmt.Errorf("ami set %s: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create ami set %s: %w", id, err)
	}
	if !created {
		metrics.IdempotentReplaysTotal.WithLabelValues(kindAmiSet).Inc()
		return stored, nil
	}

	r.logger.Info().Str("ami_set", id).Msg("AMI set created")
	r.publish(events.EventAmiSetCreated, id, "created")
	return stored, nil
}

// Update replaces the images of an existing AMI set
func (r *AmiSets) Update(ctx context.Context, id string, def *types.AmiSet) (*types.AmiSet, error) {
	modified := r.clock.now()

	var updated *types.AmiSet
	err := r.store.Update(ctx, PartitionAmiSets, id, func(current []byte) ([]byte, error) {
		set, err := r.codec.decode(id, current)
		if err != nil {
			return nil, err
		}
		set.AMIs = def.AMIs
		set.LastModified = modified
		updated = set
		return r.codec.encode(id, set)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("ami set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update ami set %s: %w", id, err)
	}

	r.logger.Info().Str("ami_set", id).Msg("AMI set updated")
	r.publish(events.EventAmiSetUpdated, id, "updated")
	return updated, nil
}

// Get returns a stored AMI set
func (r *AmiSets) Get(ctx context.Context, id string) (*types.AmiSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, err := load(r.store, r.codec, PartitionAmiSets, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("ami set %s: %w", id, ErrNotFound)
	}
	return set, err
}

// Delete removes an AMI set. Missing sets are not an error.
func (r *AmiSets) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	existed, err := r.store.Delete(PartitionAmiSets, id)
	if err != nil {
		return fmt.Errorf("failed to delete ami set %s: %w", id, err)
	}
	if existed {
		r.logger.Info().Str("ami_set", id).Msg("AMI set removed")
		r.publish(events.EventAmiSetRemoved, id, "removed")
	}
	return nil
}

// List returns every AMI set id in ascending order
func (r *AmiSets) List(ctx context.Context) ([]string, error) {
	return listRows(ctx, r.store, PartitionAmiSets)
}

func (r *AmiSets) publish(t events.EventType, id, verb string) {
	r.events.Publish(&events.Event{
		Type:     t,
		Message:  fmt.Sprintf("ami set %s %s", id, verb),
		Metadata: map[string]string{"amiSet": id},
	})
}
