package registry

import (
	"time"

	"github.com/cuemby/provisioner/pkg/credentials"
	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/launchspec"
	"github.com/cuemby/provisioner/pkg/security"
	"github.com/cuemby/provisioner/pkg/storage"
)

// Storage partitions, one per entity kind
const (
	PartitionWorkerTypes  = "worker-types"
	PartitionAmiSets      = "ami-sets"
	PartitionSecrets      = "secrets"
	PartitionWorkerStates = "worker-states"
)

// Partitions lists every partition the registry uses, for store setup
var Partitions = []string{
	PartitionWorkerTypes,
	PartitionAmiSets,
	PartitionSecrets,
	PartitionWorkerStates,
}

// Registry groups the entity registries sharing one store
type Registry struct {
	WorkerTypes *WorkerTypes
	AmiSets     *AmiSets
	Secrets     *Secrets
	States      *States
}

// Options carries the collaborators of the registries
type Options struct {
	Store     storage.Store
	Validator launchspec.Validator
	Issuer    credentials.Issuer
	Sealer    *security.SecretsManager
	Events    events.Publisher
}

// New wires every registry against the same store
func New(opts Options) *Registry {
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	workerTypes := NewWorkerTypes(opts.Store, opts.Validator, opts.Events)
	return &Registry{
		WorkerTypes: workerTypes,
		AmiSets:     NewAmiSets(opts.Store, opts.Events),
		Secrets:     NewSecrets(opts.Store, opts.Sealer, opts.Issuer, opts.Events),
		States:      NewStates(opts.Store, workerTypes),
	}
}

// clock is swapped in tests
type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
