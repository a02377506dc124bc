package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/provisioner/pkg/credentials"
	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/launchspec"
	"github.com/cuemby/provisioner/pkg/security"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/require"
)

const testAccessToken = "provisioner-access-token"

var testNow = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

type stubValidator struct {
	mu      sync.Mutex
	reasons []string
}

func (v *stubValidator) reject(reasons ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reasons = reasons
}

func (v *stubValidator) Validate(_ context.Context, _ *types.WorkerType) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reasons, nil
}

func (v *stubValidator) LaunchSpecs(_ context.Context, wt *types.WorkerType) (launchspec.Specs, []string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.reasons) > 0 {
		return nil, v.reasons, nil
	}
	return launchspec.Specs{
		"us-west-2": {"c3.xlarge": {"ImageId": "ami-1", "KeyName": "key:" + wt.WorkerType}},
	}, nil, nil
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(event *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	reg       *Registry
	store     *storage.BoltStore
	validator *stubValidator
	events    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir(), Partitions...)
	require.NoError(t, err)
	store.SetRetryPolicy(5, time.Millisecond)
	t.Cleanup(func() { _ = store.Close() })

	sealer, err := security.NewSecretsManagerFromPassword("test-encryption-key")
	require.NoError(t, err)
	issuer, err := credentials.NewTemporaryIssuer("aws-provisioner", testAccessToken)
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		validator: &stubValidator{},
		events:    &recorder{},
	}
	f.reg = New(Options{
		Store:     store,
		Validator: f.validator,
		Issuer:    issuer,
		Sealer:    sealer,
		Events:    f.events,
	})
	f.reg.WorkerTypes.clock = func() time.Time { return testNow }
	f.reg.AmiSets.clock = func() time.Time { return testNow }
	return f
}

func testDefinition() *types.WorkerType {
	return &types.WorkerType{
		LaunchSpec:   map[string]any{"SecurityGroups": []any{"default"}, "Count": 1},
		UserData:     map[string]any{"dind": true},
		Scopes:       []string{"queue:create-task:*"},
		MinCapacity:  0,
		MaxCapacity:  10,
		ScalingRatio: 0.5,
		MinPrice:     0.1,
		MaxPrice:     1.5,
		CanUseSpot:   true,
		InstanceTypes: []*types.InstanceType{
			{InstanceType: "c3.xlarge", Capacity: 1, Utility: 1},
		},
		Regions: []*types.Region{
			{Region: "us-west-2", LaunchSpec: map[string]any{"ImageId": "ami-1"}},
		},
		Description: "builder",
		Owner:       "releng",
	}
}
