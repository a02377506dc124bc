package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerTypeCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	require.NoError(t, err)
	assert.Equal(t, "gecko-b-1", created.WorkerType)
	assert.True(t, created.LastModified.Equal(testNow))

	got, err := f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxCapacity)
	assert.Equal(t, []string{"queue:create-task:*"}, got.Scopes)
	assert.Equal(t, 1, f.events.count(events.EventWorkerTypeCreated))
}

func TestWorkerTypeCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	require.NoError(t, err)

	// Description and owner are not part of the identity.
	replay := testDefinition()
	replay.Description = "something else"
	replay.Owner = "someone else"
	f.reg.WorkerTypes.clock = func() time.Time { return testNow.Add(time.Hour) }

	stored, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", replay)
	require.NoError(t, err)
	assert.Equal(t, "builder", stored.Description)
	assert.True(t, stored.LastModified.Equal(testNow))
	assert.Equal(t, 1, f.events.count(events.EventWorkerTypeCreated))
}

func TestWorkerTypeCreateConflict(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wt *types.WorkerType)
	}{
		{name: "capacity", mutate: func(wt *types.WorkerType) { wt.MaxCapacity = 20 }},
		{name: "scopes", mutate: func(wt *types.WorkerType) { wt.Scopes = append(wt.Scopes, "extra") }},
		{name: "launch spec", mutate: func(wt *types.WorkerType) { wt.LaunchSpec["Count"] = 2 }},
		{name: "purchase option", mutate: func(wt *types.WorkerType) { wt.CanUseOndemand = true }},
		{name: "instance types", mutate: func(wt *types.WorkerType) { wt.InstanceTypes[0].Utility = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
			require.NoError(t, err)

			other := testDefinition()
			tt.mutate(other)
			_, err = f.reg.WorkerTypes.Create(ctx, "gecko-b-1", other)
			assert.ErrorIs(t, err, ErrConflict)

			got, err := f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
			require.NoError(t, err)
			assert.Equal(t, 10, got.MaxCapacity)
			assert.Len(t, got.Scopes, 1)
		})
	}
}

func TestWorkerTypeCreateEmptyCollectionsAreEqual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := testDefinition()
	def.Secrets = nil
	_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", def)
	require.NoError(t, err)

	replay := testDefinition()
	replay.Secrets = map[string]any{}
	_, err = f.reg.WorkerTypes.Create(ctx, "gecko-b-1", replay)
	assert.NoError(t, err)
}

func TestWorkerTypeCreateInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.validator.reject("us-west-2/c3.xlarge (hvm): region launchSpec is missing ImageId")

	_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	var invalid *InvalidLaunchSpecificationsError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, []string{"us-west-2/c3.xlarge (hvm): region launchSpec is missing ImageId"}, invalid.Reasons)

	_, err = f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.events.count(events.EventWorkerTypeCreated))
}

func TestWorkerTypeConcurrentCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.events.count(events.EventWorkerTypeCreated))
}

func TestWorkerTypeUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	require.NoError(t, err)

	later := testNow.Add(time.Hour)
	f.reg.WorkerTypes.clock = func() time.Time { return later }

	def := testDefinition()
	def.MaxCapacity = 42
	def.Description = "bigger"
	updated, err := f.reg.WorkerTypes.Update(ctx, "gecko-b-1", def)
	require.NoError(t, err)
	assert.Equal(t, 42, updated.MaxCapacity)
	assert.True(t, updated.LastModified.Equal(later))

	got, err := f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.MaxCapacity)
	assert.Equal(t, "bigger", got.Description)
	assert.True(t, got.LastModified.Equal(later))
	assert.Equal(t, 1, f.events.count(events.EventWorkerTypeUpdated))
}

func TestWorkerTypeUpdateMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.WorkerTypes.Update(context.Background(), "nope", testDefinition())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.Get(PartitionWorkerTypes, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorkerTypeUpdateInvalidLeavesStoredDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	require.NoError(t, err)

	f.validator.reject("a", "b")
	def := testDefinition()
	def.MaxCapacity = 99
	_, err = f.reg.WorkerTypes.Update(ctx, "gecko-b-1", def)

	var invalid *InvalidLaunchSpecificationsError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Reasons, 2)

	got, err := f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxCapacity)
}

func TestWorkerTypeDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	require.NoError(t, err)

	require.NoError(t, f.reg.WorkerTypes.Delete(ctx, "gecko-b-1"))
	require.NoError(t, f.reg.WorkerTypes.Delete(ctx, "gecko-b-1"))
	assert.Equal(t, 1, f.events.count(events.EventWorkerTypeRemoved))

	_, err = f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerTypeList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	names, err := f.reg.WorkerTypes.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []string{"c", "a", "b"} {
		_, err := f.reg.WorkerTypes.Create(ctx, name, testDefinition())
		require.NoError(t, err)
	}

	names, err = f.reg.WorkerTypes.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestWorkerTypeLaunchSpecs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.WorkerTypes.LaunchSpecs(ctx, "gecko-b-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.reg.WorkerTypes.Create(ctx, "gecko-b-1", testDefinition())
	require.NoError(t, err)

	specs, err := f.reg.WorkerTypes.LaunchSpecs(ctx, "gecko-b-1")
	require.NoError(t, err)
	assert.Equal(t, "key:gecko-b-1", specs["us-west-2"]["c3.xlarge"]["KeyName"])

	f.validator.reject("stale definition")
	_, err = f.reg.WorkerTypes.LaunchSpecs(ctx, "gecko-b-1")
	var invalid *InvalidLaunchSpecificationsError
	assert.ErrorAs(t, err, &invalid)
}

func TestWorkerTypeHonorsContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.reg.WorkerTypes.Get(ctx, "gecko-b-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, f.reg.WorkerTypes.Delete(ctx, "gecko-b-1"), context.Canceled)
}

func TestInvalidLaunchSpecificationsError(t *testing.T) {
	assert.Nil(t, invalidLaunchSpecifications(nil))

	err := invalidLaunchSpecifications([]string{"one", "two"})
	assert.Equal(t, "invalid launch specifications (2): one; two", err.Error())
}
