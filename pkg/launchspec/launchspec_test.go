package launchspec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGenerator() *Generator {
	g := NewGenerator(Config{
		KeyPrefix:          "aws-provisioner-v1-managed:",
		ProvisionerID:      "aws-provisioner-v1",
		ProvisionerBaseURL: "https://aws-provisioner.example.com/v1",
	})
	g.now = func() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) }
	return g
}

func testWorkerType() *types.WorkerType {
	return &types.WorkerType{
		WorkerType: "gecko-b-1",
		LaunchSpec: map[string]any{
			"SecurityGroups": []any{"default"},
			"Placement":      map[string]any{"Tenancy": "default"},
		},
		UserData: map[string]any{"base": true},
		InstanceTypes: []*types.InstanceType{
			{InstanceType: "c3.xlarge", Capacity: 1, Utility: 1, UserData: map[string]any{"size": "xl"}},
			{InstanceType: "m1.medium", Capacity: 2, Utility: 0.5},
		},
		Regions: []*types.Region{
			{Region: "us-west-2", LaunchSpec: map[string]any{"ImageId": "ami-west"}},
			{Region: "us-east-1", LaunchSpec: map[string]any{
				"ImageId":   "ami-east",
				"Placement": map[string]any{"AvailabilityZone": "us-east-1a"},
			}},
		},
	}
}

func TestLaunchSpecsGeneratesEveryCombination(t *testing.T) {
	g := testGenerator()

	specs, reasons, err := g.LaunchSpecs(context.Background(), testWorkerType())
	require.NoError(t, err)
	require.Empty(t, reasons)

	require.Len(t, specs, 2)
	for _, region := range []string{"us-west-2", "us-east-1"} {
		require.Len(t, specs[region], 2, region)
	}

	spec := specs["us-east-1"]["c3.xlarge"]
	assert.Equal(t, "ami-east", spec["ImageId"])
	assert.Equal(t, "c3.xlarge", spec["InstanceType"])
	assert.Equal(t, "aws-provisioner-v1-managed:gecko-b-1", spec["KeyName"])
	assert.Equal(t, []any{"default"}, spec["SecurityGroups"])
	assert.Equal(t, map[string]any{"Tenancy": "default", "AvailabilityZone": "us-east-1a"}, spec["Placement"])

	raw, err := base64.StdEncoding.DecodeString(spec["UserData"].(string))
	require.NoError(t, err)
	var userData map[string]any
	require.NoError(t, json.Unmarshal(raw, &userData))
	assert.Equal(t, map[string]any{"base": true, "size": "xl"}, userData["data"])
	assert.Equal(t, "gecko-b-1", userData["workerType"])
	assert.Equal(t, "us-east-1", userData["region"])
	assert.Equal(t, float64(1), userData["capacity"])
	assert.Equal(t, "hvm", userData["virtualization"])
	assert.Equal(t, "aws-provisioner-v1", userData["provisionerId"])
}

func TestLaunchSpecsDoesNotMutateDefinition(t *testing.T) {
	wt := testWorkerType()
	_, _, err := testGenerator().LaunchSpecs(context.Background(), wt)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"Tenancy": "default"}, wt.LaunchSpec["Placement"])
	assert.NotContains(t, wt.LaunchSpec, "ImageId")
}

func TestValidateCollectsAllReasons(t *testing.T) {
	wt := testWorkerType()
	// us-west-2 has no image, m1.medium is invalid everywhere and the
	// us-east-1 zone belongs to another region.
	wt.Regions[0].LaunchSpec = map[string]any{}
	wt.InstanceTypes[1].Capacity = 0
	wt.Regions[1].LaunchSpec["Placement"] = map[string]any{"AvailabilityZone": "eu-west-1a"}

	reasons, err := testGenerator().Validate(context.Background(), wt)
	require.NoError(t, err)

	joined := strings.Join(reasons, "\n")
	assert.Contains(t, joined, "us-west-2/c3.xlarge (hvm): region launchSpec is missing ImageId")
	assert.Contains(t, joined, "us-west-2/m1.medium (pv): capacity must be at least 1, got 0")
	assert.Contains(t, joined, "us-west-2/m1.medium (pv): region launchSpec is missing ImageId")
	assert.Contains(t, joined, "us-east-1/c3.xlarge (hvm): availability zone eu-west-1a is not in region us-east-1")
	assert.Contains(t, joined, "us-east-1/m1.medium (pv): capacity must be at least 1, got 0")
	assert.Len(t, reasons, 6)
}

func TestValidateReservedKeys(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wt *types.WorkerType)
		reason string
	}{
		{
			name:   "worker sets UserData",
			mutate: func(wt *types.WorkerType) { wt.LaunchSpec["UserData"] = "x" },
			reason: "gecko-b-1: launchSpec must not set UserData",
		},
		{
			name:   "worker sets ImageId",
			mutate: func(wt *types.WorkerType) { wt.LaunchSpec["ImageId"] = "ami-1" },
			reason: "gecko-b-1: launchSpec must not set ImageId",
		},
		{
			name:   "region sets KeyName",
			mutate: func(wt *types.WorkerType) { wt.Regions[0].LaunchSpec["KeyName"] = "mine" },
			reason: "us-west-2/c3.xlarge (hvm): region launchSpec must not set KeyName",
		},
		{
			name:   "instance type sets ImageId",
			mutate: func(wt *types.WorkerType) { wt.InstanceTypes[0].LaunchSpec = map[string]any{"ImageId": "ami-2"} },
			reason: "us-east-1/c3.xlarge (hvm): ImageId is region specific and must not be set per instance type",
		},
		{
			name:   "security groups malformed",
			mutate: func(wt *types.WorkerType) { wt.LaunchSpec["SecurityGroups"] = []any{"ok", 3.0} },
			reason: "us-west-2/m1.medium (pv): SecurityGroups must be a list of strings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wt := testWorkerType()
			tt.mutate(wt)

			reasons, err := testGenerator().Validate(context.Background(), wt)
			require.NoError(t, err)
			assert.Contains(t, reasons, tt.reason)
		})
	}
}

func TestValidateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testGenerator().Validate(ctx, testWorkerType())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVirtualizationFor(t *testing.T) {
	assert.Equal(t, types.VirtualizationPV, VirtualizationFor("m1.small"))
	assert.Equal(t, types.VirtualizationPV, VirtualizationFor("c1.xlarge"))
	assert.Equal(t, types.VirtualizationHVM, VirtualizationFor("c3.xlarge"))
	assert.Equal(t, types.VirtualizationHVM, VirtualizationFor("m5.large"))
	assert.Equal(t, types.VirtualizationHVM, VirtualizationFor("weird"))
}

func TestMerge(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 1}}
	over := map[string]any{"b": 2, "nested": map[string]any{"y": 2}}

	got := merge(base, nil, over)
	assert.Equal(t, map[string]any{
		"a":      1,
		"b":      2,
		"nested": map[string]any{"x": 1, "y": 2},
	}, got)

	got["nested"].(map[string]any)["x"] = 99
	assert.Equal(t, 1, base["nested"].(map[string]any)["x"])
}
