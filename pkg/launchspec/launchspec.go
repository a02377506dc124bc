package launchspec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/provisioner/pkg/types"
)

// Specs maps region to instance type to a complete EC2 launch specification
type Specs map[string]map[string]map[string]any

// Validator checks every launch specification a worker type implies
type Validator interface {
	// Validate returns one reason per failing region/instance type
	// combination. An empty result means the worker type is valid. The
	// error is reserved for failures of the validator itself.
	Validate(ctx context.Context, wt *types.WorkerType) ([]string, error)

	// LaunchSpecs returns the generated specifications, or the reasons
	// they could not all be generated
	LaunchSpecs(ctx context.Context, wt *types.WorkerType) (Specs, []string, error)
}

// Config carries the provisioner identity stamped into every spec
type Config struct {
	KeyPrefix          string // Prefix of the EC2 KeyPair name
	ProvisionerID      string
	ProvisionerBaseURL string
}

// Generator builds launch specifications locally by layering worker,
// region and instance type overrides
type Generator struct {
	cfg Config
	now func() time.Time
}

// NewGenerator creates a Generator
func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg, now: time.Now}
}

// keys the provisioner fills in itself
var reservedKeys = []string{"InstanceType", "KeyName", "UserData"}

// pvFamilies are instance families that still boot paravirtual images
var pvFamilies = map[string]bool{
	"t1": true, "m1": true, "m2": true, "c1": true, "hi1": true, "hs1": true, "cc2": true, "cg1": true, "cr1": true,
}

// VirtualizationFor returns the virtualization kind an instance type boots
func VirtualizationFor(instanceType string) types.Virtualization {
	family, _, _ := strings.Cut(instanceType, ".")
	if pvFamilies[family] {
		return types.VirtualizationPV
	}
	return types.VirtualizationHVM
}

func (g *Generator) Validate(ctx context.Context, wt *types.WorkerType) ([]string, error) {
	_, reasons, err := g.LaunchSpecs(ctx, wt)
	return reasons, err
}

// LaunchSpecs generates every region × instance type combination. All
// combinations are checked before returning so that every reason is
// reported at once.
func (g *Generator) LaunchSpecs(ctx context.Context, wt *types.WorkerType) (Specs, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var reasons []string
	for _, key := range append(reservedKeys, "ImageId") {
		if _, ok := wt.LaunchSpec[key]; ok {
			reasons = append(reasons, fmt.Sprintf("%s: launchSpec must not set %s", wt.WorkerType, key))
		}
	}

	specs := make(Specs)
	for _, region := range wt.Regions {
		for _, it := range wt.InstanceTypes {
			if region == nil || it == nil {
				continue
			}
			spec, problems := g.generate(wt, region, it)
			if len(problems) > 0 {
				prefix := fmt.Sprintf("%s/%s (%s): ", region.Region, it.InstanceType, VirtualizationFor(it.InstanceType))
				for _, p := range problems {
					reasons = append(reasons, prefix+p)
				}
				continue
			}
			if specs[region.Region] == nil {
				specs[region.Region] = make(map[string]map[string]any)
			}
			specs[region.Region][it.InstanceType] = spec
		}
	}

	if len(reasons) > 0 {
		return nil, reasons, nil
	}
	return specs, nil, nil
}

func (g *Generator) generate(wt *types.WorkerType, region *types.Region, it *types.InstanceType) (map[string]any, []string) {
	var problems []string

	for _, key := range reservedKeys {
		if _, ok := region.LaunchSpec[key]; ok {
			problems = append(problems, fmt.Sprintf("region launchSpec must not set %s", key))
		}
		if _, ok := it.LaunchSpec[key]; ok {
			problems = append(problems, fmt.Sprintf("instance type launchSpec must not set %s", key))
		}
	}
	if _, ok := it.LaunchSpec["ImageId"]; ok {
		problems = append(problems, "ImageId is region specific and must not be set per instance type")
	}
	imageID, _ := region.LaunchSpec["ImageId"].(string)
	if imageID == "" {
		problems = append(problems, "region launchSpec is missing ImageId")
	}
	if it.Capacity < 1 {
		problems = append(problems, fmt.Sprintf("capacity must be at least 1, got %d", it.Capacity))
	}
	if it.Utility <= 0 {
		problems = append(problems, fmt.Sprintf("utility must be positive, got %g", it.Utility))
	}

	spec := merge(wt.LaunchSpec, region.LaunchSpec, it.LaunchSpec)

	if placement, ok := spec["Placement"].(map[string]any); ok {
		if zone, ok := placement["AvailabilityZone"].(string); ok && !strings.HasPrefix(zone, region.Region) {
			problems = append(problems, fmt.Sprintf("availability zone %s is not in region %s", zone, region.Region))
		}
	}
	if groups, ok := spec["SecurityGroups"]; ok {
		if !isStringList(groups) {
			problems = append(problems, "SecurityGroups must be a list of strings")
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, problems
	}

	userData, err := g.userData(wt, region, it)
	if err != nil {
		return nil, []string{err.Error()}
	}

	spec["ImageId"] = imageID
	spec["InstanceType"] = it.InstanceType
	spec["KeyName"] = g.cfg.KeyPrefix + wt.WorkerType
	spec["UserData"] = userData
	return spec, nil
}

func (g *Generator) userData(wt *types.WorkerType, region *types.Region, it *types.InstanceType) (string, error) {
	doc := map[string]any{
		"data":                merge(wt.UserData, region.UserData, it.UserData),
		"capacity":            it.Capacity,
		"workerType":          wt.WorkerType,
		"provisionerId":       g.cfg.ProvisionerID,
		"region":              region.Region,
		"instanceType":        it.InstanceType,
		"virtualization":      VirtualizationFor(it.InstanceType),
		"launchSpecGenerated": g.now().UTC().Format(time.RFC3339),
		"provisionerBaseUrl":  g.cfg.ProvisionerBaseURL,
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("userData cannot be encoded: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// merge deep-merges the given layers into a new map. Later layers win;
// nested objects are merged key by key.
func merge(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			if src, ok := v.(map[string]any); ok {
				if dst, ok := out[k].(map[string]any); ok {
					out[k] = merge(dst, src)
					continue
				}
				out[k] = merge(src)
				continue
			}
			out[k] = v
		}
	}
	return out
}

func isStringList(v any) bool {
	switch list := v.(type) {
	case []string:
		return true
	case []any:
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}
