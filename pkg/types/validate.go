package types

import (
	"fmt"
	"strings"
)

// ValidationError lists schema-level problems with a request body
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural invariants of a worker type definition.
// Launch specification checks are done separately per region and
// instance type.
func (w *WorkerType) Validate() error {
	var problems []string

	if w.MinCapacity < 0 {
		problems = append(problems, "minCapacity must not be negative")
	}
	if w.MaxCapacity < w.MinCapacity {
		problems = append(problems, fmt.Sprintf("maxCapacity (%d) must be at least minCapacity (%d)", w.MaxCapacity, w.MinCapacity))
	}
	if w.ScalingRatio < 0 {
		problems = append(problems, "scalingRatio must not be negative")
	}
	if w.MinPrice < 0 || w.MaxPrice < w.MinPrice {
		problems = append(problems, "prices must satisfy 0 <= minPrice <= maxPrice")
	}
	if !w.CanUseOndemand && !w.CanUseSpot {
		problems = append(problems, "at least one of canUseOndemand and canUseSpot must be true")
	}
	if len(w.InstanceTypes) == 0 {
		problems = append(problems, "at least one instance type is required")
	}
	if len(w.Regions) == 0 {
		problems = append(problems, "at least one region is required")
	}

	seen := make(map[string]bool)
	for i, it := range w.InstanceTypes {
		if it == nil || it.InstanceType == "" {
			problems = append(problems, fmt.Sprintf("instanceTypes[%d] has no name", i))
			continue
		}
		if seen["it:"+it.InstanceType] {
			problems = append(problems, fmt.Sprintf("instance type %s listed twice", it.InstanceType))
		}
		seen["it:"+it.InstanceType] = true
	}
	for i, r := range w.Regions {
		if r == nil || r.Region == "" {
			problems = append(problems, fmt.Sprintf("regions[%d] has no name", i))
			continue
		}
		if seen["r:"+r.Region] {
			problems = append(problems, fmt.Sprintf("region %s listed twice", r.Region))
		}
		seen["r:"+r.Region] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Validate checks that an AMI set only uses known virtualization kinds
func (a *AmiSet) Validate() error {
	var problems []string
	for virt, byRegion := range a.AMIs {
		if virt != VirtualizationHVM && virt != VirtualizationPV {
			problems = append(problems, fmt.Sprintf("unknown virtualization %q", virt))
		}
		for region, image := range byRegion {
			if image == "" {
				problems = append(problems, fmt.Sprintf("%s/%s has an empty image id", virt, region))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
