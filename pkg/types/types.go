package types

import (
	"encoding/json"
	"time"
)

// WorkerType is a named fleet configuration describing how to launch
// machines of one logical kind
type WorkerType struct {
	WorkerType     string          `json:"workerType"`
	LaunchSpec     map[string]any  `json:"launchSpec"`
	UserData       map[string]any  `json:"userData"`
	Secrets        map[string]any  `json:"secrets"`
	Scopes         []string        `json:"scopes"`
	MinCapacity    int             `json:"minCapacity"`
	MaxCapacity    int             `json:"maxCapacity"`
	ScalingRatio   float64         `json:"scalingRatio"`
	MinPrice       float64         `json:"minPrice"`
	MaxPrice       float64         `json:"maxPrice"`
	CanUseOndemand bool            `json:"canUseOndemand"`
	CanUseSpot     bool            `json:"canUseSpot"`
	InstanceTypes  []*InstanceType `json:"instanceTypes"`
	Regions        []*Region       `json:"regions"`
	Description    string          `json:"description,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	LastModified   time.Time       `json:"lastModified"`
}

// InstanceType is one EC2 instance type a worker type may launch
type InstanceType struct {
	InstanceType string         `json:"instanceType"`
	Capacity     int            `json:"capacity"` // Concurrent task slots
	Utility      float64        `json:"utility"`  // Relative performance factor
	LaunchSpec   map[string]any `json:"launchSpec,omitempty"`
	UserData     map[string]any `json:"userData,omitempty"`
	Secrets      map[string]any `json:"secrets,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
}

// Region holds per-region overrides for a worker type
type Region struct {
	Region     string         `json:"region"`
	LaunchSpec map[string]any `json:"launchSpec,omitempty"`
	UserData   map[string]any `json:"userData,omitempty"`
	Secrets    map[string]any `json:"secrets,omitempty"`
	Scopes     []string       `json:"scopes,omitempty"`
}

// workerTypeJSON has the same layout as WorkerType without its methods.
type workerTypeJSON WorkerType

// MarshalJSON always emits canUseOndemand. Documents written before the
// field was renamed used canUseOnDemand; that key never leaves the
// process.
func (w WorkerType) MarshalJSON() ([]byte, error) {
	return json.Marshal(workerTypeJSON(w))
}

// UnmarshalJSON accepts the legacy canUseOnDemand key when the
// corrected one is absent.
func (w *WorkerType) UnmarshalJSON(data []byte) error {
	var doc workerTypeJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	// Keys match fields case-insensitively, so with both keys present
	// whichever came last won. The corrected key takes precedence.
	value, ok := keys["canUseOndemand"]
	if !ok {
		value, ok = keys["canUseOnDemand"]
	}
	if ok {
		if err := json.Unmarshal(value, &doc.CanUseOndemand); err != nil {
			return err
		}
	}

	*w = WorkerType(doc)
	return nil
}

// Virtualization is an AMI virtualization kind
type Virtualization string

const (
	VirtualizationHVM Virtualization = "hvm"
	VirtualizationPV  Virtualization = "pv"
)

// AmiSet is a named mapping of machine images by virtualization and region
type AmiSet struct {
	ID           string                               `json:"id"`
	AMIs         map[Virtualization]map[string]string `json:"amis"`
	LastModified time.Time                            `json:"lastModified"`
}

// Lookup returns the image for a region and virtualization kind. A
// missing pair is reported through ok, never as an error.
func (a *AmiSet) Lookup(region string, virt Virtualization) (image string, ok bool) {
	if a == nil {
		return "", false
	}
	byRegion, ok := a.AMIs[virt]
	if !ok {
		return "", false
	}
	image, ok = byRegion[region]
	return image, ok && image != ""
}

// Secret is a one-time bootstrap payload redeemed by a booting instance
type Secret struct {
	Token      string         `json:"token"`
	WorkerType string         `json:"workerType"`
	Secrets    map[string]any `json:"secrets"`
	Scopes     []string       `json:"scopes"`
	Expiration time.Time      `json:"expiration"` // Informational, used for garbage collection
}

// InstanceState is the provider-reported state of an instance
type InstanceState string

const (
	InstanceStatePending    InstanceState = "pending"
	InstanceStateRunning    InstanceState = "running"
	InstanceStateError      InstanceState = "error"
	InstanceStateTerminated InstanceState = "terminated"
)

// Instance is one instance observed by the provisioning loop
type Instance struct {
	ID         string        `json:"id,omitempty"`
	Type       string        `json:"type"`
	Region     string        `json:"region,omitempty"`
	Zone       string        `json:"zone,omitempty"`
	AMI        string        `json:"ami,omitempty"`
	State      InstanceState `json:"state"`
	LaunchTime *time.Time    `json:"launchTime,omitempty"`
}

// Request is an outstanding spot or on-demand capacity request
type Request struct {
	ID     string     `json:"id,omitempty"`
	Type   string     `json:"type"`
	Region string     `json:"region,omitempty"`
	Zone   string     `json:"zone,omitempty"`
	AMI    string     `json:"ami,omitempty"`
	Status string     `json:"status"`
	Time   *time.Time `json:"time,omitempty"`
}

// WorkerState is the latest capacity snapshot for a worker type
type WorkerState struct {
	WorkerType              string      `json:"workerType"`
	Instances               []*Instance `json:"instances"`
	Requests                []*Request  `json:"requests"`
	InternalTrackedRequests []*Request  `json:"internalTrackedRequests"`
}

// EmptyWorkerState returns the snapshot of a worker type that has never
// been observed
func EmptyWorkerState(workerType string) *WorkerState {
	return &WorkerState{
		WorkerType:              workerType,
		Instances:               []*Instance{},
		Requests:                []*Request{},
		InternalTrackedRequests: []*Request{},
	}
}

// Summary is the capacity summary derived from a WorkerState
type Summary struct {
	WorkerType        string `json:"workerType"`
	MinCapacity       int    `json:"minCapacity"`
	MaxCapacity       int    `json:"maxCapacity"`
	RequestedCapacity int    `json:"requestedCapacity"`
	PendingCapacity   int    `json:"pendingCapacity"`
	RunningCapacity   int    `json:"runningCapacity"`
}

// Credentials are temporary credentials handed to a booting instance
type Credentials struct {
	ClientID    string `json:"clientId"`
	AccessToken string `json:"accessToken"`
	Certificate string `json:"certificate"`
}

// SecretResponse is returned when a secret token is redeemed
type SecretResponse struct {
	Data        map[string]any `json:"data"`
	Scopes      []string       `json:"scopes"`
	Credentials *Credentials   `json:"credentials"`
}
