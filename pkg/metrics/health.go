package metrics

import (
	"sort"
	"sync"
	"time"
)

// CriticalComponents must be registered and healthy for the server to
// accept traffic
var CriticalComponents = []string{"storage", "api"}

// ComponentStatus is the last health a component reported
type ComponentStatus struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"` // Last time Healthy flipped
}

// Readiness is the state of the critical components at one instant
type Readiness struct {
	Ready      bool
	Waiting    []string // Critical components missing or unhealthy, sorted
	Components map[string]ComponentStatus
}

var health = struct {
	sync.RWMutex
	components map[string]ComponentStatus
	started    time.Time
	version    string
}{
	components: make(map[string]ComponentStatus),
	started:    time.Now(),
}

// SetVersion records the build version reported by /health
func SetVersion(version string) {
	health.Lock()
	defer health.Unlock()
	health.version = version
}

// Version returns the value given to SetVersion
func Version() string {
	health.RLock()
	defer health.RUnlock()
	return health.version
}

// SetComponent records the health of a component, registering it on
// first use
func SetComponent(name string, healthy bool, message string) {
	health.Lock()
	defer health.Unlock()

	since := time.Now()
	if prev, ok := health.components[name]; ok && prev.Healthy == healthy {
		since = prev.Since
	}
	health.components[name] = ComponentStatus{Healthy: healthy, Message: message, Since: since}

	value := 0.0
	if healthy {
		value = 1
	}
	ComponentHealthy.WithLabelValues(name).Set(value)
}

// Components returns a copy of every reported component
func Components() map[string]ComponentStatus {
	health.RLock()
	defer health.RUnlock()

	out := make(map[string]ComponentStatus, len(health.components))
	for name, c := range health.components {
		out[name] = c
	}
	return out
}

// GetReadiness reports whether every critical component is healthy
func GetReadiness() Readiness {
	components := Components()

	var waiting []string
	for _, name := range CriticalComponents {
		if c, ok := components[name]; !ok || !c.Healthy {
			waiting = append(waiting, name)
		}
	}
	sort.Strings(waiting)

	return Readiness{
		Ready:      len(waiting) == 0,
		Waiting:    waiting,
		Components: components,
	}
}

// Uptime returns how long the process has been serving
func Uptime() time.Duration {
	health.RLock()
	defer health.RUnlock()
	return time.Since(health.started)
}
