// Package status keeps per-group counters and projects them, together with
// the group's current activity, into groups/<folder>/status.json.
package status

import (
	"sort"
	"sync"
)

// Counter names.
const (
	ContractFailures             = "contractFailures"
	StatusValidationFailures     = "statusValidationFailures"
	RuntimeContradictionFailures = "runtimeContradictionFailures"
	DeployClaimFailures          = "deployClaimFailures"
	DoneEvidenceFailures         = "doneEvidenceFailures"
	TDDFailures                  = "tddFailures"
	RequestsStarted              = "requestsStarted"
	RequestsSucceeded            = "requestsSucceeded"
	RequestsFailed               = "requestsFailed"
	CircuitBlocks                = "circuitBlocks"
	AutoHeals                    = "autoHeals"
	CursorRollbacks              = "cursorRollbacks"
)

// Metrics is a set of monotonically increasing per-group counters. The zero
// value is not usable; call NewMetrics.
type Metrics struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{counts: make(map[string]map[string]int64)}
}

// Inc adds one to group's counter name.
func (m *Metrics) Inc(group, name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.counts[group]
	if g == nil {
		g = make(map[string]int64)
		m.counts[group] = g
	}
	g[name]++
}

// Get returns the current value of a counter.
func (m *Metrics) Get(group, name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[group][name]
}

// Snapshot copies group's counters.
func (m *Metrics) Snapshot(group string) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts[group]))
	for k, v := range m.counts[group] {
		out[k] = v
	}
	return out
}

// Groups returns the groups that have at least one counter, sorted.
func (m *Metrics) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.counts))
	for g := range m.counts {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
