// Package bandwidth tracks the transfer, decryption and scan operations in
// flight so durations can be computed from a fair share of bandwidth.
package bandwidth

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/sourcenet-core/internal/calc"
)

// Kind classifies an in-flight operation.
type Kind string

const (
	KindDownload     Kind = "download"
	KindUpload       Kind = "upload"
	KindDecryption   Kind = "decryption"
	KindRecoveryScan Kind = "recovery-scan"
	KindSecureDelete Kind = "secure-delete"
	KindAVScan       Kind = "av-scan"
)

// Operation is the transient record of one running operation. It is never
// persisted.
type Operation struct {
	ID        string
	Kind      Kind
	SizeMB    float64
	Metadata  map[string]string
	StartedAt time.Time
}

// Metadata keys understood by OperationsForNetwork and the engine.
const (
	MetaNetworkID    = "networkId"
	MetaFileSystemID = "fileSystemId"
	MetaFileName     = "fileName"
	MetaDeviceIP     = "deviceIp"
)

// MetricsRecorder observes the number of operations sharing bandwidth.
type MetricsRecorder interface {
	SetActiveOperations(kind string, n int)
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIDGenerator overrides operation id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator is a registry of in-flight operations.
type Coordinator struct {
	mu      sync.Mutex
	ops     map[string]Operation
	newID   func() string
	now     func() time.Time
	metrics MetricsRecorder
}

// NewCoordinator returns an empty coordinator. now stamps StartedAt and
// may be nil.
func NewCoordinator(now func() time.Time, opts ...Option) *Coordinator {
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		ops:   make(map[string]Operation),
		newID: uuid.NewString,
		now:   now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RegisterOperation records a new operation and returns its id.
func (c *Coordinator) RegisterOperation(kind Kind, sizeMB float64, metadata map[string]string) string {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newID()
	c.ops[id] = Operation{ID: id, Kind: kind, SizeMB: sizeMB, Metadata: meta, StartedAt: c.now()}
	c.recordActiveLocked(kind)
	return id
}

// CompleteOperation removes an operation. Unknown or already completed ids
// are ignored; it reports whether anything was removed.
func (c *Coordinator) CompleteOperation(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.ops[id]
	if !ok {
		return false
	}
	delete(c.ops, id)
	c.recordActiveLocked(op.Kind)
	return true
}

// Get returns the operation with id.
func (c *Coordinator) Get(id string) (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// ActiveCount returns how many operations are in flight.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Share returns the bandwidth fraction each operation currently gets.
func (c *Coordinator) Share() float64 {
	return calc.CalculateBandwidthShare(c.ActiveCount())
}

// ActiveOperations returns the in-flight operations, oldest first.
func (c *Coordinator) ActiveOperations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked(func(Operation) bool { return true })
}

// OperationsForNetwork returns the operations tagged with networkID.
func (c *Coordinator) OperationsForNetwork(networkID string) []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked(func(op Operation) bool { return op.Metadata[MetaNetworkID] == networkID })
}

func (c *Coordinator) sortedLocked(keep func(Operation) bool) []Operation {
	out := []Operation{}
	for _, op := range c.ops {
		if keep(op) {
			out = append(out, op.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Coordinator) recordActiveLocked(kind Kind) {
	if c.metrics == nil {
		return
	}
	n := 0
	for _, op := range c.ops {
		if op.Kind == kind {
			n++
		}
	}
	c.metrics.SetActiveOperations(string(kind), n)
}

func (op Operation) clone() Operation {
	out := op
	out.Metadata = make(map[string]string, len(op.Metadata))
	for k, v := range op.Metadata {
		out.Metadata[k] = v
	}
	return out
}
