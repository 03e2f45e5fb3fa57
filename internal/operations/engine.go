// Package operations runs the timed player actions (transfers, decryption,
// scans, secure delete) against the registry. Each action computes its
// duration, registers with the bandwidth coordinator and schedules its
// completion in game time; on completion the registry is mutated and an
// event is emitted.
package operations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/sourcenet-core/internal/bandwidth"
	"github.com/signalsfoundry/sourcenet-core/internal/calc"
	"github.com/signalsfoundry/sourcenet-core/internal/decryption"
	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/internal/scheduler"
	"github.com/signalsfoundry/sourcenet-core/model"
)

var (
	// ErrFileBusy means another operation already targets the file.
	ErrFileBusy = errors.New("file is busy")
	// ErrFileNotFound means the named file is not on the file system.
	ErrFileNotFound = errors.New("file not found")
	// ErrWrongPhase means the file is not in a state the action accepts,
	// e.g. decrypting a plain file or downloading a deleted one.
	ErrWrongPhase = errors.New("file not in expected phase")
	// ErrNetworkInaccessible means there is no open session to the
	// network or the device has not been granted.
	ErrNetworkInaccessible = errors.New("network not accessible")
	// ErrAlgorithmMissing means the player lacks the decryption algorithm.
	ErrAlgorithmMissing = decryption.ErrAlgorithmMissing
	// ErrNoLocalFileSystem means the loadout names no local volume.
	ErrNoLocalFileSystem = errors.New("no local file system configured")
)

// PolicyWarning is a recoverable, user-facing refusal. State is unchanged
// when one is returned. errors.Is matches the wrapped reason.
type PolicyWarning struct {
	Op      string
	Subject string
	Reason  error
}

func (w *PolicyWarning) Error() string {
	return fmt.Sprintf("%s %s: %v", w.Op, w.Subject, w.Reason)
}

func (w *PolicyWarning) Unwrap() error { return w.Reason }

// Loadout is the player's side of an operation: hardware, unlocked
// algorithms and the local volume downloads land on.
type Loadout struct {
	Hardware          model.Hardware
	Algorithms        []string
	LocalFileSystemID string
}

// MetricsRecorder observes planned durations and counts how operations
// end.
type MetricsRecorder interface {
	ObserveOperationDuration(kind string, d time.Duration)
	IncOperationsCompleted(kind string)
	IncOperationsCancelled(kind string)
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNoop(l) }
}

// WithLoadout sets the initial loadout.
func WithLoadout(l Loadout) Option {
	return func(e *Engine) { e.loadout = cloneLoadout(l) }
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// Status is a point-in-time view of a running operation.
type Status struct {
	OperationID  string
	Kind         bandwidth.Kind
	NetworkID    string
	FileSystemID string
	Files        []string
	StartedAt    time.Time
	Duration     time.Duration
	Remaining    time.Duration
	Percent      float64
}

type tracked struct {
	id        string
	kind      bandwidth.Kind
	networkID string
	deviceIP  string
	fsID      string
	files     []string
	token     scheduler.Token
	startedAt time.Time
	duration  time.Duration

	// deleted is the ordered list a recovery scan reveals.
	deleted []model.File
}

// Engine owns the set of running operations and the open network sessions.
type Engine struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
	coord *bandwidth.Coordinator
	bus   *events.Bus

	log     logging.Logger
	metrics MetricsRecorder

	mu        sync.Mutex
	loadout   Loadout
	connected map[string]bool
	running   map[string]*tracked

	unsubscribe []func()
}

// NewEngine wires an engine. Revoking access to a network automatically
// disconnects it, cancelling every operation in flight against it. Loading
// a save closes every session and cancels everything still running.
func NewEngine(reg *registry.Registry, sched *scheduler.Scheduler, coord *bandwidth.Coordinator, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		reg:       reg,
		sched:     sched,
		coord:     coord,
		bus:       bus,
		log:       logging.Noop(),
		connected: make(map[string]bool),
		running:   make(map[string]*tracked),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if bus != nil {
		e.unsubscribe = append(e.unsubscribe,
			events.Listen(bus, func(ev events.NetworkAccessRevoked) {
				if _, err := e.Disconnect(context.Background(), ev.NetworkID, "access revoked: "+ev.Reason); err != nil {
					e.log.Warn(context.Background(), "disconnect after revoke failed",
						logging.String("network_id", ev.NetworkID), logging.Err(err))
				}
			}),
			events.Listen(bus, func(events.RegistryLoaded) {
				e.DisconnectAll(context.Background(), "save loaded")
			}),
		)
	}
	return e
}

// Close detaches the engine from the bus and cancels every running
// operation.
func (e *Engine) Close() {
	for _, unsubscribe := range e.unsubscribe {
		unsubscribe()
	}
	e.unsubscribe = nil
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Cancel(context.Background(), id)
	}
}

// SetLoadout replaces the loadout used by operations started afterwards.
func (e *Engine) SetLoadout(l Loadout) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadout = cloneLoadout(l)
}

// Loadout returns a copy of the current loadout.
func (e *Engine) Loadout() Loadout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneLoadout(e.loadout)
}

// Connect opens a session to an accessible network.
func (e *Engine) Connect(ctx context.Context, networkID string) error {
	n, ok := e.reg.GetNetwork(networkID)
	if !ok {
		return fmt.Errorf("connect: %w: %s", registry.ErrNetworkNotFound, networkID)
	}
	if !n.Accessible {
		return e.warn(ctx, "connect", networkID, ErrNetworkInaccessible)
	}

	e.mu.Lock()
	already := e.connected[networkID]
	e.connected[networkID] = true
	e.mu.Unlock()
	if already {
		return nil
	}

	_ = e.reg.AddNetworkLog(networkID, model.RemoteLog{LogMeta: e.logMeta(), Action: "connect"})
	e.log.Info(ctx, "network connected", logging.String("network_id", networkID))
	e.emit(events.NetworkConnected{NetworkID: networkID})
	return nil
}

// Connected reports whether a session to the network is open.
func (e *Engine) Connected(networkID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected[networkID]
}

// Disconnect closes the session and cancels every operation running
// against the network, so none of them can complete against state the
// player no longer has access to. It returns the number cancelled.
func (e *Engine) Disconnect(ctx context.Context, networkID, reason string) (int, error) {
	e.mu.Lock()
	wasConnected := e.connected[networkID]
	delete(e.connected, networkID)
	var victims []*tracked
	for id, t := range e.running {
		if t.networkID == networkID {
			victims = append(victims, t)
			delete(e.running, id)
			e.sched.Cancel(t.token)
		}
	}
	e.mu.Unlock()

	if !wasConnected && len(victims) == 0 {
		return 0, nil
	}
	if reason == "" {
		reason = "disconnected"
	}

	sort.Slice(victims, func(i, j int) bool { return victims[i].startedAt.Before(victims[j].startedAt) })
	for _, t := range victims {
		e.abandon(ctx, t, reason)
	}

	_ = e.reg.AddNetworkLog(networkID, model.RemoteLog{LogMeta: e.logMeta(), Action: "disconnect", Detail: reason})
	e.log.Info(ctx, "network disconnected",
		logging.String("network_id", networkID),
		logging.String("reason", reason),
		logging.Int("cancelled", len(victims)),
	)
	e.emit(events.NetworkDisconnected{NetworkID: networkID, Reason: reason, CancelledOperations: len(victims)})
	return len(victims), nil
}

// DisconnectAll closes every open session and cancels every operation
// still running, local ones included. It returns the number cancelled.
func (e *Engine) DisconnectAll(ctx context.Context, reason string) int {
	e.mu.Lock()
	networks := make([]string, 0, len(e.connected))
	for id := range e.connected {
		networks = append(networks, id)
	}
	e.mu.Unlock()
	sort.Strings(networks)

	cancelled := 0
	for _, id := range networks {
		n, _ := e.Disconnect(ctx, id, reason)
		cancelled += n
	}
	for _, st := range e.ActiveOperations() {
		if e.Cancel(ctx, st.OperationID) {
			cancelled++
		}
	}
	return cancelled
}

// Cancel stops a running operation. Unknown or finished ids are ignored;
// it reports whether anything was cancelled.
func (e *Engine) Cancel(ctx context.Context, operationID string) bool {
	e.mu.Lock()
	t, ok := e.running[operationID]
	if ok {
		delete(e.running, operationID)
		e.sched.Cancel(t.token)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.abandon(ctx, t, "cancelled")
	return true
}

// Progress reports how far a running operation is.
func (e *Engine) Progress(operationID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.running[operationID]
	if !ok {
		return Status{}, false
	}
	return e.statusLocked(t), true
}

// ActiveOperations returns the status of every running operation, oldest
// first.
func (e *Engine) ActiveOperations() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.running))
	for _, t := range e.running {
		out = append(out, e.statusLocked(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

// DiscoveredDeletedFiles returns the deleted files a running recovery scan
// has revealed so far, in discovery order.
func (e *Engine) DiscoveredDeletedFiles(operationID string) ([]model.File, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.running[operationID]
	if !ok || t.kind != bandwidth.KindRecoveryScan {
		return nil, false
	}
	return calc.DiscoveredDeletedFiles(t.deleted, e.statusLocked(t).Percent), true
}

// statusLocked derives progress from the scheduler's remaining time so the
// percentage reaches 100 exactly when the completion fires. Caller must
// hold e.mu.
func (e *Engine) statusLocked(t *tracked) Status {
	remaining, ok := e.sched.Remaining(t.token)
	if !ok {
		remaining = 0
	}
	elapsed := t.duration - remaining
	return Status{
		OperationID:  t.id,
		Kind:         t.kind,
		NetworkID:    t.networkID,
		FileSystemID: t.fsID,
		Files:        append([]string(nil), t.files...),
		StartedAt:    t.startedAt,
		Duration:     t.duration,
		Remaining:    remaining,
		Percent:      calc.CalculateProgress(t.startedAt, t.startedAt.Add(elapsed), t.duration),
	}
}

// launch registers t with the coordinator and schedules its completion.
// The busy check and the registration happen under one lock so two
// operations can never claim the same file.
func (e *Engine) launch(ctx context.Context, op string, t *tracked, sizeMB float64, duration func(share float64) time.Duration, complete func(context.Context, *tracked)) (string, error) {
	e.mu.Lock()
	for _, name := range t.files {
		if e.busyLocked(t.fsID, name) {
			e.mu.Unlock()
			return "", e.warn(ctx, op, name, ErrFileBusy)
		}
	}

	meta := map[string]string{bandwidth.MetaFileSystemID: t.fsID}
	if t.networkID != "" {
		meta[bandwidth.MetaNetworkID] = t.networkID
	}
	if t.deviceIP != "" {
		meta[bandwidth.MetaDeviceIP] = t.deviceIP
	}
	if len(t.files) == 1 {
		meta[bandwidth.MetaFileName] = t.files[0]
	}
	t.id = e.coord.RegisterOperation(t.kind, sizeMB, meta)
	t.duration = duration(e.coord.Share())
	t.startedAt = e.sched.Now()
	id := t.id
	e.running[id] = t
	t.token = e.sched.Schedule(t.duration, func() { e.finish(id, complete) })
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveOperationDuration(string(t.kind), t.duration)
	}
	ctx = logging.ContextWithOperationID(ctx, id)
	e.log.Info(ctx, "operation started",
		logging.String("kind", string(t.kind)),
		logging.String("file_system_id", t.fsID),
		logging.Duration("duration", t.duration),
	)
	e.deviceLog(t, "start "+string(t.kind))
	return id, nil
}

// finish completes an operation whose deadline passed. Access is checked
// again first: an operation whose session closed, or whose device or
// network lost access while it ran, is abandoned instead.
func (e *Engine) finish(id string, complete func(context.Context, *tracked)) {
	e.mu.Lock()
	t, ok := e.running[id]
	if ok {
		delete(e.running, id)
	}
	sessionOpen := ok && (t.networkID == "" || e.connected[t.networkID])
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx := logging.ContextWithOperationID(context.Background(), id)
	if !sessionOpen {
		e.abandon(ctx, t, "session closed")
		return
	}
	if !e.reachable(t) {
		e.abandon(ctx, t, "access lost")
		if t.networkID != "" {
			if _, err := e.Disconnect(ctx, t.networkID, "access lost"); err != nil {
				e.log.Warn(ctx, "disconnect after access loss failed",
					logging.String("network_id", t.networkID), logging.Err(err))
			}
		}
		return
	}
	e.coord.CompleteOperation(id)
	complete(ctx, t)
	if e.metrics != nil {
		e.metrics.IncOperationsCompleted(string(t.kind))
	}
	e.deviceLog(t, "complete "+string(t.kind))
	e.log.Info(ctx, "operation complete", logging.String("kind", string(t.kind)))
}

// reachable reports whether the device and network t runs against are
// still open to the player. Local operations are always reachable.
func (e *Engine) reachable(t *tracked) bool {
	if t.deviceIP != "" {
		d, ok := e.reg.GetDevice(t.deviceIP)
		if !ok || !d.Accessible {
			return false
		}
	}
	if t.networkID != "" {
		n, ok := e.reg.GetNetwork(t.networkID)
		if !ok || !n.Accessible {
			return false
		}
	}
	return true
}

// abandon releases a tracked operation that will not complete. t must
// already be removed from e.running.
func (e *Engine) abandon(ctx context.Context, t *tracked, reason string) {
	e.coord.CompleteOperation(t.id)
	if e.metrics != nil {
		e.metrics.IncOperationsCancelled(string(t.kind))
	}
	e.log.Info(logging.ContextWithOperationID(ctx, t.id), "operation cancelled",
		logging.String("kind", string(t.kind)),
		logging.String("reason", reason),
	)
	e.emit(events.OperationCancelled{
		OperationID: t.id,
		Type:        string(t.kind),
		NetworkID:   t.networkID,
		Reason:      reason,
	})
}

func (e *Engine) busyLocked(fsID, name string) bool {
	for _, t := range e.running {
		if t.fsID != fsID {
			continue
		}
		for _, f := range t.files {
			if f == name {
				return true
			}
		}
	}
	return false
}

// target is a file system resolved against the access rules.
type target struct {
	fs        model.FileSystem
	networkID string
	deviceIP  string
	bandwidth float64
}

// resolve looks up fsID and checks the player may touch it: the local
// volume always, a remote one only through an open session to a granted
// device.
func (e *Engine) resolve(ctx context.Context, op, fsID string) (target, error) {
	fs, ok := e.reg.GetFileSystem(fsID)
	if !ok {
		return target{}, fmt.Errorf("%s: %w: %s", op, registry.ErrFileSystemNotFound, fsID)
	}
	loadout := e.Loadout()
	if fsID == loadout.LocalFileSystemID {
		return target{fs: fs, bandwidth: loadout.Hardware.AdapterMbps}, nil
	}

	dev, ok := e.reg.DeviceForFileSystem(fsID)
	if !ok || !dev.Accessible {
		return target{}, e.warn(ctx, op, fsID, ErrNetworkInaccessible)
	}
	t := target{fs: fs, networkID: dev.NetworkID, deviceIP: dev.IP, bandwidth: loadout.Hardware.AdapterMbps}
	if dev.NetworkID == "" {
		return t, nil
	}
	n, ok := e.reg.GetNetwork(dev.NetworkID)
	if !ok || !n.Accessible || !e.Connected(dev.NetworkID) {
		return target{}, e.warn(ctx, op, fsID, ErrNetworkInaccessible)
	}
	t.bandwidth = calc.EffectiveBandwidth(n.Bandwidth, loadout.Hardware.AdapterMbps)
	return t, nil
}

func (e *Engine) warn(ctx context.Context, op, subject string, reason error) error {
	w := &PolicyWarning{Op: op, Subject: subject, Reason: reason}
	e.log.Warn(ctx, "operation refused",
		logging.String("op", op),
		logging.String("subject", subject),
		logging.Err(reason),
	)
	return w
}

func (e *Engine) deviceLog(t *tracked, action string) {
	if t.deviceIP == "" {
		return
	}
	name := ""
	if len(t.files) > 0 {
		name = t.files[0]
	}
	_ = e.reg.AddDeviceLog(t.deviceIP, model.FileLog{
		LogMeta:      e.logMeta(),
		Action:       action,
		FileName:     name,
		FileSystemID: t.fsID,
	})
}

func (e *Engine) logMeta() model.LogMeta {
	return model.LogMeta{ID: uuid.NewString(), At: e.sched.Now()}
}

func (e *Engine) emit(ev events.Event) {
	if e.bus != nil {
		e.bus.Emit(ev)
	}
}

func cloneLoadout(l Loadout) Loadout {
	l.Algorithms = append([]string(nil), l.Algorithms...)
	return l
}
