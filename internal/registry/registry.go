// Package registry holds the authoritative in-memory world model: networks,
// the devices on them and the file systems attached to those devices.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/model"
)

var (
	// ErrInvalidNetwork indicates a network without a networkId.
	ErrInvalidNetwork = errors.New("invalid network")
	// ErrInvalidDevice indicates a device without an ip.
	ErrInvalidDevice = errors.New("invalid device")
	// ErrInvalidFileSystem indicates a file system without an id.
	ErrInvalidFileSystem = errors.New("invalid file system")
	// ErrNetworkNotFound indicates a requested network was not found.
	ErrNetworkNotFound = errors.New("network not found")
	// ErrDeviceNotFound indicates a requested device was not found.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrFileSystemNotFound indicates a requested file system was not found.
	ErrFileSystemNotFound = errors.New("file system not found")
	// ErrNetworkExists is returned by CreateNetwork for a reused networkId.
	ErrNetworkExists = errors.New("network already exists")
	// ErrSubnetInUse is returned by CreateNetwork for a reused address.
	ErrSubnetInUse = errors.New("subnet already in use")
	// ErrIPInUse is returned by CreateDevice for a reused ip.
	ErrIPInUse = errors.New("ip already in use")
)

// MetricsRecorder receives entity counts after every structural change.
type MetricsRecorder interface {
	SetRegistryCounts(networks, devices, fileSystems int)
}

// Option customises Registry construction.
type Option func(*Registry)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNoop(l) }
}

// WithBus attaches the event bus that receives change notifications.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithMetricsRecorder attaches an optional recorder for entity counts.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the single owner of Network, Device and FileSystem state.
// Every read returns a deep copy; every write goes through a method.
//
// A single RWMutex guards all three maps. Events are emitted after the
// lock is released so handlers may call back into the registry.
type Registry struct {
	mu          sync.RWMutex
	networks    map[string]*model.Network
	devices     map[string]*model.Device
	fileSystems map[string]*model.FileSystem

	bus     *events.Bus
	log     logging.Logger
	metrics MetricsRecorder
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		networks:    make(map[string]*model.Network),
		devices:     make(map[string]*model.Device),
		fileSystems: make(map[string]*model.FileSystem),
		log:         logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.updateMetricsLocked()
	return r
}

// Flags carries access flags a caller set explicitly. A nil field keeps
// the merged value; a non-nil one wins, so an explicit false can close
// access that a plain bool merge would keep open.
type Flags struct {
	Discovered *bool
	Accessible *bool
}

// RegisterNetwork inserts n or merges it into the existing network with the
// same id. Set fields win, empty fields keep the stored value, flags are
// OR-merged and logs are merged by entry id.
func (r *Registry) RegisterNetwork(n model.Network) error {
	return r.RegisterNetworkWith(n, Flags{})
}

// RegisterNetworkWith is RegisterNetwork with explicit flag overrides.
func (r *Registry) RegisterNetworkWith(n model.Network, f Flags) error {
	if strings.TrimSpace(n.NetworkID) == "" {
		r.log.Warn(context.Background(), "network registration without networkId",
			logging.String("network_name", n.NetworkName))
		return fmt.Errorf("%w: networkId is required", ErrInvalidNetwork)
	}
	r.mu.Lock()
	r.upsertNetworkLocked(n)
	cur := r.networks[n.NetworkID]
	if f.Discovered != nil {
		cur.Discovered = *f.Discovered
	}
	if f.Accessible != nil {
		cur.Accessible = *f.Accessible
	}
	r.updateMetricsLocked()
	r.mu.Unlock()
	return nil
}

// RegisterDevice inserts d or merges it into the existing device with the
// same ip. File system ids are merged without duplicates.
func (r *Registry) RegisterDevice(d model.Device) error {
	return r.RegisterDeviceWith(d, Flags{})
}

// RegisterDeviceWith is RegisterDevice with an explicit accessible
// override. Discovered does not apply to devices.
func (r *Registry) RegisterDeviceWith(d model.Device, f Flags) error {
	if strings.TrimSpace(d.IP) == "" {
		r.log.Warn(context.Background(), "device registration without ip",
			logging.String("hostname", d.Hostname))
		return fmt.Errorf("%w: ip is required", ErrInvalidDevice)
	}
	r.mu.Lock()
	r.upsertDeviceLocked(d)
	if f.Accessible != nil {
		r.devices[d.IP].Accessible = *f.Accessible
	}
	r.updateMetricsLocked()
	r.mu.Unlock()
	return nil
}

// RegisterFileSystem inserts fs or appends its files to the existing file
// system with the same id. Files whose name already exists are dropped.
func (r *Registry) RegisterFileSystem(fs model.FileSystem) error {
	if strings.TrimSpace(fs.ID) == "" {
		r.log.Warn(context.Background(), "file system registration without id")
		return fmt.Errorf("%w: id is required", ErrInvalidFileSystem)
	}
	r.mu.Lock()
	r.upsertFileSystemLocked(fs)
	r.updateMetricsLocked()
	r.mu.Unlock()
	return nil
}

// CreateNetwork registers a brand-new network and refuses to merge: a reused
// networkId or an address already claimed by another network is an error.
func (r *Registry) CreateNetwork(n model.Network) error {
	if strings.TrimSpace(n.NetworkID) == "" {
		return fmt.Errorf("%w: networkId is required", ErrInvalidNetwork)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[n.NetworkID]; ok {
		return fmt.Errorf("%w: %s", ErrNetworkExists, n.NetworkID)
	}
	if n.Address != "" && r.subnetInUseLocked(n.Address) {
		return fmt.Errorf("%w: %s", ErrSubnetInUse, n.Address)
	}
	r.upsertNetworkLocked(n)
	r.updateMetricsLocked()
	return nil
}

// CreateDevice registers a brand-new device; a reused ip is an error.
func (r *Registry) CreateDevice(d model.Device) error {
	if strings.TrimSpace(d.IP) == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalidDevice)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ipInUseLocked(d.IP) {
		return fmt.Errorf("%w: %s", ErrIPInUse, d.IP)
	}
	r.upsertDeviceLocked(d)
	r.updateMetricsLocked()
	return nil
}

// GetNetwork returns a copy of the network.
func (r *Registry) GetNetwork(id string) (model.Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.networks[id]
	if !ok {
		return model.Network{}, false
	}
	return n.Clone(), true
}

// GetDevice returns a copy of the device.
func (r *Registry) GetDevice(ip string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[ip]
	if !ok {
		return model.Device{}, false
	}
	return d.Clone(), true
}

// GetFileSystem returns a copy of the file system.
func (r *Registry) GetFileSystem(id string) (model.FileSystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fs, ok := r.fileSystems[id]
	if !ok {
		return model.FileSystem{}, false
	}
	return fs.Clone(), true
}

// ListNetworks returns every network sorted by id.
func (r *Registry) ListNetworks() []model.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.networksLocked(func(*model.Network) bool { return true })
}

// DiscoveredNetworks returns the networks listed in the player's NAR.
func (r *Registry) DiscoveredNetworks() []model.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.networksLocked(func(n *model.Network) bool { return n.Discovered })
}

// GetNetworkDevices returns every device on the network sorted by ip.
func (r *Registry) GetNetworkDevices(networkID string) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devicesLocked(networkID, false)
}

// GetAccessibleDevices returns the devices on the network the player may
// currently open.
func (r *Registry) GetAccessibleDevices(networkID string) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devicesLocked(networkID, true)
}

// GetNetworkFileSystems returns the file systems attached to any device on
// the network, in device order, primary volume first.
func (r *Registry) GetNetworkFileSystems(networkID string) []model.FileSystem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []model.FileSystem{}
	seen := make(map[string]struct{})
	for _, d := range r.devicesLocked(networkID, false) {
		for _, id := range d.FileSystemIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if fs, ok := r.fileSystems[id]; ok {
				out = append(out, fs.Clone())
			}
		}
	}
	return out
}

// DeviceForFileSystem returns the device that mounts the file system.
func (r *Registry) DeviceForFileSystem(fsID string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.deviceForFileSystemLocked(fsID)
	if d == nil {
		return model.Device{}, false
	}
	return d.Clone(), true
}

// IsSubnetInUse reports whether any network claims address. CIDR strings
// are compared in canonical form, so 10.0.0.1/24 matches 10.0.0.0/24.
func (r *Registry) IsSubnetInUse(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subnetInUseLocked(address)
}

// IsIpInUse reports whether a device with ip is registered.
func (r *Registry) IsIpInUse(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ipInUseLocked(ip)
}

// Counts returns the number of networks, devices and file systems.
func (r *Registry) Counts() (networks, devices, fileSystems int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.networks), len(r.devices), len(r.fileSystems)
}

func (r *Registry) upsertNetworkLocked(in model.Network) {
	cur, ok := r.networks[in.NetworkID]
	if !ok {
		n := in.Clone()
		n.Logs = mergeLogs(nil, in.Logs, model.MaxNetworkLogs)
		r.networks[n.NetworkID] = &n
		return
	}
	if in.NetworkName != "" {
		cur.NetworkName = in.NetworkName
	}
	if in.Address != "" {
		cur.Address = in.Address
	}
	if in.Bandwidth > 0 {
		cur.Bandwidth = in.Bandwidth
	}
	cur.Accessible = cur.Accessible || in.Accessible
	cur.Discovered = cur.Discovered || in.Discovered
	if in.RevokedReason != "" {
		cur.RevokedReason = in.RevokedReason
	}
	cur.Logs = mergeLogs(cur.Logs, in.Logs, model.MaxNetworkLogs)
}

func (r *Registry) upsertDeviceLocked(in model.Device) {
	cur, ok := r.devices[in.IP]
	if !ok {
		d := in.Clone()
		d.FileSystemIDs = mergeIDs(nil, in.FileSystemIDs)
		d.Logs = mergeLogs(nil, in.Logs, model.MaxDeviceLogs)
		r.devices[d.IP] = &d
		return
	}
	if in.Hostname != "" {
		cur.Hostname = in.Hostname
	}
	if in.DeviceType != "" {
		cur.DeviceType = in.DeviceType
	}
	if in.NetworkID != "" {
		cur.NetworkID = in.NetworkID
	}
	cur.Accessible = cur.Accessible || in.Accessible
	cur.FileSystemIDs = mergeIDs(cur.FileSystemIDs, in.FileSystemIDs)
	cur.Logs = mergeLogs(cur.Logs, in.Logs, model.MaxDeviceLogs)
}

func (r *Registry) upsertFileSystemLocked(in model.FileSystem) {
	cur, ok := r.fileSystems[in.ID]
	if !ok {
		r.fileSystems[in.ID] = &model.FileSystem{ID: in.ID, Files: mergeFiles(nil, in.Files)}
		return
	}
	cur.Files = mergeFiles(cur.Files, in.Files)
}

func (r *Registry) networksLocked(keep func(*model.Network) bool) []model.Network {
	out := []model.Network{}
	for _, n := range r.networks {
		if keep(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

func (r *Registry) devicesLocked(networkID string, accessibleOnly bool) []model.Device {
	out := []model.Device{}
	for _, d := range r.devices {
		if d.NetworkID != networkID {
			continue
		}
		if accessibleOnly && !d.Accessible {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return ipLess(out[i].IP, out[j].IP) })
	return out
}

func (r *Registry) deviceForFileSystemLocked(fsID string) *model.Device {
	var found *model.Device
	for _, d := range r.devices {
		for _, id := range d.FileSystemIDs {
			if id == fsID && (found == nil || ipLess(d.IP, found.IP)) {
				found = d
			}
		}
	}
	return found
}

func (r *Registry) subnetInUseLocked(address string) bool {
	want := canonicalSubnet(address)
	if want == "" {
		return false
	}
	for _, n := range r.networks {
		if canonicalSubnet(n.Address) == want {
			return true
		}
	}
	return false
}

func (r *Registry) ipInUseLocked(ip string) bool {
	if _, ok := r.devices[ip]; ok {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	for key := range r.devices {
		if other, err := netip.ParseAddr(key); err == nil && other == addr {
			return true
		}
	}
	return false
}

// updateMetricsLocked pushes entity counts to the recorder. Caller must
// hold r.mu.
func (r *Registry) updateMetricsLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetRegistryCounts(len(r.networks), len(r.devices), len(r.fileSystems))
}

func (r *Registry) emit(evs ...events.Event) {
	if r.bus == nil {
		return
	}
	for _, ev := range evs {
		r.bus.Emit(ev)
	}
}

func canonicalSubnet(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if p, err := netip.ParsePrefix(address); err == nil {
		return p.Masked().String()
	}
	return strings.ToLower(address)
}

func ipLess(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA == nil && errB == nil {
		return pa.Less(pb)
	}
	return a < b
}

func mergeIDs(cur, in []string) []string {
	out := append([]string(nil), cur...)
	seen := make(map[string]struct{}, len(out)+len(in))
	for _, id := range out {
		seen[id] = struct{}{}
	}
	for _, id := range in {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// mergeFiles appends the files of in whose name is not yet present; the
// first file seen with a given name wins.
func mergeFiles(cur, in []model.File) []model.File {
	out := model.CloneFiles(cur)
	seen := make(map[string]struct{}, len(out)+len(in))
	for _, f := range out {
		seen[f.Name] = struct{}{}
	}
	for _, f := range in {
		if _, dup := seen[f.Name]; dup {
			continue
		}
		seen[f.Name] = struct{}{}
		out = append(out, f.Clone())
	}
	return out
}
