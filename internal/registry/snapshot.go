package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/model"
)

// Snapshot returns a deep copy of the whole registry, each slice sorted by
// key.
func (r *Registry) Snapshot() model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := model.Snapshot{
		Networks:    make([]model.Network, 0, len(r.networks)),
		Devices:     make([]model.Device, 0, len(r.devices)),
		FileSystems: make([]model.FileSystem, 0, len(r.fileSystems)),
	}
	for _, n := range r.networks {
		snap.Networks = append(snap.Networks, n.Clone())
	}
	for _, d := range r.devices {
		snap.Devices = append(snap.Devices, d.Clone())
	}
	for _, fs := range r.fileSystems {
		snap.FileSystems = append(snap.FileSystems, fs.Clone())
	}
	sort.Slice(snap.Networks, func(i, j int) bool { return snap.Networks[i].NetworkID < snap.Networks[j].NetworkID })
	sort.Slice(snap.Devices, func(i, j int) bool { return ipLess(snap.Devices[i].IP, snap.Devices[j].IP) })
	sort.Slice(snap.FileSystems, func(i, j int) bool { return snap.FileSystems[i].ID < snap.FileSystems[j].ID })
	return snap
}

// LoadSnapshot replaces the registry with the snapshot contents in one
// step; readers never observe a half-loaded world. Records without a key
// are skipped with a warning and counted in the return value. A
// registryLoaded event follows the swap.
func (r *Registry) LoadSnapshot(ctx context.Context, snap model.Snapshot) int {
	ctx, span := observability.StartSpan(ctx, "registry.LoadSnapshot", "registry", "",
		attribute.Int("networks", len(snap.Networks)),
		attribute.Int("devices", len(snap.Devices)),
		attribute.Int("file_systems", len(snap.FileSystems)),
	)
	defer span.End()

	// Build the new world off to the side, then swap it in under the lock.
	staged := New()
	skipped := 0
	for _, n := range snap.Networks {
		if strings.TrimSpace(n.NetworkID) == "" {
			skipped++
			continue
		}
		staged.upsertNetworkLocked(n)
	}
	for _, d := range snap.Devices {
		if strings.TrimSpace(d.IP) == "" {
			skipped++
			continue
		}
		staged.upsertDeviceLocked(d)
	}
	for _, fs := range snap.FileSystems {
		if strings.TrimSpace(fs.ID) == "" {
			skipped++
			continue
		}
		staged.upsertFileSystemLocked(fs)
	}
	if skipped > 0 {
		r.log.Warn(ctx, "snapshot records without key skipped", logging.Int("skipped", skipped))
		span.SetAttributes(attribute.Int("skipped", skipped))
	}

	r.mu.Lock()
	r.networks = staged.networks
	r.devices = staged.devices
	r.fileSystems = staged.fileSystems
	loaded := events.RegistryLoaded{
		Networks:    len(r.networks),
		Devices:     len(r.devices),
		FileSystems: len(r.fileSystems),
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.log.Info(ctx, "registry loaded",
		logging.Int("networks", loaded.Networks),
		logging.Int("devices", loaded.Devices),
		logging.Int("file_systems", loaded.FileSystems),
	)
	r.emit(loaded)
	return skipped
}

// Clear wipes every network, device and file system, as for a new game.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	r.networks = make(map[string]*model.Network)
	r.devices = make(map[string]*model.Device)
	r.fileSystems = make(map[string]*model.FileSystem)
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.log.Info(ctx, "registry cleared")
}

// EncodeSnapshot renders a snapshot as JSON.
func EncodeSnapshot(snap model.Snapshot) ([]byte, error) {
	if snap.Networks == nil {
		snap.Networks = []model.Network{}
	}
	if snap.Devices == nil {
		snap.Devices = []model.Device{}
	}
	if snap.FileSystems == nil {
		snap.FileSystems = []model.FileSystem{}
	}
	return json.Marshal(snap)
}

// DecodeSnapshot parses JSON produced by EncodeSnapshot. Unparseable input
// yields an empty snapshot together with the error so callers can fall
// back to an empty world.
func DecodeSnapshot(data []byte) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
