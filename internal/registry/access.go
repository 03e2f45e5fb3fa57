package registry

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/model"
)

// DiscoverNetwork lists the network in the NAR without granting access.
// Discovering an already discovered network is a no-op.
func (r *Registry) DiscoverNetwork(networkID string) error {
	r.mu.Lock()
	n, ok := r.networks[networkID]
	if !ok {
		r.mu.Unlock()
		return r.networkNotFound("discover", networkID)
	}
	changed := !n.Discovered
	n.Discovered = true
	r.mu.Unlock()

	if changed {
		r.emit(events.NetworkDiscovered{NetworkID: networkID})
	}
	return nil
}

// GrantNetworkAccess marks the network discovered and accessible and opens
// only the listed devices. IPs that are unknown or sit on another network
// are skipped with a warning.
func (r *Registry) GrantNetworkAccess(networkID string, deviceIPs []string) error {
	r.mu.Lock()
	n, ok := r.networks[networkID]
	if !ok {
		r.mu.Unlock()
		return r.networkNotFound("grant", networkID)
	}
	n.Accessible = true
	n.Discovered = true
	n.RevokedReason = ""

	granted := make([]string, 0, len(deviceIPs))
	for _, ip := range deviceIPs {
		d, ok := r.devices[ip]
		if !ok || d.NetworkID != networkID {
			r.log.Warn(context.Background(), "grant skipped device outside network",
				logging.String("network_id", networkID),
				logging.String("ip", ip),
			)
			continue
		}
		d.Accessible = true
		granted = append(granted, ip)
	}
	r.mu.Unlock()

	r.emit(events.NetworkAccessGranted{NetworkID: networkID, DeviceIPs: granted})
	return nil
}

// RevokeNetworkAccess closes the network and every device on it, whatever
// the scope of the original grant. The network stays discovered.
func (r *Registry) RevokeNetworkAccess(networkID, reason string) error {
	r.mu.Lock()
	n, ok := r.networks[networkID]
	if !ok {
		r.mu.Unlock()
		return r.networkNotFound("revoke", networkID)
	}
	if reason == "" {
		reason = "access revoked"
	}
	n.Accessible = false
	n.Discovered = true
	n.RevokedReason = reason
	r.closeDevicesLocked(networkID)
	r.mu.Unlock()

	r.emit(events.NetworkAccessRevoked{NetworkID: networkID, Reason: reason})
	return nil
}

// SetDeviceAccessible toggles a single device.
func (r *Registry) SetDeviceAccessible(ip string, accessible bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[ip]
	if !ok {
		r.log.Warn(context.Background(), "set accessible on unknown device", logging.String("ip", ip))
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, ip)
	}
	d.Accessible = accessible
	return nil
}

// ResetNetworkForRetry rewinds a network to its pre-mission state: the given
// file systems get their original contents back, the network returns to
// undiscovered and every device on it is closed. Ids and addresses are
// kept so outstanding references stay valid.
func (r *Registry) ResetNetworkForRetry(networkID string, original []model.FileSystem) error {
	r.mu.Lock()
	n, ok := r.networks[networkID]
	if !ok {
		r.mu.Unlock()
		return r.networkNotFound("reset", networkID)
	}
	n.Discovered = false
	n.Accessible = false
	n.RevokedReason = ""
	r.closeDevicesLocked(networkID)

	changed := make([]events.Event, 0, len(original))
	for _, fs := range original {
		if fs.ID == "" {
			continue
		}
		restored := &model.FileSystem{ID: fs.ID, Files: mergeFiles(nil, fs.Files)}
		r.fileSystems[fs.ID] = restored
		changed = append(changed, events.FileSystemChanged{
			FileSystemID: fs.ID,
			Files:        model.CloneFiles(restored.Files),
		})
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.emit(changed...)
	return nil
}

// closeDevicesLocked clears access on every device of the network. Caller
// must hold r.mu.
func (r *Registry) closeDevicesLocked(networkID string) {
	for _, d := range r.devices {
		if d.NetworkID == networkID {
			d.Accessible = false
		}
	}
}

func (r *Registry) networkNotFound(op, networkID string) error {
	r.log.Warn(context.Background(), "unknown network",
		logging.String("op", op),
		logging.String("network_id", networkID),
	)
	return fmt.Errorf("%s: %w: %s", op, ErrNetworkNotFound, networkID)
}
