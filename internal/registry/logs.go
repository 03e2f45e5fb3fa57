package registry

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/model"
)

// AddNetworkLog appends an activity entry to the network log, dropping the
// oldest entries beyond model.MaxNetworkLogs. An entry whose id is already
// logged is ignored.
//
// A nil entry or an entry of an unknown variant is a caller bug and panics.
func (r *Registry) AddNetworkLog(networkID string, entry model.LogEntry) error {
	mustValidLogEntry(entry)

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[networkID]
	if !ok {
		r.log.Warn(context.Background(), "log for unknown network", logging.String("network_id", networkID))
		return fmt.Errorf("%w: %s", ErrNetworkNotFound, networkID)
	}
	n.Logs = mergeLogs(n.Logs, model.LogList{entry}, model.MaxNetworkLogs)
	return nil
}

// AddDeviceLog appends an activity entry to the device log, capped at
// model.MaxDeviceLogs. It panics on a nil or unknown entry like AddNetworkLog.
func (r *Registry) AddDeviceLog(ip string, entry model.LogEntry) error {
	mustValidLogEntry(entry)

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[ip]
	if !ok {
		r.log.Warn(context.Background(), "log for unknown device", logging.String("ip", ip))
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, ip)
	}
	d.Logs = mergeLogs(d.Logs, model.LogList{entry}, model.MaxDeviceLogs)
	return nil
}

func mustValidLogEntry(entry model.LogEntry) {
	if entry == nil {
		panic("registry: nil log entry")
	}
	if !model.ValidLogEntry(entry) {
		panic(fmt.Sprintf("registry: log entry %T has no known type", entry))
	}
}

// mergeLogs appends the entries of in not yet present by id and trims the
// result to the newest max entries. Entries without an id are always
// appended.
func mergeLogs(cur, in model.LogList, max int) model.LogList {
	out := append(model.LogList(nil), cur...)
	seen := make(map[string]struct{}, len(out)+len(in))
	for _, e := range out {
		if id := e.EntryID(); id != "" {
			seen[id] = struct{}{}
		}
	}
	for _, e := range in {
		if e == nil || !model.ValidLogEntry(e) {
			continue
		}
		if id := e.EntryID(); id != "" {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, e)
	}
	if max > 0 && len(out) > max {
		out = append(model.LogList(nil), out[len(out)-max:]...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
