// Package scenario loads world definitions from JSON files and merges
// them into a registry.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/model"
)

// Loadout is the player's starting rig.
type Loadout struct {
	Hardware          model.Hardware `json:"hardware"`
	Algorithms        []string       `json:"algorithms,omitempty"`
	LocalFileSystemID string         `json:"localFileSystemId,omitempty"`
}

// Scenario is the on-disk shape: a snapshot plus optional access grants
// (network id to device ips) and the player loadout.
type Scenario struct {
	model.Snapshot
	Grants  map[string][]string `json:"grants,omitempty"`
	Loadout *Loadout            `json:"loadout,omitempty"`

	// flags written out in the file, keyed by network id or device ip.
	networkFlags map[string]registry.Flags
	deviceFlags  map[string]registry.Flags
}

// flagDoc picks up which access flags a document sets, false included.
type flagDoc struct {
	Networks []struct {
		NetworkID  string `json:"networkId"`
		Discovered *bool  `json:"discovered"`
		Accessible *bool  `json:"accessible"`
	} `json:"networks"`
	Devices []struct {
		IP         string `json:"ip"`
		Accessible *bool  `json:"accessible"`
	} `json:"devices"`
}

// Result summarises one Apply.
type Result struct {
	Networks    int
	Devices     int
	FileSystems int
	Grants      int
	Skipped     int
}

// Parse decodes a scenario document. Unknown fields are rejected so typos
// in hand-written files surface early.
func Parse(data []byte) (Scenario, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}

	var doc flagDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario flags: %w", err)
	}
	for _, n := range doc.Networks {
		if n.Discovered == nil && n.Accessible == nil {
			continue
		}
		if sc.networkFlags == nil {
			sc.networkFlags = make(map[string]registry.Flags)
		}
		sc.networkFlags[n.NetworkID] = registry.Flags{Discovered: n.Discovered, Accessible: n.Accessible}
	}
	for _, d := range doc.Devices {
		if d.Accessible == nil {
			continue
		}
		if sc.deviceFlags == nil {
			sc.deviceFlags = make(map[string]registry.Flags)
		}
		sc.deviceFlags[d.IP] = registry.Flags{Accessible: d.Accessible}
	}
	return sc, nil
}

// LoadFile reads and parses the scenario at path.
func LoadFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return Parse(data)
}

// Apply merges sc into reg with upsert semantics, so a file that extends
// an existing network adds devices and files instead of replacing it.
// Access flags the file spells out, false included, override the stored
// ones. A
// new network whose subnet is already taken by another network is
// skipped, as is any record the registry rejects.
func Apply(ctx context.Context, reg *registry.Registry, sc Scenario, log logging.Logger) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "scenario.Apply", "scenario", "")
	defer span.End()
	log = logging.OrNoop(log)

	var (
		res  Result
		errs []error
	)
	for _, n := range sc.Networks {
		if _, exists := reg.GetNetwork(n.NetworkID); !exists && n.Address != "" && reg.IsSubnetInUse(n.Address) {
			log.Warn(ctx, "scenario network skipped: subnet in use",
				logging.String("network_id", n.NetworkID),
				logging.String("address", n.Address),
			)
			res.Skipped++
			errs = append(errs, fmt.Errorf("network %s: %w", n.NetworkID, registry.ErrSubnetInUse))
			continue
		}
		if err := reg.RegisterNetworkWith(n, sc.networkFlags[n.NetworkID]); err != nil {
			res.Skipped++
			errs = append(errs, err)
			continue
		}
		res.Networks++
	}
	for _, d := range sc.Devices {
		if err := reg.RegisterDeviceWith(d, sc.deviceFlags[d.IP]); err != nil {
			res.Skipped++
			errs = append(errs, err)
			continue
		}
		res.Devices++
	}
	for _, fs := range sc.FileSystems {
		if err := reg.RegisterFileSystem(fs); err != nil {
			res.Skipped++
			errs = append(errs, err)
			continue
		}
		res.FileSystems++
	}
	grantIDs := make([]string, 0, len(sc.Grants))
	for networkID := range sc.Grants {
		grantIDs = append(grantIDs, networkID)
	}
	sort.Strings(grantIDs)
	for _, networkID := range grantIDs {
		if err := reg.GrantNetworkAccess(networkID, sc.Grants[networkID]); err != nil {
			res.Skipped++
			errs = append(errs, err)
			continue
		}
		res.Grants++
	}

	log.Info(ctx, "scenario applied",
		logging.Int("networks", res.Networks),
		logging.Int("devices", res.Devices),
		logging.Int("file_systems", res.FileSystems),
		logging.Int("grants", res.Grants),
		logging.Int("skipped", res.Skipped),
	)
	return res, errors.Join(errs...)
}

// ApplyFile loads path and applies it to reg.
func ApplyFile(ctx context.Context, reg *registry.Registry, path string, log logging.Logger) (Scenario, Result, error) {
	sc, err := LoadFile(path)
	if err != nil {
		return Scenario{}, Result{}, err
	}
	res, err := Apply(ctx, reg, sc, log)
	return sc, res, err
}
