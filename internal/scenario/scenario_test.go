package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/model"
)

const corpScenario = `{
  "networks": [{"networkId": "corp-1", "networkName": "Corp", "address": "10.0.0.0/24", "bandwidth": 100}],
  "devices": [{"ip": "10.0.0.5", "hostname": "db", "networkId": "corp-1", "fileSystemIds": ["fs-1"]}],
  "fileSystems": [{"id": "fs-1", "files": [{"name": "data.db.enc", "size": "100 MB", "encrypted": true, "algorithm": "aes-256"}]}],
  "grants": {"corp-1": ["10.0.0.5"]},
  "loadout": {"hardware": {"cpuGhz": 2, "cpuCores": 2, "adapterMbps": 250}, "algorithms": ["aes-256"], "localFileSystemId": "local"}
}`

const corpExtension = `{
  "networks": [{"networkId": "corp-1"}],
  "devices": [{"ip": "10.0.0.6", "hostname": "web", "networkId": "corp-1", "fileSystemIds": ["fs-2"]}],
  "fileSystems": [
    {"id": "fs-1", "files": [{"name": "data.db.enc", "size": "1 MB"}, {"name": "notes.txt", "size": "2 KB"}]},
    {"id": "fs-2", "files": [{"name": "index.html", "size": "4 KB"}]}
  ]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestApplyFileBuildsWorld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corp.json")
	writeFile(t, path, corpScenario)
	reg := registry.New()

	sc, res, err := ApplyFile(context.Background(), reg, path, nil)
	if err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if res.Networks != 1 || res.Devices != 1 || res.FileSystems != 1 || res.Grants != 1 || res.Skipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	if sc.Loadout == nil || sc.Loadout.Hardware.AdapterMbps != 250 || sc.Loadout.LocalFileSystemID != "local" {
		t.Fatalf("loadout = %+v", sc.Loadout)
	}

	n, ok := reg.GetNetwork("corp-1")
	if !ok || !n.Accessible || !n.Discovered {
		t.Fatalf("network after grant = %+v, %v", n, ok)
	}
	d, _ := reg.GetDevice("10.0.0.5")
	if !d.Accessible {
		t.Fatalf("granted device not accessible")
	}
}

func TestApplyExtensionMerges(t *testing.T) {
	reg := registry.New()
	base, err := Parse([]byte(corpScenario))
	if err != nil {
		t.Fatalf("Parse base: %v", err)
	}
	ext, err := Parse([]byte(corpExtension))
	if err != nil {
		t.Fatalf("Parse extension: %v", err)
	}
	if _, err := Apply(context.Background(), reg, base, nil); err != nil {
		t.Fatalf("Apply base: %v", err)
	}
	if _, err := Apply(context.Background(), reg, ext, nil); err != nil {
		t.Fatalf("Apply extension: %v", err)
	}

	n, _ := reg.GetNetwork("corp-1")
	if n.NetworkName != "Corp" || n.Bandwidth != 100 || !n.Accessible {
		t.Fatalf("extension clobbered network: %+v", n)
	}
	if got := len(reg.GetNetworkDevices("corp-1")); got != 2 {
		t.Fatalf("devices = %d, want 2", got)
	}
	fs, _ := reg.GetFileSystem("fs-1")
	if len(fs.Files) != 2 {
		t.Fatalf("fs-1 files = %d, want 2", len(fs.Files))
	}
	if fs.Files[0].Size != "100 MB" {
		t.Fatalf("existing file overwritten: %+v", fs.Files[0])
	}
}

func TestApplySkipsSubnetCollision(t *testing.T) {
	reg := registry.New()
	if err := reg.RegisterNetwork(model.Network{NetworkID: "home", Address: "10.0.0.0/24"}); err != nil {
		t.Fatalf("RegisterNetwork: %v", err)
	}
	sc, err := Parse([]byte(corpScenario))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	res, err := Apply(context.Background(), reg, sc, nil)
	if !errors.Is(err, registry.ErrSubnetInUse) {
		t.Fatalf("err = %v, want ErrSubnetInUse", err)
	}
	if res.Networks != 0 || res.Skipped < 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := reg.GetNetwork("corp-1"); ok {
		t.Fatalf("colliding network registered")
	}
}

func TestApplyGrantsInNetworkOrder(t *testing.T) {
	sc, err := Parse([]byte(`{
  "networks": [
    {"networkId": "zeta", "address": "10.9.0.0/24"},
    {"networkId": "alpha", "address": "10.1.0.0/24"},
    {"networkId": "mid", "address": "10.5.0.0/24"}
  ],
  "grants": {"zeta": [], "mid": [], "alpha": []}
}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for run := 0; run < 20; run++ {
		bus := events.NewBus()
		var order []string
		events.Listen(bus, func(ev events.NetworkAccessGranted) { order = append(order, ev.NetworkID) })
		reg := registry.New(registry.WithBus(bus))

		if _, err := Apply(context.Background(), reg, sc, nil); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if len(order) != 3 || order[0] != "alpha" || order[1] != "mid" || order[2] != "zeta" {
			t.Fatalf("run %d grant order = %v, want [alpha mid zeta]", run, order)
		}
	}
}

func TestApplyExplicitFalseClosesAccess(t *testing.T) {
	reg := registry.New()
	base, err := Parse([]byte(corpScenario))
	if err != nil {
		t.Fatalf("Parse base: %v", err)
	}
	if _, err := Apply(context.Background(), reg, base, nil); err != nil {
		t.Fatalf("Apply base: %v", err)
	}

	closing, err := Parse([]byte(`{
  "networks": [{"networkId": "corp-1", "accessible": false}],
  "devices": [{"ip": "10.0.0.5", "accessible": false}]
}`))
	if err != nil {
		t.Fatalf("Parse closing: %v", err)
	}
	if _, err := Apply(context.Background(), reg, closing, nil); err != nil {
		t.Fatalf("Apply closing: %v", err)
	}

	n, _ := reg.GetNetwork("corp-1")
	if n.Accessible || !n.Discovered || n.NetworkName != "Corp" {
		t.Fatalf("network = %+v, want closed but still discovered", n)
	}
	if got := len(reg.GetAccessibleDevices("corp-1")); got != 0 {
		t.Fatalf("accessible devices = %d, want 0", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte(`{"netwroks": []}`)); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatcherReappliesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corp.json")
	writeFile(t, path, corpScenario)
	reg := registry.New()
	if _, _, err := ApplyFile(context.Background(), reg, path, nil); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	applied := make(chan Result, 16)
	w, err := NewWatcher(path, reg, OnApply(func(res Result, err error) {
		if err == nil {
			applied <- res
		}
	}))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeFile(t, filepath.Join(filepath.Dir(path), "other.json"), "{}")
	writeFile(t, path, corpExtension)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-applied:
			if _, ok := reg.GetDevice("10.0.0.6"); ok {
				return
			}
		case <-deadline:
			t.Fatalf("scenario change was not re-applied")
		}
	}
}

func TestExampleScenarioLoads(t *testing.T) {
	reg := registry.New()
	sc, res, err := ApplyFile(context.Background(), reg, "../../examples/scenarios/corp-1.json", nil)
	if err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if res.Networks != 2 || res.Devices != 3 || res.FileSystems != 4 {
		t.Fatalf("result = %+v", res)
	}
	if sc.Loadout == nil || sc.Loadout.LocalFileSystemID != "local" {
		t.Fatalf("loadout = %+v", sc.Loadout)
	}
	if got := len(reg.GetAccessibleDevices("corp-1")); got != 1 {
		t.Fatalf("accessible corp devices = %d, want 1", got)
	}
	if got := len(reg.DiscoveredNetworks()); got != 2 {
		t.Fatalf("discovered networks = %d, want 2", got)
	}
}

func TestWatcherUsesApplyFunc(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corp.json")
	writeFile(t, path, `{"networks": []}`)
	reg := registry.New()

	loadouts := make(chan *Loadout, 16)
	w, err := NewWatcher(path, reg, WithApplyFunc(func(ctx context.Context, sc Scenario) (Result, error) {
		loadouts <- sc.Loadout
		return Apply(ctx, reg, sc, nil)
	}))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeFile(t, path, corpScenario)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case l := <-loadouts:
			if l != nil && l.Hardware.AdapterMbps == 250 {
				if _, ok := reg.GetNetwork("corp-1"); !ok {
					t.Fatalf("apply func result not merged")
				}
				return
			}
		case <-deadline:
			t.Fatalf("reload never reached the apply func with a loadout")
		}
	}
}
