package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/sourcenet-core/internal/bandwidth"
	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
	"github.com/signalsfoundry/sourcenet-core/internal/scheduler"
	"github.com/signalsfoundry/sourcenet-core/model"
	"github.com/signalsfoundry/sourcenet-core/timectrl"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type world struct {
	clock  *timectrl.GameClock
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	coord  *bandwidth.Coordinator
	bus    *events.Bus
	engine *Engine
	seen   []events.Event
}

func (w *world) advance(d time.Duration) {
	w.clock.Advance(d)
}

func (w *world) ofKind(k events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range w.seen {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

type cancelCounter struct {
	n         map[string]int
	observed  int
	completed int
}

func (c *cancelCounter) IncOperationsCompleted(string) { c.completed++ }

func (c *cancelCounter) IncOperationsCancelled(kind string) { c.n[kind]++ }

func (c *cancelCounter) ObserveOperationDuration(string, time.Duration) { c.observed++ }

// newWorld builds the corp-1 scenario: network 10.0.0.0/24 at 100 Mbps,
// device 10.0.0.5 mounting fs-1 with data.db.enc, and a local volume.
func newWorld(t *testing.T, opts ...Option) *world {
	t.Helper()
	w := &world{
		clock: timectrl.NewGameClock(epoch, 1),
		bus:   events.NewBus(),
	}
	w.sched = scheduler.New(w.clock)
	w.clock.AddListener(func(time.Time) { w.sched.RunDue() })
	w.reg = registry.New(registry.WithBus(w.bus))
	w.coord = bandwidth.NewCoordinator(w.clock.Now)
	w.bus.SubscribeAll(func(ev events.Event) { w.seen = append(w.seen, ev) })

	must(t, w.reg.RegisterNetwork(model.Network{NetworkID: "corp-1", Address: "10.0.0.0/24", Bandwidth: 100}))
	must(t, w.reg.RegisterDevice(model.Device{IP: "10.0.0.5", Hostname: "db01", NetworkID: "corp-1", FileSystemIDs: []string{"fs-1"}}))
	must(t, w.reg.RegisterDevice(model.Device{IP: "10.0.0.6", Hostname: "web01", NetworkID: "corp-1", FileSystemIDs: []string{"fs-2"}}))
	must(t, w.reg.RegisterFileSystem(model.FileSystem{ID: "fs-1", Files: []model.File{
		{Name: "data.db.enc", Size: "100 MB", Encrypted: true, Algorithm: "aes-256"},
		{Name: "payroll.xls", Size: "500 MB"},
		{Name: "old-1.log", Size: "1 MB", Status: model.FileStatusDeleted},
		{Name: "old-2.log", Size: "1 MB", Status: model.FileStatusDeleted},
	}}))
	must(t, w.reg.RegisterFileSystem(model.FileSystem{ID: "fs-2", Files: []model.File{{Name: "index.html", Size: "1 MB"}}}))
	must(t, w.reg.RegisterFileSystem(model.FileSystem{ID: "local", Files: []model.File{
		{Name: "rootkit.bin", Size: "2 MB"},
		{Name: "trojan.exe", Size: "1 MB", Malware: true},
	}}))

	loadout := Loadout{
		Hardware:          model.Hardware{CPUGhz: 2, CPUCores: 2, AdapterMbps: 250},
		Algorithms:        []string{"aes-128", "aes-256"},
		LocalFileSystemID: "local",
	}
	w.engine = NewEngine(w.reg, w.sched, w.coord, w.bus, append([]Option{WithLoadout(loadout)}, opts...)...)
	return w
}

func (w *world) connect(t *testing.T) {
	t.Helper()
	must(t, w.reg.GrantNetworkAccess("corp-1", []string{"10.0.0.5"}))
	must(t, w.engine.Connect(context.Background(), "corp-1"))
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecryptionScenario(t *testing.T) {
	w := newWorld(t)
	w.connect(t)

	id, err := w.engine.StartDecryption(context.Background(), "fs-1", "data.db.enc")
	must(t, err)

	st, ok := w.engine.Progress(id)
	if !ok || st.Duration != 12500*time.Millisecond {
		t.Fatalf("decryption duration = %v, want 12.5s", st.Duration)
	}

	w.advance(12499 * time.Millisecond)
	if len(w.ofKind(events.KindFileDecryptionComplete)) != 0 {
		t.Fatalf("decryption completed early")
	}
	if st, _ := w.engine.Progress(id); st.Percent < 99 || st.Percent >= 100 {
		t.Fatalf("progress before completion = %v", st.Percent)
	}

	w.advance(time.Millisecond)

	changed := w.ofKind(events.KindFileSystemChanged)
	if len(changed) == 0 {
		t.Fatalf("no fileSystemChanged after decryption")
	}
	ev := changed[len(changed)-1].(events.FileSystemChanged)
	var found bool
	for _, f := range ev.Files {
		if f.Name == "data.db" {
			found = true
			if f.Encrypted || f.IsEncrypted() || f.Algorithm != "" {
				t.Fatalf("data.db still encrypted: %+v", f)
			}
		}
		if f.Name == "data.db.enc" {
			t.Fatalf("encrypted name still present")
		}
	}
	if !found {
		t.Fatalf("fileSystemChanged files = %+v, want data.db", ev.Files)
	}

	done := w.ofKind(events.KindFileDecryptionComplete)
	if len(done) != 1 {
		t.Fatalf("fileDecryptionComplete events = %d, want 1", len(done))
	}
	if d := done[0].(events.FileDecryptionComplete); d.FileName != "data.db" || d.LayersRemaining != 0 || d.OperationID != id {
		t.Fatalf("fileDecryptionComplete = %+v", d)
	}
	if _, ok := w.engine.Progress(id); ok {
		t.Fatalf("operation still tracked after completion")
	}
	if w.coord.ActiveCount() != 0 {
		t.Fatalf("coordinator still holds %d operations", w.coord.ActiveCount())
	}
	dev, _ := w.reg.GetDevice("10.0.0.5")
	if len(dev.Logs) != 2 {
		t.Fatalf("device logs = %d, want start and complete", len(dev.Logs))
	}
}

func TestDecryptionWithoutAlgorithmWarns(t *testing.T) {
	w := newWorld(t)
	w.connect(t)
	w.engine.SetLoadout(Loadout{Hardware: model.Hardware{CPUGhz: 2, CPUCores: 2}, LocalFileSystemID: "local"})
	must(t, w.reg.UpdateFiles("fs-1", []model.File{{Name: "keys.enc", Size: "1 MB", Encrypted: true, Algorithm: "rsa-2048"}}))

	_, err := w.engine.StartDecryption(context.Background(), "fs-1", "keys.enc")
	var warning *PolicyWarning
	if !errors.As(err, &warning) || !errors.Is(err, ErrAlgorithmMissing) {
		t.Fatalf("err = %v, want PolicyWarning wrapping ErrAlgorithmMissing", err)
	}
	fs, _ := w.reg.GetFileSystem("fs-1")
	if fs.Files[0].Name != "keys.enc" || w.coord.ActiveCount() != 0 {
		t.Fatalf("state changed after refused decryption")
	}

	_, err = w.engine.StartDecryption(context.Background(), "fs-2", "index.html")
	if !errors.Is(err, ErrNetworkInaccessible) {
		t.Fatalf("decrypt on ungranted device err = %v", err)
	}
}

func TestDecryptPlainFileIsWrongPhase(t *testing.T) {
	w := newWorld(t)
	w.connect(t)
	_, err := w.engine.StartDecryption(context.Background(), "fs-1", "payroll.xls")
	if !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("err = %v, want ErrWrongPhase", err)
	}
	if _, err := w.engine.StartDownload(context.Background(), "fs-1", "old-1.log"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("download of deleted file err = %v, want ErrWrongPhase", err)
	}
	if _, err := w.engine.StartDownload(context.Background(), "fs-1", "nope"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("download of missing file err = %v, want ErrFileNotFound", err)
	}
}

func TestConcurrentDownloadsShareBandwidth(t *testing.T) {
	w := newWorld(t)
	w.connect(t)

	first, err := w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls")
	must(t, err)
	st, _ := w.engine.Progress(first)
	// 500 MB over min(100, 250) Mbps at full share.
	if st.Duration != 40*time.Second {
		t.Fatalf("first download = %v, want 40s", st.Duration)
	}

	second, err := w.engine.StartDownload(context.Background(), "fs-1", "data.db.enc")
	must(t, err)
	st2, _ := w.engine.Progress(second)
	// 100 MB at half of 100 Mbps.
	if st2.Duration != 16*time.Second {
		t.Fatalf("second download = %v, want 16s", st2.Duration)
	}

	if _, err := w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls"); !errors.Is(err, ErrFileBusy) {
		t.Fatalf("duplicate download err = %v, want ErrFileBusy", err)
	}

	w.advance(40 * time.Second)
	local, _ := w.reg.GetFileSystem("local")
	if local.Find("payroll.xls") < 0 || local.Find("data.db.enc") < 0 {
		t.Fatalf("local files = %+v", local.Files)
	}
	if got := len(w.ofKind(events.KindFileDownloadComplete)); got != 2 {
		t.Fatalf("download complete events = %d, want 2", got)
	}
}

func TestDisconnectCancelsInFlightOperations(t *testing.T) {
	rec := &cancelCounter{n: map[string]int{}}
	w := newWorld(t, WithMetricsRecorder(rec))
	w.connect(t)

	dl, err := w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls")
	must(t, err)
	_, err = w.engine.StartDecryption(context.Background(), "fs-1", "data.db.enc")
	must(t, err)
	local, err := w.engine.StartDecryption(context.Background(), "local", "rootkit.bin")
	if !errors.Is(err, ErrWrongPhase) || local != "" {
		t.Fatalf("local plain decrypt err = %v", err)
	}

	n, err := w.engine.Disconnect(context.Background(), "corp-1", "player")
	must(t, err)
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}
	if w.sched.Pending() != 0 || w.coord.ActiveCount() != 0 {
		t.Fatalf("pending=%d active=%d after disconnect", w.sched.Pending(), w.coord.ActiveCount())
	}

	w.advance(time.Minute)
	if len(w.ofKind(events.KindFileDownloadComplete)) != 0 || len(w.ofKind(events.KindFileDecryptionComplete)) != 0 {
		t.Fatalf("cancelled operation completed")
	}
	fs, _ := w.reg.GetFileSystem("fs-1")
	if fs.Find("data.db.enc") < 0 {
		t.Fatalf("file decrypted after disconnect")
	}
	if len(w.ofKind(events.KindOperationCancelled)) != 2 || rec.n[string(bandwidth.KindDownload)] != 1 {
		t.Fatalf("cancel events = %d, metrics = %v", len(w.ofKind(events.KindOperationCancelled)), rec.n)
	}
	if rec.observed != 2 || rec.completed != 0 {
		t.Fatalf("observed durations = %d, completed = %d, want 2 and 0", rec.observed, rec.completed)
	}
	disc := w.ofKind(events.KindNetworkDisconnected)
	if len(disc) != 1 || disc[0].(events.NetworkDisconnected).CancelledOperations != 2 {
		t.Fatalf("networkDisconnected = %+v", disc)
	}
	if _, ok := w.engine.Progress(dl); ok {
		t.Fatalf("cancelled download still tracked")
	}
	if w.engine.Connected("corp-1") {
		t.Fatalf("still connected")
	}
}

func TestRevokeDisconnects(t *testing.T) {
	w := newWorld(t)
	w.connect(t)
	_, err := w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls")
	must(t, err)

	must(t, w.reg.RevokeNetworkAccess("corp-1", "trace"))

	if w.engine.Connected("corp-1") || w.coord.ActiveCount() != 0 {
		t.Fatalf("revoke left session or operations open")
	}
	w.advance(time.Minute)
	local, _ := w.reg.GetFileSystem("local")
	if local.Find("payroll.xls") >= 0 {
		t.Fatalf("download completed after revoke")
	}
}

func lastCancelReason(t *testing.T, w *world) string {
	t.Helper()
	cancelled := w.ofKind(events.KindOperationCancelled)
	if len(cancelled) == 0 {
		t.Fatalf("no operationCancelled event")
	}
	return cancelled[len(cancelled)-1].(events.OperationCancelled).Reason
}

func TestRetryResetAbandonsInFlightDownload(t *testing.T) {
	w := newWorld(t)
	w.connect(t)
	orig, _ := w.reg.GetFileSystem("fs-1")

	_, err := w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls")
	must(t, err)
	must(t, w.reg.ResetNetworkForRetry("corp-1", []model.FileSystem{orig}))

	w.advance(time.Minute)

	local, _ := w.reg.GetFileSystem("local")
	if local.Find("payroll.xls") >= 0 || len(local.Files) != 2 {
		t.Fatalf("download landed after reset: %+v", local.Files)
	}
	if got := len(w.ofKind(events.KindFileDownloadComplete)); got != 0 {
		t.Fatalf("fileDownloadComplete events = %d, want 0", got)
	}
	if reason := lastCancelReason(t, w); reason != "access lost" {
		t.Fatalf("cancel reason = %q, want access lost", reason)
	}
	if w.engine.Connected("corp-1") {
		t.Fatalf("session survived reset")
	}
	if len(w.engine.ActiveOperations()) != 0 || w.coord.ActiveCount() != 0 {
		t.Fatalf("operations still tracked after reset")
	}
}

func TestLoadingSaveDropsSessionsAndOperations(t *testing.T) {
	w := newWorld(t)
	w.connect(t)
	_, err := w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls")
	must(t, err)
	_, err = w.engine.StartAVScan(context.Background(), "local")
	must(t, err)

	snap := w.reg.Snapshot()
	for i := range snap.Networks {
		snap.Networks[i].Accessible = false
	}
	for i := range snap.Devices {
		snap.Devices[i].Accessible = false
	}
	w.reg.LoadSnapshot(context.Background(), snap)

	if w.engine.Connected("corp-1") {
		t.Fatalf("session survived loading a save")
	}
	if len(w.engine.ActiveOperations()) != 0 || w.sched.Pending() != 0 || w.coord.ActiveCount() != 0 {
		t.Fatalf("operations survived loading a save")
	}
	if got := len(w.ofKind(events.KindOperationCancelled)); got != 2 {
		t.Fatalf("operationCancelled events = %d, want 2", got)
	}

	w.advance(time.Minute)
	local, _ := w.reg.GetFileSystem("local")
	if local.Find("payroll.xls") >= 0 || local.Find("trojan.exe") < 0 {
		t.Fatalf("old operations mutated the loaded world: %+v", local.Files)
	}
	if len(w.ofKind(events.KindFileDownloadComplete)) != 0 || len(w.ofKind(events.KindAVThreatDetected)) != 0 {
		t.Fatalf("completion events after loading a save")
	}
}

func TestDownloadOfExistingLocalFile(t *testing.T) {
	w := newWorld(t)
	w.connect(t)
	_, err := w.reg.AddFilesToFileSystem("fs-1", []model.File{{Name: "rootkit.bin", Size: "2 MB"}})
	must(t, err)

	_, err = w.engine.StartDownload(context.Background(), "fs-1", "rootkit.bin")
	if !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("download over local file err = %v, want ErrWrongPhase", err)
	}

	_, err = w.engine.StartDownload(context.Background(), "fs-1", "payroll.xls")
	must(t, err)
	_, err = w.reg.AddFilesToFileSystem("local", []model.File{{Name: "payroll.xls", Size: "1 KB"}})
	must(t, err)
	w.advance(time.Minute)

	if got := len(w.ofKind(events.KindFileDownloadComplete)); got != 0 {
		t.Fatalf("fileDownloadComplete events = %d, want 0 when nothing was stored", got)
	}
	local, _ := w.reg.GetFileSystem("local")
	if i := local.Find("payroll.xls"); i < 0 || local.Files[i].Size != "1 KB" {
		t.Fatalf("local payroll.xls = %+v", local.Files)
	}
}

func TestConnectRequiresAccess(t *testing.T) {
	w := newWorld(t)
	if err := w.engine.Connect(context.Background(), "corp-1"); !errors.Is(err, ErrNetworkInaccessible) {
		t.Fatalf("connect without grant err = %v", err)
	}
	if err := w.engine.Connect(context.Background(), "nope"); !errors.Is(err, registry.ErrNetworkNotFound) {
		t.Fatalf("connect unknown err = %v", err)
	}
	w.connect(t)
	must(t, w.engine.Connect(context.Background(), "corp-1"))
	if got := len(w.ofKind(events.KindNetworkConnected)); got != 1 {
		t.Fatalf("networkConnected events = %d, want 1", got)
	}
	n, _ := w.reg.GetNetwork("corp-1")
	if len(n.Logs) != 1 {
		t.Fatalf("network logs = %d, want 1", len(n.Logs))
	}
}

func TestUploadToRemote(t *testing.T) {
	w := newWorld(t)
	w.connect(t)

	id, err := w.engine.StartUpload(context.Background(), "rootkit.bin", "fs-1")
	must(t, err)
	st, _ := w.engine.Progress(id)
	if st.Duration != 3*time.Second {
		t.Fatalf("upload duration = %v, want the 3s floor", st.Duration)
	}
	w.advance(3 * time.Second)

	up := w.ofKind(events.KindFileUploadComplete)
	if len(up) != 1 || up[0].(events.FileUploadComplete).FileName != "rootkit.bin" {
		t.Fatalf("fileUploadComplete = %+v", up)
	}
	fs, _ := w.reg.GetFileSystem("fs-1")
	if fs.Find("rootkit.bin") < 0 {
		t.Fatalf("uploaded file missing")
	}
	if _, err := w.engine.StartUpload(context.Background(), "rootkit.bin", "fs-1"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("re-upload err = %v, want ErrWrongPhase", err)
	}
}

func TestRecoveryScanRevealsFilesProgressively(t *testing.T) {
	w := newWorld(t)
	w.connect(t)

	id, err := w.engine.StartRecoveryScan(context.Background(), "fs-1")
	must(t, err)
	st, _ := w.engine.Progress(id)
	if st.Duration != 3*time.Second {
		t.Fatalf("scan duration = %v, want 3s", st.Duration)
	}

	if got, _ := w.engine.DiscoveredDeletedFiles(id); len(got) != 0 {
		t.Fatalf("discovered at start = %v", got)
	}
	w.advance(1500 * time.Millisecond)
	got, ok := w.engine.DiscoveredDeletedFiles(id)
	if !ok || len(got) != 1 || got[0].Name != "old-1.log" {
		t.Fatalf("discovered at 50%% = %+v", got)
	}

	w.advance(1500 * time.Millisecond)
	done := w.ofKind(events.KindRecoveryScanComplete)
	if len(done) != 1 || len(done[0].(events.RecoveryScanComplete).Discovered) != 2 {
		t.Fatalf("recoveryScanComplete = %+v", done)
	}
}

func TestSecureDeleteIsSlowAndFinal(t *testing.T) {
	w := newWorld(t)
	w.connect(t)

	id, err := w.engine.StartSecureDelete(context.Background(), "fs-1", []string{"payroll.xls"})
	must(t, err)
	st, _ := w.engine.Progress(id)
	if st.Duration != 200*time.Second {
		t.Fatalf("secure delete = %v, want 5 x 40s", st.Duration)
	}
	w.advance(200 * time.Second)

	fs, _ := w.reg.GetFileSystem("fs-1")
	if fs.Find("payroll.xls") >= 0 {
		t.Fatalf("file still present after secure delete")
	}
	if len(w.ofKind(events.KindSecureDeleteComplete)) != 1 {
		t.Fatalf("secureDeleteComplete missing")
	}
	if _, err := w.engine.StartSecureDelete(context.Background(), "fs-1", []string{"payroll.xls"}); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("second secure delete err = %v", err)
	}
}

func TestAVScanQuarantinesMalware(t *testing.T) {
	w := newWorld(t)

	id, err := w.engine.StartAVScan(context.Background(), "local")
	must(t, err)
	st, _ := w.engine.Progress(id)
	// 4 GHz-cores is twice the baseline, so the scan hits the 5s floor.
	if st.Duration != 5*time.Second {
		t.Fatalf("AV scan on 2 GHz x 2 = %v, want 5s", st.Duration)
	}
	w.advance(5 * time.Second)

	threats := w.ofKind(events.KindAVThreatDetected)
	if len(threats) != 1 || threats[0].(events.AVThreatDetected).FileName != "trojan.exe" {
		t.Fatalf("avThreatDetected = %+v", threats)
	}
	local, _ := w.reg.GetFileSystem("local")
	if local.Find("trojan.exe") >= 0 {
		t.Fatalf("malware not quarantined")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	w := newWorld(t)
	id, err := w.engine.StartAVScan(context.Background(), "local")
	must(t, err)

	if !w.engine.Cancel(context.Background(), id) {
		t.Fatalf("first cancel reported nothing")
	}
	if w.engine.Cancel(context.Background(), id) || w.engine.Cancel(context.Background(), "unknown") {
		t.Fatalf("repeat cancel reported a cancellation")
	}
	w.advance(time.Minute)
	if len(w.ofKind(events.KindAVThreatDetected)) != 0 {
		t.Fatalf("cancelled scan completed")
	}
}

func TestPausedClockHoldsOperations(t *testing.T) {
	w := newWorld(t)
	id, err := w.engine.StartAVScan(context.Background(), "local")
	must(t, err)

	w.clock.Pause()
	w.advance(time.Hour)
	if _, ok := w.engine.Progress(id); !ok {
		t.Fatalf("operation completed while paused")
	}
	w.clock.Resume()
	w.advance(8 * time.Second)
	if _, ok := w.engine.Progress(id); ok {
		t.Fatalf("operation did not complete after resume")
	}
	if active := w.engine.ActiveOperations(); len(active) != 0 {
		t.Fatalf("ActiveOperations = %+v", active)
	}
}
