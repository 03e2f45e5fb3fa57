package operations

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/sourcenet-core/internal/bandwidth"
	"github.com/signalsfoundry/sourcenet-core/internal/calc"
	"github.com/signalsfoundry/sourcenet-core/internal/decryption"
	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/observability"
	"github.com/signalsfoundry/sourcenet-core/model"
)

// StartDownload copies a remote file onto the local volume.
func (e *Engine) StartDownload(ctx context.Context, fsID, fileName string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "operations.StartDownload", "file_system", fsID, attribute.String("file", fileName))
	defer span.End()

	local := e.Loadout().LocalFileSystemID
	if local == "" {
		return "", ErrNoLocalFileSystem
	}
	tgt, err := e.resolve(ctx, "download", fsID)
	if err != nil {
		return "", err
	}
	f, err := e.liveFile(ctx, "download", tgt.fs, fileName)
	if err != nil {
		return "", err
	}
	if dst, ok := e.reg.GetFileSystem(local); ok && dst.Find(fileName) >= 0 {
		return "", e.warn(ctx, "download", fileName, ErrWrongPhase)
	}

	size := calc.ParseFileSize(f.Size)
	t := &tracked{kind: bandwidth.KindDownload, networkID: tgt.networkID, deviceIP: tgt.deviceIP, fsID: fsID, files: []string{fileName}}
	return e.launch(ctx, "download", t, size,
		func(share float64) time.Duration { return calc.CalculateTransferDuration(size, tgt.bandwidth, share) },
		func(ctx context.Context, t *tracked) {
			cur, ok := e.currentFile(t.fsID, fileName)
			if !ok {
				e.log.Warn(ctx, "downloaded file vanished", logging.String("file", fileName))
				return
			}
			cur.Status = model.FileStatusNormal
			added, err := e.reg.AddFilesToFileSystem(local, []model.File{cur})
			if err != nil || added == 0 {
				e.log.Warn(ctx, "store download failed", logging.Int("added", added), logging.Err(err))
				return
			}
			e.emit(events.FileDownloadComplete{
				OperationID:       t.id,
				NetworkID:         t.networkID,
				FileSystemID:      t.fsID,
				LocalFileSystemID: local,
				FileName:          fileName,
			})
		})
}

// StartUpload copies a file from the local volume onto a remote one.
func (e *Engine) StartUpload(ctx context.Context, fileName, targetFSID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "operations.StartUpload", "file_system", targetFSID, attribute.String("file", fileName))
	defer span.End()

	local := e.Loadout().LocalFileSystemID
	if local == "" {
		return "", ErrNoLocalFileSystem
	}
	src, err := e.resolve(ctx, "upload", local)
	if err != nil {
		return "", err
	}
	f, err := e.liveFile(ctx, "upload", src.fs, fileName)
	if err != nil {
		return "", err
	}
	tgt, err := e.resolve(ctx, "upload", targetFSID)
	if err != nil {
		return "", err
	}
	if tgt.fs.Find(fileName) >= 0 {
		return "", e.warn(ctx, "upload", fileName, ErrWrongPhase)
	}

	size := calc.ParseFileSize(f.Size)
	t := &tracked{kind: bandwidth.KindUpload, networkID: tgt.networkID, deviceIP: tgt.deviceIP, fsID: targetFSID, files: []string{fileName}}
	return e.launch(ctx, "upload", t, size,
		func(share float64) time.Duration { return calc.CalculateTransferDuration(size, tgt.bandwidth, share) },
		func(ctx context.Context, t *tracked) {
			cur, ok := e.currentFile(local, fileName)
			if !ok {
				e.log.Warn(ctx, "uploaded file vanished", logging.String("file", fileName))
				return
			}
			added, err := e.reg.AddFilesToFileSystem(t.fsID, []model.File{cur})
			if err != nil || added == 0 {
				e.log.Warn(ctx, "store upload failed", logging.Int("added", added), logging.Err(err))
				return
			}
			e.emit(events.FileUploadComplete{
				OperationID:  t.id,
				NetworkID:    t.networkID,
				FileSystemID: t.fsID,
				FileName:     fileName,
			})
		})
}

// StartDecryption removes one encryption layer from a file. The player
// must own the algorithm of the outer layer.
func (e *Engine) StartDecryption(ctx context.Context, fsID, fileName string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "operations.StartDecryption", "file_system", fsID, attribute.String("file", fileName))
	defer span.End()

	tgt, err := e.resolve(ctx, "decrypt", fsID)
	if err != nil {
		return "", err
	}
	f, err := e.liveFile(ctx, "decrypt", tgt.fs, fileName)
	if err != nil {
		return "", err
	}
	loadout := e.Loadout()
	if err := decryption.Check(f, loadout.Algorithms); err != nil {
		reason := err
		if !f.IsEncrypted() {
			reason = ErrWrongPhase
		}
		return "", e.warn(ctx, "decrypt", fileName, reason)
	}

	size := calc.ParseFileSize(f.Size)
	hw := loadout.Hardware
	t := &tracked{kind: bandwidth.KindDecryption, networkID: tgt.networkID, deviceIP: tgt.deviceIP, fsID: fsID, files: []string{fileName}}
	return e.launch(ctx, "decrypt", t, size,
		func(float64) time.Duration { return calc.CalculateDecryptionDuration(size, hw.CPUGhz, hw.CPUCores) },
		func(ctx context.Context, t *tracked) {
			cur, ok := e.currentFile(t.fsID, fileName)
			if !ok {
				e.log.Warn(ctx, "decrypted file vanished", logging.String("file", fileName))
				return
			}
			peeled, err := decryption.PeelLayer(cur, loadout.Algorithms)
			if err != nil {
				e.log.Warn(ctx, "decryption failed at completion", logging.Err(err))
				return
			}
			patch := model.FilePatch{
				Name:        &peeled.Name,
				Encrypted:   &peeled.Encrypted,
				Algorithm:   &peeled.Algorithm,
				InnerLayers: &peeled.InnerLayers,
			}
			if n, err := e.reg.ModifyFileProperties(t.fsID, []string{fileName}, patch); err != nil || n == 0 {
				e.log.Warn(ctx, "apply decryption failed", logging.Int("modified", n), logging.Err(err))
				return
			}
			e.emit(events.FileDecryptionComplete{
				OperationID:     t.id,
				FileSystemID:    t.fsID,
				OriginalName:    fileName,
				FileName:        peeled.Name,
				LayersRemaining: decryption.LayerCount(peeled),
			})
		})
}

// StartRecoveryScan scans a volume for soft-deleted files. While it runs,
// DiscoveredDeletedFiles reveals them one by one in their stored order.
func (e *Engine) StartRecoveryScan(ctx context.Context, fsID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "operations.StartRecoveryScan", "file_system", fsID)
	defer span.End()

	tgt, err := e.resolve(ctx, "recovery-scan", fsID)
	if err != nil {
		return "", err
	}
	var deleted []model.File
	total := 0.0
	for _, f := range tgt.fs.Files {
		total += calc.ParseFileSize(f.Size)
		if f.IsDeleted() {
			deleted = append(deleted, f.Clone())
		}
	}

	t := &tracked{kind: bandwidth.KindRecoveryScan, networkID: tgt.networkID, deviceIP: tgt.deviceIP, fsID: fsID, deleted: deleted}
	files := tgt.fs.Files
	return e.launch(ctx, "recovery-scan", t, total,
		func(float64) time.Duration { return calc.CalculateScanDuration(files) },
		func(ctx context.Context, t *tracked) {
			names := make([]string, 0, len(t.deleted))
			for _, f := range t.deleted {
				names = append(names, f.Name)
			}
			e.emit(events.RecoveryScanComplete{OperationID: t.id, FileSystemID: t.fsID, Discovered: names})
		})
}

// StartSecureDelete wipes files for good. It takes SecureDeleteMultiplier
// times as long as transferring them.
func (e *Engine) StartSecureDelete(ctx context.Context, fsID string, names []string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "operations.StartSecureDelete", "file_system", fsID, attribute.Int("files", len(names)))
	defer span.End()

	tgt, err := e.resolve(ctx, "secure-delete", fsID)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", e.warn(ctx, "secure-delete", fsID, ErrFileNotFound)
	}
	size := 0.0
	for _, name := range names {
		i := tgt.fs.Find(name)
		if i < 0 {
			return "", e.warn(ctx, "secure-delete", name, ErrFileNotFound)
		}
		size += calc.ParseFileSize(tgt.fs.Files[i].Size)
	}

	t := &tracked{
		kind:      bandwidth.KindSecureDelete,
		networkID: tgt.networkID,
		deviceIP:  tgt.deviceIP,
		fsID:      fsID,
		files:     append([]string(nil), names...),
	}
	return e.launch(ctx, "secure-delete", t, size,
		func(share float64) time.Duration { return calc.CalculateSecureDeleteDuration(size, tgt.bandwidth, share) },
		func(ctx context.Context, t *tracked) {
			if _, err := e.reg.SecureDeleteFiles(t.fsID, t.files); err != nil {
				e.log.Warn(ctx, "secure delete failed", logging.Err(err))
				return
			}
			e.emit(events.SecureDeleteComplete{
				OperationID:  t.id,
				FileSystemID: t.fsID,
				FileNames:    append([]string(nil), t.files...),
			})
		})
}

// StartAVScan scans a volume for malware. On completion every live malware
// file raises avThreatDetected and is quarantined (removed).
func (e *Engine) StartAVScan(ctx context.Context, fsID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "operations.StartAVScan", "file_system", fsID)
	defer span.End()

	tgt, err := e.resolve(ctx, "av-scan", fsID)
	if err != nil {
		return "", err
	}
	hw := e.Loadout().Hardware

	t := &tracked{kind: bandwidth.KindAVScan, networkID: tgt.networkID, deviceIP: tgt.deviceIP, fsID: fsID}
	return e.launch(ctx, "av-scan", t, 0,
		func(float64) time.Duration { return calc.CalculateAVScanDuration(hw.CPUGhz, hw.CPUCores) },
		func(ctx context.Context, t *tracked) {
			fs, ok := e.reg.GetFileSystem(t.fsID)
			if !ok {
				return
			}
			var threats []string
			for _, f := range fs.Files {
				if f.Malware && !f.IsDeleted() {
					threats = append(threats, f.Name)
				}
			}
			if len(threats) == 0 {
				return
			}
			if _, err := e.reg.SecureDeleteFiles(t.fsID, threats); err != nil {
				e.log.Warn(ctx, "quarantine failed", logging.Err(err))
			}
			for _, name := range threats {
				e.emit(events.AVThreatDetected{FileSystemID: t.fsID, FileName: name, DeviceIP: t.deviceIP})
			}
		})
}

// liveFile returns the named file when it exists and is not soft deleted.
func (e *Engine) liveFile(ctx context.Context, op string, fs model.FileSystem, name string) (model.File, error) {
	i := fs.Find(name)
	if i < 0 {
		return model.File{}, e.warn(ctx, op, name, ErrFileNotFound)
	}
	if fs.Files[i].IsDeleted() {
		return model.File{}, e.warn(ctx, op, name, ErrWrongPhase)
	}
	return fs.Files[i], nil
}

func (e *Engine) currentFile(fsID, name string) (model.File, bool) {
	fs, ok := e.reg.GetFileSystem(fsID)
	if !ok {
		return model.File{}, false
	}
	i := fs.Find(name)
	if i < 0 {
		return model.File{}, false
	}
	return fs.Files[i], true
}
