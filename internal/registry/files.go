package registry

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/sourcenet-core/internal/events"
	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/model"
)

// UpdateFiles replaces the whole file list. Duplicate names in files are
// collapsed, first one wins. A fileSystemChanged event is always emitted.
func (r *Registry) UpdateFiles(fsID string, files []model.File) error {
	_, err := r.mutateFiles("update", fsID, true, func([]model.File) ([]model.File, int) {
		out := mergeFiles(nil, files)
		return out, len(out)
	})
	return err
}

// AddFilesToFileSystem appends files whose name is not yet present and
// returns how many were added. Existing files are never modified.
func (r *Registry) AddFilesToFileSystem(fsID string, files []model.File) (int, error) {
	return r.mutateFiles("add", fsID, false, func(cur []model.File) ([]model.File, int) {
		out := mergeFiles(cur, files)
		return out, len(out) - len(cur)
	})
}

// ModifyFileProperties applies patch to each named file and returns how
// many were changed. A rename onto a name already taken by another file is
// skipped.
func (r *Registry) ModifyFileProperties(fsID string, names []string, patch model.FilePatch) (int, error) {
	want := nameSet(names)
	return r.mutateFiles("modify", fsID, false, func(cur []model.File) ([]model.File, int) {
		taken := make(map[string]int, len(cur))
		for i, f := range cur {
			taken[f.Name] = i
		}
		changed := 0
		for i, f := range cur {
			if _, ok := want[f.Name]; !ok {
				continue
			}
			next := patch.Apply(f)
			if next.Name != f.Name {
				if j, clash := taken[next.Name]; clash && j != i {
					r.log.Warn(context.Background(), "rename collides with existing file",
						logging.String("file_system_id", fsID),
						logging.String("file", f.Name),
						logging.String("new_name", next.Name),
					)
					continue
				}
				delete(taken, f.Name)
				taken[next.Name] = i
			}
			cur[i] = next
			changed++
		}
		return cur, changed
	})
}

// MarkFilesDeleted soft deletes the named files; they stay enumerable for
// recovery. It returns how many files changed status.
func (r *Registry) MarkFilesDeleted(fsID string, names []string) (int, error) {
	return r.setStatus("delete", fsID, names, model.FileStatusNormal, model.FileStatusDeleted)
}

// RestoreFiles brings back soft-deleted files. Files that are not deleted
// are left alone.
func (r *Registry) RestoreFiles(fsID string, names []string) (int, error) {
	return r.setStatus("restore", fsID, names, model.FileStatusDeleted, model.FileStatusNormal)
}

// SecureDeleteFiles removes the named files outright. This cannot be undone.
func (r *Registry) SecureDeleteFiles(fsID string, names []string) (int, error) {
	want := nameSet(names)
	return r.mutateFiles("secure-delete", fsID, false, func(cur []model.File) ([]model.File, int) {
		out := cur[:0]
		for _, f := range cur {
			if _, ok := want[f.Name]; ok {
				continue
			}
			out = append(out, f)
		}
		return out, len(cur) - len(out)
	})
}

func (r *Registry) setStatus(op, fsID string, names []string, from, to model.FileStatus) (int, error) {
	want := nameSet(names)
	return r.mutateFiles(op, fsID, false, func(cur []model.File) ([]model.File, int) {
		changed := 0
		for i, f := range cur {
			if _, ok := want[f.Name]; !ok {
				continue
			}
			if f.IsDeleted() != (from == model.FileStatusDeleted) {
				continue
			}
			cur[i].Status = to
			changed++
		}
		return cur, changed
	})
}

// mutateFiles runs fn against a private copy of the file list and commits
// the result. fileSystemChanged is emitted when fn reports a change, or
// always when force is set.
func (r *Registry) mutateFiles(op, fsID string, force bool, fn func([]model.File) ([]model.File, int)) (int, error) {
	r.mu.Lock()
	fs, ok := r.fileSystems[fsID]
	if !ok {
		r.mu.Unlock()
		r.log.Warn(context.Background(), "unknown file system",
			logging.String("op", op),
			logging.String("file_system_id", fsID),
		)
		return 0, fmt.Errorf("%s: %w: %s", op, ErrFileSystemNotFound, fsID)
	}

	files, changed := fn(model.CloneFiles(fs.Files))
	if changed == 0 && !force {
		r.mu.Unlock()
		return 0, nil
	}
	fs.Files = files
	ev := events.FileSystemChanged{FileSystemID: fsID, Files: model.CloneFiles(files)}
	r.mu.Unlock()

	r.emit(ev)
	return changed, nil
}

func nameSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
