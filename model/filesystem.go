package model

import "strings"

// EncryptedSuffix marks a file name as carrying one encryption layer.
const EncryptedSuffix = ".enc"

// FileStatus is the soft-delete marker of a file.
type FileStatus string

const (
	FileStatusNormal  FileStatus = "normal"
	FileStatusDeleted FileStatus = "deleted"
)

// File is a single entry of a FileSystem. Size is the human readable form
// ("150 MB"); SizeBytes is optional and only informational.
type File struct {
	Name      string     `json:"name"`
	Size      string     `json:"size,omitempty"`
	SizeBytes *int64     `json:"sizeBytes,omitempty"`
	Corrupted bool       `json:"corrupted,omitempty"`
	Status    FileStatus `json:"status,omitempty"`
	Encrypted bool       `json:"encrypted,omitempty"`
	Algorithm string     `json:"algorithm,omitempty"`
	// InnerLayers lists the algorithms of the layers below Algorithm,
	// outermost first.
	InnerLayers []string `json:"innerLayers,omitempty"`
	Malware     bool     `json:"malware,omitempty"`
	TargetFile  bool     `json:"targetFile,omitempty"`
}

// IsEncrypted reports whether the file still carries an encryption layer.
func (f File) IsEncrypted() bool {
	return f.Encrypted || strings.HasSuffix(f.Name, EncryptedSuffix)
}

// IsDeleted reports whether the file has been soft deleted.
func (f File) IsDeleted() bool {
	return f.Status == FileStatusDeleted
}

// Clone returns a deep copy of the file.
func (f File) Clone() File {
	out := f
	if f.SizeBytes != nil {
		v := *f.SizeBytes
		out.SizeBytes = &v
	}
	if f.InnerLayers != nil {
		out.InnerLayers = append([]string(nil), f.InnerLayers...)
	}
	return out
}

// FileSystem is a volume attached to a device. File names are unique
// within a file system.
type FileSystem struct {
	ID    string `json:"id"`
	Files []File `json:"files"`
}

// Clone returns a deep copy of the file system.
func (fs FileSystem) Clone() FileSystem {
	return FileSystem{ID: fs.ID, Files: CloneFiles(fs.Files)}
}

// Find returns the index of the named file, or -1.
func (fs FileSystem) Find(name string) int {
	for i, f := range fs.Files {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// CloneFiles deep-copies a file list. A nil input yields an empty slice so
// that JSON output never carries "files": null.
func CloneFiles(files []File) []File {
	out := make([]File, len(files))
	for i, f := range files {
		out[i] = f.Clone()
	}
	return out
}

// FilePatch is a property bag applied to files by ModifyFileProperties.
// Nil fields are left untouched.
type FilePatch struct {
	Name        *string     `json:"name,omitempty"`
	Size        *string     `json:"size,omitempty"`
	SizeBytes   *int64      `json:"sizeBytes,omitempty"`
	Corrupted   *bool       `json:"corrupted,omitempty"`
	Status      *FileStatus `json:"status,omitempty"`
	Encrypted   *bool       `json:"encrypted,omitempty"`
	Algorithm   *string     `json:"algorithm,omitempty"`
	InnerLayers *[]string   `json:"innerLayers,omitempty"`
	Malware     *bool       `json:"malware,omitempty"`
	TargetFile  *bool       `json:"targetFile,omitempty"`
}

// Apply returns f with every non-nil patch field applied.
func (p FilePatch) Apply(f File) File {
	out := f.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Size != nil {
		out.Size = *p.Size
	}
	if p.SizeBytes != nil {
		v := *p.SizeBytes
		out.SizeBytes = &v
	}
	if p.Corrupted != nil {
		out.Corrupted = *p.Corrupted
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Encrypted != nil {
		out.Encrypted = *p.Encrypted
	}
	if p.Algorithm != nil {
		out.Algorithm = *p.Algorithm
	}
	if p.InnerLayers != nil {
		out.InnerLayers = append([]string(nil), (*p.InnerLayers)...)
	}
	if p.Malware != nil {
		out.Malware = *p.Malware
	}
	if p.TargetFile != nil {
		out.TargetFile = *p.TargetFile
	}
	return out
}
