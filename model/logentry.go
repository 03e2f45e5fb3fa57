package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogKind discriminates the LogEntry variants.
type LogKind string

const (
	LogKindFile    LogKind = "file"
	LogKindRemote  LogKind = "remote"
	LogKindProcess LogKind = "process"
)

// LogEntry is one line of a device or network activity log. The concrete
// variants are FileLog, RemoteLog and ProcessLog.
type LogEntry interface {
	EntryID() string
	Kind() LogKind
	Timestamp() time.Time
}

// LogMeta carries the fields shared by every log variant.
type LogMeta struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

func (m LogMeta) EntryID() string      { return m.ID }
func (m LogMeta) Timestamp() time.Time { return m.At }

// FileLog records an action against a file (download, delete, decrypt...).
type FileLog struct {
	LogMeta
	Action       string `json:"action"`
	FileName     string `json:"fileName"`
	FileSystemID string `json:"fileSystemId,omitempty"`
}

func (FileLog) Kind() LogKind { return LogKindFile }

// RemoteLog records a remote session event (connect, disconnect, login).
type RemoteLog struct {
	LogMeta
	Action   string `json:"action"`
	RemoteIP string `json:"remoteIp,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (RemoteLog) Kind() LogKind { return LogKindRemote }

// ProcessLog records a process started or stopped on a host.
type ProcessLog struct {
	LogMeta
	Process string `json:"process"`
	Action  string `json:"action"`
}

func (ProcessLog) Kind() LogKind { return LogKindProcess }

// LogList is an ordered log that (de)serialises its variants with a
// "type" discriminator.
type LogList []LogEntry

type logEnvelope struct {
	Type         LogKind   `json:"type"`
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	Action       string    `json:"action,omitempty"`
	FileName     string    `json:"fileName,omitempty"`
	FileSystemID string    `json:"fileSystemId,omitempty"`
	RemoteIP     string    `json:"remoteIp,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Process      string    `json:"process,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (l LogList) MarshalJSON() ([]byte, error) {
	out := make([]logEnvelope, 0, len(l))
	for _, e := range l {
		switch v := e.(type) {
		case FileLog:
			out = append(out, logEnvelope{Type: LogKindFile, ID: v.ID, At: v.At, Action: v.Action, FileName: v.FileName, FileSystemID: v.FileSystemID})
		case RemoteLog:
			out = append(out, logEnvelope{Type: LogKindRemote, ID: v.ID, At: v.At, Action: v.Action, RemoteIP: v.RemoteIP, Detail: v.Detail})
		case ProcessLog:
			out = append(out, logEnvelope{Type: LogKindProcess, ID: v.ID, At: v.At, Action: v.Action, Process: v.Process})
		default:
			return nil, fmt.Errorf("unsupported log entry %T", e)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Entries with a missing or
// unknown type are dropped: saved data must never abort a load.
func (l *LogList) UnmarshalJSON(data []byte) error {
	var raw []logEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(LogList, 0, len(raw))
	for _, env := range raw {
		meta := LogMeta{ID: env.ID, At: env.At}
		switch env.Type {
		case LogKindFile:
			out = append(out, FileLog{LogMeta: meta, Action: env.Action, FileName: env.FileName, FileSystemID: env.FileSystemID})
		case LogKindRemote:
			out = append(out, RemoteLog{LogMeta: meta, Action: env.Action, RemoteIP: env.RemoteIP, Detail: env.Detail})
		case LogKindProcess:
			out = append(out, ProcessLog{LogMeta: meta, Action: env.Action, Process: env.Process})
		}
	}
	*l = out
	return nil
}

// ValidLogEntry reports whether e is one of the known variants.
func ValidLogEntry(e LogEntry) bool {
	switch e.(type) {
	case FileLog, RemoteLog, ProcessLog:
		return true
	}
	return false
}
