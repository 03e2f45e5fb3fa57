package events

import (
	"github.com/signalsfoundry/sourcenet-core/model"
)

// Kind names an event type on the bus.
type Kind string

const (
	KindNetworkConnected       Kind = "networkConnected"
	KindNetworkDisconnected    Kind = "networkDisconnected"
	KindNetworkDiscovered      Kind = "networkDiscovered"
	KindNetworkAccessGranted   Kind = "networkAccessGranted"
	KindNetworkAccessRevoked   Kind = "networkAccessRevoked"
	KindFileSystemChanged      Kind = "fileSystemChanged"
	KindRegistryLoaded         Kind = "registryLoaded"
	KindAVThreatDetected       Kind = "avThreatDetected"
	KindFileDecryptionComplete Kind = "fileDecryptionComplete"
	KindFileUploadComplete     Kind = "fileUploadComplete"
	KindFileDownloadComplete   Kind = "fileDownloadComplete"
	KindRecoveryScanComplete   Kind = "recoveryScanComplete"
	KindSecureDeleteComplete   Kind = "secureDeleteComplete"
	KindOperationCancelled     Kind = "operationCancelled"
)

// Event is implemented by every payload type; each payload type maps to
// exactly one Kind.
type Event interface {
	Kind() Kind
}

// NetworkConnected is emitted when the player opens a session to a network.
type NetworkConnected struct {
	NetworkID string
}

// NetworkDisconnected is emitted after a session closes and its in-flight
// operations have been cancelled.
type NetworkDisconnected struct {
	NetworkID           string
	Reason              string
	CancelledOperations int
}

// NetworkDiscovered is emitted when a network first shows up in the NAR.
type NetworkDiscovered struct {
	NetworkID string
}

// NetworkAccessGranted lists the devices the grant unlocked.
type NetworkAccessGranted struct {
	NetworkID string
	DeviceIPs []string
}

// NetworkAccessRevoked is total: every device on the network lost access.
type NetworkAccessRevoked struct {
	NetworkID string
	Reason    string
}

// FileSystemChanged carries the full updated file list, not a diff.
type FileSystemChanged struct {
	FileSystemID string
	Files        []model.File
}

// RegistryLoaded is emitted after a snapshot replaced the whole registry.
type RegistryLoaded struct {
	Networks    int
	Devices     int
	FileSystems int
}

// AVThreatDetected is emitted once per malware file found by an AV scan.
type AVThreatDetected struct {
	FileSystemID string
	FileName     string
	DeviceIP     string
}

// FileDecryptionComplete reports one removed layer.
type FileDecryptionComplete struct {
	OperationID     string
	FileSystemID    string
	OriginalName    string
	FileName        string
	LayersRemaining int
}

// FileUploadComplete reports a file placed on a remote file system.
type FileUploadComplete struct {
	OperationID  string
	NetworkID    string
	FileSystemID string
	FileName     string
}

// FileDownloadComplete reports a file copied to the local file system.
type FileDownloadComplete struct {
	OperationID       string
	NetworkID         string
	FileSystemID      string
	LocalFileSystemID string
	FileName          string
}

// RecoveryScanComplete lists the deleted files a finished scan revealed.
type RecoveryScanComplete struct {
	OperationID  string
	FileSystemID string
	Discovered   []string
}

// SecureDeleteComplete reports files removed for good.
type SecureDeleteComplete struct {
	OperationID  string
	FileSystemID string
	FileNames    []string
}

// OperationCancelled reports an in-flight operation that will not complete.
type OperationCancelled struct {
	OperationID string
	Type        string
	NetworkID   string
	Reason      string
}

func (NetworkConnected) Kind() Kind       { return KindNetworkConnected }
func (NetworkDisconnected) Kind() Kind    { return KindNetworkDisconnected }
func (NetworkDiscovered) Kind() Kind      { return KindNetworkDiscovered }
func (NetworkAccessGranted) Kind() Kind   { return KindNetworkAccessGranted }
func (NetworkAccessRevoked) Kind() Kind   { return KindNetworkAccessRevoked }
func (FileSystemChanged) Kind() Kind      { return KindFileSystemChanged }
func (RegistryLoaded) Kind() Kind         { return KindRegistryLoaded }
func (AVThreatDetected) Kind() Kind       { return KindAVThreatDetected }
func (FileDecryptionComplete) Kind() Kind { return KindFileDecryptionComplete }
func (FileUploadComplete) Kind() Kind     { return KindFileUploadComplete }
func (FileDownloadComplete) Kind() Kind   { return KindFileDownloadComplete }
func (RecoveryScanComplete) Kind() Kind   { return KindRecoveryScanComplete }
func (SecureDeleteComplete) Kind() Kind   { return KindSecureDeleteComplete }
func (OperationCancelled) Kind() Kind     { return KindOperationCancelled }
