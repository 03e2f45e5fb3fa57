package model

// Network log lists are capped; the oldest entries are dropped first.
const (
	MaxNetworkLogs = 200
	MaxDeviceLogs  = 100
)

// Network is a remote subnet the player can discover and be granted
// access to. Address is a CIDR string and is expected to be unique across
// the registry; uniqueness is checked by callers via IsSubnetInUse.
type Network struct {
	NetworkID     string  `json:"networkId"`
	NetworkName   string  `json:"networkName,omitempty"`
	Address       string  `json:"address,omitempty"`
	Bandwidth     float64 `json:"bandwidth,omitempty"` // Mbps
	Accessible    bool    `json:"accessible"`
	Discovered    bool    `json:"discovered"`
	RevokedReason string  `json:"revokedReason,omitempty"`
	Logs          LogList `json:"logs,omitempty"`
}

// Clone returns a deep copy of the network.
func (n Network) Clone() Network {
	out := n
	if n.Logs != nil {
		out.Logs = append(LogList(nil), n.Logs...)
	}
	return out
}

// AccessState describes where a network sits in the NAR lifecycle.
type AccessState string

const (
	AccessUndiscovered AccessState = "undiscovered"
	AccessDiscovered   AccessState = "discovered"
	AccessGranted      AccessState = "accessible"
	AccessRevoked      AccessState = "revoked"
)

// State derives the access-control state from the network flags.
func (n Network) State() AccessState {
	switch {
	case !n.Discovered:
		return AccessUndiscovered
	case n.Accessible:
		return AccessGranted
	case n.RevokedReason != "":
		return AccessRevoked
	default:
		return AccessDiscovered
	}
}

// Device is a host on a network. The first entry of FileSystemIDs is the
// primary volume; further entries are additional volumes.
type Device struct {
	IP            string   `json:"ip"`
	Hostname      string   `json:"hostname,omitempty"`
	DeviceType    string   `json:"type,omitempty"`
	NetworkID     string   `json:"networkId,omitempty"`
	FileSystemIDs []string `json:"fileSystemIds,omitempty"`
	Accessible    bool     `json:"accessible"`
	Logs          LogList  `json:"logs,omitempty"`
}

// PrimaryFileSystemID returns the device's main volume, or "" when it has none.
func (d Device) PrimaryFileSystemID() string {
	if len(d.FileSystemIDs) == 0 {
		return ""
	}
	return d.FileSystemIDs[0]
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	out := d
	if d.FileSystemIDs != nil {
		out.FileSystemIDs = append([]string(nil), d.FileSystemIDs...)
	}
	if d.Logs != nil {
		out.Logs = append(LogList(nil), d.Logs...)
	}
	return out
}
