package model

// Snapshot is the persisted shape of the network registry. It is embedded
// by the save subsystem alongside unrelated game state.
type Snapshot struct {
	Networks    []Network    `json:"networks"`
	Devices     []Device     `json:"devices"`
	FileSystems []FileSystem `json:"fileSystems"`
}

// Empty reports whether the snapshot holds no entities at all.
func (s Snapshot) Empty() bool {
	return len(s.Networks) == 0 && len(s.Devices) == 0 && len(s.FileSystems) == 0
}

// Hardware describes the player's rig as far as operation timing goes.
type Hardware struct {
	CPUGhz      float64 `json:"cpuGhz"`
	CPUCores    int     `json:"cpuCores"`
	AdapterMbps float64 `json:"adapterMbps"`
}
