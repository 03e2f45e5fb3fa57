package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFileIsEncrypted(t *testing.T) {
	cases := []struct {
		file File
		want bool
	}{
		{File{Name: "a.txt"}, false},
		{File{Name: "a.txt", Encrypted: true}, true},
		{File{Name: "a.txt.enc"}, true},
	}
	for _, tc := range cases {
		if got := tc.file.IsEncrypted(); got != tc.want {
			t.Fatalf("IsEncrypted(%+v) = %v, want %v", tc.file, got, tc.want)
		}
	}
}

func TestFilePatchApplyLeavesNilFields(t *testing.T) {
	size := int64(10)
	f := File{Name: "a", Size: "1 KB", SizeBytes: &size, Malware: true}
	corrupted := true
	got := FilePatch{Corrupted: &corrupted}.Apply(f)

	if !got.Corrupted || got.Size != "1 KB" || !got.Malware {
		t.Fatalf("Apply() = %+v, want only Corrupted changed", got)
	}
	*got.SizeBytes = 99
	if *f.SizeBytes != 10 {
		t.Fatalf("Apply() shared SizeBytes with the original")
	}
}

func TestLogListJSONDropsUnknownTypes(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	logs := LogList{
		FileLog{LogMeta: LogMeta{ID: "l1", At: at}, Action: "download", FileName: "a.txt"},
		RemoteLog{LogMeta: LogMeta{ID: "l2", At: at}, Action: "connect", RemoteIP: "10.0.0.1"},
		ProcessLog{LogMeta: LogMeta{ID: "l3", At: at}, Process: "sshd", Action: "start"},
	}
	data, err := json.Marshal(logs)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back LogList
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(back) != 3 {
		t.Fatalf("len(back) = %d, want 3", len(back))
	}
	if fl, ok := back[0].(FileLog); !ok || fl.FileName != "a.txt" {
		t.Fatalf("back[0] = %#v, want FileLog a.txt", back[0])
	}

	var partial LogList
	if err := json.Unmarshal([]byte(`[{"id":"x"},{"type":"remote","id":"y"}]`), &partial); err != nil {
		t.Fatalf("Unmarshal partial: %v", err)
	}
	if len(partial) != 1 || partial[0].EntryID() != "y" {
		t.Fatalf("partial = %#v, want only entry y", partial)
	}
}

func TestNetworkState(t *testing.T) {
	n := Network{NetworkID: "n"}
	if n.State() != AccessUndiscovered {
		t.Fatalf("State() = %v, want undiscovered", n.State())
	}
	n.Discovered = true
	if n.State() != AccessDiscovered {
		t.Fatalf("State() = %v, want discovered", n.State())
	}
	n.Accessible = true
	if n.State() != AccessGranted {
		t.Fatalf("State() = %v, want accessible", n.State())
	}
	n.Accessible = false
	n.RevokedReason = "contract ended"
	if n.State() != AccessRevoked {
		t.Fatalf("State() = %v, want revoked", n.State())
	}
}
