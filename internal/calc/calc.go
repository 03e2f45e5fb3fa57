// Package calc holds the pure duration and progress math behind transfers,
// decryption, scans and deletes. Every function is deterministic and never
// returns a negative, NaN or sub-floor result.
package calc

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/sourcenet-core/model"
)

const (
	// MinTransferDuration is the floor for any download/upload.
	MinTransferDuration = 3 * time.Second
	// MinDecryptionDuration is the floor for peeling one encryption layer.
	MinDecryptionDuration = 5 * time.Second
	// MinScanDuration is the floor for a data-recovery scan.
	MinScanDuration = 3 * time.Second
	// ScanTimePerGB is the data-recovery scan cost per GB of content.
	ScanTimePerGB = 3 * time.Second

	// AV scans take between MinAVScanDuration and MaxAVScanDuration
	// depending on CPU capacity.
	MinAVScanDuration = 5 * time.Second
	MaxAVScanDuration = 8 * time.Second
	// avBaselineCapacity is the GHz*cores rig that gets the slowest AV scan.
	avBaselineCapacity = 2.0

	// SecureDeleteMultiplier makes a secure delete this many times slower
	// than a plain transfer of the same size.
	SecureDeleteMultiplier = 5

	// DefaultFileSizeMB is used for any size string that does not parse.
	DefaultFileSizeMB = 1.0

	// minBandwidthMbps keeps a zero or negative bandwidth from producing
	// an infinite duration.
	minBandwidthMbps = 1.0
	minCPUGhz        = 0.1
)

var (
	fileSizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(KB|MB|GB)\s*$`)
	cpuGhzPattern   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*GHz`)
	cpuCoresPattern = regexp.MustCompile(`(?i)(\d+)\s*cores?`)
)

// ParseFileSize converts "<number> <KB|MB|GB>" into megabytes. Anything
// else yields DefaultFileSizeMB.
func ParseFileSize(size string) float64 {
	m := fileSizePattern.FindStringSubmatch(size)
	if m == nil {
		return DefaultFileSizeMB
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return DefaultFileSizeMB
	}
	switch strings.ToUpper(m[2]) {
	case "KB":
		return value / 1024
	case "GB":
		return value * 1024
	default:
		return value
	}
}

// FormatFileSize renders megabytes back into the "<number> <unit>" form.
func FormatFileSize(mb float64) string {
	mb = sanitize(mb)
	switch {
	case mb >= 1024:
		return trimFloat(mb/1024) + " GB"
	case mb < 1:
		return trimFloat(mb*1024) + " KB"
	default:
		return trimFloat(mb) + " MB"
	}
}

// CalculateTransferDuration returns how long moving sizeMB takes over
// bandwidthMbps when this operation gets share of the link.
// A share outside (0, 1] is treated as 1.
func CalculateTransferDuration(sizeMB, bandwidthMbps, share float64) time.Duration {
	sizeMB = sanitize(sizeMB)
	if math.IsNaN(bandwidthMbps) || bandwidthMbps < minBandwidthMbps {
		bandwidthMbps = minBandwidthMbps
	}
	if math.IsNaN(share) || share <= 0 || share > 1 {
		share = 1
	}
	ms := sizeMB / ((bandwidthMbps / 8) * share) * 1000
	return atLeast(millis(ms), MinTransferDuration)
}

// CalculateDecryptionDuration returns how long one layer of sizeMB takes
// on the given CPU. The CPU decrypts ghz*cores*2 MB per second.
func CalculateDecryptionDuration(sizeMB, cpuGhz float64, cpuCores int) time.Duration {
	sizeMB = sanitize(sizeMB)
	if math.IsNaN(cpuGhz) || cpuGhz < minCPUGhz {
		cpuGhz = minCPUGhz
	}
	if cpuCores < 1 {
		cpuCores = 1
	}
	ms := sizeMB / (cpuGhz * float64(cpuCores) * 2) * 1000
	return atLeast(millis(ms), MinDecryptionDuration)
}

// CalculateBandwidthShare divides the link equally among active operations.
func CalculateBandwidthShare(activeOperations int) float64 {
	if activeOperations <= 0 {
		return 1.0
	}
	return 1.0 / float64(activeOperations)
}

// EffectiveBandwidth is the slower of the network link and the local
// adapter. A non-positive value means "no limit from that side".
func EffectiveBandwidth(networkMbps, adapterMbps float64) float64 {
	networkMbps, adapterMbps = sanitize(networkMbps), sanitize(adapterMbps)
	switch {
	case networkMbps <= 0:
		return adapterMbps
	case adapterMbps <= 0:
		return networkMbps
	default:
		return math.Min(networkMbps, adapterMbps)
	}
}

// CalculateScanDuration is 3 seconds per GB of every file in the file
// system, deleted or not, with a 3 second floor.
func CalculateScanDuration(files []model.File) time.Duration {
	var totalMB float64
	for _, f := range files {
		totalMB += ParseFileSize(f.Size)
	}
	totalGB := totalMB / 1024
	ms := totalGB * float64(ScanTimePerGB/time.Millisecond)
	return atLeast(millis(ms), MinScanDuration)
}

// CalculateAVScanDuration scales from 8s on a single 2 GHz core down to a
// 5s floor on faster rigs.
func CalculateAVScanDuration(cpuGhz float64, cpuCores int) time.Duration {
	if math.IsNaN(cpuGhz) || cpuGhz < minCPUGhz {
		cpuGhz = minCPUGhz
	}
	if cpuCores < 1 {
		cpuCores = 1
	}
	capacity := cpuGhz * float64(cpuCores)
	ms := float64(MaxAVScanDuration/time.Millisecond) * math.Min(1, avBaselineCapacity/capacity)
	return atLeast(millis(ms), MinAVScanDuration)
}

// CalculateSecureDeleteDuration is SecureDeleteMultiplier times the
// transfer duration of the same payload.
func CalculateSecureDeleteDuration(sizeMB, bandwidthMbps, share float64) time.Duration {
	return SecureDeleteMultiplier * CalculateTransferDuration(sizeMB, bandwidthMbps, share)
}

// CalculateProgress returns the percentage of total elapsed between start
// and now, clamped to [0, 100]. A non-positive total is complete.
func CalculateProgress(start, now time.Time, total time.Duration) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(now.Sub(start)) / float64(total) * 100
	return ClampPercent(pct)
}

// ClampPercent bounds p to [0, 100] and maps NaN to 0.
func ClampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// DiscoveredCount returns how many of n deleted files a scan at progress
// has revealed. File i becomes visible once progress >= (i+1)/n*100.
func DiscoveredCount(n int, progress float64) int {
	if n <= 0 {
		return 0
	}
	progress = ClampPercent(progress)
	count := 0
	for i := 0; i < n; i++ {
		if progress >= float64(i+1)*100/float64(n) {
			count++
		} else {
			break
		}
	}
	return count
}

// DiscoveredDeletedFiles returns the prefix of deleted (in their fixed
// order) that a scan at progress has revealed.
func DiscoveredDeletedFiles(deleted []model.File, progress float64) []model.File {
	n := DiscoveredCount(len(deleted), progress)
	return model.CloneFiles(deleted[:n])
}

// ParseCPUSpec reads strings like "2GHz, 2 cores" or "3.5 GHz 8 cores".
// Missing parts default to 1; ok is false when neither part was found.
func ParseCPUSpec(spec string) (ghz float64, cores int, ok bool) {
	ghz, cores = 1, 1
	if m := cpuGhzPattern.FindStringSubmatch(spec); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			ghz, ok = v, true
		}
	}
	if m := cpuCoresPattern.FindStringSubmatch(spec); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			cores, ok = v, true
		}
	}
	return ghz, cores, ok
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func millis(ms float64) time.Duration {
	if math.IsNaN(ms) || ms < 0 {
		return 0
	}
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Floor(ms)) * time.Millisecond
}

func atLeast(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}
