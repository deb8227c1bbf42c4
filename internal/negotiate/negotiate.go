// Package negotiate computes and reconciles channel budgets for a
// bundle transfer. Each peer derives a requested channel count from its
// own data volume and memory headroom, then the two requests are folded
// into one deterministic budget split between the sides.
package negotiate

import (
	"github.com/bytebundle/bytebundle/pkg/manifest"
	"github.com/bytebundle/bytebundle/pkg/protocol"
)

const (
	// BufferPerChannelMB is the working-set memory each open channel is
	// assumed to pin on a peer.
	BufferPerChannelMB = 16

	// safetyDivisor halves the memory-derived channel cap so a transfer
	// never claims more than half of a peer's reported headroom.
	safetyDivisor = 2

	// LargeFileBytes classifies a file as large for capability counting
	// and dedicated-channel assignment.
	LargeFileBytes = 10 * 1024 * 1024
)

// CalculateCapabilities snapshots what this peer intends to transfer
// and how many channels it can sustain for it.
func CalculateCapabilities(files []manifest.AssetFile, ownerID string, availableMemoryMB int64) protocol.ChannelCapabilities {
	var totalBytes int64
	large := 0
	for _, f := range files {
		totalBytes += f.SizeBytes
		if f.SizeBytes >= LargeFileBytes {
			large++
		}
	}
	totalMB := ceilDiv(totalBytes, 1024*1024)

	requested := tierChannels(totalMB)
	if totalMB >= 2000 {
		// The top tier respects the peer's memory headroom as well.
		if memCap := memChannelCap(availableMemoryMB); requested > memCap {
			requested = memCap
		}
	}

	return protocol.ChannelCapabilities{
		OwnerID:           ownerID,
		FileCount:         len(files),
		LargeFileCount:    large,
		SmallFileCount:    len(files) - large,
		AvailableMemoryMB: availableMemoryMB,
		TotalDataMB:       totalMB,
		RequestedChannels: requested,
	}
}

// NegotiateChannels folds two peers' capability snapshots into one
// channel budget and splits it proportionally to each side's share of
// the combined data. Both sides always get at least one channel. The
// result depends only on the inputs.
func NegotiateChannels(local, remote protocol.ChannelCapabilities) (localChannels, remoteChannels int) {
	combinedMB := local.TotalDataMB + remote.TotalDataMB
	if combinedMB == 0 {
		return 1, 1
	}

	budget := tierChannels(combinedMB)
	minMem := local.AvailableMemoryMB
	if remote.AvailableMemoryMB < minMem {
		minMem = remote.AvailableMemoryMB
	}
	if memCap := memChannelCap(minMem); budget > memCap {
		budget = memCap
	}
	// The floor of one channel per side implies a minimum budget of two.
	if budget < 2 {
		budget = 2
	}

	localChannels = int(int64(budget) * local.TotalDataMB / combinedMB)
	remoteChannels = int(int64(budget) * remote.TotalDataMB / combinedMB)
	localChannels = floorOne(localChannels)
	remoteChannels = floorOne(remoteChannels)

	if sum := localChannels + remoteChannels; sum > budget {
		localChannels = floorOne(localChannels * budget / sum)
		remoteChannels = floorOne(remoteChannels * budget / sum)
	}
	return localChannels, remoteChannels
}

// tierChannels maps a data volume in MiB onto a requested channel
// count. Small transfers stay on one or two channels to avoid setup
// overhead; large ones scale up under a per-tier cap.
func tierChannels(totalMB int64) int {
	switch {
	case totalMB <= 0:
		return 1
	case totalMB < 100:
		return capAt(2, ceilDiv(totalMB, 50))
	case totalMB < 500:
		return capAt(4, ceilDiv(totalMB, 50))
	case totalMB < 2000:
		return capAt(8, ceilDiv(totalMB, 100))
	default:
		return capAt(16, ceilDiv(totalMB, 200))
	}
}

func memChannelCap(availableMemoryMB int64) int {
	n := int(availableMemoryMB / BufferPerChannelMB / safetyDivisor)
	return floorOne(n)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func capAt(limit int, v int64) int {
	if v > int64(limit) {
		return limit
	}
	return int(v)
}

func floorOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
