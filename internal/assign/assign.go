// Package assign partitions a file set across a negotiated number of
// channels. Files at or above the large-file threshold get dedicated
// channels; the rest are bin-packed onto whatever remains so the
// slowest channel finishes as early as possible.
package assign

import (
	"sort"

	"github.com/bytebundle/bytebundle/pkg/manifest"
)

// DefaultLargeFileBytes is the dedicated-channel threshold.
const DefaultLargeFileBytes = 10 * 1024 * 1024

// Config tunes the assigner.
type Config struct {
	LargeFileBytes int64
}

// Assignment is the result of partitioning one file set.
type Assignment struct {
	// ByChannel maps a channel index to the paths assigned to it.
	// Every input file appears under exactly one index.
	ByChannel map[int][]string

	// ChannelOf is the inverse lookup: path to channel index.
	ChannelOf map[string]int

	// BytesOn holds the cumulative assigned bytes per channel.
	BytesOn map[int]int64
}

// Partition assigns every file to exactly one of channelCount channels.
// Large files each take a dedicated channel, at most channelCount-1 of
// them, so at least one channel always remains for the rest. Remaining
// files go to the currently lightest channel, largest first. Ties break
// on path so the same inputs always produce the same partition.
func Partition(files []manifest.AssetFile, channelCount int, cfg Config) Assignment {
	if channelCount < 1 {
		channelCount = 1
	}
	threshold := cfg.LargeFileBytes
	if threshold <= 0 {
		threshold = DefaultLargeFileBytes
	}

	sorted := make([]manifest.AssetFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SizeBytes != sorted[j].SizeBytes {
			return sorted[i].SizeBytes > sorted[j].SizeBytes
		}
		return sorted[i].Path < sorted[j].Path
	})

	a := Assignment{
		ByChannel: make(map[int][]string, channelCount),
		ChannelOf: make(map[string]int, len(files)),
		BytesOn:   make(map[int]int64, channelCount),
	}
	for i := 0; i < channelCount; i++ {
		a.ByChannel[i] = nil
		a.BytesOn[i] = 0
	}

	// Dedicated channels for large files, leaving at least one shared.
	maxDedicated := channelCount - 1
	dedicated := 0
	rest := make([]manifest.AssetFile, 0, len(sorted))
	for _, f := range sorted {
		if f.SizeBytes >= threshold && dedicated < maxDedicated {
			a.place(dedicated, f)
			dedicated++
			continue
		}
		rest = append(rest, f)
	}

	// First-fit decreasing over the channels the large files left free.
	for _, f := range rest {
		target := dedicated
		for ch := dedicated; ch < channelCount; ch++ {
			if a.BytesOn[ch] < a.BytesOn[target] {
				target = ch
			}
		}
		a.place(target, f)
	}

	return a
}

func (a *Assignment) place(ch int, f manifest.AssetFile) {
	a.ByChannel[ch] = append(a.ByChannel[ch], f.Path)
	a.ChannelOf[f.Path] = ch
	a.BytesOn[ch] += f.SizeBytes
}
