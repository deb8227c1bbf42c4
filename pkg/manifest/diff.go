package manifest

import "sort"

// SyncDelta is the minimal set of differences between two manifests of the
// same entity.
type SyncDelta struct {
	// FilesToRequest are paths present remotely that the local side lacks or
	// holds with a different hash, sorted for determinism.
	FilesToRequest []string
	// FilesToSend maps paths the local side holds that the remote side lacks
	// or holds with a different hash to the local asset.
	FilesToSend map[string]AssetFile
	// MetadataDeltaFlags marks, per blob kind, whether the two manifests
	// disagree. Unflagged kinds need not be transferred.
	MetadataDeltaFlags map[BlobKind]bool
}

// Empty reports whether the delta requires no transfer in either direction.
func (d SyncDelta) Empty() bool {
	if len(d.FilesToRequest) > 0 || len(d.FilesToSend) > 0 {
		return false
	}
	for _, differs := range d.MetadataDeltaFlags {
		if differs {
			return false
		}
	}
	return true
}

// Diff compares a local and a remote manifest of the same entity and computes
// the minimal transfer set. localFiles supplies the assets the local side
// actually holds; paths missing from it are never offered for sending even if
// the local manifest lists them. Diff is pure: callers persist manifests for
// future diffs themselves.
func Diff(local, remote Manifest, localFiles map[string]AssetFile) SyncDelta {
	delta := SyncDelta{
		FilesToSend:        make(map[string]AssetFile),
		MetadataDeltaFlags: make(map[BlobKind]bool, len(BlobKinds())),
	}

	for path, remoteHash := range remote.FileHashes {
		localHash, ok := local.FileHashes[path]
		if !ok || localHash != remoteHash {
			delta.FilesToRequest = append(delta.FilesToRequest, path)
		}
	}
	sort.Strings(delta.FilesToRequest)

	for path, localHash := range local.FileHashes {
		remoteHash, ok := remote.FileHashes[path]
		if ok && remoteHash == localHash {
			continue
		}
		if file, held := localFiles[path]; held {
			delta.FilesToSend[path] = file
		}
	}

	for _, kind := range BlobKinds() {
		delta.MetadataDeltaFlags[kind] = !blobEqual(local.MetadataBlobs.Get(kind), remote.MetadataBlobs.Get(kind))
	}

	return delta
}

func blobEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
