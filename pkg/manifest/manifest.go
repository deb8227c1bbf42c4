package manifest

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// AssetFile is a single binary asset in an entity's bundle.
// Identity is Path: two files with the same path and content hash are the
// same file regardless of origin. Content may be nil when only the digest
// is known (e.g. on the requesting side).
type AssetFile struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
	Content     []byte `json:"content,omitempty"`
}

// BlobKind identifies one of the known metadata blob kinds.
type BlobKind string

const (
	BlobAppearance BlobKind = "appearance"
	BlobPose       BlobKind = "pose"
	BlobHonorific  BlobKind = "honorific"
)

// BlobKinds returns every known metadata blob kind.
func BlobKinds() []BlobKind {
	return []BlobKind{BlobAppearance, BlobPose, BlobHonorific}
}

// MetadataBlobs is the closed set of non-file metadata carried alongside an
// entity's assets. Each kind is explicitly optional; a nil field means the
// entity has no data of that kind.
type MetadataBlobs struct {
	Appearance *string `json:"appearance,omitempty"`
	Pose       *string `json:"pose,omitempty"`
	Honorific  *string `json:"honorific,omitempty"`
}

// Get returns the value for a kind, or nil if unset or unknown.
func (m MetadataBlobs) Get(kind BlobKind) *string {
	switch kind {
	case BlobAppearance:
		return m.Appearance
	case BlobPose:
		return m.Pose
	case BlobHonorific:
		return m.Honorific
	default:
		return nil
	}
}

// Set assigns the value for a kind. Unknown kinds are an error so callers
// cannot smuggle in unenumerated blob data.
func (m *MetadataBlobs) Set(kind BlobKind, value string) error {
	switch kind {
	case BlobAppearance:
		m.Appearance = &value
	case BlobPose:
		m.Pose = &value
	case BlobHonorific:
		m.Honorific = &value
	default:
		return fmt.Errorf("unknown blob kind %q", kind)
	}
	return nil
}

// Manifest is a compact digest of one entity's bundle: file hashes plus
// metadata blob state. It is used only for diffing and is never authoritative
// for transfer completion.
type Manifest struct {
	OwnerID       string            `json:"owner_id"`
	FileHashes    map[string]string `json:"file_hashes"`
	MetadataBlobs MetadataBlobs     `json:"metadata_blobs"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HashContent returns the 16-hex-character xxhash64 digest of data.
func HashContent(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Build creates a manifest from the given files and blobs. Files without a
// precomputed ContentHash are hashed here when content is available.
func Build(ownerID string, files []AssetFile, blobs MetadataBlobs) Manifest {
	hashes := make(map[string]string, len(files))
	for _, f := range files {
		hash := f.ContentHash
		if hash == "" && f.Content != nil {
			hash = HashContent(f.Content)
		}
		hashes[f.Path] = hash
	}
	return Manifest{
		OwnerID:       ownerID,
		FileHashes:    hashes,
		MetadataBlobs: blobs,
		UpdatedAt:     time.Now(),
	}
}
