package manifest

import "testing"

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("hello"))
	b := HashContent([]byte("hello"))
	c := HashContent([]byte("hello!"))

	if len(a) != 16 {
		t.Fatalf("unexpected hash length: %q", a)
	}
	if a != b {
		t.Fatalf("hashing is not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct content produced equal hashes")
	}
}

func TestBuildComputesMissingHashes(t *testing.T) {
	files := []AssetFile{
		{Path: "a.tex", Content: []byte("content-a")},
		{Path: "b.tex", ContentHash: "precomputed01234"},
	}

	m := Build("owner-1", files, MetadataBlobs{})
	if m.OwnerID != "owner-1" {
		t.Fatalf("owner mismatch: %q", m.OwnerID)
	}
	if m.FileHashes["a.tex"] != HashContent([]byte("content-a")) {
		t.Fatalf("hash not computed for a.tex: %q", m.FileHashes["a.tex"])
	}
	if m.FileHashes["b.tex"] != "precomputed01234" {
		t.Fatalf("precomputed hash overwritten: %q", m.FileHashes["b.tex"])
	}
	if m.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not set")
	}
}

func TestMetadataBlobsGetSet(t *testing.T) {
	var blobs MetadataBlobs
	for _, kind := range BlobKinds() {
		if blobs.Get(kind) != nil {
			t.Fatalf("kind %q should start unset", kind)
		}
	}

	if err := blobs.Set(BlobPose, "sitting"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := blobs.Get(BlobPose); got == nil || *got != "sitting" {
		t.Fatalf("Get after Set mismatch: %v", got)
	}

	if err := blobs.Set(BlobKind("mystery"), "x"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if blobs.Get(BlobKind("mystery")) != nil {
		t.Fatalf("unknown kind must read as nil")
	}
}
