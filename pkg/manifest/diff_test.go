package manifest

import (
	"reflect"
	"testing"
)

func strptr(s string) *string { return &s }

func TestDiffFilesToRequestAndSend(t *testing.T) {
	local := Manifest{
		OwnerID: "owner-1",
		FileHashes: map[string]string{
			"shared.tex":  "aaaa",
			"stale.tex":   "bbbb",
			"local_only":  "cccc",
			"unheld.data": "dddd",
		},
	}
	remote := Manifest{
		OwnerID: "owner-1",
		FileHashes: map[string]string{
			"shared.tex":  "aaaa",
			"stale.tex":   "eeee",
			"remote_only": "ffff",
		},
	}
	localFiles := map[string]AssetFile{
		"shared.tex": {Path: "shared.tex", ContentHash: "aaaa"},
		"stale.tex":  {Path: "stale.tex", ContentHash: "bbbb"},
		"local_only": {Path: "local_only", ContentHash: "cccc"},
	}

	delta := Diff(local, remote, localFiles)

	wantRequest := []string{"remote_only", "stale.tex"}
	if !reflect.DeepEqual(delta.FilesToRequest, wantRequest) {
		t.Fatalf("FilesToRequest mismatch: got %v want %v", delta.FilesToRequest, wantRequest)
	}

	if _, ok := delta.FilesToSend["stale.tex"]; !ok {
		t.Fatalf("expected stale.tex in FilesToSend")
	}
	if _, ok := delta.FilesToSend["local_only"]; !ok {
		t.Fatalf("expected local_only in FilesToSend")
	}
	if _, ok := delta.FilesToSend["unheld.data"]; ok {
		t.Fatalf("unheld.data must not be offered: local side does not hold it")
	}
	if _, ok := delta.FilesToSend["shared.tex"]; ok {
		t.Fatalf("shared.tex is identical and must not be sent")
	}
}

func TestDiffIsPureAndSymmetricOnEqualManifests(t *testing.T) {
	m := Manifest{
		OwnerID:    "owner-1",
		FileHashes: map[string]string{"a": "1", "b": "2"},
		MetadataBlobs: MetadataBlobs{
			Appearance: strptr("glam"),
		},
	}
	files := map[string]AssetFile{
		"a": {Path: "a", ContentHash: "1"},
		"b": {Path: "b", ContentHash: "2"},
	}

	delta := Diff(m, m, files)
	if !delta.Empty() {
		t.Fatalf("diff of identical manifests must be empty: %+v", delta)
	}
	if len(m.FileHashes) != 2 {
		t.Fatalf("Diff mutated its input")
	}
}

func TestDiffMetadataFlags(t *testing.T) {
	local := Manifest{
		MetadataBlobs: MetadataBlobs{
			Appearance: strptr("glam-v1"),
			Pose:       strptr("idle"),
		},
	}
	remote := Manifest{
		MetadataBlobs: MetadataBlobs{
			Appearance: strptr("glam-v2"),
			Pose:       strptr("idle"),
			Honorific:  strptr("the Bold"),
		},
	}

	delta := Diff(local, remote, nil)
	if !delta.MetadataDeltaFlags[BlobAppearance] {
		t.Fatalf("appearance differs and must be flagged")
	}
	if delta.MetadataDeltaFlags[BlobPose] {
		t.Fatalf("pose is equal and must not be flagged")
	}
	if !delta.MetadataDeltaFlags[BlobHonorific] {
		t.Fatalf("honorific set on one side only must be flagged")
	}
}

func TestDiffAgainstEmptyLocal(t *testing.T) {
	remote := Manifest{
		FileHashes: map[string]string{"x": "1", "y": "2", "z": "3"},
	}
	delta := Diff(Manifest{FileHashes: map[string]string{}}, remote, nil)

	want := []string{"x", "y", "z"}
	if !reflect.DeepEqual(delta.FilesToRequest, want) {
		t.Fatalf("expected all remote files requested: got %v", delta.FilesToRequest)
	}
	if len(delta.FilesToSend) != 0 {
		t.Fatalf("nothing to send from an empty local side")
	}
}
