package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDirRoundTrip(t *testing.T) {
	src := t.TempDir()

	files := map[string][]byte{
		"body.vgo":            []byte("body-bytes"),
		"textures/skin.tex":   []byte("skin-bytes"),
		"textures/cloth.tex":  []byte("cloth-bytes"),
		"animations/wave.pap": []byte("wave-bytes"),
	}
	var blobs MetadataBlobs
	if err := blobs.Set(BlobAppearance, "slim-fit"); err != nil {
		t.Fatal(err)
	}
	if err := blobs.Set(BlobPose, "idle-2"); err != nil {
		t.Fatal(err)
	}
	if err := WriteDir(src, files, blobs); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}

	loaded, loadedBlobs, err := LoadDir(src)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(loaded) != len(files) {
		t.Fatalf("expected %d files, got %d", len(files), len(loaded))
	}
	for _, f := range loaded {
		want, ok := files[f.Path]
		if !ok {
			t.Errorf("unexpected file %q", f.Path)
			continue
		}
		if string(f.Content) != string(want) {
			t.Errorf("file %q content mismatch", f.Path)
		}
		if f.SizeBytes != int64(len(want)) {
			t.Errorf("file %q size %d, want %d", f.Path, f.SizeBytes, len(want))
		}
		if f.ContentHash != HashContent(want) {
			t.Errorf("file %q hash mismatch", f.Path)
		}
	}
	if loadedBlobs.Appearance == nil || *loadedBlobs.Appearance != "slim-fit" {
		t.Errorf("appearance blob not round-tripped: %v", loadedBlobs.Appearance)
	}
	if loadedBlobs.Pose == nil || *loadedBlobs.Pose != "idle-2" {
		t.Errorf("pose blob not round-tripped: %v", loadedBlobs.Pose)
	}
	if loadedBlobs.Honorific != nil {
		t.Errorf("unexpected honorific blob: %v", *loadedBlobs.Honorific)
	}
}

func TestLoadDirSkipsMetaFiles(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, ".meta"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, ".meta", "appearance"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.vgo"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, _, err := LoadDir(src)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(files) != 1 || files[0].Path != "a.vgo" {
		t.Fatalf("expected only a.vgo, got %v", files)
	}
}

func TestLoadDirRejectsFile(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "plain")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadDir(path); err == nil {
		t.Fatal("expected error for non-directory")
	}
}

func TestWriteDirRejectsTraversal(t *testing.T) {
	dst := t.TempDir()
	err := WriteDir(dst, map[string][]byte{"../escape": []byte("x")}, MetadataBlobs{})
	if err == nil {
		t.Fatal("expected error for path traversal")
	}
}
