package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// metaDir holds the metadata blobs inside a bundle directory, one file
// per blob kind. Files under it are not assets.
const metaDir = ".meta"

// LoadDir reads a bundle directory into asset files and metadata
// blobs. Asset paths are slash-separated and relative to root.
func LoadDir(root string) ([]AssetFile, MetadataBlobs, error) {
	var files []AssetFile
	var blobs MetadataBlobs

	info, err := os.Stat(root)
	if err != nil {
		return nil, blobs, fmt.Errorf("open bundle dir: %w", err)
	}
	if !info.IsDir() {
		return nil, blobs, fmt.Errorf("bundle path %q is not a directory", root)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == metaDir {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(rel, metaDir+"/") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, AssetFile{
			Path:        rel,
			SizeBytes:   int64(len(data)),
			ContentHash: HashContent(data),
			Content:     data,
		})
		return nil
	})
	if err != nil {
		return nil, blobs, fmt.Errorf("walk bundle dir: %w", err)
	}

	for _, kind := range BlobKinds() {
		data, err := os.ReadFile(filepath.Join(root, metaDir, string(kind)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, blobs, fmt.Errorf("read blob %s: %w", kind, err)
		}
		if err := blobs.Set(kind, strings.TrimRight(string(data), "\n")); err != nil {
			return nil, blobs, err
		}
	}
	return files, blobs, nil
}

// WriteDir materializes received files and blobs under root, creating
// directories as needed. Paths containing ".." are rejected.
func WriteDir(root string, files map[string][]byte, blobs MetadataBlobs) error {
	for path, content := range files {
		clean := filepath.Clean(filepath.FromSlash(path))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return fmt.Errorf("unsafe asset path %q", path)
		}
		dst := filepath.Join(root, clean)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return err
		}
	}

	for _, kind := range BlobKinds() {
		v := blobs.Get(kind)
		if v == nil {
			continue
		}
		dir := filepath.Join(root, metaDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, string(kind)), []byte(*v), 0o644); err != nil {
			return err
		}
	}
	return nil
}
