package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// HashFile computes the SHA-256 of a regular file's bytes.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashDir computes a deterministic SHA-256 over a directory tree: the sorted
// sequence of slash-separated relative paths, each followed by that file's
// content hash. Reproducible across hosts regardless of walk order.
func HashDir(ctx context.Context, root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		fileHash, err := HashFile(ctx, filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		raw, err := hex.DecodeString(fileHash)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\n", rel)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPath hashes either a file or a directory tree and reports which it was.
func HashPath(ctx context.Context, path string) (hash string, isDir bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		hash, err = HashDir(ctx, path)
		return hash, true, err
	}
	hash, err = HashFile(ctx, path)
	return hash, false, err
}
