package testutil

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/riptide-dl/riptide/internal/config"
	"github.com/riptide-dl/riptide/pkg/database"
)

// SetupConfig points the config singleton at a fresh temp directory and
// returns the loaded instance. mutate may adjust fields before the test runs.
func SetupConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	dir := t.TempDir()
	config.SetConfigPath(dir)
	config.Reload()
	cfg := config.Get()
	cfg.DownloadRoot = filepath.Join(dir, "downloads")
	if mutate != nil {
		mutate(cfg)
	}
	t.Cleanup(config.Reload)
	return cfg
}

// OpenDB opens a throwaway sqlite database in a temp directory.
func OpenDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// BuildTorrent assembles a valid single-file torrent for the given content
// and returns the raw bytes plus the hex info-hash.
func BuildTorrent(t *testing.T, name string, content []byte) ([]byte, string) {
	t.Helper()

	const pieceLength = 262144
	var pieces []byte
	for off := 0; off < len(content); off += pieceLength {
		end := off + pieceLength
		if end > len(content) {
			end = len(content)
		}
		sum := sha1.Sum(content[off:end])
		pieces = append(pieces, sum[:]...)
	}
	if len(content) == 0 {
		sum := sha1.Sum(nil)
		pieces = sum[:]
	}

	info := metainfo.Info{
		Name:        name,
		PieceLength: pieceLength,
		Length:      int64(len(content)),
		Pieces:      pieces,
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("Failed to marshal torrent info: %v", err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}

	blob, err := bencode.Marshal(mi)
	if err != nil {
		t.Fatalf("Failed to marshal torrent: %v", err)
	}
	return blob, mi.HashInfoBytes().HexString()
}

// WriteFile creates a file with the given content under dir, making parents
// as needed, and returns its path.
func WriteFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create parent dirs for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}
