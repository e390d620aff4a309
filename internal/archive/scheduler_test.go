package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTransferChunkPadsLastChunk(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(dir, "archive")
	archive, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()
	if err := archive.Truncate(1024); err != nil {
		t.Fatal(err)
	}

	item := ChunkWorkItem{SourcePath: src, FileSize: 5, ChunkIndex: 0, ArchiveBaseOffset: 0}
	buf := make([]byte, 64)
	n, err := transferChunk(archive, item, 1<<20, true, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("transferred %d bytes, want 5", n)
	}

	got := make([]byte, 512)
	if _, err := archive.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if string(got[:5]) != "hello" {
		t.Errorf("payload = %q, want hello", got[:5])
	}
	for i := 5; i < 512; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d not zero-padded: %d", i, got[i])
		}
	}
}

func TestTransferChunkMultiChunkFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	content := make([]byte, 2500)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(dir, "archive")
	archive, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer archive.Close()
	if err := archive.Truncate(4096); err != nil {
		t.Fatal(err)
	}

	const chunkSize = int64(1024)
	buf := make([]byte, 64)
	n := numChunks(2500, chunkSize)
	last := lastChunkIndex(2500, chunkSize)
	var total int64
	for k := int64(0); k < n; k++ {
		item := ChunkWorkItem{SourcePath: src, FileSize: 2500, ChunkIndex: k, ArchiveBaseOffset: 0}
		got, err := transferChunk(archive, item, chunkSize, k == last, buf)
		if err != nil {
			t.Fatal(err)
		}
		total += got
	}
	if total != 2500 {
		t.Errorf("transferred %d total bytes, want 2500", total)
	}

	roundTrip := make([]byte, 2500)
	if _, err := archive.ReadAt(roundTrip, 0); err != nil {
		t.Fatal(err)
	}
	for i := range content {
		if roundTrip[i] != content[i] {
			t.Fatalf("byte %d: got %d, want %d", i, roundTrip[i], content[i])
		}
	}
}

func TestPreCreateDirsCreatesParents(t *testing.T) {
	dir := t.TempDir()
	list := MetadataList{
		Entries: []Entry{
			{Path: filepath.Join(dir, "a/b/c.txt"), Kind: KindFile},
		},
	}
	if err := PreCreateDirs(list); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(filepath.Join(dir, "a/b")); err != nil || !fi.IsDir() {
		t.Errorf("expected a/b to be created as a directory: %v", err)
	}
}

func TestMaterializeSymlinks(t *testing.T) {
	dir := t.TempDir()
	linkPath := filepath.Join(dir, "link")
	list := MetadataList{
		Entries: []Entry{
			{Path: linkPath, Kind: KindSymlink, LinkTarget: "target"},
		},
	}
	if err := MaterializeSymlinks(list); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatal(err)
	}
	if target != "target" {
		t.Errorf("got link target %q, want target", target)
	}
}
