package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdtar/pdtar/internal/substrate"
)

func TestWriteHeadersThenScanIndexedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.tar")

	list := MetadataList{
		Entries: []Entry{
			{Path: "/src/a.txt", Kind: KindFile, Size: 10, Mode: 0644, Mtime: time.Unix(1000, 0)},
			{Path: "/src/dir", Kind: KindDir, Mode: 0755, Mtime: time.Unix(1000, 0)},
			{Path: "/src/link", Kind: KindSymlink, LinkTarget: "a.txt", Mtime: time.Unix(1000, 0)},
		},
	}
	opts := Options{}

	group := substrate.NewLocalGroup(1)
	layout, err := PlanLayout(context.Background(), group[0], list, "/src", opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := preallocateFile(archivePath, layout.TotalBytes+trailerSize); err != nil {
		t.Fatal(err)
	}
	if err := WriteHeaders(context.Background(), archivePath, "/src", list, layout, opts); err != nil {
		t.Fatal(err)
	}

	idx := Index{Offsets: append([]int64(nil), layout.ArchiveOffset...)}
	entries, payloadOffsets, err := ScanIndexed(archivePath, "/dst", idx, 0, len(list.Entries))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(list.Entries) {
		t.Fatalf("got %d entries, want %d", len(entries), len(list.Entries))
	}
	if entries[0].Kind != KindFile || entries[0].Path != filepath.Join("/dst", "a.txt") {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	wantPayload := idx.Offsets[0] + layout.HeaderSize[0]
	if payloadOffsets[0] != wantPayload {
		t.Errorf("entry 0 payload offset = %d, want %d (header offset %d + header size %d)",
			payloadOffsets[0], wantPayload, idx.Offsets[0], layout.HeaderSize[0])
	}
	if payloadOffsets[0] == idx.Offsets[0] {
		t.Errorf("payload offset must not equal the header offset")
	}
	if entries[1].Kind != KindDir {
		t.Errorf("entry 1 kind = %v, want KindDir", entries[1].Kind)
	}
	if entries[2].Kind != KindSymlink || entries[2].LinkTarget != "a.txt" {
		t.Errorf("entry 2 = %+v", entries[2])
	}
}

func TestScanStreamingSingleRankReadsEveryEntry(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.tar")

	list := MetadataList{
		Entries: []Entry{
			{Path: "/src/a", Kind: KindDir, Mtime: time.Unix(1, 0)},
			{Path: "/src/b", Kind: KindDir, Mtime: time.Unix(1, 0)},
			{Path: "/src/c", Kind: KindDir, Mtime: time.Unix(1, 0)},
		},
	}
	group := substrate.NewLocalGroup(1)
	layout, err := PlanLayout(context.Background(), group[0], list, "/src", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := preallocateFile(archivePath, layout.TotalBytes+trailerSize); err != nil {
		t.Fatal(err)
	}
	if err := WriteHeaders(context.Background(), archivePath, "/src", list, layout, Options{}); err != nil {
		t.Fatal(err)
	}

	group2 := substrate.NewLocalGroup(1)
	entries, err := ScanStreaming(context.Background(), group2[0], archivePath, "/dst")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestAbsolutize(t *testing.T) {
	if got := absolutize("a/b", "/root"); got != filepath.Join("/root", "a/b") {
		t.Errorf("got %q", got)
	}
}

func TestOffsetWriterWritesAtFixedPosition(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ow")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(100); err != nil {
		t.Fatal(err)
	}
	w := &offsetWriter{f: f, pos: 10}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 10); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want hello", buf)
	}
}
