package archive

import "testing"

func TestNumChunksExactMultiple(t *testing.T) {
	// A file exactly equal to the chunk size produces two chunks: one
	// full, one trailing empty, so the padding write always has a chunk
	// to attach to.
	if got := numChunks(1024, 1024); got != 2 {
		t.Errorf("numChunks(1024, 1024) = %d, want 2", got)
	}
	if got := lastChunkIndex(1024, 1024); got != 0 {
		t.Errorf("lastChunkIndex(1024, 1024) = %d, want 0", got)
	}
}

func TestNumChunksEmptyFile(t *testing.T) {
	if got := numChunks(0, 1024); got != 1 {
		t.Errorf("numChunks(0, 1024) = %d, want 1", got)
	}
	if got := lastChunkIndex(0, 1024); got != 0 {
		t.Errorf("lastChunkIndex(0, 1024) = %d, want 0", got)
	}
}

func TestNumChunksPartialRemainder(t *testing.T) {
	if got := numChunks(2500, 1024); got != 3 {
		t.Errorf("numChunks(2500, 1024) = %d, want 3", got)
	}
	if got := lastChunkIndex(2500, 1024); got != 2 {
		t.Errorf("lastChunkIndex(2500, 1024) = %d, want 2", got)
	}
}

func TestGenerateChunkWorkSkipsNonFiles(t *testing.T) {
	list := MetadataList{
		Entries: []Entry{
			{Path: "/a", Kind: KindDir},
			{Path: "/b", Kind: KindFile, Size: 10},
			{Path: "/c", Kind: KindSymlink},
			{Path: "/d", Kind: KindFile, Size: 10, Failed: true},
		},
	}
	layout := Layout{
		HeaderSize:    []int64{512, 512, 512, 512},
		ArchiveOffset: []int64{0, 512, 1536, 2048},
	}
	opts := Options{ChunkSize: 1024}

	items := GenerateChunkWork(list, layout, opts)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (only /b is an eligible regular file)", len(items))
	}
	if items[0].SourcePath != "/b" {
		t.Errorf("got source %q, want /b", items[0].SourcePath)
	}
	if items[0].ArchiveBaseOffset != 512+512 {
		t.Errorf("got base offset %d, want %d", items[0].ArchiveBaseOffset, 512+512)
	}
}

func TestEncodeDecodeChunkWorkItem(t *testing.T) {
	it := ChunkWorkItem{SourcePath: "/x/y", FileSize: 4096, ChunkIndex: 2, ArchiveBaseOffset: 8192}
	got, err := decodeItem(encodeItem(it))
	if err != nil {
		t.Fatal(err)
	}
	if got != it {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, it)
	}
}
