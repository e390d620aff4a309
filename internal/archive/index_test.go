package archive

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pdtar/pdtar/internal/substrate"
)

func TestWriteReadIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.tar")

	const n = 2
	group := substrate.NewLocalGroup(n)
	perRankOffsets := [][]int64{
		{0, 512, 1024},
		{2048, 4096},
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, c := range group {
		i, c := i, c
		go func() {
			defer wg.Done()
			errs[i] = WriteIndex(context.Background(), c, archivePath, perRankOffsets[i])
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d WriteIndex: %v", i, err)
		}
	}

	group2 := substrate.NewLocalGroup(n)
	idxs := make([]Index, n)
	oks := make([]bool, n)
	wg.Add(n)
	for i, c := range group2 {
		i, c := i, c
		go func() {
			defer wg.Done()
			idx, ok, err := ReadIndex(context.Background(), c, archivePath)
			if err != nil {
				t.Errorf("rank %d ReadIndex: %v", i, err)
				return
			}
			idxs[i] = idx
			oks[i] = ok
		}()
	}
	wg.Wait()

	want := []int64{0, 512, 1024, 2048, 4096}
	for i := range idxs {
		if !oks[i] {
			t.Fatalf("rank %d: index not found", i)
		}
		if len(idxs[i].Offsets) != len(want) {
			t.Fatalf("rank %d: got %d offsets, want %d", i, len(idxs[i].Offsets), len(want))
		}
		for j, off := range want {
			if idxs[i].Offsets[j] != off {
				t.Errorf("rank %d offset[%d] = %d, want %d", i, j, idxs[i].Offsets[j], off)
			}
		}
	}
}

func TestReadIndexMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "missing.tar")

	group := substrate.NewLocalGroup(1)
	_, ok, err := ReadIndex(context.Background(), group[0], archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false for a missing sidecar")
	}
}

func TestIndexPath(t *testing.T) {
	if got := IndexPath("/a/b.tar"); got != "/a/b.tar.idx" {
		t.Errorf("got %q, want /a/b.tar.idx", got)
	}
}
