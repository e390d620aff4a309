package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pdtar/pdtar/internal/substrate"
)

func TestPlanLayoutSingleRankOffsetsAreMonotonic(t *testing.T) {
	group := substrate.NewLocalGroup(1)
	list := MetadataList{
		Entries: []Entry{
			{Path: "/root/a", Kind: KindFile, Size: 100, Mtime: time.Unix(0, 0)},
			{Path: "/root/b", Kind: KindDir, Mtime: time.Unix(0, 0)},
			{Path: "/root/c", Kind: KindFile, Size: 0, Mtime: time.Unix(0, 0)},
		},
	}
	layout, err := PlanLayout(context.Background(), group[0], list, "/root", Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(layout.ArchiveOffset); i++ {
		if layout.ArchiveOffset[i] <= layout.ArchiveOffset[i-1] {
			t.Errorf("offset[%d]=%d not greater than offset[%d]=%d", i, layout.ArchiveOffset[i], i-1, layout.ArchiveOffset[i-1])
		}
	}
	// The empty file still contributes a full 512-byte zero block.
	lastIdx := len(list.Entries) - 1
	contribution := layout.TotalBytes - layout.ArchiveOffset[lastIdx]
	if contribution != layout.HeaderSize[lastIdx]+512 {
		t.Errorf("empty file contribution = %d, want header_size(%d)+512", contribution, layout.HeaderSize[lastIdx])
	}
}

func TestPlanLayoutAcrossRanksAgreesOnTotal(t *testing.T) {
	const n = 3
	group := substrate.NewLocalGroup(n)
	lists := []MetadataList{
		{Entries: []Entry{{Path: "/r/a", Kind: KindFile, Size: 10}}},
		{Entries: []Entry{{Path: "/r/b", Kind: KindFile, Size: 20}}},
		{Entries: []Entry{{Path: "/r/c", Kind: KindFile, Size: 30}}},
	}

	totals := make([]int64, n)
	bases := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, c := range group {
		i, c := i, c
		go func() {
			defer wg.Done()
			layout, err := PlanLayout(context.Background(), c, lists[i], "/r", Options{})
			if err != nil {
				t.Errorf("rank %d: %v", i, err)
				return
			}
			totals[i] = layout.TotalBytes
			bases[i] = layout.ArchiveOffset[0]
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if totals[i] != totals[0] {
			t.Errorf("rank %d total %d != rank 0 total %d", i, totals[i], totals[0])
		}
	}
	if bases[0] != 0 {
		t.Errorf("rank 0 base offset = %d, want 0", bases[0])
	}
	if bases[1] <= bases[0] || bases[2] <= bases[1] {
		t.Errorf("per-rank base offsets not strictly increasing: %v", bases)
	}
}

func TestRelativizePathNoCwd(t *testing.T) {
	got, err := relativizePath("/a/b/c", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "a/b/c" {
		t.Errorf("got %q, want a/b/c", got)
	}
}

func TestBuildTarHeaderRejectsOtherKind(t *testing.T) {
	_, err := buildTarHeader(Entry{Path: "/x", Kind: KindOther}, "", Options{})
	if err == nil {
		t.Error("expected error for KindOther")
	}
}
