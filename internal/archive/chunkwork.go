package archive

import (
	"bytes"
	"encoding/gob"

	"golang.org/x/xerrors"
)

// ChunkWorkItem is the unit of work the Chunk Scheduler distributes:
// chunk k of a regular file covers source bytes
// [k*C, min((k+1)*C, file_size)) and the matching archive byte range
// starting at ArchiveBaseOffset + k*C.
type ChunkWorkItem struct {
	SourcePath        string
	FileSize          int64
	ChunkIndex        int64
	ArchiveBaseOffset int64
}

func encodeItem(it ChunkWorkItem) []byte {
	var buf bytes.Buffer
	// gob, not a bespoke binary format: these items never cross the
	// network in the Local substrate and, in the Remote substrate, ride
	// the same gob codec substrate.wire messages use (see
	// internal/substrate/codec.go) — one encoding discipline for all
	// substrate payloads.
	if err := gob.NewEncoder(&buf).Encode(it); err != nil {
		panic(xerrors.Errorf("encode chunk work item: %w", err)) // gob of a plain struct cannot fail
	}
	return buf.Bytes()
}

func decodeItem(b []byte) (ChunkWorkItem, error) {
	var it ChunkWorkItem
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&it); err != nil {
		return ChunkWorkItem{}, xerrors.Errorf("decode chunk work item: %w", err)
	}
	return it, nil
}

// numChunks and lastChunkIndex implement the work-generation and padding
// rules: a file of size s and chunk size C gets ceil(s/C) chunks, except
// a file whose size is an exact multiple of C additionally gets one
// trailing empty chunk beyond the full ones (so an exactly-chunk-size
// file produces two chunks: one full, one empty, matching the padding
// write living somewhere). Both cases reduce to the single formula below
// — numChunks = s/C + 1 — with the empty-file case being the s==0
// instance of that same formula rather than a separate rule.
func numChunks(size, chunkSize int64) int64 {
	return size/chunkSize + 1
}

// lastChunkIndex is the chunk index the padding write is attached to.
func lastChunkIndex(size, chunkSize int64) int64 {
	numFull := size / chunkSize
	rem := size - numFull*chunkSize
	if rem > 0 {
		return numFull
	}
	if numFull == 0 {
		return 0
	}
	return numFull - 1
}

// GenerateChunkWork produces this rank's local ChunkWorkItems for its
// regular-file entries.
func GenerateChunkWork(list MetadataList, layout Layout, opts Options) []ChunkWorkItem {
	chunkSize := opts.chunkSize()
	var items []ChunkWorkItem
	for i, e := range list.Entries {
		if e.Kind != KindFile || e.Failed {
			continue
		}
		n := numChunks(e.Size, chunkSize)
		base := layout.ArchiveOffset[i] + layout.HeaderSize[i]
		for k := int64(0); k < n; k++ {
			items = append(items, ChunkWorkItem{
				SourcePath:        e.Path,
				FileSize:          e.Size,
				ChunkIndex:        k,
				ArchiveBaseOffset: base,
			})
		}
	}
	return items
}
