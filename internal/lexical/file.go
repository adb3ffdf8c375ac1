package lexical

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// formatVersion is the first byte of every persisted index file. Bump it
// whenever the snapshot layout changes; older files are then rebuilt from
// source documents instead of being misread.
const formatVersion byte = 1

// ErrIncompatible reports a file written with a different format version
// or tokenizer configuration. The index it held must be rebuilt.
var ErrIncompatible = errors.New("lexical: incompatible index file")

// snapshot is the gob body of an index file: document frequencies, the
// postings table, and enough chunk metadata to serve results without
// touching any other store.
type snapshot struct {
	DocFreq  map[string]int
	Postings map[string]map[string]int
	Chunks   map[string]models.Chunk
	Lengths  map[string]int
	Terms    map[string]map[string]int
	TotalLen int
}

// save writes the index atomically: serialize to <path>.tmp, fsync, then
// rename over the live file so readers never observe a torn write.
func save(path string, ix *index) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return faults.New(faults.KindIndexWriteFailure, "lexical.save", err)
	}

	if err := writeIndex(f, ix); err != nil {
		f.Close()
		os.Remove(tmp)
		return faults.New(faults.KindIndexWriteFailure, "lexical.save", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return faults.New(faults.KindIndexWriteFailure, "lexical.save", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return faults.New(faults.KindIndexWriteFailure, "lexical.save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return faults.New(faults.KindIndexWriteFailure, "lexical.save", err)
	}
	return nil
}

func writeIndex(w io.Writer, ix *index) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(formatVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, TokenizerHash()); err != nil {
		return err
	}

	snap := snapshot{
		DocFreq:  ix.DocFreq,
		Postings: ix.Postings,
		Chunks:   make(map[string]models.Chunk, len(ix.Chunks)),
		Lengths:  make(map[string]int, len(ix.Chunks)),
		Terms:    make(map[string]map[string]int, len(ix.Chunks)),
		TotalLen: ix.TotalLen,
	}
	for id, e := range ix.Chunks {
		snap.Chunks[id] = e.Chunk
		snap.Lengths[id] = e.Length
		snap.Terms[id] = e.Terms
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return err
	}
	return bw.Flush()
}

// load reads an index file back into memory. A missing file yields an
// empty index; a version or tokenizer mismatch yields ErrIncompatible.
func load(path string) (*index, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newIndex(), nil
		}
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	version, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrIncompatible, version, formatVersion)
	}
	var hash uint32
	if err := binary.Read(br, binary.LittleEndian, &hash); err != nil {
		return nil, fmt.Errorf("read tokenizer hash: %w", err)
	}
	if hash != TokenizerHash() {
		return nil, fmt.Errorf("%w: tokenizer hash %08x, want %08x", ErrIncompatible, hash, TokenizerHash())
	}

	var snap snapshot
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	ix := newIndex()
	if snap.DocFreq != nil {
		ix.DocFreq = snap.DocFreq
	}
	if snap.Postings != nil {
		ix.Postings = snap.Postings
	}
	ix.TotalLen = snap.TotalLen
	for id, chunk := range snap.Chunks {
		ix.Chunks[id] = &entry{Chunk: chunk, Length: snap.Lengths[id], Terms: snap.Terms[id]}
	}
	return ix, nil
}
