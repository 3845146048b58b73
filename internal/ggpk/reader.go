// Package ggpk implements a read-only decoder for the GGPK container
// archive format: a flat, record-oriented file holding a directory tree
// of FILE and PDIR records behind a GGPK header record.
package ggpk

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"golang.org/x/xerrors"
)

// Record tags, each exactly 4 bytes on disk.
const (
	tagGGPK = "GGPK"
	tagPDIR = "PDIR"
	tagFILE = "FILE"
	tagFREE = "FREE"
)

// ErrMalformedArchive is returned when the header's identity bytes do
// not check out. It is fatal to the Reader that returns it.
var ErrMalformedArchive = xerrors.New("ggpk: malformed archive")

// Header is the decoded GGPK header record.
type Header struct {
	Version           uint32
	FirstRecordOffset uint64
}

// FileEntry is the lightweight, metadata-only descriptor produced while
// walking the directory tree. Payload bytes are never read until
// Extract is called.
type FileEntry struct {
	Name                string
	OffsetInArchive     int64
	PayloadOffset       int64 // absolute offset of the payload, within the archive
	PayloadLength       int64
	Hash                [32]byte
}

// Reader holds an open GGPK archive for positioned-read access. The
// handle maintains no seek cursor exposed to callers: every read is a
// ReadAt against the underlying file.
type Reader struct {
	f      *os.File
	Header Header

	// ChunkThreshold is the payload size, in bytes, above which Extract
	// copies in chunks rather than in one read. Defaults to 50 MiB.
	ChunkThreshold int64
}

const defaultChunkThreshold = 50 * 1024 * 1024

// Open validates the header record and captures the root offset. The
// file is kept open for the lifetime of the Reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("ggpk: open: %w", err)
	}

	// length:u32 + tag:4 + version:u32 + offset:u64
	buf := make([]byte, 4+4+4+8)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, xerrors.Errorf("ggpk: reading header record: %w", err)
	}
	if tag := string(buf[4:8]); tag != tagGGPK {
		f.Close()
		return nil, xerrors.Errorf("ggpk: %w: tag %q, want %q", ErrMalformedArchive, tag, tagGGPK)
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	offset := binary.LittleEndian.Uint64(buf[12:20])

	return &Reader{
		f:      f,
		Header: Header{Version: version, FirstRecordOffset: offset},
		ChunkThreshold: defaultChunkThreshold,
	}, nil
}

// Close idempotently releases the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// recordHeader is the common (length, tag) prefix of every record.
func (r *Reader) recordHeader(offset int64) (length uint32, tag string, err error) {
	buf := make([]byte, 8)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return 0, "", xerrors.Errorf("ggpk: reading record header at %d: %w", offset, err)
	}
	length = binary.LittleEndian.Uint32(buf[0:4])
	if length < 8 {
		return 0, "", xerrors.Errorf("ggpk: record at %d has impossible length %d", offset, length)
	}
	tag = string(buf[4:8])
	return length, tag, nil
}

// utf16Name reads a UTF-16LE name of nameLen code units (including its
// terminator) starting at offset, and returns the decoded string
// (terminator stripped) and the number of bytes consumed (2*nameLen).
func (r *Reader) utf16Name(offset int64, nameLen uint32) (string, int64, error) {
	nbytes := int64(nameLen) * 2
	buf := make([]byte, nbytes)
	if _, err := r.f.ReadAt(buf, offset); err != nil {
		return "", 0, xerrors.Errorf("ggpk: reading name at %d: %w", offset, err)
	}
	units := make([]uint16, nameLen)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}
	// strip the trailing NUL code unit, if present.
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units)), nbytes, nil
}

// decodeDir decodes a PDIR record at offset, returning its name and the
// child offset of each entry (the per-entry name hash is not kept).
type dirEntry struct {
	childOffset int64
}

func (r *Reader) decodeDir(offset int64) (name string, children []dirEntry, err error) {
	length, tag, err := r.recordHeader(offset)
	if err != nil {
		return "", nil, err
	}
	if tag != tagPDIR {
		return "", nil, xerrors.Errorf("ggpk: record at %d: tag %q, want %q", offset, tag, tagPDIR)
	}
	// length:u32 tag:4 name_length:u32 child_count:u32 hash:32
	head := make([]byte, 4+4+32)
	if _, err := r.f.ReadAt(head, offset+8); err != nil {
		return "", nil, xerrors.Errorf("ggpk: reading PDIR head at %d: %w", offset, err)
	}
	nameLen := binary.LittleEndian.Uint32(head[0:4])
	childCount := binary.LittleEndian.Uint32(head[4:8])

	nameOff := offset + 8 + 4 + 4 + 32
	nm, nameBytes, err := r.utf16Name(nameOff, nameLen)
	if err != nil {
		return "", nil, err
	}

	entriesOff := nameOff + nameBytes
	entries := make([]byte, int64(childCount)*12)
	if childCount > 0 {
		if _, err := r.f.ReadAt(entries, entriesOff); err != nil {
			return "", nil, xerrors.Errorf("ggpk: reading PDIR entries at %d: %w", offset, err)
		}
	}
	children = make([]dirEntry, childCount)
	for i := range children {
		off := binary.LittleEndian.Uint64(entries[i*12+4 : i*12+12])
		children[i] = dirEntry{childOffset: int64(off)}
	}

	_ = length // not otherwise needed: child offsets are absolute
	return nm, children, nil
}

// decodeFile decodes a FILE record at offset into a FileEntry. Only the
// metadata is read; payload bytes are never copied here.
func (r *Reader) decodeFile(offset int64) (*FileEntry, error) {
	length, tag, err := r.recordHeader(offset)
	if err != nil {
		return nil, err
	}
	if tag != tagFILE {
		return nil, xerrors.Errorf("ggpk: record at %d: tag %q, want %q", offset, tag, tagFILE)
	}

	// Step 1: a small read covering length+tag+name_length discovers
	// the name length.
	nlBuf := make([]byte, 4)
	if _, err := r.f.ReadAt(nlBuf, offset+8); err != nil {
		return nil, xerrors.Errorf("ggpk: reading FILE name_length at %d: %w", offset, err)
	}
	nameLen := binary.LittleEndian.Uint32(nlBuf)

	// Step 2: a follow-up read covers the header, excluding payload:
	// name_length:u32 hash:32 name:UTF-16LE(terminated)
	hashOff := offset + 8 + 4
	var hash [32]byte
	if _, err := r.f.ReadAt(hash[:], hashOff); err != nil {
		return nil, xerrors.Errorf("ggpk: reading FILE hash at %d: %w", offset, err)
	}
	nameOff := hashOff + 32
	nm, nameBytes, err := r.utf16Name(nameOff, nameLen)
	if err != nil {
		return nil, err
	}

	payloadOffset := nameOff + nameBytes
	payloadOffsetWithinRecord := payloadOffset - offset
	payloadLength := int64(length) - payloadOffsetWithinRecord
	if payloadLength < 0 {
		return nil, xerrors.Errorf("ggpk: FILE at %d: negative payload length (length=%d, payload_offset=%d)", offset, length, payloadOffsetWithinRecord)
	}

	return &FileEntry{
		Name:            nm,
		OffsetInArchive: offset,
		PayloadOffset:   payloadOffset,
		PayloadLength:   payloadLength,
		Hash:            hash,
	}, nil
}

// BuildIndex walks the directory tree from the root and returns a
// mapping from slash-delimited logical path to file descriptor. A
// failure to decode a single record is logged and that subtree is
// abandoned; traversal continues.
func (r *Reader) BuildIndex() (map[string]*FileEntry, error) {
	idx := make(map[string]*FileEntry)
	visited := make(map[int64]bool) // guards cyclic/pathological offsets
	r.walk(r.Header.FirstRecordOffset, "", idx, visited)
	return idx, nil
}

func (r *Reader) walk(offset uint64, prefix string, idx map[string]*FileEntry, visited map[int64]bool) {
	off := int64(offset)
	if visited[off] {
		return
	}
	visited[off] = true

	length, tag, err := r.recordHeader(off)
	if err != nil {
		log.Printf("ggpk: abandoning subtree at %d: %v", off, err)
		return
	}
	_ = length

	switch tag {
	case tagPDIR:
		name, children, err := r.decodeDir(off)
		if err != nil {
			log.Printf("ggpk: abandoning PDIR subtree at %d: %v", off, err)
			return
		}
		segPrefix := prefix
		if name != "" && !strings.EqualFold(name, "ROOT") {
			segPrefix = path.Join(prefix, name)
		}
		for _, c := range children {
			r.walk(uint64(c.childOffset), segPrefix, idx, visited)
		}

	case tagFILE:
		fe, err := r.decodeFile(off)
		if err != nil {
			log.Printf("ggpk: abandoning FILE at %d: %v", off, err)
			return
		}
		logicalPath := fe.Name
		if prefix != "" {
			logicalPath = prefix + "/" + fe.Name
		}
		idx[logicalPath] = fe

	case tagFREE, tagGGPK:
		// a child offset landing on FREE/GGPK is out of contract; skip.
		log.Printf("ggpk: unexpected tag %q at %d, skipping", tag, off)

	default:
		log.Printf("ggpk: unrecognised tag %q at %d, skipping", tag, off)
	}
}

// List returns logical paths from idx matching pattern (a
// case-insensitive substring match), or all paths if pattern is empty.
func List(idx map[string]*FileEntry, pattern string) []string {
	pattern = strings.ToLower(pattern)
	out := make([]string, 0, len(idx))
	for p := range idx {
		if pattern == "" || strings.Contains(strings.ToLower(p), pattern) {
			out = append(out, p)
		}
	}
	return out
}

// Extract writes the descriptor's payload bytes to destination,
// creating parent directories as needed.
func (r *Reader) Extract(fe *FileEntry, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return xerrors.Errorf("ggpk: mkdir: %w", err)
	}
	out, err := os.Create(destination)
	if err != nil {
		return xerrors.Errorf("ggpk: create %s: %w", destination, err)
	}
	defer out.Close()

	if fe.PayloadLength <= r.ChunkThreshold {
		buf := make([]byte, fe.PayloadLength)
		if _, err := r.f.ReadAt(buf, fe.PayloadOffset); err != nil && err != io.EOF {
			return xerrors.Errorf("ggpk: reading payload of %s: %w", fe.Name, err)
		}
		if _, err := out.Write(buf); err != nil {
			return xerrors.Errorf("ggpk: writing %s: %w", destination, err)
		}
		return nil
	}

	const chunkSize = 4 * 1024 * 1024
	sr := io.NewSectionReader(r.f, fe.PayloadOffset, fe.PayloadLength)
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(out, sr, buf); err != nil {
		return xerrors.Errorf("ggpk: chunked copy of %s: %w", fe.Name, err)
	}
	return nil
}

// ContentHash computes the sha256 of payload bytes read back from the
// archive for fe; used by tests to verify the round-trip invariant
// against FileEntry.Hash semantics (the archive's own hash field is a
// pass-through recorded value, not recomputed here).
func (r *Reader) ContentHash(fe *FileEntry) ([32]byte, error) {
	sr := io.NewSectionReader(r.f, fe.PayloadOffset, fe.PayloadLength)
	b, err := ioutil.ReadAll(sr)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}
