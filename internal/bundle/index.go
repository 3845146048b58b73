// Package bundle implements the inner bundle subsystem layered over the
// GGPK container: a master index of logical paths to compressed bundle
// files, with per-bundle block decompression.
package bundle

import (
	"encoding/binary"
	"io"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// BlockDecompressor decompresses one bundle block. The block codec
// itself is proprietary (spec.md Non-goals); callers supply an
// implementation that shells out to the external Oodle-aware tool.
type BlockDecompressor interface {
	DecompressBlock(compressed []byte, uncompressedSize int) ([]byte, error)
}

// BundleRecord describes one bundle file named in the master index.
type BundleRecord struct {
	Name             string
	UncompressedSize int64
}

// FileRecord is the tuple the master index supplies for one logical
// path: bundle-id, offset-within-bundle, uncompressed-size and
// uncompressed-hash (spec.md §3 "Bundle index model").
type FileRecord struct {
	Path              string
	BundleIndex       int32
	Offset            int64
	UncompressedSize  int64
	UncompressedHash  uint64
}

// Index is the decoded master index: every logical path this bundle
// filesystem knows about, mapped to its storage tuple.
type Index struct {
	Bundles []BundleRecord
	Files   map[string]FileRecord
}

// ParseIndex decodes an already-decompressed master index buffer.
//
// Layout (little-endian throughout):
//
//	bundle_count:u32
//	bundle_count * { name_length:u32, name:utf8, uncompressed_size:u32 }
//	file_count:u32
//	file_count * { path_length:u32, path:utf8, bundle_index:u32,
//	               offset:u32, uncompressed_size:u32, uncompressed_hash:u64 }
func ParseIndex(buf []byte) (*Index, error) {
	r := &byteCursor{buf: buf}

	bundleCount, err := r.u32()
	if err != nil {
		return nil, xerrors.Errorf("bundle: reading bundle count: %w", err)
	}
	bundles := make([]BundleRecord, 0, bundleCount)
	for i := uint32(0); i < bundleCount; i++ {
		name, err := r.lenPrefixedString()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading bundle %d name: %w", i, err)
		}
		size, err := r.u32()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading bundle %d size: %w", i, err)
		}
		bundles = append(bundles, BundleRecord{Name: name, UncompressedSize: int64(size)})
	}

	fileCount, err := r.u32()
	if err != nil {
		return nil, xerrors.Errorf("bundle: reading file count: %w", err)
	}
	files := make(map[string]FileRecord, fileCount)
	for i := uint32(0); i < fileCount; i++ {
		path, err := r.lenPrefixedString()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading file %d path: %w", i, err)
		}
		bundleIdx, err := r.u32()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading file %d bundle index: %w", i, err)
		}
		offset, err := r.u32()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading file %d offset: %w", i, err)
		}
		size, err := r.u32()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading file %d size: %w", i, err)
		}
		hash, err := r.u64()
		if err != nil {
			return nil, xerrors.Errorf("bundle: reading file %d hash: %w", i, err)
		}
		files[path] = FileRecord{
			Path:             path,
			BundleIndex:      int32(bundleIdx),
			Offset:           int64(offset),
			UncompressedSize: int64(size),
			UncompressedHash: hash,
		}
	}

	return &Index{Bundles: bundles, Files: files}, nil
}

// byteCursor is a tiny forward-only binary reader over an in-memory
// buffer, used only by ParseIndex.
type byteCursor struct {
	buf []byte
	pos int
}

func (c *byteCursor) u32() (uint32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *byteCursor) u64() (uint64, error) {
	if c.pos+8 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *byteCursor) lenPrefixedString() (string, error) {
	n, err := c.u32()
	if err != nil {
		return "", err
	}
	if c.pos+int(n) > len(c.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

// BundleHeader is the fixed header of one .bundle.bin payload, modelled
// on the community-documented bundle layout (chunked, individually
// compressed blocks).
type BundleHeader struct {
	UncompressedSize int32
	CompressedSize   int32
	HeadSize         int32
	Compressor       int32
	ChunkCount       int32
	ChunkSize        int32
}

const bundleHeaderSize = 4 * 6

// LastChunkUncompressedSize returns the uncompressed size of the final
// chunk, which is generally smaller than ChunkSize.
func (h BundleHeader) LastChunkUncompressedSize() int32 {
	if h.ChunkCount == 0 {
		return 0
	}
	return h.UncompressedSize - h.ChunkSize*(h.ChunkCount-1)
}

// ReadFile reads and fully decompresses one bundle's payload from r,
// assembling the result in a growable in-memory buffer (the final size
// is only known once every chunk's target size has been read from the
// header, so a writerseeker.WriterSeeker stands in for a fixed-size
// preallocation).
func ReadFile(r io.Reader, dec BlockDecompressor) ([]byte, error) {
	headBuf := make([]byte, bundleHeaderSize)
	if _, err := io.ReadFull(r, headBuf); err != nil {
		return nil, xerrors.Errorf("bundle: reading header: %w", err)
	}
	h := BundleHeader{
		UncompressedSize: int32(binary.LittleEndian.Uint32(headBuf[0:4])),
		CompressedSize:   int32(binary.LittleEndian.Uint32(headBuf[4:8])),
		HeadSize:         int32(binary.LittleEndian.Uint32(headBuf[8:12])),
		Compressor:       int32(binary.LittleEndian.Uint32(headBuf[12:16])),
		ChunkCount:       int32(binary.LittleEndian.Uint32(headBuf[16:20])),
		ChunkSize:        int32(binary.LittleEndian.Uint32(headBuf[20:24])),
	}
	if h.ChunkCount < 0 || h.ChunkCount > 1_000_000 {
		return nil, xerrors.Errorf("bundle: unreasonable chunk count %d", h.ChunkCount)
	}

	chunkSizes := make([]int32, h.ChunkCount)
	if h.ChunkCount > 0 {
		raw := make([]byte, h.ChunkCount*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, xerrors.Errorf("bundle: reading chunk size table: %w", err)
		}
		for i := range chunkSizes {
			chunkSizes[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}

	ws := writerseeker.WriterSeeker{}
	for i := int32(0); i < h.ChunkCount; i++ {
		compSize := chunkSizes[i]
		if compSize < 0 {
			return nil, xerrors.Errorf("bundle: chunk %d has negative compressed size %d", i, compSize)
		}
		target := h.ChunkSize
		if i == h.ChunkCount-1 {
			target = h.LastChunkUncompressedSize()
		}
		compBuf := make([]byte, compSize)
		if _, err := io.ReadFull(r, compBuf); err != nil {
			return nil, xerrors.Errorf("bundle: reading chunk %d (size %d): %w", i, compSize, err)
		}
		chunk, err := dec.DecompressBlock(compBuf, int(target))
		if err != nil {
			return nil, xerrors.Errorf("bundle: decompressing chunk %d: %w", i, err)
		}
		if _, err := ws.Write(chunk); err != nil {
			return nil, xerrors.Errorf("bundle: assembling chunk %d: %w", i, err)
		}
	}

	out, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, xerrors.Errorf("bundle: reading assembled buffer: %w", err)
	}
	return out, nil
}
