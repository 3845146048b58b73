package ggpk

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/google/go-cmp/cmp"
)

// buf helpers ---------------------------------------------------------

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func utf16z(s string) []byte {
	units := utf16.Encode([]rune(s))
	units = append(units, 0)
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

func record(tag string, body []byte) []byte {
	length := 4 + 4 + len(body)
	out := append(u32(uint32(length)), []byte(tag)...)
	return append(out, body...)
}

// header record: GGPK tag, version u32, offset u64
func headerRecord(version uint32, firstOffset uint64) []byte {
	body := append(u32(version), u64(firstOffset)...)
	return record(tagGGPK, body)
}

func dirRecord(name string, children []struct {
	hash   uint32
	offset int64
}) []byte {
	nameBytes := utf16z(name)
	nameLen := uint32(len(nameBytes) / 2)
	body := append(u32(nameLen), u32(uint32(len(children)))...)
	body = append(body, make([]byte, 32)...) // hash
	body = append(body, nameBytes...)
	for _, c := range children {
		body = append(body, u32(c.hash)...)
		body = append(body, u64(uint64(c.offset))...)
	}
	return record(tagPDIR, body)
}

func fileRecord(name string, payload []byte) []byte {
	nameBytes := utf16z(name)
	nameLen := uint32(len(nameBytes) / 2)
	body := append(u32(nameLen), make([]byte, 32)...) // hash
	body = append(body, nameBytes...)
	body = append(body, payload...)
	return record(tagFILE, body)
}

func writeArchive(t *testing.T, chunks ...[]byte) string {
	t.Helper()
	dir := t.TempDir()
	fn := filepath.Join(dir, "content.ggpk")
	var all []byte
	for _, c := range chunks {
		all = append(all, c...)
	}
	if err := os.WriteFile(fn, all, 0644); err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestOpenHeader(t *testing.T) {
	// S1: header bytes carry version 3 and first_record_offset 0x40.
	fn := writeArchive(t, headerRecord(3, 0x40))
	r, err := Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if got, want := r.Header.Version, uint32(3); got != want {
		t.Errorf("Version = %d, want %d", got, want)
	}
	if got, want := r.Header.FirstRecordOffset, uint64(0x40); got != want {
		t.Errorf("FirstRecordOffset = %#x, want %#x", got, want)
	}
}

func TestOpenBadMagic(t *testing.T) {
	fn := writeArchive(t, record("XXXX", u32(3)))
	if _, err := Open(fn); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestBuildIndexAndExtract(t *testing.T) {
	// S2: ROOT -> a.txt, sub -> b.txt. ROOT contributes no path segment.
	aPayload := []byte("hello")
	bPayload := []byte("world")

	// Record sizes depend only on name lengths and child counts, not on
	// the offset *values* written into child entries (each is a fixed
	// 8-byte field), so we can lay records out in a single forward pass.
	type child = struct {
		hash   uint32
		offset int64
	}
	aRec := fileRecord("a.txt", aPayload)
	bRec := fileRecord("b.txt", bPayload)

	hdr := headerRecord(3, 0) // offset patched once known
	rootOffset := int64(len(hdr))

	rootRecLen := int64(len(dirRecord("ROOT", []child{{0, 0}, {0, 0}})))
	aOffset := rootOffset + rootRecLen
	subOffset := aOffset + int64(len(aRec))
	subRecLen := int64(len(dirRecord("sub", []child{{0, 0}})))
	bOffset := subOffset + subRecLen

	rootRec := dirRecord("ROOT", []child{{0, aOffset}, {0, subOffset}})
	subRec := dirRecord("sub", []child{{0, bOffset}})

	hdr = headerRecord(3, uint64(rootOffset))

	fn := writeArchive(t, hdr, rootRec, aRec, subRec, bRec)
	r, err := Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	idx, err := r.BuildIndex()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := idx["a.txt"]; !ok {
		t.Errorf("missing a.txt in index: %+v", idx)
	}
	if _, ok := idx["sub/b.txt"]; !ok {
		t.Errorf("missing sub/b.txt in index: %+v", idx)
	}

	// Round-trip invariant: Extract writes exactly payload_length bytes
	// whose hash matches.
	for path, want := range map[string][]byte{
		"a.txt":     aPayload,
		"sub/b.txt": bPayload,
	} {
		fe := idx[path]
		if fe.PayloadLength != int64(len(want)) {
			t.Errorf("%s: PayloadLength = %d, want %d", path, fe.PayloadLength, len(want))
		}
		dest := filepath.Join(t.TempDir(), "out.bin")
		if err := r.Extract(fe, dest); err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s: payload mismatch (-want +got):\n%s", path, diff)
		}
		wantHash := sha256.Sum256(want)
		gotHash, err := r.ContentHash(fe)
		if err != nil {
			t.Fatal(err)
		}
		if gotHash != wantHash {
			t.Errorf("%s: hash mismatch", path)
		}
	}
}

func TestPayloadOffsetArithmetic(t *testing.T) {
	// Invariant 2: payload_offset_within_record = 8 + 4 + 32 + 2N,
	// payload_length = L - payload_offset_within_record.
	name := "foo.bin"
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	rec := fileRecord(name, payload)
	length := binary.LittleEndian.Uint32(rec[0:4])

	nameUnits := len(utf16.Encode([]rune(name))) + 1 // +terminator
	wantPayloadOffsetWithinRecord := 8 + 4 + 32 + 2*nameUnits
	wantPayloadLength := int(length) - wantPayloadOffsetWithinRecord
	if wantPayloadLength != len(payload) {
		t.Fatalf("test construction bug: wantPayloadLength=%d, len(payload)=%d", wantPayloadLength, len(payload))
	}

	fn := writeArchive(t, headerRecord(1, 0), rec)
	r, err := Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	fe, err := r.decodeFile(int64(len(headerRecord(1, 0))))
	if err != nil {
		t.Fatal(err)
	}
	if fe.PayloadLength != int64(len(payload)) {
		t.Errorf("PayloadLength = %d, want %d", fe.PayloadLength, len(payload))
	}
}
