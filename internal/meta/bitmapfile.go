package meta

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/replimesh/replimesh/internal/bitmap"
)

// bitmapMagic heads every bitmap sidecar file.
const bitmapMagic = 0x726d6273 // "rmbs"

func (s *Store) bitmapPath(peerNodeID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("bitmap-%d.zst", peerNodeID))
}

// SaveBitmap writes the out-of-sync bitmap toward a peer, compressed.
// A mostly-clear bitmap compresses to almost nothing, so writeout cost
// scales with the out-of-sync amount rather than device size.
func (s *Store) SaveBitmap(peerNodeID int, bm *bitmap.Bitmap) error {
	tmp := s.bitmapPath(peerNodeID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write bitmap file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("bitmap compressor: %w", err)
	}

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], bitmapMagic)
	binary.LittleEndian.PutUint64(hdr[4:12], bm.Bits())
	if _, err := enc.Write(hdr[:]); err != nil {
		enc.Close()
		return fmt.Errorf("write bitmap header: %w", err)
	}
	if _, err := enc.Write(bm.MarshalWords(0, bm.Words())); err != nil {
		enc.Close()
		return fmt.Errorf("write bitmap words: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish bitmap file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync bitmap file: %w", err)
	}
	if err := os.Rename(tmp, s.bitmapPath(peerNodeID)); err != nil {
		return fmt.Errorf("commit bitmap file: %w", err)
	}
	return nil
}

// LoadBitmap reads the persisted bitmap toward a peer. A missing file
// returns a clear bitmap of the given size.
func (s *Store) LoadBitmap(peerNodeID int, bits uint64) (*bitmap.Bitmap, error) {
	f, err := os.Open(s.bitmapPath(peerNodeID))
	if os.IsNotExist(err) {
		return bitmap.New(bits), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bitmap file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("bitmap decompressor: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("read bitmap file: %w", err)
	}
	if len(raw) < 12 {
		return nil, fmt.Errorf("bitmap file truncated (%d bytes)", len(raw))
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != bitmapMagic {
		return nil, fmt.Errorf("bitmap file has bad magic 0x%08x", binary.LittleEndian.Uint32(raw[0:4]))
	}
	storedBits := binary.LittleEndian.Uint64(raw[4:12])
	if storedBits != bits {
		return nil, fmt.Errorf("bitmap file covers %d blocks, device has %d", storedBits, bits)
	}

	bm := bitmap.New(bits)
	if err := bm.MergeWords(0, raw[12:]); err != nil {
		return nil, fmt.Errorf("bitmap file content: %w", err)
	}
	return bm, nil
}
