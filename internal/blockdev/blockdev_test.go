package blockdev

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTestBackend(t *testing.T, sectors uint64) *FileBackend {
	t.Helper()
	b, err := OpenFile(filepath.Join(t.TempDir(), "backing.img"), int64(sectors)*SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFileBackendReadWrite(t *testing.T) {
	b := openTestBackend(t, 64)
	if b.Sectors() != 64 {
		t.Fatalf("Sectors = %d, want 64", b.Sectors())
	}

	data := bytes.Repeat([]byte{0xab}, 2*SectorSize)
	if err := b.WriteSectors(data, 8, true); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if err := b.ReadSectors(got, 8); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back different data")
	}

	if err := b.Discard(8, SectorSize); err != nil {
		t.Fatal(err)
	}
	if err := b.ReadSectors(got, 8); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:SectorSize], make([]byte, SectorSize)) {
		t.Error("discarded sector not zeroed")
	}
	if !bytes.Equal(got[SectorSize:], data[SectorSize:]) {
		t.Error("discard touched the following sector")
	}

	caps := b.Capabilities()
	if !caps.Flush || caps.Barriers {
		t.Errorf("Capabilities = %+v", caps)
	}
}

func TestQueueCompletions(t *testing.T) {
	b := openTestBackend(t, 64)
	q := NewQueue(b, 2, 8)

	data := bytes.Repeat([]byte{0x5a}, SectorSize)
	q.Submit(Request{Op: OpWrite, Sector: 3, Data: data, Tag: 7})
	q.Submit(Request{Op: OpFlush, Tag: 8})

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		c := <-q.Completions()
		if c.Err != nil {
			t.Fatalf("completion %d: %v", c.Req.Tag, c.Err)
		}
		seen[c.Req.Tag] = true
	}
	if !seen[7] || !seen[8] {
		t.Fatalf("completions = %v", seen)
	}

	q.Close()
	if _, ok := <-q.Completions(); ok {
		t.Error("completion channel not closed")
	}

	got := make([]byte, SectorSize)
	if err := b.ReadSectors(got, 3); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("queued write not applied")
	}
}

func TestFaultInjection(t *testing.T) {
	fb := NewFaultBackend(openTestBackend(t, 8))
	fb.FailNext(FaultWrite, 1)
	fb.FailNext(FaultFlush, 2)

	err := fb.WriteSectors(make([]byte, SectorSize), 0, false)
	if !errors.Is(err, ErrInjected) {
		t.Fatalf("first write = %v, want injected fault", err)
	}
	if err := fb.WriteSectors(make([]byte, SectorSize), 0, false); err != nil {
		t.Fatalf("second write = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := fb.Flush(); !errors.Is(err, ErrInjected) {
			t.Fatalf("flush %d = %v", i, err)
		}
	}
	if err := fb.Flush(); err != nil {
		t.Fatal(err)
	}
	if fb.Faults(FaultWrite) != 1 || fb.Faults(FaultFlush) != 2 {
		t.Fatalf("fault counts = %d,%d", fb.Faults(FaultWrite), fb.Faults(FaultFlush))
	}
}
