package backing

import (
	"testing"

	"github.com/falklabs/snapfuzz/internal/ept"
	"github.com/falklabs/snapfuzz/internal/mem"
	"github.com/falklabs/snapfuzz/internal/snapshot"
	"github.com/falklabs/snapfuzz/internal/snapshot/snaptest"
)

// buildSnapshot returns a snapshot with one page-aligned region at
// guest-physical 0 whose bytes are all pageByte.
func buildSnapshot(t *testing.T, pageByte byte) *snapshot.Snapshot {
	t.Helper()
	return snaptest.Build(t, 0, []byte{pageByte})
}

func TestTranslateMissingPageFails(t *testing.T) {
	snap := buildSnapshot(t, 0xAB)
	root := NewRoot(snap)

	// Far outside the one region the snapshot describes.
	if _, err := root.Translate(mem.GPA(0x10_0000_0000), false); err == nil {
		t.Fatalf("Translate on an unmapped page succeeded, want ErrNotMapped")
	}
}

func TestTranslateReadThenWritePromotes(t *testing.T) {
	snap := buildSnapshot(t, 0xCD)
	root := NewRoot(snap)

	// Case C: first touch, read-only, pulls the page through from
	// the snapshot and installs a read-only private mapping.
	f, err := root.Translate(0, false)
	if err != nil {
		t.Fatalf("Translate(read): %v", err)
	}
	if f[0] != 0xCD {
		t.Fatalf("Translate(read) frame[0] = %#x, want 0xCD", f[0])
	}
	e, ok := root.EPT().Lookup(0)
	if !ok || e.Perm&ept.PermW != 0 {
		t.Fatalf("read-only Translate installed a writable mapping: %+v", e)
	}

	// Case B: a write to the same page promotes the existing private
	// copy to writable and marks it dirty, without re-copying.
	f2, err := root.Translate(0, true)
	if err != nil {
		t.Fatalf("Translate(write): %v", err)
	}
	if f2 != f {
		t.Fatalf("write-promotion allocated a new frame instead of reusing the read-only copy")
	}
	e2, _ := root.EPT().Lookup(0)
	if e2.Perm&ept.PermW == 0 {
		t.Fatalf("write-promotion did not grant write permission")
	}
	if e2.Perm&ept.PermDirty == 0 {
		t.Fatalf("write-promotion did not mark the page dirty")
	}
}

func TestForkIsolatesWrites(t *testing.T) {
	snap := buildSnapshot(t, 0xEF)
	root := NewRoot(snap)
	child := Fork(root)

	frame, err := child.WritePage(0)
	if err != nil {
		t.Fatalf("child.WritePage: %v", err)
	}
	frame[0] = 0x42

	// The root (and a second, independent fork) must still see the
	// pristine snapshot byte — CoW means a child's write never leaks
	// upward or sideways.
	rootFrame, err := root.ReadPage(0)
	if err != nil {
		t.Fatalf("root.ReadPage: %v", err)
	}
	if rootFrame[0] != 0xEF {
		t.Fatalf("child's write leaked into the parent backing: root byte = %#x", rootFrame[0])
	}

	sibling := Fork(root)
	sibFrame, err := sibling.ReadPage(0)
	if err != nil {
		t.Fatalf("sibling.ReadPage: %v", err)
	}
	if sibFrame[0] != 0xEF {
		t.Fatalf("child's write leaked into a sibling fork: sibling byte = %#x", sibFrame[0])
	}
}

func TestRestorePageRequiresExistingMapping(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	root := NewRoot(snap)
	if err := root.RestorePage(0, make([]byte, mem.PGSIZE)); err == nil {
		t.Fatalf("RestorePage on a never-mapped page succeeded, want an error")
	}
}

func TestRestorePageOverwritesInPlace(t *testing.T) {
	snap := buildSnapshot(t, 0x00)
	root := NewRoot(snap)
	if _, err := root.WritePage(0); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	pristine := make([]byte, mem.PGSIZE)
	pristine[0] = 0x77
	if err := root.RestorePage(0, pristine); err != nil {
		t.Fatalf("RestorePage: %v", err)
	}
	f, err := root.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if f[0] != 0x77 {
		t.Fatalf("RestorePage did not overwrite the private copy: got %#x", f[0])
	}
}

func TestClearLocalDropsMappings(t *testing.T) {
	snap := buildSnapshot(t, 0x01)
	root := NewRoot(snap)
	if _, err := root.Translate(0, false); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if _, ok := root.EPT().Lookup(0); !ok {
		t.Fatalf("setup: expected a mapping before ClearLocal")
	}
	root.ClearLocal()
	if _, ok := root.EPT().Lookup(0); ok {
		t.Fatalf("ClearLocal left a stale mapping behind")
	}
}
