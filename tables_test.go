// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"testing"
	"testing/quick"
)

func TestExportReannounceThenRelease(t *testing.T) {
	table := newExportTable()
	hook := newErrorHook(NewError(CodeInternal, "placeholder"))

	table.add(-1, hook)
	if id, ok := table.reuse(hook); !ok || id != -1 {
		t.Fatalf("reuse got (%d, %v), want (-1, true)", id, ok)
	}
	if n, _ := table.introductionsOf(-1); n != 2 {
		t.Fatalf("introductions got %d, want 2", n)
	}

	// First release leaves the entry: the export was announced a second
	// time, so one introduction is still outstanding.
	if _, removed := table.release(-1, 1); removed {
		t.Fatal("entry removed with outstanding introductions")
	}
	if _, ok := table.get(-1); !ok {
		t.Fatal("entry dropped prematurely")
	}

	// Second release balances the count and removes the entry.
	if _, removed := table.release(-1, 1); !removed {
		t.Fatal("entry not removed at zero introductions")
	}
	if _, ok := table.get(-1); ok {
		t.Fatal("entry still present after final release")
	}
}

func TestExportReleaseUnknownIgnored(t *testing.T) {
	table := newExportTable()
	if _, removed := table.release(7, 3); removed {
		t.Fatal("release of unknown export reported removal")
	}
}

func TestImportExpectedAccumulates(t *testing.T) {
	table := newImportTable()
	hook := newErrorHook(NewError(CodeInternal, "placeholder"))

	table.add(4, hook)
	table.bumpExpected(4)
	table.bumpExpected(4)

	expected, removed := table.remove(4)
	if !removed {
		t.Fatal("remove failed")
	}
	if expected != 3 {
		t.Fatalf("expected refcount got %d, want 3", expected)
	}
	if _, removed := table.remove(4); removed {
		t.Fatal("second remove reported removal")
	}
}

// TestPropertyIntroductionsBalance proves that for any number of
// announcements, the entry survives every release whose running total
// stays short of the announcements and is removed exactly when the
// totals balance.
func TestPropertyIntroductionsBalance(t *testing.T) {
	property := func(announcements uint8) bool {
		n := int64(announcements%31) + 1
		table := newExportTable()
		hook := newErrorHook(NewError(CodeInternal, "placeholder"))
		table.add(-2, hook)
		for i := int64(1); i < n; i++ {
			if _, ok := table.reuse(hook); !ok {
				return false
			}
		}
		for i := int64(0); i < n-1; i++ {
			if _, removed := table.release(-2, 1); removed {
				return false
			}
		}
		_, removed := table.release(-2, 1)
		return removed
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}
