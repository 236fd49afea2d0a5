// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"sync"
	"testing"
	"testing/quick"
)

func TestAllocatorSignDiscipline(t *testing.T) {
	var a idAllocator

	if got := a.nextImport(); got != 1 {
		t.Fatalf("first import ID got %d, want 1", got)
	}
	if got := a.nextExport(); got != -1 {
		t.Fatalf("first export ID got %d, want -1", got)
	}
	if got := a.nextImport(); got != 2 {
		t.Fatalf("second import ID got %d, want 2", got)
	}
	if got := a.nextExport(); got != -2 {
		t.Fatalf("second export ID got %d, want -2", got)
	}
}

// TestPropertyAllocatorMonotonic proves that for any interleaving of
// allocations, positive IDs are strictly monotone from 1, negative IDs
// from -1, and no ID repeats.
func TestPropertyAllocatorMonotonic(t *testing.T) {
	property := func(ops []bool) bool {
		var a idAllocator
		lastImport, lastExport := int64(0), int64(0)
		seen := make(map[int64]bool)
		for _, imp := range ops {
			var id int64
			if imp {
				id = a.nextImport()
				if id <= lastImport {
					return false
				}
				lastImport = id
			} else {
				id = a.nextExport()
				if id >= lastExport {
					return false
				}
				lastExport = id
			}
			if id == 0 || seen[id] {
				return false
			}
			seen[id] = true
		}
		return true
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

func TestAllocatorConcurrentUnique(t *testing.T) {
	var a idAllocator
	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := a.nextImport()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate ID %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != workers*perWorker {
		t.Fatalf("got %d unique IDs, want %d", len(seen), workers*perWorker)
	}
}

func TestAllocatorReserve(t *testing.T) {
	var a idAllocator
	a.reserve(10, 5)
	if got := a.nextImport(); got != 11 {
		t.Fatalf("import after reserve got %d, want 11", got)
	}
	if got := a.nextExport(); got != -6 {
		t.Fatalf("export after reserve got %d, want -6", got)
	}
}
