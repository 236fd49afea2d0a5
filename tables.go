// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import "sync"

// importEntry tracks one imported capability. The hook's own refcount
// governs the entry's lifetime; expected counts how many times the
// peer has announced this ID since the last release, which is the
// refcount a release message must carry so the peer's introductions
// reach zero.
type importEntry struct {
	hook     StubHook
	expected int64
}

// importTable maps import IDs to entries. It is touched from the
// session task and from application goroutines disposing stubs, so
// access is serialized by a mutex.
type importTable struct {
	mu      sync.Mutex
	entries map[ImportID]*importEntry
}

func newImportTable() *importTable {
	return &importTable{entries: make(map[ImportID]*importEntry)}
}

// add installs a hook at the given ID with one expected announcement.
func (t *importTable) add(id ImportID, hook StubHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &importEntry{hook: hook, expected: 1}
}

// get returns the hook at id.
func (t *importTable) get(id ImportID) (StubHook, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.hook, true
}

// bumpExpected records one more announcement of an existing import.
func (t *importTable) bumpExpected(id ImportID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.expected++
	}
}

// contains reports whether id is present.
func (t *importTable) contains(id ImportID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// remove drops the entry and returns the accumulated expected count so
// the caller can emit a release message with the correct total.
func (t *importTable) remove(id ImportID) (expected int64, removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	delete(t.entries, id)
	return e.expected, true
}

// clear empties the table without disposing hooks: live stubs on the
// application side keep their own references.
func (t *importTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[ImportID]*importEntry)
}

// snapshot returns id to expected-refcount pairs for resume tokens.
func (t *importTable) snapshot() map[int64]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]int64, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.expected
	}
	return out
}

// exportEntry tracks one exported capability. introductions counts how
// many times the ID has been announced to the peer; the entry lives
// exactly as long as the count is positive.
type exportEntry struct {
	hook          StubHook
	introductions int64
}

// exportTable maps export IDs to entries. The serializer mints entries
// from application goroutines while the session task dispatches
// releases, so access is serialized by a mutex.
type exportTable struct {
	mu      sync.Mutex
	entries map[ExportID]*exportEntry
}

func newExportTable() *exportTable {
	return &exportTable{entries: make(map[ExportID]*exportEntry)}
}

// add installs a hook at id with a single introduction. If id is
// already present, the existing entry keeps its hook and counts one
// more introduction.
func (t *exportTable) add(id ExportID, hook StubHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.introductions++
		return
	}
	t.entries[id] = &exportEntry{hook: hook, introductions: 1}
}

// get returns the hook at id.
func (t *exportTable) get(id ExportID) (StubHook, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.hook, true
}

// reuse finds an existing entry holding exactly this hook and bumps its
// introduction count. The serializer uses it so re-exporting the same
// capability reuses the assigned ID.
func (t *exportTable) reuse(hook StubHook) (ExportID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.hook == hook {
			e.introductions++
			return id, true
		}
	}
	return 0, false
}

// release subtracts refs announcements. The entry is removed only when
// introductions reaches zero, which resolves the race where the peer
// re-announces an export while a release is in flight. Stale releases
// for unknown IDs are ignored.
func (t *exportTable) release(id ExportID, refs int64) (hook StubHook, removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	e.introductions -= refs
	if e.introductions > 0 {
		return nil, false
	}
	delete(t.entries, id)
	return e.hook, true
}

// introductionsOf reports the current announcement count for id.
func (t *exportTable) introductionsOf(id ExportID) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.introductions, true
}

// drain removes and returns all hooks, leaving the table empty.
func (t *exportTable) drain() []StubHook {
	t.mu.Lock()
	defer t.mu.Unlock()
	hooks := make([]StubHook, 0, len(t.entries))
	for _, e := range t.entries {
		hooks = append(hooks, e.hook)
	}
	t.entries = make(map[ExportID]*exportEntry)
	return hooks
}

// snapshot returns id to introduction-count pairs for resume tokens.
func (t *exportTable) snapshot() map[int64]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]int64, len(t.entries))
	for id, e := range t.entries {
		out[id] = e.introductions
	}
	return out
}
