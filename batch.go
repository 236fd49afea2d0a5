// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import "sync"

// Batch queues dependent pipelined calls so they flush as a single
// contiguous transport write. Arguments to a queued call may reference
// promises created earlier in the same batch; those serialize as
// pipeline back-references, never as round trips. A batch lives for
// one flush.
type Batch struct {
	sess *Session
	root *importHook

	mu       sync.Mutex
	msgs     []*Message
	ids      []ImportID
	flushed  bool
	canceled bool
}

// NewBatch creates a batch bound to the session's main capability.
func NewBatch(s *Session) *Batch {
	b := &Batch{sess: s}
	b.root = &importHook{sess: s, id: MainID, batch: b}
	b.root.refs.Add(1)
	return b
}

// Call queues a pipelined call on the peer's main capability and
// returns its promise. The promise can be navigated and passed as an
// argument to later calls in the same batch before anything is sent.
func (b *Batch) Call(path []PathKey, args []any) *Promise {
	return &Promise{hook: b.root.Call(path, ParamsPayload(args))}
}

// buffer appends a push to the batch. Returns false once the batch is
// flushed or canceled, in which case the caller sends directly.
func (b *Batch) buffer(m *Message, id ImportID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed || b.canceled {
		return false
	}
	b.msgs = append(b.msgs, m)
	b.ids = append(b.ids, id)
	return true
}

// Flush sends every queued push followed by the pulls for their
// results as one contiguous write. Awaiting any batch promise flushes
// implicitly.
func (b *Batch) Flush() {
	b.mu.Lock()
	if b.flushed || b.canceled {
		b.mu.Unlock()
		return
	}
	b.flushed = true
	msgs := make([]*Message, 0, len(b.msgs)*2)
	msgs = append(msgs, b.msgs...)
	for _, id := range b.ids {
		b.sess.markPulled(id)
		msgs = append(msgs, &Message{Kind: MsgPull, ID: id})
	}
	b.msgs = nil
	b.mu.Unlock()

	b.sess.sendMessages(msgs)
	b.sess.flushTransport()
}

// Cancel drops an unflushed batch, releasing all allocated import IDs
// without emitting anything. Canceling after flush is a no-op.
func (b *Batch) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed || b.canceled {
		return
	}
	b.canceled = true
	for _, id := range b.ids {
		b.sess.forgetImport(id)
	}
	b.msgs = nil
	b.ids = nil
}

// markPulled records that a pull for id is on the wire, so a later
// await only waits for the resolution.
func (s *Session) markPulled(id ImportID) {
	s.pendingMu.Lock()
	s.pulled[id] = true
	if _, ok := s.pending[id]; !ok {
		s.pending[id] = newCompletion()
	}
	s.pendingMu.Unlock()
}

// forgetImport drops a never-announced import without sending release.
func (s *Session) forgetImport(id ImportID) {
	s.imports.remove(id)
	s.pendingMu.Lock()
	delete(s.pending, id)
	delete(s.pulled, id)
	s.pendingMu.Unlock()
}
