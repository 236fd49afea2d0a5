// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"errors"
	"io"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
	"code.hybscloud.com/lfq"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session states.
const (
	stateOpen uint32 = iota
	stateAborting
	stateClosed
)

// defaultMaxFrame bounds inbound frames unless overridden.
const defaultMaxFrame = 1 << 20

// writeQueueCapacity bounds the outbound frame queue. Producers
// suspend with backoff when it is full, which is the session's
// backpressure boundary. Power of two for the SPSC ring.
const writeQueueCapacity = 256

// Options tunes a session kernel.
type Options struct {
	// Logger receives per-message debug tracing and protocol
	// anomalies. Nil discards everything.
	Logger logrus.FieldLogger
	// MaxFrameSize rejects oversized inbound frames with bad_request.
	// Zero means the default of 1 MiB; negative disables the check.
	MaxFrameSize int
	// ExposeStacks includes error stacks on the wire. Off by default;
	// intended for development only.
	ExposeStacks bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = defaultMaxFrame
	}
	if o.MaxFrameSize < 0 {
		o.MaxFrameSize = 0
	}
	return o
}

// Session is one side of a bidirectional capability session. It owns
// the import and export tables and the ID allocator, reads frames from
// the transport on a dedicated task with strictly sequential dispatch,
// and writes through a bounded outbound queue. User handlers run off
// the dispatch task so a slow handler never blocks the reader.
type Session struct {
	transport Transport
	opts      Options
	log       logrus.FieldLogger
	sessionID string

	alloc   idAllocator
	imports *importTable
	exports *exportTable

	parser     *Parser
	serializer *Serializer

	rootImport *importHook

	// pending maps import IDs to their resolution handles; pulled
	// records which IDs a pull has been emitted for.
	pendingMu sync.Mutex
	pending   map[ImportID]*completion
	pulled    map[ImportID]bool

	// promised guards against double resolution of re-announced
	// promise exports.
	promisedMu sync.Mutex
	promised   map[ExportID]bool

	// pushSeq tracks the peer's implicit push numbering. Only the
	// dispatch task touches it.
	pushSeq int64

	state atomix.Uint32

	abortMu  sync.Mutex
	abortErr *Error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
	writeQ  lfq.SPSC[[]byte]
	wslot   []byte

	// direct marks batch transports: frames are written synchronously
	// and the writer task is not started.
	direct bool
}

// NewSession attaches a session kernel to a transport. root is
// registered as the main capability at export ID 0; nil exposes no
// root.
func NewSession(transport Transport, root Target, opts ...Options) *Session {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.withDefaults()

	s := &Session{
		transport: transport,
		opts:      o,
		log:       o.Logger,
		sessionID: uuid.NewString(),
		imports:   newImportTable(),
		exports:   newExportTable(),
		pending:   make(map[ImportID]*completion),
		pulled:    make(map[ImportID]bool),
		promised:  make(map[ExportID]bool),
	}
	s.parser = NewParser(s)
	s.serializer = NewSerializer(s)
	s.writeQ.Init(writeQueueCapacity)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if root != nil {
		s.exports.add(MainID, newTargetHook(root))
	}
	s.rootImport = s.newImportHook(MainID, false)
	s.imports.add(MainID, s.rootImport)

	if _, ok := transport.(BatchTransport); ok {
		s.direct = true
	}
	s.wg.Add(1)
	go s.readLoop()
	if !s.direct {
		s.wg.Add(1)
		go s.writeLoop()
	}
	return s
}

// RootStub returns a stub for the peer's main capability.
func (s *Session) RootStub() *Stub {
	return &Stub{hook: s.rootImport.Dup()}
}

// ID returns the session's opaque identifier, used in resume tokens.
func (s *Session) ID() string { return s.sessionID }

// Close shuts the session down gracefully: nothing is sent, local
// hooks are disposed, and outstanding promises fail with canceled.
func (s *Session) Close() error {
	s.finish(NewError(CodeCanceled, "session closed"))
	s.wg.Wait()
	return nil
}

// Done reports session termination: the channel closes when the
// session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the abort error, or nil after a graceful close.
func (s *Session) Err() error {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	if s.abortErr == nil {
		return nil
	}
	return s.abortErr
}

// Reader and writer tasks.

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		frame, err := s.transport.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				s.finish(NewError(CodeCanceled, "session closed"))
				return
			}
			s.abort(Errorf(CodeInternal, "transport read failed: %v", err))
			return
		}
		m, derr := DecodeMessage(frame, s.opts.MaxFrameSize)
		if derr != nil {
			s.abort(asError(derr))
			return
		}
		s.log.WithFields(logrus.Fields{"kind": m.Kind.String(), "id": m.ID}).Debug("rpc: recv")
		if !s.dispatch(m) {
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	var bo iox.Backoff
	for {
		frame, err := s.writeQ.Dequeue()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			bo.Wait()
			continue
		}
		bo.Reset()
		if werr := s.transport.Send(s.ctx, frame); werr != nil {
			if s.ctx.Err() == nil {
				s.abort(Errorf(CodeInternal, "transport write failed: %v", werr))
			}
			return
		}
	}
}

// sendMessage encodes and enqueues one outbound message, suspending
// with backoff while the bounded queue is full.
func (s *Session) sendMessage(m *Message) {
	frame, err := EncodeMessage(m)
	if err != nil {
		s.log.WithError(err).Error("rpc: encode failed")
		return
	}
	s.log.WithFields(logrus.Fields{"kind": m.Kind.String(), "id": m.ID}).Debug("rpc: send")
	s.writeMu.Lock()
	s.enqueueLocked(frame)
	s.writeMu.Unlock()
}

// flushTransport marks an exchange boundary on batch transports.
func (s *Session) flushTransport() {
	if bt, ok := s.transport.(BatchTransport); ok {
		_ = bt.Flush(s.ctx)
	}
}

// sendMessages enqueues a batch contiguously so a flushed pipeline
// reaches the transport as one uninterrupted run of frames.
func (s *Session) sendMessages(msgs []*Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, m := range msgs {
		frame, err := EncodeMessage(m)
		if err != nil {
			s.log.WithError(err).Error("rpc: encode failed")
			continue
		}
		s.enqueueLocked(frame)
	}
}

func (s *Session) enqueueLocked(frame []byte) {
	if s.state.Load() == stateClosed {
		return
	}
	if s.direct {
		if err := s.transport.Send(s.ctx, frame); err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).Warn("rpc: direct write failed")
		}
		return
	}
	var bo iox.Backoff
	for {
		if s.state.Load() == stateClosed {
			return
		}
		s.wslot = frame
		if err := s.writeQ.Enqueue(&s.wslot); err == nil {
			return
		}
		bo.Wait()
	}
}

// Inbound dispatch. Runs on the reader task; each message completes
// its synchronous effects before the next is dequeued.

func (s *Session) dispatch(m *Message) bool {
	switch m.Kind {
	case MsgPush:
		s.handlePush(m.Expr)
	case MsgPull:
		s.handlePull(m.ID)
	case MsgResolve:
		s.handleResolve(m.ID, m.Expr)
	case MsgReject:
		s.handleReject(m.ID, m.Expr)
	case MsgRelease:
		s.handleRelease(m.ID, m.Refs)
	case MsgAbort:
		s.handleAbort(m.Expr)
		return false
	}
	return true
}

// handlePush assigns the next sequential import ID from the peer's
// space and installs the evaluated expression in the export table. A
// push produces no outbound message of its own.
func (s *Session) handlePush(expr any) {
	s.pushSeq++
	id := s.pushSeq
	s.exports.add(id, s.evaluatePush(expr))
}

func (s *Session) evaluatePush(expr any) StubHook {
	switch t := expr.(type) {
	case PipelineExpr:
		return s.evaluateRef(t.ID, t.Path, t.Args, t.HasArgs)
	case ImportExpr:
		return s.evaluateRef(t.ID, t.Path, t.Args, t.HasArgs)
	case RemapExpr:
		return s.evaluateRemap(t)
	}
	payload, err := s.parser.ParsePayload(expr)
	if err != nil {
		return newErrorHook(asError(err))
	}
	return newPayloadHook(payload)
}

// evaluateRef dispatches a call or navigation against the export the
// peer named by its own import ID.
func (s *Session) evaluateRef(id int64, path []PathKey, args []any, hasArgs bool) StubHook {
	base, ok := s.exports.get(id)
	if !ok {
		return newErrorHook(Errorf(CodeNotFound, "export %d not found", id))
	}
	if hasArgs {
		values := make([]any, len(args))
		for i, arg := range args {
			payload, err := s.parser.ParsePayload(arg)
			if err != nil {
				return newErrorHook(asError(err))
			}
			values[i] = payload.Value
		}
		return base.Call(path, OwnedPayload(values))
	}
	if len(path) > 0 {
		return base.Get(path)
	}
	return base.Dup()
}

// handlePull answers with resolve or reject once the export settles.
// The wait runs off-task so a slow handler never blocks dispatch.
func (s *Session) handlePull(id ExportID) {
	hook, ok := s.exports.get(id)
	if !ok {
		s.sendMessage(&Message{Kind: MsgReject, ID: id,
			Expr: s.serializer.errorExpr(Errorf(CodeNotFound, "export %d not found", id))})
		return
	}
	go s.settleExport(id, hook)
}

// settleExport pulls an export to completion and emits exactly one
// resolve or reject for it.
func (s *Session) settleExport(id ExportID, hook StubHook) {
	payload, err := hook.Pull(s.ctx)
	if err != nil {
		s.sendMessage(&Message{Kind: MsgReject, ID: id, Expr: s.serializer.errorExpr(asError(err))})
		return
	}
	expr, serr := s.serializer.SerializePayload(payload)
	if serr != nil {
		s.sendMessage(&Message{Kind: MsgReject, ID: id, Expr: s.serializer.errorExpr(asError(serr))})
		return
	}
	s.sendMessage(&Message{Kind: MsgResolve, ID: id, Expr: expr})
}

func (s *Session) handleResolve(id ImportID, expr any) {
	payload, err := s.parser.ParsePayload(expr)
	if err != nil {
		s.abort(asError(err))
		return
	}
	s.settleImport(id, kont.Right[*Error, StubHook](newPayloadHook(payload)))
}

func (s *Session) handleReject(id ImportID, expr any) {
	var rpcErr *Error
	if e, ok := expr.(ErrorExpr); ok {
		rpcErr = errorFromExpr(e)
	} else {
		payload, err := s.parser.ParsePayload(expr)
		if err != nil {
			s.abort(asError(err))
			return
		}
		if e, ok := payload.Value.(*Error); ok {
			rpcErr = e
		} else {
			rpcErr = NewError(CodeInternal, "rejected with a non-error value")
		}
	}
	s.settleImport(id, kont.Left[*Error, StubHook](rpcErr))
}

// settleImport completes the pending promise for an import. A
// resolution for an import that was already released is silently
// dropped.
func (s *Session) settleImport(id ImportID, r settled) {
	s.pendingMu.Lock()
	c, ok := s.pending[id]
	if !ok {
		if !s.imports.contains(id) {
			s.pendingMu.Unlock()
			s.log.WithField("id", id).Debug("rpc: dropping resolution for released import")
			return
		}
		c = newCompletion()
		s.pending[id] = c
	}
	s.pendingMu.Unlock()
	c.settle(r)
}

func (s *Session) handleRelease(id ExportID, refs int64) {
	hook, removed := s.exports.release(id, refs)
	if removed {
		hook.Dispose()
		return
	}
	if n, ok := s.exports.introductionsOf(id); ok {
		s.log.WithFields(logrus.Fields{"id": id, "introductions": n}).Debug("rpc: partial release")
		return
	}
	s.log.WithField("id", id).Debug("rpc: release for unknown export ignored")
}

func (s *Session) handleAbort(expr any) {
	err := NewError(CodeInternal, "session aborted by peer")
	if e, ok := expr.(ErrorExpr); ok {
		err = errorFromExpr(e)
	}
	s.log.WithError(err).Warn("rpc: aborted by peer")
	s.setAbortErr(err)
	s.finish(err)
}

// Outbound operations, driven by import hooks on application
// goroutines.

// importHook represents a remote capability. Operations compose
// pipelined requests instead of sending immediately: calls allocate a
// fresh import ID and push, navigation extends the pending path
// without traffic.
type importHook struct {
	sess    *Session
	id      ImportID
	path    []PathKey
	promise bool
	owned   bool
	batch   *Batch
	refs    atomix.Uint32
}

func (s *Session) newImportHook(id ImportID, promise bool) *importHook {
	h := &importHook{sess: s, id: id, promise: promise, owned: true}
	h.refs.Add(1)
	return h
}

// derive creates a navigation reference sharing the base ID without
// owning a table entry.
func (h *importHook) derive(path []PathKey) *importHook {
	d := &importHook{sess: h.sess, id: h.id, path: path, promise: h.promise, batch: h.batch}
	d.refs.Add(1)
	return d
}

func (h *importHook) fullPath(path []PathKey) []PathKey {
	if len(h.path) == 0 {
		return path
	}
	full := make([]PathKey, 0, len(h.path)+len(path))
	full = append(full, h.path...)
	return append(full, path...)
}

func (h *importHook) Call(path []PathKey, args *Payload) StubHook {
	return h.sess.pipelineCall(h, h.fullPath(path), args)
}

func (h *importHook) Get(path []PathKey) StubHook {
	return h.derive(h.fullPath(path))
}

func (h *importHook) Pull(ctx context.Context) (*Payload, error) {
	return h.sess.pullImport(ctx, h)
}

func (h *importHook) Dup() StubHook {
	h.refs.Add(1)
	return h
}

func (h *importHook) Dispose() {
	if h.refs.Add(^uint32(0)) == 0 && h.owned {
		h.sess.releaseImport(h.id)
	}
}

// pipelineCall allocates the result import and emits (or batches) the
// push carrying the pipelined expression.
func (s *Session) pipelineCall(base *importHook, path []PathKey, args *Payload) StubHook {
	if s.state.Load() != stateOpen {
		return newErrorHook(NewError(CodeCanceled, "session is closed"))
	}
	args.EnsureOwned()
	argsExpr, err := s.serializer.SerializePayload(args)
	if err != nil {
		return newErrorHook(asError(err))
	}
	argsList, ok := argsExpr.([]any)
	if !ok {
		argsList = []any{argsExpr}
	}

	id := s.alloc.nextImport()
	result := s.newImportHook(id, false)
	result.batch = base.batch
	s.imports.add(id, result)

	push := &Message{Kind: MsgPush, Expr: PipelineExpr{ID: base.id, Path: path, Args: argsList, HasArgs: true}}
	if base.batch != nil && base.batch.buffer(push, id) {
		return result
	}
	s.sendMessage(push)
	return result
}

// materialize turns a navigation-only reference into its own import by
// pushing the pending path.
func (s *Session) materialize(base *importHook) StubHook {
	if s.state.Load() != stateOpen {
		return newErrorHook(NewError(CodeCanceled, "session is closed"))
	}
	id := s.alloc.nextImport()
	result := s.newImportHook(id, false)
	result.batch = base.batch
	s.imports.add(id, result)

	push := &Message{Kind: MsgPush, Expr: PipelineExpr{ID: base.id, Path: base.path}}
	if base.batch != nil && base.batch.buffer(push, id) {
		return result
	}
	s.sendMessage(push)
	return result
}

// pullImport forces the resolution of an import, emitting a pull for
// IDs that need one and waiting for the peer's resolve or reject.
func (s *Session) pullImport(ctx context.Context, h *importHook) (*Payload, error) {
	if len(h.path) > 0 {
		derived := s.materialize(h)
		defer derived.Dispose()
		return derived.Pull(ctx)
	}
	if h.batch != nil {
		h.batch.Flush()
	}

	s.pendingMu.Lock()
	c, ok := s.pending[h.id]
	if !ok {
		c = newCompletion()
		s.pending[h.id] = c
	}
	needPull := !h.promise && !s.pulled[h.id]
	if _, isSettled := c.peek(); isSettled {
		needPull = false
	}
	if needPull {
		s.pulled[h.id] = true
	}
	s.pendingMu.Unlock()

	if needPull {
		s.sendMessage(&Message{Kind: MsgPull, ID: h.id})
		s.flushTransport()
	}
	resolved, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	return resolved.Pull(ctx)
}

// releaseImport returns all observed announcements for an import to
// the peer and forgets the local entry.
func (s *Session) releaseImport(id ImportID) {
	expected, removed := s.imports.remove(id)
	if !removed {
		return
	}
	s.pendingMu.Lock()
	delete(s.pending, id)
	delete(s.pulled, id)
	s.pendingMu.Unlock()
	if s.state.Load() == stateOpen {
		s.sendMessage(&Message{Kind: MsgRelease, ID: id, Refs: expected})
	}
}

// Importer implementation (parser surface).

// ImportCapability implements Importer.
func (s *Session) ImportCapability(id ImportID) StubHook {
	if hook, ok := s.imports.get(id); ok {
		s.imports.bumpExpected(id)
		return hook.Dup()
	}
	h := s.newImportHook(id, false)
	s.imports.add(id, h)
	return h
}

// PromiseImport implements Importer. The peer announced a promise; its
// resolve or reject arrives spontaneously, so pulling only waits.
func (s *Session) PromiseImport(id ImportID) StubHook {
	if hook, ok := s.imports.get(id); ok {
		s.imports.bumpExpected(id)
		return hook.Dup()
	}
	h := s.newImportHook(id, true)
	s.imports.add(id, h)
	return h
}

// LocalExport implements Importer.
func (s *Session) LocalExport(id ExportID) (StubHook, bool) {
	return s.exports.get(id)
}

// Exporter implementation (serializer surface).

// ExportHook implements Exporter. The serializer is the only caller,
// which keeps export minting in one place.
func (s *Session) ExportHook(hook StubHook) ExportID {
	if id, ok := s.exports.reuse(hook); ok {
		return id
	}
	id := s.alloc.nextExport()
	s.exports.add(id, hook.Dup())
	return id
}

// ExportPromise implements Exporter. The first announcement registers
// the outbound resolution; the exporting side emits resolve or reject
// when the computation settles.
func (s *Session) ExportPromise(hook StubHook) ExportID {
	id := s.ExportHook(hook)
	s.promisedMu.Lock()
	first := !s.promised[id]
	s.promised[id] = true
	s.promisedMu.Unlock()
	if first {
		go s.settleExport(id, hook)
	}
	return id
}

// BackRef implements Exporter: hooks referring to this session's own
// imports serialize as import or pipeline back-references instead of
// fresh exports.
func (s *Session) BackRef(hook StubHook) (int64, []PathKey, bool) {
	ih, ok := hook.(*importHook)
	if !ok || ih.sess != s {
		return 0, nil, false
	}
	return ih.id, ih.path, true
}

// ExposeStacks implements Exporter.
func (s *Session) ExposeStacks() bool { return s.opts.ExposeStacks }

// Termination.

func (s *Session) setAbortErr(err *Error) {
	s.abortMu.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.abortMu.Unlock()
}

// abort handles a fatal local condition: flush a single abort frame,
// then tear the session down.
func (s *Session) abort(err *Error) {
	if !s.state.CompareAndSwap(stateOpen, stateAborting) {
		return
	}
	s.log.WithError(err).Warn("rpc: aborting session")
	s.setAbortErr(err)
	if frame, encErr := EncodeMessage(&Message{Kind: MsgAbort, Expr: s.serializer.errorExpr(err)}); encErr == nil {
		_ = s.transport.Send(context.Background(), frame)
		if bt, ok := s.transport.(BatchTransport); ok {
			_ = bt.Flush(context.Background())
		}
	}
	s.finish(err)
}

// finish moves the session to closed exactly once: cancel tasks, close
// the transport, fail outstanding promises, and dispose exported
// hooks. Import hooks stay alive for the stubs that own them; their
// operations fail on the closed session.
func (s *Session) finish(err *Error) {
	for {
		st := s.state.Load()
		if st == stateClosed {
			return
		}
		if s.state.CompareAndSwap(st, stateClosed) {
			break
		}
	}
	s.cancel()
	_ = s.transport.Close()

	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[ImportID]*completion)
	s.pulled = make(map[ImportID]bool)
	s.pendingMu.Unlock()
	for _, c := range pending {
		c.reject(err)
	}

	s.imports.clear()
	for _, hook := range s.exports.drain() {
		hook.Dispose()
	}
}
