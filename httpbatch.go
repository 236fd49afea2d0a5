// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// contentTypeNDJSON is the media type of a batch body.
const contentTypeNDJSON = "application/x-ndjson"

// defaultMaxBatch bounds the number of frames in one HTTP batch.
const defaultMaxBatch = 100

// HTTPBatchTransport is the client side of HTTP batch RPC: one flush
// marks a complete exchange, which travels as a single POST of NDJSON
// frames and yields the answering frames. Each exchange is a stateless
// micro-session on the server; long-lived conversations belong on a
// streaming transport.
type HTTPBatchTransport struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	cond   *sync.Cond
	buffer [][]byte   // frames of the exchange being assembled
	ready  [][][]byte // flushed exchanges awaiting their round trip
	resp   [][]byte
	closed bool
}

// NewHTTPBatchTransport creates a batch transport posting to url.
// A nil client uses http.DefaultClient.
func NewHTTPBatchTransport(url string, client *http.Client) *HTTPBatchTransport {
	if client == nil {
		client = http.DefaultClient
	}
	t := &HTTPBatchTransport{url: url, client: client}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Send implements Transport by appending the frame to the exchange
// being assembled.
func (t *HTTPBatchTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	t.buffer = append(t.buffer, frame)
	return nil
}

// Flush implements BatchTransport: the assembled frames become one
// exchange ready for its round trip.
func (t *HTTPBatchTransport) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	if len(t.buffer) == 0 {
		return nil
	}
	t.ready = append(t.ready, t.buffer)
	t.buffer = nil
	t.cond.Broadcast()
	return nil
}

// Recv implements Transport. Queued response frames are delivered
// first; otherwise the next ready exchange is posted and its response
// queued.
func (t *HTTPBatchTransport) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if len(t.resp) > 0 {
			frame := t.resp[0]
			t.resp = t.resp[1:]
			return frame, nil
		}
		if t.closed {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(t.ready) > 0 {
			batch := t.ready[0]
			t.ready = t.ready[1:]
			t.mu.Unlock()
			frames, err := t.roundTrip(ctx, batch)
			t.mu.Lock()
			if err != nil {
				return nil, err
			}
			t.resp = append(t.resp, frames...)
			continue
		}
		t.cond.Wait()
	}
}

func (t *HTTPBatchTransport) roundTrip(ctx context.Context, batch [][]byte) ([][]byte, error) {
	body := bytes.Join(batch, []byte{'\n'})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeNDJSON)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var frames [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
	return frames, nil
}

// Close implements Transport.
func (t *HTTPBatchTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// BatchHandler serves HTTP batch RPC. Each POST runs a micro-session
// against the configured root: pushes and pulls are processed in
// order, and the response carries one resolve or reject per pull. The
// root target may be called concurrently by overlapping requests.
type BatchHandler struct {
	root     Target
	opts     Options
	maxBatch int
	log      logrus.FieldLogger
}

// NewBatchHandler creates a handler exposing root as the main
// capability of every request's micro-session.
func NewBatchHandler(root Target, opts ...Options) *BatchHandler {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.withDefaults()
	return &BatchHandler{root: root, opts: o, maxBatch: defaultMaxBatch, log: o.Logger}
}

// SetMaxBatch overrides the per-request frame limit.
func (h *BatchHandler) SetMaxBatch(n int) { h.maxBatch = n }

// ServeHTTP implements http.Handler.
func (h *BatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	var frames [][]byte
	for _, line := range bytes.Split(body, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
	if len(frames) > h.maxBatch {
		h.respondAbort(w, Errorf(CodeBadRequest, "batch size %d exceeds maximum %d", len(frames), h.maxBatch))
		return
	}

	// Expected responses: one resolve or reject per pull. A malformed
	// frame makes the session abort, which also completes the wait.
	expect := 0
	for _, frame := range frames {
		if m, derr := DecodeMessage(frame, h.opts.MaxFrameSize); derr == nil && m.Kind == MsgPull {
			expect++
		}
	}

	transport := newBatchServerTransport(frames, expect)
	sess := NewSession(transport, h.root, h.opts)
	select {
	case <-transport.done:
	case <-r.Context().Done():
	}
	_ = sess.Close()

	out := transport.collected()
	if len(out) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", contentTypeNDJSON)
	_, _ = w.Write(bytes.Join(out, []byte{'\n'}))
}

func (h *BatchHandler) respondAbort(w http.ResponseWriter, err *Error) {
	frame, encErr := EncodeMessage(&Message{Kind: MsgAbort, Expr: ErrorExpr{Type: string(err.Code), Message: err.Message}})
	if encErr != nil {
		http.Error(w, err.Message, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(frame)
}

// batchServerTransport feeds a fixed inbound batch into a session and
// collects the outbound frames until every pull is answered or the
// session aborts.
type batchServerTransport struct {
	mu       sync.Mutex
	in       [][]byte
	idx      int
	out      [][]byte
	expect   int
	answered int
	done     chan struct{}
	finished bool
	closed   chan struct{}
	closeOne sync.Once
}

func newBatchServerTransport(frames [][]byte, expect int) *batchServerTransport {
	t := &batchServerTransport{in: frames, expect: expect, done: make(chan struct{}), closed: make(chan struct{})}
	if expect == 0 {
		// Nothing to answer: pushes and releases still run, the
		// handler replies immediately with whatever was emitted.
		t.finish()
	}
	return t
}

// Send implements Transport, counting answers toward completion.
func (t *batchServerTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	t.out = append(t.out, frame)
	if m, err := DecodeMessage(frame, 0); err == nil {
		switch m.Kind {
		case MsgResolve, MsgReject:
			t.answered++
			if t.answered >= t.expect {
				t.finishLocked()
			}
		case MsgAbort:
			t.finishLocked()
		}
	}
	t.mu.Unlock()
	return nil
}

// Recv implements Transport: the fixed batch, then EOF once the
// session closes.
func (t *batchServerTransport) Recv(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	if t.idx < len(t.in) {
		frame := t.in[t.idx]
		t.idx++
		t.mu.Unlock()
		return frame, nil
	}
	t.mu.Unlock()
	select {
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *batchServerTransport) Close() error {
	t.closeOne.Do(func() { close(t.closed) })
	return nil
}

func (t *batchServerTransport) finish() {
	t.mu.Lock()
	t.finishLocked()
	t.mu.Unlock()
}

func (t *batchServerTransport) finishLocked() {
	if !t.finished {
		t.finished = true
		close(t.done)
	}
}

func (t *batchServerTransport) collected() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out
}
