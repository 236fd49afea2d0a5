// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/kont"
)

// StubHook is the backing implementation of an RPC capability
// reference. Stubs and promises are reference-counted handles to hooks.
// Each variant interprets the operations according to its own
// semantics: errors propagate themselves, payloads navigate locally,
// targets dispatch to user code, imports compose pipelined requests,
// and promises chain after resolution.
type StubHook interface {
	// Call invokes a method reached through path with the given
	// arguments and returns a hook for the result.
	Call(path []PathKey, args *Payload) StubHook
	// Get navigates path and returns a hook for the property.
	Get(path []PathKey) StubHook
	// Pull resolves the hook to its final payload, waiting for network
	// I/O or user code as needed.
	Pull(ctx context.Context) (*Payload, error)
	// Dup adds a reference and returns a hook sharing the resource.
	Dup() StubHook
	// Dispose drops a reference, releasing the resource at zero.
	Dispose()
}

// Target is a user-supplied callable object exposed over RPC.
// Implementations may be called concurrently from different sessions;
// the runtime imposes no synchronization on them.
type Target interface {
	// Call dispatches a method invocation.
	Call(ctx context.Context, method string, args []any) (any, error)
	// GetProperty reads a named property.
	GetProperty(name string) (any, error)
}

// CallableFunc is a bare function value that is callable when embedded
// in a payload.
type CallableFunc func(ctx context.Context, args []any) (any, error)

// MethodMap exposes a fixed set of functions as a Target.
type MethodMap map[string]CallableFunc

// Call implements Target.
func (m MethodMap) Call(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, Errorf(CodeNotFound, "method %q not found", method)
	}
	return fn(ctx, args)
}

// GetProperty implements Target. MethodMap has no data properties.
func (m MethodMap) GetProperty(name string) (any, error) {
	return nil, Errorf(CodeNotFound, "property %q not found", name)
}

// settled is the outcome of a completion: a structured error or a
// resolved hook.
type settled = kont.Either[*Error, StubHook]

// completion is a one-shot resolution handle. The first settle wins;
// later settles are dropped, which is how late resolutions for eagerly
// released imports disappear.
type completion struct {
	mu        sync.Mutex
	done      chan struct{}
	isSettled bool
	result    settled
	callbacks []func(settled)
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) settle(r settled) {
	c.mu.Lock()
	if c.isSettled {
		c.mu.Unlock()
		return
	}
	c.isSettled = true
	c.result = r
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()
	for _, f := range callbacks {
		f(r)
	}
}

func (c *completion) resolve(h StubHook) {
	c.settle(kont.Right[*Error, StubHook](h))
}

func (c *completion) reject(err *Error) {
	c.settle(kont.Left[*Error, StubHook](err))
}

// onSettle runs f once the completion settles, immediately if it
// already has.
func (c *completion) onSettle(f func(settled)) {
	c.mu.Lock()
	if !c.isSettled {
		c.callbacks = append(c.callbacks, f)
		c.mu.Unlock()
		return
	}
	r := c.result
	c.mu.Unlock()
	f(r)
}

// peek returns the outcome without blocking.
func (c *completion) peek() (settled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.isSettled
}

// wait blocks until the completion settles or ctx is done.
func (c *completion) wait(ctx context.Context) (StubHook, *Error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, Errorf(CodeCanceled, "canceled while awaiting resolution: %v", ctx.Err())
	}
	c.mu.Lock()
	r := c.result
	c.mu.Unlock()
	if err, ok := r.GetLeft(); ok {
		return nil, err
	}
	h, _ := r.GetRight()
	return h, nil
}

// errorHook holds an error. Every operation yields the same error
// again, so failures propagate through chains until pulled.
type errorHook struct {
	err *Error
}

func newErrorHook(err *Error) *errorHook { return &errorHook{err: err} }

func (h *errorHook) Call(path []PathKey, args *Payload) StubHook { return h }
func (h *errorHook) Get(path []PathKey) StubHook                 { return h }

func (h *errorHook) Pull(ctx context.Context) (*Payload, error) {
	return nil, h.err
}

func (h *errorHook) Dup() StubHook { return h }
func (h *errorHook) Dispose()      {}

// payloadHook wraps a locally resolved value. Calls and property
// access navigate the value tree in place.
type payloadHook struct {
	payload *Payload
	refs    atomix.Uint32
}

func newPayloadHook(p *Payload) *payloadHook {
	p.EnsureOwned()
	h := &payloadHook{payload: p}
	h.refs.Add(1)
	return h
}

func (h *payloadHook) Get(path []PathKey) StubHook {
	cur := h.payload.Value
	for i, seg := range path {
		switch t := cur.(type) {
		case *Stub:
			return t.hook.Get(path[i:])
		case *Promise:
			return t.hook.Get(path[i:])
		}
		next, err := navigateStep(cur, seg)
		if err != nil {
			return newErrorHook(err)
		}
		cur = next
	}
	if s, ok := cur.(*Stub); ok {
		return s.hook.Dup()
	}
	return newPayloadHook(OwnedPayload(cur))
}

func (h *payloadHook) Call(path []PathKey, args *Payload) StubHook {
	args.EnsureOwned()
	if len(path) == 0 {
		return invokeValue(h.payload.Value, argList(args))
	}
	owner := h.payload.Value
	for i, seg := range path[:len(path)-1] {
		switch t := owner.(type) {
		case *Stub:
			return t.hook.Call(path[i:], args)
		case *Promise:
			return t.hook.Call(path[i:], args)
		}
		next, err := navigateStep(owner, seg)
		if err != nil {
			return newErrorHook(err)
		}
		owner = next
	}
	last := path[len(path)-1]
	switch t := owner.(type) {
	case *Stub:
		return t.hook.Call(path[len(path)-1:], args)
	case *Promise:
		return t.hook.Call(path[len(path)-1:], args)
	case Target:
		if last.IsIndex() {
			return newErrorHook(NewError(CodeBadRequest, "method name must be a string"))
		}
		return dispatchTarget(t, last.Name(), argList(args))
	}
	callee, err := navigateStep(owner, last)
	if err != nil {
		return newErrorHook(err)
	}
	return invokeValue(callee, argList(args))
}

func (h *payloadHook) Pull(ctx context.Context) (*Payload, error) {
	return h.payload, nil
}

func (h *payloadHook) Dup() StubHook {
	h.refs.Add(1)
	return h
}

func (h *payloadHook) Dispose() {
	if h.refs.Add(^uint32(0)) == 0 {
		h.payload.Dispose()
	}
}

// targetHook wraps a user-supplied Target. Calls run off the session
// task on their own goroutines; an internal chain preserves issue order
// per target.
type targetHook struct {
	target Target
	refs   atomix.Uint32

	mu   sync.Mutex
	last chan struct{}
}

func newTargetHook(t Target) *targetHook {
	h := &targetHook{target: t}
	h.refs.Add(1)
	return h
}

// enqueue reserves the next slot in the per-target issue-order chain.
// The returned prev channel closes when all earlier calls finished.
func (h *targetHook) enqueue() (prev <-chan struct{}, done chan struct{}) {
	done = make(chan struct{})
	h.mu.Lock()
	prev = h.last
	h.last = done
	h.mu.Unlock()
	if prev == nil {
		closed := make(chan struct{})
		close(closed)
		prev = closed
	}
	return prev, done
}

func (h *targetHook) Call(path []PathKey, args *Payload) StubHook {
	if len(path) == 0 {
		return newErrorHook(NewError(CodeBadRequest, "cannot call a target without a method path"))
	}
	args.EnsureOwned()
	c := newCompletion()
	prev, done := h.enqueue()
	go func() {
		defer close(done)
		<-prev
		ctx := context.Background()
		resolved, err := resolvePromises(ctx, argList(args))
		if err != nil {
			c.reject(asError(err))
			return
		}
		result, err := invokeTarget(ctx, h.target, path, resolved)
		if err != nil {
			c.reject(asError(err))
			return
		}
		c.resolve(newPayloadHook(ReturnPayload(result)))
	}()
	return newPromiseHook(c)
}

func (h *targetHook) Get(path []PathKey) StubHook {
	if len(path) == 0 {
		return h.Dup()
	}
	c := newCompletion()
	go func() {
		var cur any = h.target
		for _, seg := range path {
			next, err := navigateStep(cur, seg)
			if err != nil {
				c.reject(err)
				return
			}
			cur = next
		}
		c.resolve(newPayloadHook(ReturnPayload(cur)))
	}()
	return newPromiseHook(c)
}

func (h *targetHook) Pull(ctx context.Context) (*Payload, error) {
	p := ReturnPayload(&Stub{hook: h.Dup()})
	p.EnsureOwned()
	return p, nil
}

func (h *targetHook) Dup() StubHook {
	h.refs.Add(1)
	return h
}

func (h *targetHook) Dispose() {
	if h.refs.Add(^uint32(0)) == 0 {
		if d, ok := h.target.(interface{ Dispose() }); ok {
			d.Dispose()
		}
	}
}

// promiseHook wraps a completion that yields another hook. Operations
// chain after resolution; the same error keeps flowing on failure.
type promiseHook struct {
	c    *completion
	refs atomix.Uint32
}

func newPromiseHook(c *completion) *promiseHook {
	h := &promiseHook{c: c}
	h.refs.Add(1)
	return h
}

func (h *promiseHook) Call(path []PathKey, args *Payload) StubHook {
	args.EnsureOwned()
	chained := newCompletion()
	h.c.onSettle(func(r settled) {
		if err, ok := r.GetLeft(); ok {
			chained.reject(err)
			return
		}
		resolved, _ := r.GetRight()
		chained.resolve(resolved.Call(path, args))
	})
	return newPromiseHook(chained)
}

func (h *promiseHook) Get(path []PathKey) StubHook {
	chained := newCompletion()
	h.c.onSettle(func(r settled) {
		if err, ok := r.GetLeft(); ok {
			chained.reject(err)
			return
		}
		resolved, _ := r.GetRight()
		chained.resolve(resolved.Get(path))
	})
	return newPromiseHook(chained)
}

func (h *promiseHook) Pull(ctx context.Context) (*Payload, error) {
	resolved, err := h.c.wait(ctx)
	if err != nil {
		return nil, err
	}
	return resolved.Pull(ctx)
}

func (h *promiseHook) Dup() StubHook {
	h.refs.Add(1)
	return h
}

func (h *promiseHook) Dispose() {
	if h.refs.Add(^uint32(0)) == 0 {
		h.c.onSettle(func(r settled) {
			if resolved, ok := r.GetRight(); ok {
				resolved.Dispose()
			}
		})
	}
}

// Navigation and invocation over value trees.

// navigateStep resolves one path segment against a value: containers by
// key or index, targets by property.
func navigateStep(v any, seg PathKey) (any, *Error) {
	switch t := v.(type) {
	case map[string]any:
		if seg.IsIndex() {
			return nil, Errorf(CodeNotFound, "property %s not found", seg)
		}
		val, ok := t[seg.Name()]
		if !ok {
			return nil, Errorf(CodeNotFound, "property %q not found", seg.Name())
		}
		return val, nil
	case []any:
		if !seg.IsIndex() {
			return nil, Errorf(CodeNotFound, "property %q not found in array", seg.Name())
		}
		i := seg.Index()
		if i < 0 || i >= len(t) {
			return nil, Errorf(CodeNotFound, "index %d out of range", i)
		}
		return t[i], nil
	case Target:
		if seg.IsIndex() {
			return nil, Errorf(CodeNotFound, "property %s not found", seg)
		}
		val, err := t.GetProperty(seg.Name())
		if err != nil {
			return nil, asError(err)
		}
		return val, nil
	}
	return nil, Errorf(CodeNotFound, "cannot navigate %s through value of type %T", seg, v)
}

// invokeValue calls a callable value asynchronously and returns a hook
// for the result. Stubs and promises delegate, functions run on their
// own goroutine, anything else is a bad request.
func invokeValue(callee any, args []any) StubHook {
	switch c := callee.(type) {
	case *Stub:
		return c.hook.Call(nil, OwnedPayload(args))
	case *Promise:
		return c.hook.Call(nil, OwnedPayload(args))
	case CallableFunc:
		return invokeFunc(c, args)
	case func(context.Context, []any) (any, error):
		return invokeFunc(c, args)
	}
	return newErrorHook(Errorf(CodeBadRequest, "value of type %T is not callable", callee))
}

func invokeFunc(fn func(context.Context, []any) (any, error), args []any) StubHook {
	c := newCompletion()
	go func() {
		resolved, err := resolvePromises(context.Background(), args)
		if err != nil {
			c.reject(asError(err))
			return
		}
		result, err := safeInvoke(func(ctx context.Context) (any, error) { return fn(ctx, resolved) })
		if err != nil {
			c.reject(asError(err))
			return
		}
		c.resolve(newPayloadHook(ReturnPayload(result)))
	}()
	return newPromiseHook(c)
}

// resolvePromises replaces every promise in an argument list with its
// final resolution, so the application only ever sees settled values.
func resolvePromises(ctx context.Context, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := resolvePromiseValue(ctx, arg)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func resolvePromiseValue(ctx context.Context, v any) (any, error) {
	switch t := v.(type) {
	case *Promise:
		return t.Await(ctx)
	case []any:
		return resolvePromises(ctx, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := resolvePromiseValue(ctx, val)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	}
	return v, nil
}

// dispatchTarget runs one Target method off-task and returns a promise
// hook for the result. Promise arguments are settled before the call.
func dispatchTarget(t Target, method string, args []any) StubHook {
	c := newCompletion()
	go func() {
		resolved, err := resolvePromises(context.Background(), args)
		if err != nil {
			c.reject(asError(err))
			return
		}
		result, err := safeInvoke(func(ctx context.Context) (any, error) {
			return t.Call(ctx, method, resolved)
		})
		if err != nil {
			c.reject(asError(err))
			return
		}
		c.resolve(newPayloadHook(ReturnPayload(result)))
	}()
	return newPromiseHook(c)
}

// invokeTarget navigates the path prefix and dispatches the final
// segment as a method, either on a Target or on a callable value.
func invokeTarget(ctx context.Context, target Target, path []PathKey, args []any) (any, error) {
	var cur any = target
	for _, seg := range path[:len(path)-1] {
		next, err := navigateStep(cur, seg)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	last := path[len(path)-1]
	if t, ok := cur.(Target); ok {
		if last.IsIndex() {
			return nil, NewError(CodeBadRequest, "method name must be a string")
		}
		return safeInvoke(func(ctx context.Context) (any, error) {
			return t.Call(ctx, last.Name(), args)
		})
	}
	callee, navErr := navigateStep(cur, last)
	if navErr != nil {
		return nil, navErr
	}
	switch c := callee.(type) {
	case CallableFunc:
		return safeInvoke(func(ctx context.Context) (any, error) { return c(ctx, args) })
	case func(context.Context, []any) (any, error):
		return safeInvoke(func(ctx context.Context) (any, error) { return c(ctx, args) })
	case *Stub:
		return pullHookValue(ctx, c.hook.Call(nil, OwnedPayload(args)))
	case *Promise:
		return pullHookValue(ctx, c.hook.Call(nil, OwnedPayload(args)))
	}
	return nil, Errorf(CodeBadRequest, "cannot call %s, value of type %T is not callable", last, callee)
}

// pullHookValue resolves a hook to its plain value and drops the
// transient reference.
func pullHookValue(ctx context.Context, h StubHook) (any, error) {
	p, err := h.Pull(ctx)
	if err != nil {
		h.Dispose()
		return nil, err
	}
	return p.Value, nil
}

// safeInvoke runs user code, converting panics into internal errors so
// a misbehaving handler cannot take the session process down.
func safeInvoke(fn func(context.Context) (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(CodeInternal, "handler panic: %v", r)
		}
	}()
	return fn(context.Background())
}

// argList views a payload value as an argument list.
func argList(p *Payload) []any {
	switch v := p.Value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}
