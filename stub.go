// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"

	"code.hybscloud.com/atomix"
)

// Stub is an application-facing handle to a capability, local or
// remote. Every live stub holds exactly one reference on exactly one
// hook. Navigation and calls are explicit; there is no implicit
// property magic.
type Stub struct {
	hook     StubHook
	disposed atomix.Uint32
}

// NewStub exposes a local target as a capability.
func NewStub(target Target) *Stub {
	return &Stub{hook: newTargetHook(target)}
}

// Call invokes the method reached through path with the given
// arguments. Arguments are treated as application parameters and
// deep-copied before they cross an await point.
func (s *Stub) Call(path []PathKey, args []any) *Promise {
	return &Promise{hook: s.op().Call(path, ParamsPayload(args))}
}

// Get navigates path without forcing a round trip and returns a stub
// for the property.
func (s *Stub) Get(path []PathKey) *Stub {
	return &Stub{hook: s.op().Get(path)}
}

// Await resolves the stub to its plain value.
func (s *Stub) Await(ctx context.Context) (any, error) {
	p, err := s.op().Pull(ctx)
	if err != nil {
		return nil, err
	}
	return p.Value, nil
}

// Dup returns a second stub sharing the capability, adding a
// reference.
func (s *Stub) Dup() *Stub {
	return &Stub{hook: s.op().Dup()}
}

// Dispose drops this stub's reference. The stub must not be used
// afterwards; further operations fail with cap_revoked.
func (s *Stub) Dispose() {
	if s.disposed.Add(1) == 1 {
		s.hook.Dispose()
	}
}

// op returns the live hook, or an error hook once disposed.
func (s *Stub) op() StubHook {
	if s.disposed.Load() != 0 {
		return newErrorHook(NewError(CodeCapRevoked, "stub has been disposed"))
	}
	return s.hook
}

// Promise is a stub whose final resolution is awaited before the value
// reaches the application. Operations chain without waiting, so
// dependent calls pipeline into the same round trip.
type Promise struct {
	hook     StubHook
	disposed atomix.Uint32
}

// Call invokes a method on the future resolution.
func (p *Promise) Call(path []PathKey, args []any) *Promise {
	return &Promise{hook: p.op().Call(path, ParamsPayload(args))}
}

// Get navigates into the future resolution.
func (p *Promise) Get(path []PathKey) *Promise {
	return &Promise{hook: p.op().Get(path)}
}

// Await resolves the promise, returning the final value or the
// structured error it settled with.
func (p *Promise) Await(ctx context.Context) (any, error) {
	payload, err := p.op().Pull(ctx)
	if err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// Stub converts the promise into a stub handle sharing the hook
// reference count.
func (p *Promise) Stub() *Stub {
	return &Stub{hook: p.op().Dup()}
}

// Dup returns a second promise sharing the resolution.
func (p *Promise) Dup() *Promise {
	return &Promise{hook: p.op().Dup()}
}

// Dispose drops the reference, canceling interest in an unresolved
// pipelined call. A resolution that still arrives is silently dropped.
func (p *Promise) Dispose() {
	if p.disposed.Add(1) == 1 {
		p.hook.Dispose()
	}
}

func (p *Promise) op() StubHook {
	if p.disposed.Load() != 0 {
		return newErrorHook(NewError(CodeCapRevoked, "promise has been disposed"))
	}
	return p.hook
}
