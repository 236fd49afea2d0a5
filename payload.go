// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import "time"

// Provenance records where a payload's data came from, which decides
// whether the runtime may use it in place or must deep-copy first.
type Provenance uint8

const (
	// SourceParams marks data supplied by the application as call
	// arguments. It must be deep-copied before it crosses an await
	// point or is stored.
	SourceParams Provenance = iota + 1
	// SourceReturn marks data supplied by the application as a return
	// value. Ownership transfers to the runtime without copying.
	SourceReturn
	// SourceOwned marks data that was deserialized or already copied.
	SourceOwned
)

// Payload wraps a value with explicit ownership semantics for RPC
// transmission. Once owned, the payload also tracks every stub and
// promise inside the value so references can be disposed together.
type Payload struct {
	Value  any
	source Provenance

	stubs    []*Stub
	promises []*Promise
}

// ParamsPayload wraps application call arguments. The value is copied
// on first ownership transition.
func ParamsPayload(value any) *Payload {
	return &Payload{Value: value, source: SourceParams}
}

// ReturnPayload wraps an application return value, transferring
// ownership to the runtime.
func ReturnPayload(value any) *Payload {
	return &Payload{Value: value, source: SourceReturn}
}

// OwnedPayload wraps a value the runtime already owns.
func OwnedPayload(value any) *Payload {
	return &Payload{Value: value, source: SourceOwned}
}

// Source returns the payload's provenance tag.
func (p *Payload) Source() Provenance { return p.source }

// EnsureOwned makes the payload safe to use inside the runtime.
// SourceParams data is deep-copied exactly once, SourceReturn data is
// adopted in place, and either way every contained stub and promise is
// tracked for disposal. The tag transitions to SourceOwned.
func (p *Payload) EnsureOwned() {
	switch p.source {
	case SourceOwned:
		return
	case SourceParams:
		p.Value = p.copyAndTrack(p.Value)
	case SourceReturn:
		p.track(p.Value)
	}
	p.source = SourceOwned
}

// copyAndTrack deep-copies containers while duplicating and tracking
// capability references. Scalars are immutable and shared.
func (p *Payload) copyAndTrack(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string, int, int8, int16, int32,
		uint, uint8, uint16, uint32, uint64, float32, time.Time, *Error:
		return t
	case *Stub:
		dup := &Stub{hook: t.hook.Dup()}
		p.stubs = append(p.stubs, dup)
		return dup
	case *Promise:
		dup := &Promise{hook: t.hook.Dup()}
		p.promises = append(p.promises, dup)
		return dup
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = p.copyAndTrack(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = p.copyAndTrack(val)
		}
		return out
	}
	// Unknown types pass through unchanged. Targets and callables are
	// reference values by nature and the serializer handles them.
	return v
}

// track records capability references without copying.
func (p *Payload) track(v any) {
	switch t := v.(type) {
	case *Stub:
		p.stubs = append(p.stubs, t)
	case *Promise:
		p.promises = append(p.promises, t)
	case []any:
		for _, item := range t {
			p.track(item)
		}
	case map[string]any:
		for _, val := range t {
			p.track(val)
		}
	}
}

// Dispose releases every tracked stub and promise. The payload must
// not be used afterwards.
func (p *Payload) Dispose() {
	for _, s := range p.stubs {
		s.Dispose()
	}
	for _, pr := range p.promises {
		pr.Dispose()
	}
	p.stubs = nil
	p.promises = nil
}
