// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"testing"
)

// countingHook records dup and dispose calls for refcount assertions.
type countingHook struct {
	dups     int
	disposes int
}

func (h *countingHook) Call(path []PathKey, args *Payload) StubHook { return h }
func (h *countingHook) Get(path []PathKey) StubHook                 { return h }
func (h *countingHook) Pull(ctx context.Context) (*Payload, error) {
	return OwnedPayload(nil), nil
}
func (h *countingHook) Dup() StubHook { h.dups++; return h }
func (h *countingHook) Dispose()      { h.disposes++ }

func TestEnsureOwnedCopiesParams(t *testing.T) {
	original := map[string]any{"list": []any{int64(1), int64(2)}}
	p := ParamsPayload(original)
	p.EnsureOwned()

	if p.Source() != SourceOwned {
		t.Fatalf("source got %v, want SourceOwned", p.Source())
	}

	// Mutating the owned copy must not reach the application value.
	p.Value.(map[string]any)["list"].([]any)[0] = int64(99)
	if got := original["list"].([]any)[0]; got != int64(1) {
		t.Fatalf("application value mutated: got %v, want 1", got)
	}
}

func TestEnsureOwnedCopiesOnce(t *testing.T) {
	p := ParamsPayload([]any{int64(1)})
	p.EnsureOwned()
	copied := p.Value
	p.EnsureOwned()
	if &copied.([]any)[0] != &p.Value.([]any)[0] {
		t.Fatal("second EnsureOwned copied again")
	}
}

func TestEnsureOwnedAdoptsReturn(t *testing.T) {
	value := []any{int64(1), int64(2)}
	p := ReturnPayload(value)
	p.EnsureOwned()
	if &value[0] != &p.Value.([]any)[0] {
		t.Fatal("return value was copied instead of adopted")
	}
}

func TestEnsureOwnedDupsStubs(t *testing.T) {
	hook := &countingHook{}
	stub := &Stub{hook: hook}
	p := ParamsPayload([]any{stub, map[string]any{"inner": stub}})
	p.EnsureOwned()

	if hook.dups != 2 {
		t.Fatalf("dups got %d, want 2", hook.dups)
	}
	if len(p.stubs) != 2 {
		t.Fatalf("tracked stubs got %d, want 2", len(p.stubs))
	}

	p.Dispose()
	if hook.disposes != 2 {
		t.Fatalf("disposes got %d, want 2", hook.disposes)
	}
}

func TestReturnPayloadTracksWithoutDup(t *testing.T) {
	hook := &countingHook{}
	p := ReturnPayload([]any{&Promise{hook: hook}})
	p.EnsureOwned()

	if hook.dups != 0 {
		t.Fatalf("dups got %d, want 0", hook.dups)
	}
	if len(p.promises) != 1 {
		t.Fatalf("tracked promises got %d, want 1", len(p.promises))
	}
}
