// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"time"
)

// Exporter is the session surface the serializer needs: minting export
// IDs, registering outbound promise resolutions, recognizing
// back-references to the session's own imports, and the stack exposure
// policy.
type Exporter interface {
	// ExportHook announces a local hook and returns its export ID,
	// reusing the existing ID when the hook was exported before.
	ExportHook(hook StubHook) ExportID
	// ExportPromise announces a promise-valued hook; the session emits
	// resolve or reject for the ID when the hook settles.
	ExportPromise(hook StubHook) ExportID
	// BackRef recognizes a hook that refers to one of the session's own
	// imports and returns the import ID and pending path.
	BackRef(hook StubHook) (id int64, path []PathKey, ok bool)
	// ExposeStacks reports whether error stacks may leave the session.
	ExposeStacks() bool
}

// Serializer converts application values into expression trees for the
// wire. It is the only place where new exports are minted.
type Serializer struct {
	exporter Exporter
}

// NewSerializer creates a serializer bound to an exporter.
func NewSerializer(e Exporter) *Serializer {
	return &Serializer{exporter: e}
}

// SerializePayload takes ownership of the payload and converts its
// value into an expression tree.
func (s *Serializer) SerializePayload(p *Payload) (any, error) {
	p.EnsureOwned()
	return s.serializeValue(p.Value)
}

func (s *Serializer) serializeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case int64, float64, int, int8, int16, int32, uint, uint8, uint16, uint32, uint64, float32:
		return t, nil
	case time.Time:
		return DateExpr{Millis: float64(t.UnixMilli())}, nil
	case *Error:
		return s.errorExpr(t), nil
	case *Stub:
		if id, path, ok := s.exporter.BackRef(t.hook); ok {
			return ImportExpr{ID: id, Path: path}, nil
		}
		return ExportExpr{ID: s.exporter.ExportHook(t.hook)}, nil
	case *Promise:
		if id, path, ok := s.exporter.BackRef(t.hook); ok {
			return PipelineExpr{ID: id, Path: path}, nil
		}
		return PromiseExpr{ID: s.exporter.ExportPromise(t.hook)}, nil
	case Target:
		return ExportExpr{ID: s.exporter.ExportHook(newTargetHook(t))}, nil
	case CallableFunc:
		return s.exportCallable(t), nil
	case func(context.Context, []any) (any, error):
		return s.exportCallable(CallableFunc(t)), nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			enc, err := s.serializeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			enc, err := s.serializeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}
	return nil, Errorf(CodeBadRequest, "cannot serialize value of type %T", v)
}

// exportCallable wraps a bare function as a payload capability so the
// peer can call it through the export.
func (s *Serializer) exportCallable(fn CallableFunc) ExportExpr {
	return ExportExpr{ID: s.exporter.ExportHook(newPayloadHook(OwnedPayload(fn)))}
}

// errorExpr renders a structured error, redacting the stack unless the
// session exposes stacks.
func (s *Serializer) errorExpr(e *Error) ErrorExpr {
	expr := ErrorExpr{Type: string(e.Code), Message: e.Message, Data: e.Data}
	if s.exporter.ExposeStacks() {
		expr.Stack = e.Stack
	}
	return expr
}
