// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import "time"

// Importer is the session surface the parser needs: installing hooks
// for announced exports, registering pending promises, and resolving
// back-references into the local export table.
type Importer interface {
	// ImportCapability installs or bumps an import for a peer-announced
	// export and returns its hook.
	ImportCapability(id ImportID) StubHook
	// PromiseImport installs an import whose resolution arrives later
	// and returns a hook that waits for it.
	PromiseImport(id ImportID) StubHook
	// LocalExport resolves a back-reference to one of the local
	// exports, which the peer names by its own import ID.
	LocalExport(id ExportID) (StubHook, bool)
}

// Parser converts expression trees from the wire into application
// values, installing import and promise hooks along the way. The walk
// itself is stateless; all table state lives in the Importer.
type Parser struct {
	importer Importer
}

// NewParser creates a parser bound to an importer.
func NewParser(importer Importer) *Parser {
	return &Parser{importer: importer}
}

// ParsePayload parses a wire expression into an owned payload.
func (p *Parser) ParsePayload(expr any) (*Payload, error) {
	v, err := p.parseValue(expr)
	if err != nil {
		return nil, err
	}
	payload := OwnedPayload(v)
	payload.track(v)
	return payload, nil
}

func (p *Parser) parseValue(expr any) (any, error) {
	switch t := expr.(type) {
	case nil, bool, int64, float64, string:
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			v, err := p.parseValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			v, err := p.parseValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case DateExpr:
		return timeFromMillis(t.Millis), nil
	case ErrorExpr:
		return errorFromExpr(t), nil
	case ExportExpr:
		// The peer is announcing one of its exports; it becomes an
		// import here.
		return &Stub{hook: p.importer.ImportCapability(t.ID)}, nil
	case PromiseExpr:
		return &Promise{hook: p.importer.PromiseImport(t.ID)}, nil
	case ImportExpr:
		hook, err := p.resolveRef(t.ID, t.Path, t.Args, t.HasArgs)
		if err != nil {
			return nil, err
		}
		return &Stub{hook: hook}, nil
	case PipelineExpr:
		hook, err := p.resolveRef(t.ID, t.Path, t.Args, t.HasArgs)
		if err != nil {
			return nil, err
		}
		return &Promise{hook: hook}, nil
	case RemapExpr:
		return nil, NewError(CodeBadRequest, "remap expression is not a value")
	}
	return nil, Errorf(CodeBadRequest, "invalid expression of type %T", expr)
}

// resolveRef resolves an import or pipeline back-reference: the peer
// names its own import, which is an entry in the local export table.
// The optional path navigates it and optional args invoke it.
func (p *Parser) resolveRef(id int64, path []PathKey, args []any, hasArgs bool) (StubHook, error) {
	base, ok := p.importer.LocalExport(id)
	if !ok {
		return nil, Errorf(CodeNotFound, "export %d not found", id)
	}
	if hasArgs {
		argValues, err := p.parseValue(args)
		if err != nil {
			return nil, err
		}
		list, _ := argValues.([]any)
		return base.Call(path, OwnedPayload(list)), nil
	}
	if len(path) > 0 {
		return base.Get(path), nil
	}
	return base.Dup(), nil
}

// timeFromMillis converts epoch milliseconds into the value form of a
// wire date.
func timeFromMillis(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

// errorFromExpr converts a wire error form into a structured error,
// coercing unknown tags to internal.
func errorFromExpr(e ErrorExpr) *Error {
	code := ErrorCode(e.Type)
	if !knownCode(e.Type) {
		code = CodeInternal
	}
	return &Error{Code: code, Message: e.Message, Stack: e.Stack, Data: e.Data}
}
