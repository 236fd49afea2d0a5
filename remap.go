// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import "context"

// The remap evaluator executes a mapper body against each element of a
// collection on the exporting side, without a round trip per element.
// Instructions address a three-region space: negative IDs name
// captures, 0 names the element under map, and positive IDs name the
// results of strictly earlier instructions. There is no export table
// inside instructions.

// evaluateRemap resolves the target and captures, then maps the
// elements off-task and resolves with a collection of the same
// cardinality.
func (s *Session) evaluateRemap(expr RemapExpr) StubHook {
	base, ok := s.exports.get(expr.ID)
	if !ok {
		return newErrorHook(Errorf(CodeNotFound, "export %d not found", expr.ID))
	}
	captures := make([]any, len(expr.Captures))
	for i, c := range expr.Captures {
		if c.IsImport {
			hook, ok := s.exports.get(c.ID)
			if !ok {
				return newErrorHook(Errorf(CodeNotFound, "capture export %d not found", c.ID))
			}
			captures[i] = &Stub{hook: hook.Dup()}
		} else {
			captures[i] = &Stub{hook: s.ImportCapability(c.ID)}
		}
	}

	done := newCompletion()
	go func() {
		result, err := s.runRemap(s.ctx, base, expr, captures)
		if err != nil {
			done.reject(asError(err))
			return
		}
		done.resolve(newPayloadHook(OwnedPayload(result)))
	}()
	return newPromiseHook(done)
}

func (s *Session) runRemap(ctx context.Context, base StubHook, expr RemapExpr, captures []any) (any, error) {
	payload, err := base.Pull(ctx)
	if err != nil {
		return nil, err
	}
	target := payload.Value
	if len(expr.Path) > 0 {
		target, err = getValue(ctx, target, expr.Path)
		if err != nil {
			return nil, err
		}
	}

	mapOne := func(element any) any {
		v, mapErr := applyMapper(ctx, expr.Instructions, captures, element)
		if mapErr != nil {
			// Per-element independence: a failed element carries its
			// error, mapping continues for the rest.
			return asError(mapErr)
		}
		return v
	}

	if list, ok := target.([]any); ok {
		out := make([]any, len(list))
		for i, element := range list {
			out[i] = mapOne(element)
		}
		return out, nil
	}
	return mapOne(target), nil
}

// applyMapper executes the instruction list in order against one
// element and returns the value of the last instruction.
func applyMapper(ctx context.Context, instructions []any, captures []any, input any) (any, error) {
	results := make([]any, 0, len(instructions))
	for _, instr := range instructions {
		v, err := evalInstruction(ctx, instr, captures, input, results)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	if len(results) == 0 {
		return input, nil
	}
	return results[len(results)-1], nil
}

func evalInstruction(ctx context.Context, instr any, captures []any, input any, results []any) (any, error) {
	switch t := instr.(type) {
	case nil, bool, int64, float64, string:
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			v, err := evalInstruction(ctx, item, captures, input, results)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			v, err := evalInstruction(ctx, val, captures, input, results)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case DateExpr:
		return dateValue(t), nil
	case ErrorExpr:
		return errorFromExpr(t), nil
	case ExportExpr, PromiseExpr:
		return nil, NewError(CodeBadRequest, "export expressions are illegal inside remap instructions")
	case ImportExpr:
		return evalRefInstruction(ctx, t.ID, t.Path, t.Args, t.HasArgs, captures, input, results)
	case PipelineExpr:
		return evalRefInstruction(ctx, t.ID, t.Path, t.Args, t.HasArgs, captures, input, results)
	case RemapExpr:
		return nil, NewError(CodeBadRequest, "nested remap is not supported")
	}
	return nil, Errorf(CodeBadRequest, "invalid instruction of type %T", instr)
}

func evalRefInstruction(ctx context.Context, id int64, path []PathKey, args []any, hasArgs bool,
	captures []any, input any, results []any) (any, error) {
	base, err := remapAddress(id, captures, input, results)
	if err != nil {
		return nil, err
	}
	if hasArgs {
		argv := make([]any, len(args))
		for i, arg := range args {
			v, aerr := evalInstruction(ctx, arg, captures, input, results)
			if aerr != nil {
				return nil, aerr
			}
			argv[i] = v
		}
		return callValue(ctx, base, path, argv)
	}
	if len(path) > 0 {
		return getValue(ctx, base, path)
	}
	return base, nil
}

// remapAddress resolves an instruction reference into the three-region
// address space. Out-of-range references are protocol errors.
func remapAddress(id int64, captures []any, input any, results []any) (any, error) {
	switch {
	case id < 0:
		idx := int(-id) - 1
		if idx >= len(captures) {
			return nil, Errorf(CodeBadRequest, "capture index %d out of bounds (have %d captures)", idx, len(captures))
		}
		return captures[idx], nil
	case id == 0:
		return input, nil
	default:
		idx := int(id) - 1
		if idx >= len(results) {
			return nil, Errorf(CodeBadRequest, "result index %d out of bounds (have %d results)", idx, len(results))
		}
		return results[idx], nil
	}
}

// callValue invokes a callable reached through path on a value,
// pipelining through capability references and waiting for the result.
func callValue(ctx context.Context, base any, path []PathKey, args []any) (any, error) {
	switch b := base.(type) {
	case *Stub:
		return pullHookValue(ctx, b.hook.Call(path, OwnedPayload(args)))
	case *Promise:
		return pullHookValue(ctx, b.hook.Call(path, OwnedPayload(args)))
	}
	if t, ok := base.(Target); ok {
		if len(path) == 0 {
			return nil, NewError(CodeBadRequest, "cannot call a target without a method path")
		}
		return invokeTarget(ctx, t, path, args)
	}
	return pullHookValue(ctx, newPayloadHook(OwnedPayload(base)).Call(path, OwnedPayload(args)))
}

// getValue navigates path over a value, pipelining through capability
// references and waiting for the result.
func getValue(ctx context.Context, base any, path []PathKey) (any, error) {
	cur := base
	for i, seg := range path {
		switch t := cur.(type) {
		case *Stub:
			return pullHookValue(ctx, t.hook.Get(path[i:]))
		case *Promise:
			return pullHookValue(ctx, t.hook.Get(path[i:]))
		}
		next, err := navigateStep(cur, seg)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// dateValue converts a wire date into its value form.
func dateValue(d DateExpr) any {
	return timeFromMillis(d.Millis)
}
