// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"bytes"
	stdjson "encoding/json"
	"math"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is the wire codec configuration. Standard-library compatibility
// keeps map key ordering and number formatting identical to encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PathKey is one segment of a property path: a string key or an
// integer index.
type PathKey struct {
	name  string
	index int
	isIdx bool
}

// Key creates a string path segment.
func Key(name string) PathKey { return PathKey{name: name} }

// Elem creates an integer index path segment.
func Elem(index int) PathKey { return PathKey{index: index, isIdx: true} }

// IsIndex reports whether the segment is an integer index.
func (k PathKey) IsIndex() bool { return k.isIdx }

// Name returns the string key of a non-index segment.
func (k PathKey) Name() string { return k.name }

// Index returns the integer index of an index segment.
func (k PathKey) Index() int { return k.index }

// String returns the segment in display form.
func (k PathKey) String() string {
	if k.isIdx {
		return strconv.Itoa(k.index)
	}
	return k.name
}

// Path builds a property path from string keys and integer indices.
// Any other segment type panics: paths are always program constants.
func Path(segments ...any) []PathKey {
	path := make([]PathKey, 0, len(segments))
	for _, seg := range segments {
		switch s := seg.(type) {
		case string:
			path = append(path, Key(s))
		case int:
			path = append(path, Elem(s))
		case PathKey:
			path = append(path, s)
		default:
			panic("capnweb: path segment must be string or int")
		}
	}
	return path
}

func pathToWire(path []PathKey) []any {
	if path == nil {
		return nil
	}
	out := make([]any, len(path))
	for i, k := range path {
		if k.isIdx {
			out[i] = int64(k.index)
		} else {
			out[i] = k.name
		}
	}
	return out
}

func pathFromWire(v any) ([]PathKey, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, NewError(CodeBadRequest, "property path must be an array")
	}
	path := make([]PathKey, 0, len(arr))
	for _, seg := range arr {
		switch s := seg.(type) {
		case string:
			path = append(path, Key(s))
		case int64:
			path = append(path, Elem(int(s)))
		default:
			return nil, NewError(CodeBadRequest, "property path segment must be string or integer")
		}
	}
	return path, nil
}

// Expression forms. The parser and serializer exchange expression trees
// built from Go scalars, []any, map[string]any, and these structs.

// ErrorExpr is the ["error", type, message, stack?, data?] form.
type ErrorExpr struct {
	Type    string
	Message string
	Stack   string
	Data    any
}

// DateExpr is the ["date", millis] form. Millis counts milliseconds
// since the Unix epoch.
type DateExpr struct {
	Millis float64
}

// ExportExpr is the ["export", id] form: the sender announces one of
// its exports.
type ExportExpr struct {
	ID int64
}

// PromiseExpr is the ["promise", id] form: the promise-valued variant
// of an export announcement.
type PromiseExpr struct {
	ID int64
}

// ImportExpr is the ["import", id, path?, args?] form: the sender
// references one of its imports, which is the recipient's export.
type ImportExpr struct {
	ID      int64
	Path    []PathKey
	Args    []any
	HasArgs bool
}

// PipelineExpr is the ["pipeline", id, path?, args?] form: like
// ImportExpr but the result is awaited before application delivery.
type PipelineExpr struct {
	ID      int64
	Path    []PathKey
	Args    []any
	HasArgs bool
}

// Capture is one captured reference of a remap expression.
type Capture struct {
	IsImport bool
	ID       int64
}

// RemapExpr is the ["remap", id, path, captures, instructions] form.
type RemapExpr struct {
	ID           int64
	Path         []PathKey
	Captures     []Capture
	Instructions []any
}

// Messages.

// MessageKind tags a top-level wire message.
type MessageKind uint8

const (
	// MsgPush evaluates an expression and assigns it the next
	// sequential import ID on the sender's side.
	MsgPush MessageKind = iota + 1
	// MsgPull requests the resolution of an import.
	MsgPull
	// MsgResolve delivers the value of an export.
	MsgResolve
	// MsgReject delivers the failure of an export.
	MsgReject
	// MsgRelease returns import references to the exporting side.
	MsgRelease
	// MsgAbort terminates the session with an error.
	MsgAbort
)

var msgKindNames = [...]string{"", "push", "pull", "resolve", "reject", "release", "abort"}

// String returns the wire tag of the message kind.
func (k MessageKind) String() string {
	if int(k) < len(msgKindNames) {
		return msgKindNames[k]
	}
	return "unknown"
}

// Message is a decoded top-level wire message. IDs are always given
// from the perspective of the sender.
type Message struct {
	Kind MessageKind
	ID   int64
	Expr any
	Refs int64
}

// DecodeMessage parses one NDJSON frame into a Message. Frames larger
// than maxFrame fail with bad_request; maxFrame zero disables the check.
func DecodeMessage(line []byte, maxFrame int) (*Message, error) {
	if maxFrame > 0 && len(line) > maxFrame {
		return nil, Errorf(CodeBadRequest, "frame of %d bytes exceeds maximum %d", len(line), maxFrame)
	}
	raw, err := decodeTree(line)
	if err != nil {
		return nil, err
	}
	arr, ok := raw.([]any)
	if !ok || len(arr) == 0 {
		return nil, NewError(CodeBadRequest, "wire message must be a non-empty array")
	}
	tag, ok := arr[0].(string)
	if !ok {
		return nil, NewError(CodeBadRequest, "message tag must be a string")
	}
	switch tag {
	case "push":
		if len(arr) != 2 {
			return nil, NewError(CodeBadRequest, "push message requires exactly 2 elements")
		}
		expr, err := parseExpr(arr[1])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: MsgPush, Expr: expr}, nil
	case "pull":
		id, err := wireID(arr, 2)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: MsgPull, ID: id}, nil
	case "resolve", "reject":
		if len(arr) != 3 {
			return nil, Errorf(CodeBadRequest, "%s message requires exactly 3 elements", tag)
		}
		id, ok := intFromWire(mustNumber(arr[1]))
		if !ok {
			return nil, Errorf(CodeBadRequest, "%s ID must be an integer", tag)
		}
		expr, err := parseExpr(arr[2])
		if err != nil {
			return nil, err
		}
		kind := MsgResolve
		if tag == "reject" {
			kind = MsgReject
		}
		return &Message{Kind: kind, ID: id, Expr: expr}, nil
	case "release":
		if len(arr) != 3 {
			return nil, NewError(CodeBadRequest, "release message requires exactly 3 elements")
		}
		id, ok := intFromWire(mustNumber(arr[1]))
		if !ok {
			return nil, NewError(CodeBadRequest, "release ID must be an integer")
		}
		refs, ok := intFromWire(mustNumber(arr[2]))
		if !ok || refs < 0 {
			return nil, NewError(CodeBadRequest, "release refcount must be a non-negative integer")
		}
		return &Message{Kind: MsgRelease, ID: id, Refs: refs}, nil
	case "abort":
		if len(arr) != 2 {
			return nil, NewError(CodeBadRequest, "abort message requires exactly 2 elements")
		}
		expr, err := parseExpr(arr[1])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: MsgAbort, Expr: expr}, nil
	}
	return nil, Errorf(CodeBadRequest, "unknown message type %q", tag)
}

func wireID(arr []any, arity int) (int64, error) {
	if len(arr) != arity {
		return 0, Errorf(CodeBadRequest, "%v message requires exactly %d elements", arr[0], arity)
	}
	id, ok := intFromWire(mustNumber(arr[1]))
	if !ok {
		return 0, NewError(CodeBadRequest, "ID must be an integer")
	}
	return id, nil
}

// EncodeMessage renders a Message as one NDJSON line, without the
// trailing newline.
func EncodeMessage(m *Message) ([]byte, error) {
	var raw []any
	switch m.Kind {
	case MsgPush:
		expr, err := encodeExpr(m.Expr, false)
		if err != nil {
			return nil, err
		}
		raw = []any{"push", expr}
	case MsgPull:
		raw = []any{"pull", m.ID}
	case MsgResolve:
		expr, err := encodeExpr(m.Expr, true)
		if err != nil {
			return nil, err
		}
		raw = []any{"resolve", m.ID, expr}
	case MsgReject:
		expr, err := encodeExpr(m.Expr, false)
		if err != nil {
			return nil, err
		}
		raw = []any{"reject", m.ID, expr}
	case MsgRelease:
		raw = []any{"release", m.ID, m.Refs}
	case MsgAbort:
		expr, err := encodeExpr(m.Expr, false)
		if err != nil {
			return nil, err
		}
		raw = []any{"abort", expr}
	default:
		return nil, Errorf(CodeInternal, "cannot encode message kind %d", m.Kind)
	}
	return json.Marshal(raw)
}

// EncodeBatch renders messages as an NDJSON batch.
func EncodeBatch(msgs []*Message) ([]byte, error) {
	var buf bytes.Buffer
	for i, m := range msgs {
		line, err := EncodeMessage(m)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses an NDJSON batch into messages, skipping blank lines.
func DecodeBatch(data []byte, maxFrame int) ([]*Message, error) {
	var msgs []*Message
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		m, err := DecodeMessage(line, maxFrame)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Expression decode.

// decodeTree unmarshals raw JSON into a tree of nil, bool, json.Number,
// string, []any, and map[string]any.
func decodeTree(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, Errorf(CodeBadRequest, "invalid JSON frame: %v", err)
	}
	return v, nil
}

func intFromWire(v any) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

// normalizeNumber maps a json.Number to int64 when integral and float64
// otherwise, so the int/float distinction survives round trips.
func normalizeNumber(n stdjson.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, Errorf(CodeBadRequest, "invalid number %q", n.String())
	}
	return f, nil
}

// parseExpr converts a decoded JSON tree into an expression tree.
// Scalars and objects are literal. Arrays are structural: a known tag
// dispatches to its form, [[...]] is the literal-array escape, and a
// non-empty array headed by an unknown string tag is a protocol error.
func parseExpr(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t, nil
	case stdjson.Number:
		return normalizeNumber(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			parsed, err := parseExpr(val)
			if err != nil {
				return nil, err
			}
			out[k] = parsed
		}
		return out, nil
	case []any:
		return parseExprArray(t)
	}
	return nil, Errorf(CodeBadRequest, "invalid wire expression of type %T", v)
}

func parseExprArray(arr []any) (any, error) {
	if len(arr) == 0 {
		return []any{}, nil
	}
	// Literal-array escape. The outer array is discarded and the inner
	// array's elements are still evaluated recursively.
	if len(arr) == 1 {
		if inner, ok := arr[0].([]any); ok {
			return parseLiteralArray(inner)
		}
	}
	if tag, ok := arr[0].(string); ok {
		return parseTagged(tag, arr)
	}
	return parseLiteralArray(arr)
}

func parseLiteralArray(arr []any) ([]any, error) {
	out := make([]any, len(arr))
	for i, item := range arr {
		parsed, err := parseExpr(item)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}

func parseTagged(tag string, arr []any) (any, error) {
	switch tag {
	case "date":
		if len(arr) != 2 {
			return nil, NewError(CodeBadRequest, "date expression requires exactly 2 elements")
		}
		ms, err := floatFromWire(arr[1])
		if err != nil {
			return nil, NewError(CodeBadRequest, "date timestamp must be a number")
		}
		return DateExpr{Millis: ms}, nil
	case "error":
		return parseErrorExpr(arr)
	case "export", "promise":
		if len(arr) != 2 {
			return nil, Errorf(CodeBadRequest, "%s expression requires exactly 2 elements", tag)
		}
		id, ok := intFromWire(mustNumber(arr[1]))
		if !ok {
			return nil, Errorf(CodeBadRequest, "%s ID must be an integer", tag)
		}
		if tag == "export" {
			return ExportExpr{ID: id}, nil
		}
		return PromiseExpr{ID: id}, nil
	case "import", "pipeline":
		id, path, args, hasArgs, err := parseRefExpr(tag, arr)
		if err != nil {
			return nil, err
		}
		if tag == "import" {
			return ImportExpr{ID: id, Path: path, Args: args, HasArgs: hasArgs}, nil
		}
		return PipelineExpr{ID: id, Path: path, Args: args, HasArgs: hasArgs}, nil
	case "remap":
		return parseRemapExpr(arr)
	}
	return nil, Errorf(CodeBadRequest, "unknown expression tag %q", tag)
}

// mustNumber resolves json.Number scalars left undecoded in tag
// positions that skip parseExpr.
func mustNumber(v any) any {
	if n, ok := v.(stdjson.Number); ok {
		if norm, err := normalizeNumber(n); err == nil {
			return norm
		}
	}
	return v
}

func floatFromWire(v any) (float64, error) {
	switch n := mustNumber(v).(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, NewError(CodeBadRequest, "expected a number")
}

func parseErrorExpr(arr []any) (any, error) {
	if len(arr) < 3 || len(arr) > 5 {
		return nil, NewError(CodeBadRequest, "error expression requires 3 to 5 elements")
	}
	typ, ok := arr[1].(string)
	if !ok {
		return nil, NewError(CodeBadRequest, "error type must be a string")
	}
	msg, ok := arr[2].(string)
	if !ok {
		return nil, NewError(CodeBadRequest, "error message must be a string")
	}
	expr := ErrorExpr{Type: typ, Message: msg}
	if len(arr) > 3 && arr[3] != nil {
		stack, ok := arr[3].(string)
		if !ok {
			return nil, NewError(CodeBadRequest, "error stack must be a string or null")
		}
		expr.Stack = stack
	}
	if len(arr) > 4 {
		data, err := parseExpr(arr[4])
		if err != nil {
			return nil, err
		}
		expr.Data = data
	}
	return expr, nil
}

func parseRefExpr(tag string, arr []any) (id int64, path []PathKey, args []any, hasArgs bool, err error) {
	if len(arr) < 2 || len(arr) > 4 {
		return 0, nil, nil, false, Errorf(CodeBadRequest, "%s expression requires 2 to 4 elements", tag)
	}
	id, ok := intFromWire(mustNumber(arr[1]))
	if !ok {
		return 0, nil, nil, false, Errorf(CodeBadRequest, "%s ID must be an integer", tag)
	}
	if len(arr) > 2 && arr[2] != nil {
		path, err = pathFromWire(normalizePathWire(arr[2]))
		if err != nil {
			return 0, nil, nil, false, err
		}
	}
	if len(arr) > 3 {
		parsed, perr := parseExpr(arr[3])
		if perr != nil {
			return 0, nil, nil, false, perr
		}
		list, ok := parsed.([]any)
		if !ok {
			return 0, nil, nil, false, Errorf(CodeBadRequest, "%s arguments must evaluate to an array", tag)
		}
		args = list
		hasArgs = true
	}
	return id, path, args, hasArgs, nil
}

// normalizePathWire resolves json.Number path segments before
// pathFromWire inspects them.
func normalizePathWire(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, len(arr))
	for i, seg := range arr {
		out[i] = mustNumber(seg)
	}
	return out
}

func parseRemapExpr(arr []any) (any, error) {
	if len(arr) != 5 {
		return nil, NewError(CodeBadRequest, "remap expression requires exactly 5 elements")
	}
	id, ok := intFromWire(mustNumber(arr[1]))
	if !ok {
		return nil, NewError(CodeBadRequest, "remap ID must be an integer")
	}
	var path []PathKey
	if arr[2] != nil {
		var err error
		path, err = pathFromWire(normalizePathWire(arr[2]))
		if err != nil {
			return nil, err
		}
	}
	rawCaps, ok := arr[3].([]any)
	if !ok {
		return nil, NewError(CodeBadRequest, "remap captures must be an array")
	}
	captures := make([]Capture, 0, len(rawCaps))
	for _, rc := range rawCaps {
		capArr, ok := rc.([]any)
		if !ok || len(capArr) != 2 {
			return nil, NewError(CodeBadRequest, "remap capture requires ['import'|'export', id]")
		}
		kind, ok := capArr[0].(string)
		if !ok || (kind != "import" && kind != "export") {
			return nil, NewError(CodeBadRequest, "remap capture requires ['import'|'export', id]")
		}
		capID, ok := intFromWire(mustNumber(capArr[1]))
		if !ok {
			return nil, NewError(CodeBadRequest, "remap capture ID must be an integer")
		}
		captures = append(captures, Capture{IsImport: kind == "import", ID: capID})
	}
	rawInstrs, ok := arr[4].([]any)
	if !ok {
		return nil, NewError(CodeBadRequest, "remap instructions must be an array")
	}
	instructions := make([]any, len(rawInstrs))
	for i, ri := range rawInstrs {
		instr, err := parseExpr(ri)
		if err != nil {
			return nil, err
		}
		instructions[i] = instr
	}
	return RemapExpr{ID: id, Path: path, Captures: captures, Instructions: instructions}, nil
}

// Expression encode.

// encodeExpr converts an expression tree back to a JSON-ready tree.
// escape forces the literal-array escape on non-empty plain arrays; it
// propagates through object values but not into array elements, which
// are escaped individually only when ambiguous.
func encodeExpr(v any, escape bool) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case int64, int, int8, int16, int32, uint, uint8, uint16, uint32, uint64, float32, float64:
		return t, nil
	case stdjson.Number:
		return t, nil
	case time.Time:
		return encodeExpr(DateExpr{Millis: float64(t.UnixMilli())}, false)
	case *Error:
		return encodeExpr(ErrorExpr{Type: string(t.Code), Message: t.Message, Stack: t.Stack, Data: t.Data}, false)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			enc, err := encodeExpr(val, escape)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		return encodeArray(t, escape)
	case ErrorExpr:
		return encodeErrorExpr(t)
	case DateExpr:
		if t.Millis == math.Trunc(t.Millis) {
			return []any{"date", int64(t.Millis)}, nil
		}
		return []any{"date", t.Millis}, nil
	case ExportExpr:
		return []any{"export", t.ID}, nil
	case PromiseExpr:
		return []any{"promise", t.ID}, nil
	case ImportExpr:
		return encodeRefExpr("import", t.ID, t.Path, t.Args, t.HasArgs)
	case PipelineExpr:
		return encodeRefExpr("pipeline", t.ID, t.Path, t.Args, t.HasArgs)
	case RemapExpr:
		return encodeRemapExpr(t)
	}
	return nil, Errorf(CodeBadRequest, "cannot encode value of type %T", v)
}

// needsEscape reports whether an encoded plain array would be
// misinterpreted on the wire without the [[...]] escape: any array whose
// first element is a string reads as a tagged form, and a single-element
// array holding an array reads as an escape.
func needsEscape(encoded []any) bool {
	if len(encoded) == 0 {
		return false
	}
	if _, ok := encoded[0].(string); ok {
		return true
	}
	if len(encoded) == 1 {
		if _, ok := encoded[0].([]any); ok {
			return true
		}
	}
	return false
}

func encodeArray(arr []any, escape bool) (any, error) {
	encoded := make([]any, len(arr))
	for i, item := range arr {
		enc, err := encodeExpr(item, false)
		if err != nil {
			return nil, err
		}
		encoded[i] = enc
	}
	if (escape && len(encoded) > 0) || needsEscape(encoded) {
		return []any{encoded}, nil
	}
	return encoded, nil
}

func encodeErrorExpr(e ErrorExpr) (any, error) {
	out := []any{"error", e.Type, e.Message}
	if e.Stack != "" {
		out = append(out, e.Stack)
	}
	if e.Data != nil {
		if e.Stack == "" {
			out = append(out, nil)
		}
		data, err := encodeExpr(e.Data, true)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func encodeRefExpr(tag string, id int64, path []PathKey, args []any, hasArgs bool) (any, error) {
	out := []any{tag, id}
	if path != nil {
		out = append(out, pathToWire(path))
	} else if hasArgs {
		out = append(out, nil)
	}
	if hasArgs {
		enc, err := encodeExpr(args, true)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

func encodeRemapExpr(r RemapExpr) (any, error) {
	var pathWire any
	if r.Path != nil {
		pathWire = pathToWire(r.Path)
	}
	caps := make([]any, len(r.Captures))
	for i, c := range r.Captures {
		kind := "export"
		if c.IsImport {
			kind = "import"
		}
		caps[i] = []any{kind, c.ID}
	}
	instrs := make([]any, len(r.Instructions))
	for i, instr := range r.Instructions {
		enc, err := encodeExpr(instr, false)
		if err != nil {
			return nil, err
		}
		instrs[i] = enc
	}
	return []any{"remap", r.ID, pathWire, caps, instrs}, nil
}
