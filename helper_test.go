// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb_test

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/capnweb"
)

// readLines collects the non-blank NDJSON lines of a response body.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// testTimeout bounds every await in the suite.
const testTimeout = 5 * time.Second

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// calcTarget is the arithmetic server used across the scenarios.
func calcTarget() capnweb.Target {
	return capnweb.MethodMap{
		"add": func(ctx context.Context, args []any) (any, error) {
			return args[0].(int64) + args[1].(int64), nil
		},
		"divide": func(ctx context.Context, args []any) (any, error) {
			a, b := args[0].(int64), args[1].(int64)
			if b == 0 {
				return nil, capnweb.NewError(capnweb.CodeBadRequest, "Division by zero").
					WithData(map[string]any{"divisor": int64(0)})
			}
			return a / b, nil
		},
		"authenticate": func(ctx context.Context, args []any) (any, error) {
			if args[0] != "cookie-123" {
				return nil, capnweb.NewError(capnweb.CodePermissionDenied, "bad cookie")
			}
			return map[string]any{"id": "u_1", "name": "Ada"}, nil
		},
		"getUserProfile": func(ctx context.Context, args []any) (any, error) {
			return map[string]any{"user": args[0], "bio": "pioneer"}, nil
		},
		"getNotifications": func(ctx context.Context, args []any) (any, error) {
			return []any{"n1:" + args[0].(string), "n2:" + args[0].(string)}, nil
		},
		"echo": func(ctx context.Context, args []any) (any, error) {
			if len(args) == 1 {
				return args[0], nil
			}
			return args, nil
		},
	}
}

// sessionPair connects two kernels over an in-memory pipe.
func sessionPair(t *testing.T, serverRoot, clientRoot capnweb.Target) (server, client *capnweb.Session) {
	t.Helper()
	srvEnd, cliEnd := capnweb.Pipe()
	server = capnweb.NewSession(srvEnd, serverRoot)
	client = capnweb.NewSession(cliEnd, clientRoot)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

// recordingTransport wraps a Transport and keeps a copy of every frame
// sent through it, for wire-level assertions.
type recordingTransport struct {
	inner capnweb.Transport

	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransport) Send(ctx context.Context, frame []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, append([]byte(nil), frame...))
	r.mu.Unlock()
	return r.inner.Send(ctx, frame)
}

func (r *recordingTransport) Recv(ctx context.Context) ([]byte, error) {
	return r.inner.Recv(ctx)
}

func (r *recordingTransport) Close() error { return r.inner.Close() }

func (r *recordingTransport) frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, f := range r.sent {
		out[i] = string(f)
	}
	return out
}
