// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"code.hybscloud.com/capnweb"
)

func newBatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(capnweb.NewBatchHandler(calcTarget()))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPBatchSimpleCall(t *testing.T) {
	skipRace(t)
	srv := newBatchServer(t)

	transport := capnweb.NewHTTPBatchTransport(srv.URL, srv.Client())
	client := capnweb.NewSession(transport, nil)
	t.Cleanup(func() { _ = client.Close() })

	root := client.RootStub()
	defer root.Dispose()

	got, err := root.Call(capnweb.Path("add"), []any{5, 3}).Await(testCtx(t))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != int64(8) {
		t.Fatalf("got %v, want 8", got)
	}
}

func TestHTTPBatchPipeline(t *testing.T) {
	skipRace(t)
	srv := newBatchServer(t)

	transport := capnweb.NewHTTPBatchTransport(srv.URL, srv.Client())
	client := capnweb.NewSession(transport, nil)
	t.Cleanup(func() { _ = client.Close() })

	batch := capnweb.NewBatch(client)
	user := batch.Call(capnweb.Path("authenticate"), []any{"cookie-123"})
	profile := batch.Call(capnweb.Path("getUserProfile"), []any{user.Get(capnweb.Path("id"))})
	batch.Flush()

	ctx := testCtx(t)
	p, err := profile.Await(ctx)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.(map[string]any)["user"] != "u_1" {
		t.Fatalf("profile got %v", p)
	}
	u, err := user.Await(ctx)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if u.(map[string]any)["id"] != "u_1" {
		t.Fatalf("user got %v", u)
	}
}

func TestHTTPBatchRejectSurfaces(t *testing.T) {
	skipRace(t)
	srv := newBatchServer(t)

	transport := capnweb.NewHTTPBatchTransport(srv.URL, srv.Client())
	client := capnweb.NewSession(transport, nil)
	t.Cleanup(func() { _ = client.Close() })

	root := client.RootStub()
	defer root.Dispose()

	_, err := root.Call(capnweb.Path("divide"), []any{1, 0}).Await(testCtx(t))
	var rpcErr *capnweb.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != capnweb.CodeBadRequest {
		t.Fatalf("got %v, want bad_request", err)
	}
}

func TestBatchHandlerRawProtocol(t *testing.T) {
	skipRace(t)
	srv := newBatchServer(t)

	body := `["push",["pipeline",0,["add"],[[5,3]]]]` + "\n" + `["pull",1]`
	resp, err := srv.Client().Post(srv.URL, "application/x-ndjson", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	frames, err := readLines(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frames) != 1 || frames[0] != `["resolve",1,8]` {
		t.Fatalf("got %v, want [\"resolve\",1,8]", frames)
	}
}

func TestBatchHandlerSizeLimit(t *testing.T) {
	srv := httptest.NewServer(func() http.Handler {
		h := capnweb.NewBatchHandler(calcTarget())
		h.SetMaxBatch(1)
		return h
	}())
	t.Cleanup(srv.Close)

	body := `["pull",1]` + "\n" + `["pull",2]`
	resp, err := srv.Client().Post(srv.URL, "application/x-ndjson", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status got %d, want 400", resp.StatusCode)
	}
	frames, err := readLines(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frames) != 1 || !strings.HasPrefix(frames[0], `["abort",["error","bad_request"`) {
		t.Fatalf("got %v, want abort", frames)
	}
}

func TestBatchHandlerMethodNotAllowed(t *testing.T) {
	srv := newBatchServer(t)
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status got %d, want 405", resp.StatusCode)
	}
}
