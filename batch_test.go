// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb_test

import (
	"strings"
	"testing"

	"code.hybscloud.com/capnweb"
)

func TestBatchPipelinedDependentCalls(t *testing.T) {
	skipRace(t)
	srvEnd, cliEnd := capnweb.Pipe()
	rec := &recordingTransport{inner: cliEnd}
	server := capnweb.NewSession(srvEnd, calcTarget())
	client := capnweb.NewSession(rec, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	batch := capnweb.NewBatch(client)
	user := batch.Call(capnweb.Path("authenticate"), []any{"cookie-123"})
	profile := batch.Call(capnweb.Path("getUserProfile"), []any{user.Get(capnweb.Path("id"))})
	notifications := batch.Call(capnweb.Path("getNotifications"), []any{user.Get(capnweb.Path("id"))})

	// Nothing is on the wire before the flush.
	if n := len(rec.frames()); n != 0 {
		t.Fatalf("frames before flush got %d, want 0", n)
	}
	batch.Flush()

	ctx := testCtx(t)
	u, err := user.Await(ctx)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if u.(map[string]any)["name"] != "Ada" {
		t.Fatalf("user got %v", u)
	}
	p, err := profile.Await(ctx)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.(map[string]any)["user"] != "u_1" {
		t.Fatalf("profile got %v", p)
	}
	n, err := notifications.Await(ctx)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if list := n.([]any); len(list) != 2 || list[0] != "n1:u_1" {
		t.Fatalf("notifications got %v", n)
	}

	frames := rec.frames()
	if len(frames) != 6 {
		t.Fatalf("frames got %d, want 3 pushes + 3 pulls: %v", len(frames), frames)
	}
	wantPushes := []string{
		`["push",["pipeline",0,["authenticate"],[["cookie-123"]]]]`,
		`["push",["pipeline",0,["getUserProfile"],[[["pipeline",1,["id"]]]]]]`,
		`["push",["pipeline",0,["getNotifications"],[[["pipeline",1,["id"]]]]]]`,
	}
	for i, want := range wantPushes {
		if frames[i] != want {
			t.Fatalf("push %d got %s, want %s", i, frames[i], want)
		}
	}
	for i := 3; i < 6; i++ {
		if !strings.HasPrefix(frames[i], `["pull",`) {
			t.Fatalf("frame %d got %s, want pull", i, frames[i])
		}
	}
}

func TestBatchAwaitFlushesImplicitly(t *testing.T) {
	skipRace(t)
	_, client := sessionPair(t, calcTarget(), nil)

	batch := capnweb.NewBatch(client)
	sum := batch.Call(capnweb.Path("add"), []any{2, 2})
	got, err := sum.Await(testCtx(t))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != int64(4) {
		t.Fatalf("got %v, want 4", got)
	}
}

func TestBatchCancelEmitsNothing(t *testing.T) {
	skipRace(t)
	srvEnd, cliEnd := capnweb.Pipe()
	rec := &recordingTransport{inner: cliEnd}
	server := capnweb.NewSession(srvEnd, calcTarget())
	client := capnweb.NewSession(rec, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	batch := capnweb.NewBatch(client)
	batch.Call(capnweb.Path("add"), []any{1, 1})
	batch.Call(capnweb.Path("add"), []any{2, 2})
	batch.Cancel()
	batch.Flush()

	if frames := rec.frames(); len(frames) != 0 {
		t.Fatalf("canceled batch emitted %v", frames)
	}

	// Canceled IDs are gone for good; the next call takes a fresh ID.
	root := client.RootStub()
	defer root.Dispose()
	if _, err := root.Call(capnweb.Path("add"), []any{3, 3}).Await(testCtx(t)); err != nil {
		t.Fatalf("await: %v", err)
	}
	frames := rec.frames()
	if len(frames) == 0 || frames[0] != `["push",["pipeline",0,["add"],[[3,3]]]]` {
		t.Fatalf("frames got %v", frames)
	}
	if frames[1] != `["pull",3]` {
		t.Fatalf("pull frame got %s, want pull of ID 3 (IDs 1 and 2 are never reused)", frames[1])
	}
}
