// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb_test

import (
	"errors"
	"testing"
	"time"

	"code.hybscloud.com/capnweb"
)

func TestResumeTokenEncodeDecode(t *testing.T) {
	skipRace(t)
	_, client := sessionPair(t, calcTarget(), nil)

	root := client.RootStub()
	defer root.Dispose()
	if _, err := root.Call(capnweb.Path("add"), []any{1, 2}).Await(testCtx(t)); err != nil {
		t.Fatalf("await: %v", err)
	}

	token := client.ResumeToken()
	if token.SessionID != client.ID() {
		t.Fatalf("session ID got %q, want %q", token.SessionID, client.ID())
	}
	if _, ok := token.Imports[1]; !ok {
		t.Fatalf("token imports %v missing ID 1", token.Imports)
	}

	encoded, err := token.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := capnweb.DecodeResumeToken(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.SessionID != token.SessionID || len(back.Imports) != len(token.Imports) {
		t.Fatalf("round trip got %+v, want %+v", back, token)
	}
}

func TestDecodeResumeTokenRejectsGarbage(t *testing.T) {
	for _, data := range []string{"%%%not base64%%%", "bm90IGpzb24"} {
		_, err := capnweb.DecodeResumeToken([]byte(data))
		var rpcErr *capnweb.Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != capnweb.CodeBadRequest {
			t.Fatalf("%q: got %v, want bad_request", data, err)
		}
	}
}

func TestRestoreReservesIDs(t *testing.T) {
	skipRace(t)
	srvEnd, cliEnd := capnweb.Pipe()
	rec := &recordingTransport{inner: cliEnd}
	server := capnweb.NewSession(srvEnd, calcTarget())
	client := capnweb.NewSession(rec, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	token := &capnweb.ResumeToken{
		Version:   1,
		SessionID: "resumed-session",
		Imports:   map[int64]int64{5: 2},
		Exports:   map[int64]int64{-3: 1},
	}
	if err := client.Restore(token); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if client.ID() != "resumed-session" {
		t.Fatalf("session ID got %q", client.ID())
	}

	// The next allocation must land past every restored ID.
	root := client.RootStub()
	defer root.Dispose()
	if _, err := root.Call(capnweb.Path("add"), []any{1, 1}).Await(testCtx(t)); err != nil {
		t.Fatalf("await: %v", err)
	}
	frames := rec.frames()
	if len(frames) == 0 || frames[0] != `["push",["pipeline",0,["add"],[[1,1]]]]` {
		t.Fatalf("frames got %v", frames)
	}
	if frames[1] != `["pull",6]` {
		t.Fatalf("pull got %s, want pull of ID 6 (IDs through 5 reserved)", frames[1])
	}
}

func TestMemoryTokenStoreTTL(t *testing.T) {
	store := capnweb.NewMemoryTokenStore()
	ctx := testCtx(t)

	token := &capnweb.ResumeToken{Version: 1, SessionID: "s1"}
	if err := store.Save(ctx, token, 50*time.Millisecond); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Fatalf("load: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	_, err := store.Load(ctx, "s1")
	var rpcErr *capnweb.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != capnweb.CodeNotFound {
		t.Fatalf("got %v, want not_found after expiry", err)
	}

	if err := store.Save(ctx, token, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); err == nil {
		t.Fatal("load after delete succeeded")
	}
}
