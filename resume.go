// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// resumeTokenVersion tags the token layout.
const resumeTokenVersion = 1

// ResumeToken records enough table state to reconstruct a session's
// import and export bookkeeping on a new transport. The encoded form
// is opaque to peers; storage and TTL policy are delegated to a
// TokenStore.
type ResumeToken struct {
	Version   int             `json:"v"`
	SessionID string          `json:"session_id"`
	Imports   map[int64]int64 `json:"imports"` // id -> expected refcount
	Exports   map[int64]int64 `json:"exports"` // id -> introductions
	CreatedAt int64           `json:"created_at"`
}

// ResumeToken snapshots the session's tables into a token.
func (s *Session) ResumeToken() *ResumeToken {
	return &ResumeToken{
		Version:   resumeTokenVersion,
		SessionID: s.sessionID,
		Imports:   s.imports.snapshot(),
		Exports:   s.exports.snapshot(),
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Encode renders the token as an opaque byte string.
func (t *ResumeToken) Encode() ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
	base64.RawURLEncoding.Encode(out, raw)
	return out, nil
}

// DecodeResumeToken parses an opaque token.
func DecodeResumeToken(data []byte) (*ResumeToken, error) {
	raw := make([]byte, base64.RawURLEncoding.DecodedLen(len(data)))
	n, err := base64.RawURLEncoding.Decode(raw, data)
	if err != nil {
		return nil, Errorf(CodeBadRequest, "invalid resume token encoding: %v", err)
	}
	var t ResumeToken
	if err := json.Unmarshal(raw[:n], &t); err != nil {
		return nil, Errorf(CodeBadRequest, "invalid resume token: %v", err)
	}
	if t.Version != resumeTokenVersion {
		return nil, Errorf(CodeBadRequest, "unsupported resume token version %d", t.Version)
	}
	if t.SessionID == "" {
		return nil, NewError(CodeBadRequest, "resume token missing session ID")
	}
	return &t, nil
}

// Restore re-seeds a freshly attached session from a token: import
// entries are recreated with their expected refcounts and both ID
// allocators advance past every recorded ID so none is ever reused.
// Exports other than the main capability hold application objects the
// token cannot carry; the application re-registers those through its
// root after resuming.
func (s *Session) Restore(t *ResumeToken) error {
	if t.Version != resumeTokenVersion {
		return Errorf(CodeBadRequest, "unsupported resume token version %d", t.Version)
	}
	s.sessionID = t.SessionID

	var maxPositive, maxNegative uint32
	note := func(id int64) {
		if id > 0 && uint32(id) > maxPositive {
			maxPositive = uint32(id)
		}
		if id < 0 && uint32(-id) > maxNegative {
			maxNegative = uint32(-id)
		}
	}
	for id, expected := range t.Imports {
		note(id)
		if id == MainID || s.imports.contains(id) {
			continue
		}
		h := s.newImportHook(id, false)
		s.imports.add(id, h)
		for i := int64(1); i < expected; i++ {
			s.imports.bumpExpected(id)
		}
	}
	for id := range t.Exports {
		note(id)
	}
	s.alloc.reserve(maxPositive, maxNegative)
	return nil
}

// TokenStore persists resume tokens. Storage and expiry policy belong
// to the application; the kernel only defines the shape.
type TokenStore interface {
	// Save stores the token under its session ID for at most ttl.
	Save(ctx context.Context, token *ResumeToken, ttl time.Duration) error
	// Load fetches a live token, or an error when unknown or expired.
	Load(ctx context.Context, sessionID string) (*ResumeToken, error)
	// Delete drops the token.
	Delete(ctx context.Context, sessionID string) error
}

// MemoryTokenStore is an in-process TokenStore with TTL expiry.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]storedToken
}

type storedToken struct {
	token   *ResumeToken
	expires time.Time
}

// NewMemoryTokenStore creates an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]storedToken)}
}

// Save implements TokenStore.
func (m *MemoryTokenStore) Save(ctx context.Context, token *ResumeToken, ttl time.Duration) error {
	if token.SessionID == "" {
		token.SessionID = uuid.NewString()
	}
	m.mu.Lock()
	m.tokens[token.SessionID] = storedToken{token: token, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Load implements TokenStore.
func (m *MemoryTokenStore) Load(ctx context.Context, sessionID string) (*ResumeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tokens[sessionID]
	if !ok {
		return nil, Errorf(CodeNotFound, "session %s not found", sessionID)
	}
	if time.Now().After(st.expires) {
		delete(m.tokens, sessionID)
		return nil, Errorf(CodeNotFound, "session %s expired", sessionID)
	}
	return st.token, nil
}

// Delete implements TokenStore.
func (m *MemoryTokenStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.tokens, sessionID)
	m.mu.Unlock()
	return nil
}
