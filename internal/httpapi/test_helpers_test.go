package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/erauner12/erpsync/internal/auth"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/google/uuid"
)

// fakeRecords is an in-memory Records keyed by userID/collection/uid
type fakeRecords struct {
	mu       sync.Mutex
	records  map[string]*syncx.Record
	applyErr error
	applied  []syncx.WireItem
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]*syncx.Record)}
}

func recordKey(userID, collection, uid string) string {
	return userID + "/" + collection + "/" + uid
}

func (f *fakeRecords) Apply(_ context.Context, userID string, item syncx.WireItem) (*syncx.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = append(f.applied, item)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	uid, err := syncx.RecordUID(item)
	if err != nil {
		return nil, err
	}

	key := recordKey(userID, item.Collection, uid.String())
	rec := f.records[key]
	switch item.Operation {
	case syncx.OpCreate:
		rec = &syncx.Record{UID: uid.String(), Collection: item.Collection, Version: 1, Payload: item.Data}
	case syncx.OpUpdate:
		if rec == nil {
			return nil, syncx.ErrNotFound
		}
		for k, v := range item.Data {
			rec.Payload[k] = v
		}
		rec.Version++
	case syncx.OpDelete:
		if rec == nil {
			rec = &syncx.Record{UID: uid.String(), Collection: item.Collection}
		}
		deleted := "2024-01-01T00:00:00Z"
		rec.DeletedAt = &deleted
	}
	f.records[key] = rec
	return rec, nil
}

func (f *fakeRecords) Get(_ context.Context, userID, collection string, uid uuid.UUID) (*syncx.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[recordKey(userID, collection, uid.String())], nil
}

func (f *fakeRecords) List(_ context.Context, userID, collection string, _ syncx.Cursor, limit int, includeDeleted bool) (*syncx.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	items := []syncx.Record{}
	for key, rec := range f.records {
		if key != recordKey(userID, collection, rec.UID) {
			continue
		}
		if rec.DeletedAt != nil && !includeDeleted {
			continue
		}
		items = append(items, *rec)
		if len(items) == limit {
			break
		}
	}
	return &syncx.ListResponse{Items: items}, nil
}

// debugUsers maps every subject to itself
type debugUsers struct{}

func (debugUsers) ResolveUser(_ context.Context, sub string) (string, error) {
	return sub, nil
}

func newTestRouter(records Records, rl RateLimitInfo) http.Handler {
	srv := &Server{Records: records, Users: debugUsers{}, RateLimitConfig: rl}
	return srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

// makeRequest sends body as JSON on behalf of the X-Debug-Sub user
func makeRequest(t *testing.T, router http.Handler, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader *bytes.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	} else {
		bodyReader = bytes.NewReader([]byte{})
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Debug-Sub", user)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeApply(t *testing.T, w *httptest.ResponseRecorder) syncx.ApplyResponse {
	t.Helper()

	var resp syncx.ApplyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v (body=%s)", err, w.Body.String())
	}
	return resp
}
