package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/google/uuid"
)

func TestCollections_ListAndGet(t *testing.T) {
	records := newFakeRecords()
	router := newTestRouter(records, DefaultRateLimitConfig)

	live := uuid.NewString()
	gone := uuid.NewString()
	for _, body := range []map[string]any{
		{"id": "c1", "operation": "create", "collection": "orders", "data": map[string]any{"id": live}},
		{"id": "c2", "operation": "create", "collection": "orders", "data": map[string]any{"id": gone}},
		{"id": "d2", "operation": "delete", "collection": "orders", "documentId": gone},
	} {
		if w := makeRequest(t, router, "POST", "/v1/sync/apply", body, "test-user"); w.Code != http.StatusOK {
			t.Fatalf("apply %v failed: %d %s", body["id"], w.Code, w.Body.String())
		}
	}

	w := makeRequest(t, router, "GET", "/v1/collections/orders?limit=10", nil, "test-user")
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d", w.Code)
	}
	var page syncx.ListResponse
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].UID != live {
		t.Errorf("expected only the live record, got %+v", page.Items)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"live record", "/v1/collections/orders/" + live, http.StatusOK},
		{"deleted record", "/v1/collections/orders/" + gone, http.StatusGone},
		{"deleted record included", "/v1/collections/orders/" + gone + "?includeDeleted=true", http.StatusOK},
		{"unknown record", "/v1/collections/orders/" + uuid.NewString(), http.StatusNotFound},
		{"bad uid", "/v1/collections/orders/not-a-uuid", http.StatusBadRequest},
		{"other user", "/v1/collections/orders/" + live, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := "test-user"
			if tt.name == "other user" {
				user = "someone-else"
			}
			w := makeRequest(t, router, "GET", tt.path, nil, user)
			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestCollections_InvalidCursor(t *testing.T) {
	router := newTestRouter(newFakeRecords(), DefaultRateLimitConfig)

	w := makeRequest(t, router, "GET", "/v1/collections/orders?cursor=!!!", nil, "test-user")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed cursor, got %d", w.Code)
	}
}
