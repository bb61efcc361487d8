package roomsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
)

func testRemote(t *testing.T, handler http.HandlerFunc, cfg RemoteHTTPConfig) *RemoteHTTPStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL
	store, err := NewRemoteHTTPStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create remote store: %v", err)
	}
	return store
}

func TestRemoteHTTPFetchZoneChanges(t *testing.T) {
	store := testRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/shared/zones" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("token"); got != "t-prev" {
			t.Errorf("Expected token t-prev, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		json.NewEncoder(w).Encode(ZoneChangeSet{
			Changed: []string{"room1"},
			Token:   "t-next",
		})
	}, RemoteHTTPConfig{AuthToken: "secret"})

	zcs, err := store.FetchZoneChanges(context.Background(), ScopeShared, "t-prev")
	if err != nil {
		t.Fatalf("FetchZoneChanges failed: %v", err)
	}
	if len(zcs.Changed) != 1 || zcs.Changed[0] != "room1" {
		t.Errorf("Expected changed zone room1, got %v", zcs.Changed)
	}
	if zcs.Token != "t-next" {
		t.Errorf("Expected token t-next, got %q", zcs.Token)
	}
}

func TestRemoteHTTPFetchRecordChangesDecodesBinary(t *testing.T) {
	store := testRemote(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token  string   `json:"token"`
			Fields []string `json:"fields"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Fields) != 2 {
			t.Errorf("Expected 2 desired fields, got %v", req.Fields)
		}

		rec := NewRecord(RecordID{Scope: ScopeShared, Zone: "room1", Type: RecordTypeAttachment, Name: "a1"})
		rec.Set("messageID", "m1")
		rec.Set("data", []byte("payload")) // marshals as base64
		rec.ModTag = "tag-a1"
		json.NewEncoder(w).Encode(RecordChangeSet{Changed: []*Record{rec}, Token: "z1"})
	}, RemoteHTTPConfig{})

	rcs, err := store.FetchRecordChanges(context.Background(), ScopeShared, "room1", "", []string{"messageID", "data"})
	if err != nil {
		t.Fatalf("FetchRecordChanges failed: %v", err)
	}
	if len(rcs.Changed) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(rcs.Changed))
	}
	if got := rcs.Changed[0].GetBytes("data"); string(got) != "payload" {
		t.Errorf("Expected decoded binary payload, got %q", got)
	}
}

func TestRemoteHTTPSaveCompressesBody(t *testing.T) {
	store := testRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Encoding"); got != "snappy" {
			t.Errorf("Expected snappy content encoding, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			t.Fatalf("Failed to decompress body: %v", err)
		}

		var rec Record
		if err := json.Unmarshal(decoded, &rec); err != nil {
			t.Fatalf("Failed to decode record: %v", err)
		}
		rec.ModTag = "srv-1"
		json.NewEncoder(w).Encode(&rec)
	}, RemoteHTTPConfig{Compress: true})

	rec := stagedRecord("m1")
	stored, err := store.Save(context.Background(), rec)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if stored.ModTag != "srv-1" {
		t.Errorf("Expected server marker srv-1, got %q", stored.ModTag)
	}
	if stored.GetString("sender") != "alice" {
		t.Errorf("Expected fields round-tripped, got %q", stored.GetString("sender"))
	}
}

func TestRemoteHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrKindPermissionDenied},
		{http.StatusForbidden, ErrKindPermissionDenied},
		{http.StatusGone, ErrKindCursorInvalid},
		{http.StatusUnprocessableEntity, ErrKindSchemaUnready},
		{http.StatusInternalServerError, ErrKindTransient},
		{http.StatusTooManyRequests, ErrKindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.want.String(), func(t *testing.T) {
			store := testRemote(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}, RemoteHTTPConfig{})

			_, err := store.FetchZoneChanges(context.Background(), ScopeShared, "")
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := KindOf(err); got != tc.want {
				t.Errorf("Status %d: expected kind %s, got %s", tc.status, tc.want, got)
			}
		})
	}
}

func TestRemoteHTTPNetworkErrorIsTransient(t *testing.T) {
	store, err := NewRemoteHTTPStore(RemoteHTTPConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("Failed to create remote store: %v", err)
	}

	_, err = store.FetchZoneChanges(context.Background(), ScopeShared, "")
	if !IsTransient(err) {
		t.Errorf("Expected transient classification for network error, got %v", err)
	}
}

func TestRemoteHTTPDelete(t *testing.T) {
	var gotPath string
	store := testRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("Expected DELETE, got %s", r.Method)
		}
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}, RemoteHTTPConfig{})

	id := RecordID{Scope: ScopeShared, Zone: "room1", Type: RecordTypeMessage, Name: "m1"}
	if err := store.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if gotPath != "/v1/records/shared/room1/Message/m1" {
		t.Errorf("Unexpected delete path %s", gotPath)
	}
}

func TestRemoteHTTPRequiresBaseURL(t *testing.T) {
	if _, err := NewRemoteHTTPStore(RemoteHTTPConfig{}); err == nil {
		t.Error("Expected error for missing base URL")
	}
}
