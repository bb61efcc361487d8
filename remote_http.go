package roomsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"
)

// RemoteHTTPConfig configures the HTTP remote store client.
type RemoteHTTPConfig struct {
	// BaseURL of the remote record store, e.g. "https://sync.example.com".
	BaseURL string `yaml:"base_url"`

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string `yaml:"auth_token,omitempty"`

	// Username/Password enable basic auth when AuthToken is unset.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// Headers are extra headers added to every request.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout per request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Compress enables snappy compression of request bodies.
	Compress bool `yaml:"compress"`
}

// RemoteHTTPStore is a RemoteStore over HTTP+JSON. Request bodies are
// optionally snappy-compressed; responses are classified into error
// kinds by status code so callers can distinguish expired cursors and
// auth failures from transient faults.
type RemoteHTTPStore struct {
	config RemoteHTTPConfig
	client *http.Client
}

// NewRemoteHTTPStore creates an HTTP remote store client.
func NewRemoteHTTPStore(cfg RemoteHTTPConfig) (*RemoteHTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &RemoteHTTPStore{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// FetchZoneChanges implements RemoteStore.
func (r *RemoteHTTPStore) FetchZoneChanges(ctx context.Context, scope Scope, token string) (*ZoneChangeSet, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/%s/zones?token=%s",
		r.config.BaseURL, scope, url.QueryEscape(token))

	var zcs ZoneChangeSet
	if err := r.doJSON(ctx, http.MethodGet, endpoint, nil, &zcs); err != nil {
		return nil, err
	}
	return &zcs, nil
}

// FetchRecordChanges implements RemoteStore.
func (r *RemoteHTTPStore) FetchRecordChanges(ctx context.Context, scope Scope, zone, token string, desiredFields []string) (*RecordChangeSet, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/%s/zones/%s/records",
		r.config.BaseURL, scope, url.PathEscape(zone))

	req := struct {
		Token  string   `json:"token"`
		Fields []string `json:"fields,omitempty"`
	}{Token: token, Fields: desiredFields}

	var rcs RecordChangeSet
	if err := r.doJSON(ctx, http.MethodPost, endpoint, req, &rcs); err != nil {
		return nil, err
	}
	for _, rec := range rcs.Changed {
		decodeBinaryFields(rec)
	}
	return &rcs, nil
}

// Save implements RemoteStore.
func (r *RemoteHTTPStore) Save(ctx context.Context, rec *Record) (*Record, error) {
	endpoint := fmt.Sprintf("%s/v1/records", r.config.BaseURL)

	var stored Record
	if err := r.doJSON(ctx, http.MethodPost, endpoint, rec, &stored); err != nil {
		return nil, err
	}
	decodeBinaryFields(&stored)
	return &stored, nil
}

// Delete implements RemoteStore.
func (r *RemoteHTTPStore) Delete(ctx context.Context, id RecordID) error {
	endpoint := fmt.Sprintf("%s/v1/records/%s/%s/%s/%s",
		r.config.BaseURL, id.Scope, url.PathEscape(id.Zone), id.Type, url.PathEscape(id.Name))
	return r.doJSON(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ResetState implements RemoteResetter.
func (r *RemoteHTTPStore) ResetState(ctx context.Context, scope Scope) error {
	endpoint := fmt.Sprintf("%s/v1/sync/%s/reset", r.config.BaseURL, scope)
	return r.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
}

// doJSON executes one request with auth, optional snappy compression,
// and status classification. out may be nil when no body is expected.
func (r *RemoteHTTPStore) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	compressed := false
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		if r.config.Compress {
			data = snappy.Encode(nil, data)
			compressed = true
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "snappy")
	}
	r.addAuthHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return NewSyncError(ErrKindTransient, method+" "+endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode, method+" "+endpoint, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewSyncError(ErrKindTransient, "read response", err)
	}
	if resp.Header.Get("Content-Encoding") == "snappy" {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return NewSyncError(ErrKindTransient, "decompress response", err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewSyncError(ErrKindTransient, "decode response", err)
	}
	return nil
}

func (r *RemoteHTTPStore) addAuthHeaders(req *http.Request) {
	if r.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.AuthToken)
	} else if r.config.Username != "" {
		req.SetBasicAuth(r.config.Username, r.config.Password)
	}
	for name, value := range r.config.Headers {
		req.Header.Set(name, value)
	}
}

// classifyStatus maps an HTTP status to an error kind: auth failures
// are permanent, 410 marks an expired change token, 422 means the
// remote schema is not provisioned yet, everything else is transient.
func classifyStatus(status int, op, msg string) error {
	err := fmt.Errorf("status %d: %s", status, msg)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewSyncError(ErrKindPermissionDenied, op, err)
	case status == http.StatusGone:
		return NewSyncError(ErrKindCursorInvalid, op, err)
	case status == http.StatusUnprocessableEntity:
		return NewSyncError(ErrKindSchemaUnready, op, err)
	default:
		return NewSyncError(ErrKindTransient, op, err)
	}
}

// decodeBinaryFields converts base64-encoded data fields back to bytes.
// JSON has no binary type, so the wire carries []byte as base64 strings.
func decodeBinaryFields(rec *Record) {
	for i, f := range rec.Fields {
		if f.Name != "data" {
			continue
		}
		if s, ok := f.Value.(string); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				rec.Fields[i].Value = b
			}
		}
	}
}
