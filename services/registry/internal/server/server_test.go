package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"agentregistry/internal/ratelimit"
	"agentregistry/pkg/storage"
	"agentregistry/pkg/store"
	"agentregistry/services/registry/internal/app"
)

type testServer struct {
	*httptest.Server
	blobs *storage.MemoryStore
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	blobs := storage.NewMemoryStore("https://blobs.test", "agentfiles")
	if err := blobs.EnsureContainer(context.Background()); err != nil {
		t.Fatalf("ensure container: %v", err)
	}
	core, err := app.New(app.Config{
		Store:        store.NewMemoryStore(),
		Blobs:        blobs,
		DocumentKeys: []string{"aadhar", "pan", "voterId"},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: core, StagingDir: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, blobs: blobs}
}

func agentFields() map[string]string {
	return map[string]string{
		"firstName":    "Asha",
		"lastName":     "Rao",
		"email":        "asha@example.com",
		"mobileNumber": "9000000001",
		"gender":       "female",
		"dateOfBirth":  "1990-04-01",
		"city":         "Pune",
	}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for key, content := range files {
		fw, err := mw.CreateFormFile(key, key+".pdf")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		_, _ = fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp, payload
}

func postJSON(t *testing.T, url string, v any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(v)
	return do(t, http.MethodPost, url, "application/json", bytes.NewReader(raw))
}

func aliceBody() map[string]string {
	return map[string]string{
		"username":        "alice",
		"email":           "a@x.com",
		"officialEmail":   "a@corp.com",
		"role":            "agent",
		"password":        "p1",
		"confirmPassword": "p1",
	}
}

func TestCreateUserThenDuplicateEmail(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", aliceBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	if id, _ := body["userId"].(string); id == "" {
		t.Fatalf("expected userId in %v", body)
	}

	dup := aliceBody()
	dup["officialEmail"] = "other@corp.com"
	resp, body = postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", dup)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	if body["message"] != "Email already exists. Please use a different email." || body["code"] != "USER_CONFLICT" {
		t.Fatalf("unexpected duplicate body: %v", body)
	}
	if body["requestId"] == "" || body["requestId"] == nil {
		t.Fatalf("expected requestId in error body: %v", body)
	}
}

func TestCreateUserValidationMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	missing := aliceBody()
	delete(missing, "role")
	resp, body := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", missing)
	if resp.StatusCode != http.StatusBadRequest || body["message"] != "All fields are required." {
		t.Fatalf("missing field: %d %v", resp.StatusCode, body)
	}

	mismatch := aliceBody()
	mismatch["confirmPassword"] = "p2"
	resp, body = postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", mismatch)
	if resp.StatusCode != http.StatusBadRequest || body["message"] != "Password and confirm password do not match." {
		t.Fatalf("mismatch: %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/addUsers/saveCreateUser", "application/json", strings.NewReader("{"))
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "REQUEST_INVALID_BODY" {
		t.Fatalf("bad json: %d %v", resp.StatusCode, body)
	}
}

func TestUserLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	_, created := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", aliceBody())
	id := created["userId"].(string)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/addUsers/getUser", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if users, _ := body["users"].([]any); len(users) != 1 {
		t.Fatalf("users = %v", body["users"])
	}

	resp, body = do(t, http.MethodPut, ts.URL+"/api/addUsers/updateUser/"+id, "application/json", strings.NewReader(`{"role":"admin"}`))
	if resp.StatusCode != http.StatusOK || body["message"] != "User updated successfully" {
		t.Fatalf("update: %d %v", resp.StatusCode, body)
	}
	user := body["user"].(map[string]any)
	if user["role"] != "admin" {
		t.Fatalf("role = %v", user["role"])
	}
	if _, leaked := user["passwordHash"]; leaked {
		t.Fatalf("password hash leaked: %v", user)
	}

	resp, body = do(t, http.MethodDelete, ts.URL+"/api/addUsers/deleteUser/"+id, "", nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "User deleted successfully" {
		t.Fatalf("delete: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodDelete, ts.URL+"/api/addUsers/deleteUser/"+id, "", nil)
	if resp.StatusCode != http.StatusNotFound || body["message"] != "User not found" {
		t.Fatalf("second delete: %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/api/addUsers/getUser/"+id, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted = %d", resp.StatusCode)
	}
}

func TestAgentLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	body, ct := multipartBody(t, agentFields(), map[string]string{"pan": "pan-bytes"})
	resp, created := do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body)
	if resp.StatusCode != http.StatusCreated || created["message"] != "Agent created successfully" {
		t.Fatalf("create: %d %v", resp.StatusCode, created)
	}
	agent := created["agent"].(map[string]any)
	id, _ := agent["agentId"].(string)
	if id == "" {
		t.Fatalf("missing agentId: %v", agent)
	}
	panURL, _ := agent["panFilePath"].(string)
	if !strings.HasPrefix(panURL, "https://blobs.test/agentfiles/pan-") {
		t.Fatalf("panFilePath = %q", panURL)
	}
	if _, ok := agent["aadharFilePath"]; ok {
		t.Fatalf("unexpected aadharFilePath: %v", agent)
	}

	resp, got := do(t, http.MethodGet, ts.URL+"/api/agents/"+id, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	if a := got["agent"].(map[string]any); a["email"] != "asha@example.com" || a["panFilePath"] != panURL {
		t.Fatalf("fetched agent = %v", a)
	}

	resp, updated := do(t, http.MethodPut, ts.URL+"/api/agents/"+id, "application/json", strings.NewReader(`{"firstName":"Asha K"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %v", resp.StatusCode, updated)
	}
	a := updated["agent"].(map[string]any)
	if a["firstName"] != "Asha K" || a["email"] != "asha@example.com" || a["mobileNumber"] != "9000000001" || a["panFilePath"] != panURL {
		t.Fatalf("patch did not merge: %v", a)
	}

	resp, body2 := do(t, http.MethodDelete, ts.URL+"/api/agents/"+id, "", nil)
	if resp.StatusCode != http.StatusOK || body2["message"] != "Agent deleted successfully" {
		t.Fatalf("delete: %d %v", resp.StatusCode, body2)
	}
	resp, missing := do(t, http.MethodGet, ts.URL+"/api/agents/"+id, "", nil)
	if resp.StatusCode != http.StatusNotFound || missing["message"] != "Agent not found" || missing["code"] != "AGENT_NOT_FOUND" {
		t.Fatalf("get deleted: %d %v", resp.StatusCode, missing)
	}
}

func TestCreateAgentErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	body, ct := multipartBody(t, agentFields(), nil)
	if resp, _ := do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body); resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed status = %d", resp.StatusCode)
	}

	dup := agentFields()
	dup["mobileNumber"] = "9000000002"
	body, ct = multipartBody(t, dup, map[string]string{"pan": "x"})
	resp, payload := do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body)
	if resp.StatusCode != http.StatusConflict || payload["message"] != "Email already exists" || payload["code"] != "AGENT_CONFLICT" {
		t.Fatalf("duplicate: %d %v", resp.StatusCode, payload)
	}
	if names := ts.blobs.Names(); len(names) != 0 {
		t.Fatalf("duplicate create uploaded blobs: %v", names)
	}

	missing := agentFields()
	delete(missing, "gender")
	missing["email"] = "new@example.com"
	body, ct = multipartBody(t, missing, nil)
	resp, payload = do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body)
	if resp.StatusCode != http.StatusBadRequest || payload["message"] != "Missing required field: gender" {
		t.Fatalf("missing: %d %v", resp.StatusCode, payload)
	}

	resp, payload = do(t, http.MethodPost, ts.URL+"/api/agents/create", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest || payload["message"] != "File upload error" {
		t.Fatalf("non-multipart: %d %v", resp.StatusCode, payload)
	}
}

func TestCreateAgentTooLarge(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.MaxUploadBytes = 512 })
	body, ct := multipartBody(t, agentFields(), map[string]string{"pan": strings.Repeat("x", 4096)})
	resp, payload := do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || payload["code"] != "REQUEST_TOO_LARGE" {
		t.Fatalf("too large: %d %v", resp.StatusCode, payload)
	}
}

func TestMultipartPutUpdatesDocuments(t *testing.T) {
	ts := newTestServer(t, nil)
	body, ct := multipartBody(t, agentFields(), nil)
	_, created := do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body)
	id := created["agent"].(map[string]any)["agentId"].(string)

	body, ct = multipartBody(t, nil, map[string]string{"voterId": "card"})
	resp, payload := do(t, http.MethodPut, ts.URL+"/api/agents/"+id, ct, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("multipart put: %d %v", resp.StatusCode, payload)
	}
	a := payload["agent"].(map[string]any)
	if url, _ := a["voterIdFilePath"].(string); !strings.Contains(url, "/agentfiles/voterId-") {
		t.Fatalf("voterIdFilePath = %v", a["voterIdFilePath"])
	}
	if a["firstName"] != "Asha" {
		t.Fatalf("scalars changed: %v", a)
	}

	body, ct = multipartBody(t, nil, map[string]string{"pan": "x"})
	resp, payload = do(t, http.MethodPut, ts.URL+"/api/agents/missing/documents", ct, body)
	if resp.StatusCode != http.StatusNotFound || payload["message"] != "Agent not found" {
		t.Fatalf("missing agent documents: %d %v", resp.StatusCode, payload)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := do(t, http.MethodGet, ts.URL+"/api/nothing", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["message"] != "Route not found" {
		t.Fatalf("unknown route: %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, ts.URL+"/api/agents", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed || body["code"] != "SYSTEM_METHOD_NOT_ALLOWED" {
		t.Fatalf("wrong method: %d %v", resp.StatusCode, body)
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := do(t, http.MethodGet, ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s = %d", path, resp.StatusCode)
		}
	}
}

func TestCreateRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test:create", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	ts := newTestServer(t, func(cfg *Config) { cfg.CreateLimiter = limiter })

	resp, _ := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", aliceBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d", resp.StatusCode)
	}
	resp, body := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", aliceBody())
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("second create: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	// Reads are not limited.
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/addUsers/getUser", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
}

func TestLocalRateLimitFallback(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.CreatePerMinute = 1 })
	if resp, _ := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", aliceBody()); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d", resp.StatusCode)
	}
	if resp, _ := postJSON(t, ts.URL+"/api/addUsers/saveCreateUser", aliceBody()); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second create = %d", resp.StatusCode)
	}
}

func TestCreateAgentRejectsBodyWithoutParts(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, payload := do(t, http.MethodPost, ts.URL+"/api/agents/create", "multipart/form-data; boundary=xyz", strings.NewReader("garbage"))
	if resp.StatusCode != http.StatusBadRequest || payload["message"] != "File upload error" || payload["code"] != "REQUEST_INVALID_BODY" {
		t.Fatalf("boundary-less body: %d %v", resp.StatusCode, payload)
	}
	if names := ts.blobs.Names(); len(names) != 0 {
		t.Fatalf("unexpected blobs: %v", names)
	}
}

func TestCreateAgentUploadFailureCarriesCause(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.blobs.FailUpload = func(string) error {
		return errors.New("PUT https://acct.blob.core.windows.net/agentfiles/x?sig=secret: 503 Service Unavailable")
	}
	body, ct := multipartBody(t, agentFields(), map[string]string{"pan": "pan-bytes"})
	resp, payload := do(t, http.MethodPost, ts.URL+"/api/agents/create", ct, body)
	if resp.StatusCode != http.StatusInternalServerError || payload["code"] != "UPLOAD_FAILED" {
		t.Fatalf("upload failure: %d %v", resp.StatusCode, payload)
	}
	cause, _ := payload["error"].(string)
	if !strings.Contains(cause, "503 Service Unavailable") || !strings.Contains(cause, "agentfiles/x") {
		t.Fatalf("error = %q", cause)
	}
	if strings.Contains(cause, "sig=secret") {
		t.Fatalf("error leaks query string: %q", cause)
	}
}
