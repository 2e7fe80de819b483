package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/markbook/markbook/internal/metrics"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/notify"
	"github.com/markbook/markbook/internal/ratelimit"
	"github.com/markbook/markbook/internal/server/middleware"
	"github.com/markbook/markbook/internal/service"
	"github.com/markbook/markbook/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests-0123"
	testPassword  = "supersecretpassword"
)

type staticKey string

func (k staticKey) SigningKey() ([]byte, error) { return []byte(k), nil }

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Send(_ context.Context, msg notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) last(t *testing.T) notify.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) == 0 {
		t.Fatal("no mail captured")
	}
	return o.msgs[len(o.msgs)-1]
}

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	core    *service.Core
	mail    *outbox
	limiter *clock.Mock
	csrf    string
}

// newTestEnv creates a fresh environment with an in-memory account store
// and a fully wired Server.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	s, err := store.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mail := &outbox{}
	core, err := service.New(service.Options{
		Store:         s,
		Notifier:      mail,
		Secrets:       staticKey(testJWTSecret),
		Logger:        logger,
		FrontendURL:   "https://records.school.test",
		OperatorEmail: "operator@school.test",
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(5, time.Minute, mock)

	cfg := DefaultConfig()
	cfg.Version = "test"
	for _, fn := range mutate {
		fn(&cfg)
	}

	return &testEnv{
		server:  New(cfg, core, s, limiter, metrics.New(), logger),
		store:   s,
		core:    core,
		mail:    mail,
		limiter: mock,
	}
}

// fetchCSRF performs a safe request and remembers the minted cookie.
func (e *testEnv) fetchCSRF(t *testing.T) {
	t.Helper()
	rr := e.request(t, "GET", "/healthz", nil, "")
	for _, c := range rr.Result().Cookies() {
		if c.Name == middleware.CSRFCookie {
			e.csrf = c.Value
			return
		}
	}
	t.Fatal("no csrf cookie minted")
}

// request sends a request carrying the CSRF pair (once fetched) and an
// optional bearer token.
func (e *testEnv) request(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if e.csrf != "" {
		req.AddCookie(&http.Cookie{Name: middleware.CSRFCookie, Value: e.csrf})
		req.Header.Set("X-CSRF-Token", e.csrf)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) envelope {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	if env.Success != (want < 400) {
		t.Fatalf("envelope success=%v for status %d", env.Success, want)
	}
	return env
}

// login returns a session token for an active account.
func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	rr := e.request(t, "POST", "/admin/login", map[string]string{"email": email, "password": password}, "")
	env := expectStatus(t, rr, http.StatusOK)
	var sess service.Session
	if err := json.Unmarshal(env.Data, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess.Token
}

// provision creates an active account and returns it with a session token.
func (e *testEnv) provision(t *testing.T, username string, role model.Role) (*model.Account, string) {
	t.Helper()
	acc, err := e.core.Confirmation.Provision(context.Background(), service.Registration{
		Username: username,
		Email:    username + "@school.test",
		Password: testPassword,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("provision %s: %v", username, err)
	}
	token, err := e.core.Sessions.Issue(acc.ID, acc.Role)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return acc, token
}

var confirmLink = regexp.MustCompile(`/admin/confirm\?token=([0-9a-f]+)`)

// ---------------------------------------------------------------------------
// End-to-end
// ---------------------------------------------------------------------------

func TestRegisterConfirmLoginDashboard(t *testing.T) {
	env := newTestEnv(t)
	env.fetchCSRF(t)

	rr := env.request(t, "POST", "/admin/register", map[string]string{
		"username": "tina", "email": "tina@school.test", "password": testPassword, "role": "teacher",
	}, "")
	body := expectStatus(t, rr, http.StatusCreated)
	var acc model.Account
	if err := json.Unmarshal(body.Data, &acc); err != nil {
		t.Fatalf("decode account: %v", err)
	}

	// A pending account cannot log in yet.
	rr = env.request(t, "POST", "/admin/login", map[string]string{"email": "tina@school.test", "password": testPassword}, "")
	expectStatus(t, rr, http.StatusUnauthorized)

	msg := env.mail.last(t)
	if msg.To != "operator@school.test" {
		t.Fatalf("approval mailed to %q, want the operator", msg.To)
	}
	m := confirmLink.FindStringSubmatch(msg.Body)
	if m == nil {
		t.Fatalf("no confirmation link in mail: %q", msg.Body)
	}
	rr = env.request(t, "GET", "/admin/confirm?token="+m[1], nil, "")
	expectStatus(t, rr, http.StatusOK)

	token := env.login(t, "tina@school.test", testPassword)
	claims, err := env.core.Sessions.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != model.RoleTeacher || claims.AccountID() != acc.ID {
		t.Errorf("claims = %+v, want teacher %s", claims, acc.ID)
	}

	rr = env.request(t, "GET", "/teacher/dashboard", nil, token)
	body = expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(string(body.Data), "Welcome teacher tina") {
		t.Errorf("dashboard = %s", body.Data)
	}

	rr = env.request(t, "PATCH", "/admin/"+acc.ID+"/promote", nil, token)
	expectStatus(t, rr, http.StatusForbidden)
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	env.fetchCSRF(t)
	teacher, teacherToken := env.provision(t, "tom", model.RoleTeacher)
	_, adminToken := env.provision(t, "ada", model.RoleAdmin)
	_, superToken := env.provision(t, "sue", model.RoleSuperadmin)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		token  string
		want   int
	}{
		{"directory without session", "GET", "/admin/all", nil, "", http.StatusUnauthorized},
		{"directory with garbage token", "GET", "/admin/all", nil, "not-a-jwt", http.StatusUnauthorized},
		{"directory as teacher", "GET", "/admin/all", nil, teacherToken, http.StatusForbidden},
		{"directory as admin", "GET", "/admin/all", nil, adminToken, http.StatusOK},
		{"account as admin", "GET", "/admin/" + teacher.ID, nil, adminToken, http.StatusOK},
		{"logs as superadmin", "GET", "/admin/" + teacher.ID + "/logs", nil, superToken, http.StatusOK},
		{"suspend as admin", "PATCH", "/admin/" + teacher.ID + "/suspend", nil, adminToken, http.StatusForbidden},
		{"suspend as superadmin", "PATCH", "/admin/" + teacher.ID + "/suspend", nil, superToken, http.StatusOK},
		{"force reset as superadmin", "PATCH", "/admin/" + teacher.ID + "/reset-password", map[string]string{"newPassword": "brand-new-pass"}, superToken, http.StatusOK},
		{"dashboard without session", "GET", "/teacher/dashboard", nil, "", http.StatusUnauthorized},
		{"dashboard as admin", "GET", "/teacher/dashboard", nil, adminToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.request(t, tt.method, tt.path, tt.body, tt.token)
			expectStatus(t, rr, tt.want)
		})
	}
}

func TestSuperadminFloorOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.fetchCSRF(t)
	sue, token := env.provision(t, "sue", model.RoleSuperadmin)

	rr := env.request(t, "PATCH", "/admin/"+sue.ID+"/demote", nil, token)
	env409 := expectStatus(t, rr, http.StatusConflict)
	if env409.Error == "" {
		t.Error("expected an error message")
	}
}

// ---------------------------------------------------------------------------
// CSRF
// ---------------------------------------------------------------------------

func TestUpdateAndDeleteOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.fetchCSRF(t)
	sue, sueToken := env.provision(t, "sue", model.RoleSuperadmin)
	_, alToken := env.provision(t, "al", model.RoleAdmin)
	tina, _ := env.provision(t, "tina", model.RoleTeacher)

	expectStatus(t, env.request(t, "PATCH", "/admin/"+tina.ID, map[string]string{"username": "tina-b"}, alToken), http.StatusForbidden)
	expectStatus(t, env.request(t, "DELETE", "/admin/"+tina.ID, nil, alToken), http.StatusForbidden)

	rr := env.request(t, "PATCH", "/admin/"+tina.ID, map[string]string{"username": "tina-b", "email": "TinaB@school.test"}, sueToken)
	body := expectStatus(t, rr, http.StatusOK)
	var acc model.Account
	if err := json.Unmarshal(body.Data, &acc); err != nil {
		t.Fatal(err)
	}
	if acc.Username != "tina-b" || acc.Email != "tinab@school.test" {
		t.Errorf("account = %+v", acc)
	}

	expectStatus(t, env.request(t, "PATCH", "/admin/"+tina.ID, map[string]string{}, sueToken), http.StatusBadRequest)
	expectStatus(t, env.request(t, "PATCH", "/admin/"+tina.ID, map[string]string{"email": "al@school.test"}, sueToken), http.StatusConflict)
	expectStatus(t, env.request(t, "PATCH", "/admin/"+sue.ID, map[string]string{"role": "admin"}, sueToken), http.StatusConflict)

	expectStatus(t, env.request(t, "DELETE", "/admin/"+tina.ID, nil, sueToken), http.StatusOK)
	expectStatus(t, env.request(t, "GET", "/admin/"+tina.ID, nil, sueToken), http.StatusNotFound)
	expectStatus(t, env.request(t, "DELETE", "/admin/"+sue.ID, nil, sueToken), http.StatusBadRequest)
}

func TestDemotedSuperadminTokenRefused(t *testing.T) {
	env := newTestEnv(t)
	env.fetchCSRF(t)
	_, sueToken := env.provision(t, "sue", model.RoleSuperadmin)
	bob, bobToken := env.provision(t, "bob", model.RoleSuperadmin)
	tina, _ := env.provision(t, "tina", model.RoleTeacher)

	expectStatus(t, env.request(t, "PATCH", "/admin/"+bob.ID+"/demote", nil, sueToken), http.StatusOK)

	// The token still claims superadmin and passes the route gate.
	expectStatus(t, env.request(t, "PATCH", "/admin/"+tina.ID+"/suspend", nil, bobToken), http.StatusForbidden)
	expectStatus(t, env.request(t, "DELETE", "/admin/"+tina.ID, nil, bobToken), http.StatusForbidden)
}

func TestCSRFRequiredOnUnsafeRequests(t *testing.T) {
	env := newTestEnv(t)

	// No cookie fetched yet: the POST carries neither cookie nor header.
	rr := env.request(t, "POST", "/admin/login", map[string]string{"email": "a@school.test", "password": testPassword}, "")
	body := expectStatus(t, rr, http.StatusForbidden)
	if body.Error != "invalid or missing csrf token" {
		t.Errorf("error = %q", body.Error)
	}

	// A mismatched header is rejected as well.
	env.fetchCSRF(t)
	req := httptest.NewRequest("POST", "/admin/login", strings.NewReader(`{}`))
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookie, Value: env.csrf})
	req.Header.Set("X-XSRF-Token", env.csrf+"x")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusForbidden)
}

func TestCSRFCookieMintedOnSafeRequest(t *testing.T) {
	env := newTestEnv(t)
	rr := env.request(t, "GET", "/healthz", nil, "")
	var found *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == middleware.CSRFCookie {
			found = c
		}
	}
	if found == nil {
		t.Fatal("expected csrf cookie")
	}
	if found.HttpOnly {
		t.Error("csrf cookie must be readable by the frontend")
	}
	if found.Secure {
		t.Error("cookie should not be Secure outside production")
	}

	secure := newTestEnv(t, func(c *Config) { c.SecureCookies = true })
	rr = secure.request(t, "GET", "/healthz", nil, "")
	for _, c := range rr.Result().Cookies() {
		if c.Name == middleware.CSRFCookie && !c.Secure {
			t.Error("cookie should be Secure in production")
		}
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestCredentialRoutesRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.fetchCSRF(t)
	creds := map[string]string{"email": "nobody@school.test", "password": testPassword}

	for i := 1; i <= 5; i++ {
		rr := env.request(t, "POST", "/admin/login", creds, "")
		expectStatus(t, rr, http.StatusUnauthorized)
	}
	rr := env.request(t, "POST", "/admin/login", creds, "")
	body := expectStatus(t, rr, http.StatusTooManyRequests)
	if body.Error != "too many requests, please try again later" {
		t.Errorf("error = %q", body.Error)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Authenticated routes do not share the credential budget.
	_, token := env.provision(t, "ada", model.RoleAdmin)
	expectStatus(t, env.request(t, "GET", "/admin/all", nil, token), http.StatusOK)

	env.limiter.Add(time.Minute)
	rr = env.request(t, "POST", "/admin/login", creds, "")
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestGlobalThrottle(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.GlobalRPM = 2 })
	for i := 0; i < 2; i++ {
		expectStatus(t, env.request(t, "GET", "/healthz", nil, ""), http.StatusOK)
	}
	expectStatus(t, env.request(t, "GET", "/healthz", nil, ""), http.StatusTooManyRequests)
}

// ---------------------------------------------------------------------------
// Operational endpoints
// ---------------------------------------------------------------------------

func TestHealthChecksAndDocument(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.request(t, "GET", "/healthz", nil, ""), http.StatusOK)
	expectStatus(t, env.request(t, "GET", "/readyz", nil, ""), http.StatusOK)

	rr := env.request(t, "GET", "/openapi.json", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("openapi: %d", rr.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	info := doc["info"].(map[string]interface{})
	if info["version"] != "test" {
		t.Errorf("version = %v, want test", info["version"])
	}
}

func TestReadinessFailsWhenStoreCloses(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()
	expectStatus(t, env.request(t, "GET", "/readyz", nil, ""), http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.request(t, "GET", "/healthz", nil, "")
	env.request(t, "POST", "/admin/login", map[string]string{}, "") // csrf rejection

	rr := env.request(t, "GET", "/metrics", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	text := rr.Body.String()
	for _, want := range []string{
		`markbook_http_requests_total{method="GET",route="/healthz",status="200"} 1`,
		"markbook_csrf_rejected_total 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.server = New(DefaultConfig(), env.core, env.store, nil, nil, nil)
	rr := env.request(t, "GET", "/metrics", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 without metrics, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("OPTIONS", "/admin/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "x-csrf-token, content-type")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.request(t, "GET", "/healthz", nil, "")
	if rr.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 4100
	s := New(cfg, newTestEnv(t).core, nil, nil, nil, nil)
	if s.Addr() != "127.0.0.1:4100" {
		t.Errorf("Addr = %q", s.Addr())
	}
}
