package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/labfoundry/labgate/internal/auth"
	"github.com/labfoundry/labgate/internal/bridge"
	"github.com/labfoundry/labgate/internal/config"
	"github.com/labfoundry/labgate/internal/database"
	"github.com/labfoundry/labgate/internal/middleware"
	"github.com/labfoundry/labgate/internal/targets"
	"github.com/labfoundry/labgate/internal/ticket"
	"github.com/labfoundry/labgate/internal/tunnel"
	"github.com/labfoundry/labgate/internal/usage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupEnv(t *testing.T, limits usage.Limits) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}, &database.User{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	prevDB := database.DB
	database.DB = db

	prevStore := SessionStore
	SessionStore = auth.NewSessionStore()

	prevOrch := Orch
	ledger := usage.NewLedger(limits, false)
	issuer := ticket.NewIssuer(time.Minute)
	tr := targets.NewRegistry(targets.Target{Host: "lab-node", Port: 22, User: "clab", Password: "clab"})
	Orch = tunnel.New(ledger, issuer, tr, bridge.NewRegistry())

	prevAuth := config.Cfg.AuthDisabled
	config.Cfg.AuthDisabled = false

	t.Cleanup(func() {
		database.DB = prevDB
		SessionStore = prevStore
		Orch = prevOrch
		config.Cfg.AuthDisabled = prevAuth
	})
}

// newRouter mirrors the API routing from main.
func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/auth/setup", SetupRequired)
		r.Post("/auth/setup", SetupCreateAdmin)
		r.Post("/auth/login", Login)
		r.Post("/auth/logout", Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(SessionStore))
			r.Get("/me", GetCurrentUser)
			r.Get("/nodes", ListNodes)
			r.Get("/usage", GetUsage)
			r.Get("/usage/override", GetPremiumOverride)
			r.Post("/ws-ticket", IssueTicket)
			r.With(middleware.RequireAdmin).Post("/usage/override", SetPremiumOverride)
		})
	})
	return r
}

func createUser(t *testing.T, username, password, role, subscription string) *database.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &database.User{Username: username, PasswordHash: hash, Role: role, Subscription: subscription}
	if err := database.CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func sessionCookie(t *testing.T, u *database.User) *http.Cookie {
	t.Helper()
	sid, err := SessionStore.Create(u.ID)
	if err != nil {
		t.Fatalf("session Create: %v", err)
	}
	return &http.Cookie{Name: auth.SessionCookie, Value: sid}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, cookie *http.Cookie) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func freeLimits() usage.Limits { return usage.NewLimits(2, 10, 30, "premium") }

func TestHealth(t *testing.T) {
	setupEnv(t, freeLimits())
	rec, body := doJSON(t, newRouter(), "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestLoginLogout(t *testing.T) {
	setupEnv(t, freeLimits())
	createUser(t, "alice", "s3cret", "user", "")
	r := newRouter()

	rec, body := doJSON(t, r, "POST", "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "s3cret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %v", rec.Code, body)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != auth.SessionCookie || cookies[0].Value == "" {
		t.Fatalf("no session cookie set: %v", cookies)
	}
	sid := cookies[0]

	rec, body = doJSON(t, r, "GET", "/api/v1/me", nil, sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	if body["principal"] != "alice" {
		t.Errorf("principal = %v, want alice", body["principal"])
	}
	if _, ok := body["sessionExpiresAt"]; !ok {
		t.Error("missing sessionExpiresAt")
	}

	rec, _ = doJSON(t, r, "POST", "/api/v1/auth/logout", nil, sid)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec, _ = doJSON(t, r, "GET", "/api/v1/me", nil, sid)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("me after logout = %d, want 401", rec.Code)
	}
}

func TestLoginBadPassword(t *testing.T) {
	setupEnv(t, freeLimits())
	createUser(t, "alice", "s3cret", "user", "")

	rec, _ := doJSON(t, newRouter(), "POST", "/api/v1/auth/login",
		map[string]string{"username": "alice", "password": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSetupFlow(t *testing.T) {
	setupEnv(t, freeLimits())
	r := newRouter()

	rec, body := doJSON(t, r, "GET", "/api/v1/auth/setup", nil, nil)
	if rec.Code != http.StatusOK || body["setup_required"] != true {
		t.Fatalf("initial setup check: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, r, "POST", "/api/v1/auth/setup",
		map[string]string{"username": "root", "password": "pw"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup status = %d, want 201", rec.Code)
	}

	rec, body = doJSON(t, r, "GET", "/api/v1/auth/setup", nil, nil)
	if body["setup_required"] != false {
		t.Errorf("setup still required after admin creation: %v", body)
	}

	rec, _ = doJSON(t, r, "POST", "/api/v1/auth/setup",
		map[string]string{"username": "evil", "password": "pw"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second setup status = %d, want 409", rec.Code)
	}
}

func TestIssueTicketEndpoint(t *testing.T) {
	setupEnv(t, freeLimits())
	u := createUser(t, "alice", "pw", "user", "")
	r := newRouter()

	rec, body := doJSON(t, r, "POST", "/api/v1/ws-ticket", nil, sessionCookie(t, u))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	tk, _ := body["ticket"].(string)
	if len(tk) != 64 {
		t.Errorf("ticket length = %d, want 64", len(tk))
	}
	if body["plan"] != "free" {
		t.Errorf("plan = %v, want free", body["plan"])
	}
	us, ok := body["usage"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing usage block: %v", body)
	}
	if us["remainingSeconds"] != float64(7200) {
		t.Errorf("remainingSeconds = %v, want 7200", us["remainingSeconds"])
	}
}

func TestIssueTicketQuotaExhausted(t *testing.T) {
	setupEnv(t, usage.NewLimits(0, 0, 30, "premium"))
	u := createUser(t, "alice", "pw", "user", "")

	rec, _ := doJSON(t, newRouter(), "POST", "/api/v1/ws-ticket", nil, sessionCookie(t, u))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestGetUsage(t *testing.T) {
	setupEnv(t, freeLimits())
	u := createUser(t, "alice", "pw", "user", "premium")

	rec, body := doJSON(t, newRouter(), "GET", "/api/v1/usage", nil, sessionCookie(t, u))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["plan"] != "premium" {
		t.Errorf("plan = %v, want premium (subscription attribute)", body["plan"])
	}
	if body["allowanceSeconds"] != float64(10*3600) {
		t.Errorf("allowanceSeconds = %v, want 36000", body["allowanceSeconds"])
	}
	if body["consumedSeconds"] != float64(0) {
		t.Errorf("consumedSeconds = %v, want 0", body["consumedSeconds"])
	}
}

func TestPremiumOverrideEndpoint(t *testing.T) {
	setupEnv(t, freeLimits())
	admin := createUser(t, "root", "pw", "admin", "")
	user := createUser(t, "bob", "pw", "user", "")
	r := newRouter()

	rec, body := doJSON(t, r, "GET", "/api/v1/usage/override", nil, sessionCookie(t, user))
	if rec.Code != http.StatusOK || body["premium"] != false {
		t.Fatalf("initial override: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, r, "POST", "/api/v1/usage/override",
		map[string]bool{"premium": true}, sessionCookie(t, user))
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin toggle status = %d, want 403", rec.Code)
	}

	rec, _ = doJSON(t, r, "POST", "/api/v1/usage/override",
		map[string]bool{"premium": true}, sessionCookie(t, admin))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin toggle status = %d", rec.Code)
	}

	// Every caller now resolves to the premium plan.
	rec, body = doJSON(t, r, "GET", "/api/v1/usage", nil, sessionCookie(t, user))
	if body["plan"] != "premium" {
		t.Errorf("plan after override = %v, want premium", body["plan"])
	}
}

func TestListNodes(t *testing.T) {
	setupEnv(t, freeLimits())
	u := createUser(t, "alice", "pw", "user", "")

	rec, body := doJSON(t, newRouter(), "GET", "/api/v1/nodes", nil, sessionCookie(t, u))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	nodes, _ := body["nodes"].([]interface{})
	found := false
	for _, n := range nodes {
		if n == "default" {
			found = true
		}
	}
	if !found {
		t.Errorf("nodes = %v, want to include default", nodes)
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	setupEnv(t, freeLimits())
	r := newRouter()

	paths := []struct{ method, path string }{
		{"POST", "/api/v1/ws-ticket"},
		{"GET", "/api/v1/usage"},
		{"GET", "/api/v1/me"},
		{"GET", "/api/v1/nodes"},
	}
	for _, p := range paths {
		rec, _ := doJSON(t, r, p.method, p.path, nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", p.method, p.path, rec.Code)
		}
	}
}

// echoTransport records inbound bytes and resizes; output is fed by tests.
type echoTransport struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes []string
	closed  int
}

func newEchoTransport() *echoTransport {
	r, w := io.Pipe()
	return &echoTransport{outR: r, outW: w}
}

func (e *echoTransport) Input() io.Writer  { return writerFunc(e.write) }
func (e *echoTransport) Output() io.Reader { return e.outR }
func (e *echoTransport) Errout() io.Reader { return nil }

func (e *echoTransport) write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input.Write(p)
}

func (e *echoTransport) Resize(cols, rows int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resizes = append(e.resizes, strconv.Itoa(cols)+"x"+strconv.Itoa(rows))
	return nil
}

func (e *echoTransport) Close(wait time.Duration) error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	e.outW.Close()
	return nil
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func wsHandler(dial tunnel.DialFunc, tagOutput bool) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/sshterm/{node}", func(w http.ResponseWriter, req *http.Request) {
		serveSession(w, req, dial, tunnel.SessionOptions{TagOutput: tagOutput})
	})
	return r
}
