package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/db"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/lifecycle"
	"github.com/lucentra/lucentra/internal/models"
	"github.com/lucentra/lucentra/internal/payments"
	"github.com/lucentra/lucentra/internal/quota"
	"github.com/lucentra/lucentra/internal/security"
	"github.com/lucentra/lucentra/internal/wallet"
	"gorm.io/gorm"
)

type testEnv struct {
	router   *gin.Engine
	conn     *gorm.DB
	engine   *quota.Engine
	key      string
	adminKey string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	auditLog := ledger.New(conn)
	engine := quota.NewEngine(conn, auditLog, nil)
	wallets := wallet.NewService(conn, auditLog)
	manager := lifecycle.NewManager(conn, auditLog, engine)
	pay := payments.NewService(conn, auditLog, wallets,
		payments.ProofVerifierFunc(func(context.Context, string, string) error { return nil }))

	env := &testEnv{
		conn:   conn,
		engine: engine,
		router: NewRouter(Services{
			DB:        conn,
			Ledger:    auditLog,
			Quota:     engine,
			Wallets:   wallets,
			Lifecycle: manager,
			Payments:  pay,
			JWTSecret: "test-operator-secret",
			JWTExpiry: time.Hour,
		}),
	}
	env.key = seedKey(t, conn, "service", false)
	env.adminKey = seedKey(t, conn, "root", true)
	return env
}

func seedKey(t *testing.T, conn *gorm.DB, name string, admin bool) string {
	t.Helper()
	raw, errGen := security.GenerateAPIKey()
	if errGen != nil {
		t.Fatalf("generate key: %v", errGen)
	}
	record := models.APIKey{Name: name, APIKey: raw, IsAdmin: admin, Active: true}
	if errCreate := conn.Create(&record).Error; errCreate != nil {
		t.Fatalf("seed key: %v", errCreate)
	}
	return raw
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if errEncode := json.NewEncoder(&buf).Encode(body); errEncode != nil {
			t.Fatalf("encode body: %v", errEncode)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if errDecode := json.Unmarshal(w.Body.Bytes(), &out); errDecode != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), errDecode)
	}
	return out
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/audit", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/audit", "luc_bogus", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("invalid key: expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/audit", env.key, nil); w.Code != http.StatusOK {
		t.Fatalf("valid key: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// healthz stays open.
	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}
}

func TestAdminGate(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"workspace_id": "ws-http", "plan": "starter"}

	if w := env.do(t, http.MethodPost, "/admin/accounts", env.key, body); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/admin/accounts", env.adminKey, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("admin: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBillingGateAndRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, errAccount := env.engine.CreateAccount(ctx, "ws-gate", "starter", models.OverageBlock)
	if errAccount != nil {
		t.Fatalf("create account: %v", errAccount)
	}
	if errLimit := env.engine.SetQuotaLimit(ctx, account.ID, "model-inference", 100); errLimit != nil {
		t.Fatalf("set limit: %v", errLimit)
	}

	gate := env.do(t, http.MethodPost, "/billing/gate", env.key, map[string]any{
		"account_id": account.ID, "service_key": "model-inference", "units": 50,
	})
	if gate.Code != http.StatusOK {
		t.Fatalf("gate: expected 200, got %d: %s", gate.Code, gate.Body.String())
	}
	if allowed, _ := decode(t, gate)["allowed"].(bool); !allowed {
		t.Fatal("gate should allow 50 of 100")
	}

	record := env.do(t, http.MethodPost, "/billing/record", env.key, map[string]any{
		"account_id": account.ID, "service_key": "model-inference", "units": 50, "request_id": "req-http-1",
	})
	if record.Code != http.StatusOK {
		t.Fatalf("record: expected 200, got %d: %s", record.Code, record.Body.String())
	}

	// A debit past the limit comes back as 429 with the decision attached.
	denied := env.do(t, http.MethodPost, "/billing/record", env.key, map[string]any{
		"account_id": account.ID, "service_key": "model-inference", "units": 60,
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", denied.Code, denied.Body.String())
	}

	state := env.do(t, http.MethodGet, "/billing/state/"+itoa(account.ID), env.key, nil)
	if state.Code != http.StatusOK {
		t.Fatalf("state: expected 200, got %d", state.Code)
	}
}

func TestWalletPurchaseOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	token := env.do(t, http.MethodPost, "/wallet/token", env.key, map[string]any{
		"agent_id":          "agent-http",
		"max_amount_micros": 10_000_000,
		"allowed_products":  []string{"compute-minutes"},
		"ttl_seconds":       3600,
		"max_uses":          2,
	})
	if token.Code != http.StatusCreated {
		t.Fatalf("token: expected 201, got %d: %s", token.Code, token.Body.String())
	}
	tokenID, _ := decode(t, token)["token_id"].(string)

	purchase := env.do(t, http.MethodPost, "/wallet/purchase", env.key, map[string]any{
		"token_id": tokenID, "product_id": "compute-minutes", "quantity": 5,
	})
	if purchase.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d: %s", purchase.Code, purchase.Body.String())
	}
	if ok, _ := decode(t, purchase)["ok"].(bool); !ok {
		t.Fatalf("purchase rejected: %s", purchase.Body.String())
	}

	view := env.do(t, http.MethodGet, "/wallet/agent-http", env.key, nil)
	if view.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d", view.Code)
	}
}

func TestPaymentRequiredFlow(t *testing.T) {
	env := newTestEnv(t)

	open := env.do(t, http.MethodPost, "/payments/402", env.key, map[string]any{
		"agent_id": "agent-402", "resource": "report/9", "luc_cost_micros": 2_000_000,
	})
	if open.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", open.Code, open.Body.String())
	}
	if open.Header().Get("X-Payment-Session") == "" {
		t.Fatal("missing X-Payment-Session header")
	}
	sessionID, _ := decode(t, open)["session_id"].(string)

	verify := env.do(t, http.MethodPost, "/payments/verify", env.key, map[string]any{
		"session_id": sessionID, "proof": "processor-proof",
	})
	if verify.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", verify.Code, verify.Body.String())
	}
}

func TestTransactionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/transactions", env.key, map[string]any{
		"owner": "agent-ops", "category": "monitoring",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", created.Code, created.Body.String())
	}
	publicID, _ := decode(t, created)["PublicID"].(string)
	if publicID == "" {
		t.Fatalf("missing public id in %s", created.Body.String())
	}

	gate := env.do(t, http.MethodPost, "/transactions/"+publicID+"/gates", env.key, map[string]any{
		"gate": "authority_check", "passed": true, "checked_by": "system",
	})
	if gate.Code != http.StatusOK {
		t.Fatalf("gate: expected 200, got %d: %s", gate.Code, gate.Body.String())
	}
	if all, _ := decode(t, gate)["all_gates_passed"].(bool); !all {
		t.Fatalf("expected all gates passed: %s", gate.Body.String())
	}

	for _, status := range []string{"pending_approval", "approved", "executing", "pending_verify", "verified"} {
		w := env.do(t, http.MethodPost, "/transactions/"+publicID+"/transition", env.key, map[string]any{
			"status": status, "by": "driver",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("transition to %s: got %d: %s", status, w.Code, w.Body.String())
		}
	}

	settle := env.do(t, http.MethodPost, "/transactions/"+publicID+"/settle", env.key, map[string]any{
		"by": "driver", "actual_cost_micros": 123,
	})
	if settle.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", settle.Code, settle.Body.String())
	}

	// Illegal edge from settled.
	bad := env.do(t, http.MethodPost, "/transactions/"+publicID+"/transition", env.key, map[string]any{
		"status": "executing", "by": "driver",
	})
	if bad.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", bad.Code)
	}
}

func TestAuditVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, errAccount := env.engine.CreateAccount(ctx, "ws-audit", "free", models.OverageBlock); errAccount != nil {
		t.Fatalf("create account: %v", errAccount)
	}

	w := env.do(t, http.MethodGet, "/audit/verify", env.key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if valid, _ := decode(t, w)["valid"].(bool); !valid {
		t.Fatalf("expected valid chain: %s", w.Body.String())
	}
}

func TestOperatorPasswordLogin(t *testing.T) {
	env := newTestEnv(t)

	hash, errHash := security.HashPassword("s3cret-pass")
	if errHash != nil {
		t.Fatalf("hash password: %v", errHash)
	}
	operator := models.Operator{Name: "root-op", PasswordHash: hash, Active: true}
	if errCreate := env.conn.Create(&operator).Error; errCreate != nil {
		t.Fatalf("create operator: %v", errCreate)
	}

	wrong := env.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"name": "root-op", "password": "nope",
	})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong password, got %d", wrong.Code)
	}

	w := env.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"name": "root-op", "password": "s3cret-pass",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	token, _ := decode(t, w)["token"].(string)
	if token == "" {
		t.Fatal("expected a token in the login response")
	}

	// Operator sessions reach the provisioning surface.
	created := env.do(t, http.MethodPost, "/admin/accounts", token, map[string]any{
		"workspace_id": "ws-op", "plan": "free",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("account create via operator session: expected 201, got %d: %s",
			created.Code, created.Body.String())
	}
}

func TestAdminProvisioning(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/admin/keys", env.adminKey, map[string]any{
		"name": "ci-caller",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create key: expected 201, got %d: %s", created.Code, created.Body.String())
	}
	raw, _ := decode(t, created)["api_key"].(string)
	if raw == "" {
		t.Fatal("expected the raw key in the response")
	}

	// The freshly minted key authenticates but cannot reach admin routes.
	ok := env.do(t, http.MethodGet, "/transactions", raw, nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("new key auth: expected 200, got %d", ok.Code)
	}
	denied := env.do(t, http.MethodPost, "/admin/keys", raw, map[string]any{"name": "x"})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin key, got %d", denied.Code)
	}

	enrolled := env.do(t, http.MethodPost, "/admin/approvers", env.adminKey, map[string]any{
		"name": "oncall-alice",
	})
	if enrolled.Code != http.StatusCreated {
		t.Fatalf("enroll approver: expected 201, got %d: %s", enrolled.Code, enrolled.Body.String())
	}
	if secret, _ := decode(t, enrolled)["totp_secret"].(string); secret == "" {
		t.Fatal("expected a TOTP secret in the enrollment response")
	}
}

func TestOperatorLogin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/admin/login", env.adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	token, _ := decode(t, w)["token"].(string)
	if token == "" {
		t.Fatal("expected a token in the login response")
	}

	// The issued JWT should grant access to admin routes.
	created := env.do(t, http.MethodPost, "/admin/accounts", token, map[string]any{
		"workspace_id": "ws-jwt", "plan": "free",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("account create via JWT: expected 201, got %d: %s", created.Code, created.Body.String())
	}

	garbage := env.do(t, http.MethodGet, "/billing/summary/1", "not-a-jwt", nil)
	if garbage.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d", garbage.Code)
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
