package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeInitiator struct {
	calls int
}

func (f *fakeInitiator) Initiate(ctx context.Context, tx *Transaction) (*Checkout, error) {
	f.calls++
	return &Checkout{PaymentRef: "cs_test_handler", URL: "https://checkout.test/" + tx.JobID}, nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	svc := newTestService(t, store).WithCheckout(&fakeInitiator{})
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// X-Authenticated-User is a test stand-in for the auth middleware.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Authenticated-User"); id != "" {
			c.Set(AuthUserKey, id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)
	handler.RegisterAdminRoutes(v1.Group("/admin"))

	return r, svc, store
}

func doJSON(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Authenticated-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow   Transaction `json:"escrow"`
	Checkout *Checkout   `json:"checkout"`
	Decision struct {
		Outcome string `json:"outcome"`
		From    string `json:"from"`
		To      string `json:"to"`
	} `json:"decision"`
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) escrowResponse {
	t.Helper()
	var resp escrowResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.Error
}

func TestHandler_Quote(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/commission/quote?basePrice=1000", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Quote struct {
			Client struct {
				ClientFee    int64 `json:"clientFee"`
				TotalCharged int64 `json:"totalCharged"`
			} `json:"client"`
		} `json:"quote"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	// 10% of 1000 is below the 200 minimum.
	if resp.Quote.Client.ClientFee != 200 || resp.Quote.Client.TotalCharged != 1200 {
		t.Errorf("unexpected quote %+v", resp.Quote.Client)
	}

	for _, q := range []string{"", "abc", "-5"} {
		w := doJSON(router, http.MethodGet, "/v1/commission/quote?basePrice="+q, "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("basePrice=%q: expected 400, got %d", q, w.Code)
		}
	}
}

func TestHandler_CreateWithCheckoutAndGet(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow", testClient, map[string]any{
		"providerId": testProvider,
		"basePrice":  10000,
		"checkout":   true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeEscrow(t, w)
	if created.Escrow.Status != StatusPendingPayment || created.Escrow.TotalCharged != 11000 {
		t.Errorf("unexpected escrow %+v", created.Escrow)
	}
	if created.Checkout == nil || created.Checkout.PaymentRef != "cs_test_handler" {
		t.Fatalf("expected checkout in response, got %+v", created.Checkout)
	}

	w = doJSON(router, http.MethodGet, "/v1/jobs/job_1/escrow", testProvider, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeEscrow(t, w)
	if got.Escrow.ExternalPaymentRef != "cs_test_handler" {
		t.Errorf("payment ref not recorded: %+v", got.Escrow)
	}

	w = doJSON(router, http.MethodGet, "/v1/jobs/job_1/escrow", "stranger", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-party read: expected 403, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing price", map[string]any{"providerId": testProvider}, http.StatusBadRequest},
		{"missing provider", map[string]any{"basePrice": 100}, http.StatusBadRequest},
		{"negative price", map[string]any{"providerId": testProvider, "basePrice": -1}, http.StatusBadRequest},
		{"self dealing", map[string]any{"providerId": testClient, "basePrice": 5000}, http.StatusBadRequest},
		{"malformed", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow", testClient, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w := doJSON(router, http.MethodPost, "/v1/jobs/bad;id/escrow", testClient, map[string]any{
		"providerId": testProvider, "basePrice": 5000,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid job id: expected 400, got %d", w.Code)
	}
}

func TestHandler_CreateTwiceConflicts(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	body := map[string]any{"providerId": testProvider, "basePrice": 5000}

	if w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow", testClient, body); w.Code != http.StatusCreated {
		t.Fatalf("first create: %d", w.Code)
	}
	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow", testClient, body)
	if w.Code != http.StatusConflict || errorCode(t, w) != "escrow_exists" {
		t.Errorf("expected 409 escrow_exists, got %d %s", w.Code, w.Body.String())
	}
}

func TestHandler_Lifecycle(t *testing.T) {
	router, svc, store := setupTestRouter(t)
	createTestEscrow(t, svc)
	mustApply(t, svc, EventPaymentConfirmed, testRef)

	// Client cannot start work.
	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/start", testClient, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("client start: expected 403, got %d", w.Code)
	}

	steps := []struct {
		path   string
		user   string
		status Status
	}{
		{"start", testProvider, StatusInProgress},
		{"deliver", testProvider, StatusPendingApproval},
		{"approve", testClient, StatusCompleted},
	}
	for _, s := range steps {
		w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/"+s.path, s.user, map[string]string{"message": "ok"})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", s.path, w.Code, w.Body.String())
		}
		resp := decodeEscrow(t, w)
		if resp.Escrow.Status != s.status || resp.Decision.Outcome != "applied" {
			t.Fatalf("%s: got %s / %s", s.path, resp.Escrow.Status, resp.Decision.Outcome)
		}
	}

	js, _ := store.JobStatus(context.Background(), testJob)
	if js != JobCompleted {
		t.Errorf("job status %s, want completed", js)
	}

	// Disputing a completed escrow is an invalid transition.
	w = doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/dispute", testClient, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "invalid_transition" {
		t.Errorf("expected 409 invalid_transition, got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(router, http.MethodGet, "/v1/jobs/job_1/escrow/audit", testClient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", w.Code)
	}
	var audit struct {
		Count   int           `json:"count"`
		Entries []*AuditEntry `json:"entries"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &audit)
	if audit.Count != 5 {
		t.Errorf("expected 5 audit entries, got %d", audit.Count)
	}
}

func TestHandler_DuplicateActionIsNoOp(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	createTestEscrow(t, svc)
	advance(t, svc, StatusInProgress)

	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/start", testProvider, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decodeEscrow(t, w); resp.Decision.Outcome != "noop" {
		t.Errorf("expected noop, got %s", resp.Decision.Outcome)
	}
}

func TestHandler_StartAfterDeliverIsNoOp(t *testing.T) {
	router, svc, store := setupTestRouter(t)
	tx := createTestEscrow(t, svc)
	advance(t, svc, StatusInProgress)

	if w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/deliver", testProvider, nil); w.Code != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	entries := auditCount(t, store, tx.ID)

	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/start", testProvider, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeEscrow(t, w)
	if resp.Decision.Outcome != "noop" {
		t.Errorf("expected noop, got %s", resp.Decision.Outcome)
	}
	if resp.Escrow.Status != StatusPendingApproval {
		t.Errorf("status %s, want pending_approval", resp.Escrow.Status)
	}
	if got := auditCount(t, store, tx.ID); got != entries {
		t.Errorf("audit entries %d, want %d", got, entries)
	}
}

func TestHandler_ActionMessageTooLong(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	createTestEscrow(t, svc)
	advance(t, svc, StatusInProgress)

	long := string(bytes.Repeat([]byte("x"), 3000))
	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/dispute", testClient, map[string]string{"message": long})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_CheckoutOnlyByClient(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	createTestEscrow(t, svc)

	w := doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/checkout", testProvider, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("provider checkout: expected 403, got %d", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/checkout", testClient, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("client checkout: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	mustApply(t, svc, EventPaymentConfirmed, "cs_test_handler")
	w = doJSON(router, http.MethodPost, "/v1/jobs/job_1/escrow/checkout", testClient, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("checkout after funding: expected 409, got %d", w.Code)
	}
}

func TestHandler_ResolveDispute(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	createTestEscrow(t, svc)
	advance(t, svc, StatusInProgress)

	if _, err := svc.Act(context.Background(), testJob, testProvider, EventDisputeRaised, "client unresponsive"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	w := doJSON(router, http.MethodPost, "/v1/admin/jobs/job_1/escrow/resolve", "", map[string]string{"favor": "someone"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid favor: expected 400, got %d", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/v1/admin/jobs/job_1/escrow/resolve", "", map[string]string{
		"favor": "provider", "note": "delivery verified",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeEscrow(t, w); resp.Escrow.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", resp.Escrow.Status)
	}
}

func TestHandler_NotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/jobs/job_missing/escrow", testClient, nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != "not_found" {
		t.Errorf("expected 404 not_found, got %d %s", w.Code, w.Body.String())
	}
}

func TestHandler_ListByStatus(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	createTestEscrow(t, svc)
	advance(t, svc, StatusInProgress)
	if _, err := svc.Act(context.Background(), testJob, testClient, EventDisputeRaised, "no progress"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	w := doJSON(router, http.MethodGet, "/v1/admin/escrow", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page Page
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Transactions) != 1 || page.Transactions[0].JobID != testJob || page.HasMore {
		t.Errorf("expected the one disputed job, got %+v", page)
	}

	w = doJSON(router, http.MethodGet, "/v1/admin/escrow?status=limbo", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown status: expected 400, got %d", w.Code)
	}
}
