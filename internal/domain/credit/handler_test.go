package credit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pageforge/pageforge-api/internal/domain/credit"
	"github.com/pageforge/pageforge-api/internal/middleware"
	"github.com/pageforge/pageforge-api/internal/pkg/jwt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newCreditRouter(t *testing.T, svc *credit.Service) (http.Handler, string, uuid.UUID) {
	t.Helper()
	jwtSvc := jwt.NewService("secret", time.Hour)
	userID := uuid.New()
	token, err := jwtSvc.GenerateAccessToken(userID, "user")
	requireNoError(t, err)

	r := chi.NewRouter()
	r.Mount("/api/v1/credits", credit.NewHandler(svc).Routes(middleware.Auth(jwtSvc)))
	return r, token, userID
}

func doRequest(router http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid response body %q: %v", rr.Body.String(), err)
	}
	return env
}

func TestHandlerBalance(t *testing.T) {
	router, token, _ := newCreditRouter(t, credit.NewService(credit.NewMemoryRepository(), nil))

	rr := doRequest(router, http.MethodGet, "/api/v1/credits/", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var balance credit.Balance
	if err := json.Unmarshal(decode(t, rr).Data, &balance); err != nil {
		t.Fatalf("invalid balance: %v", err)
	}
	if balance.Plan != credit.FreePlan || balance.Pools[credit.PoolAnalysis].Remaining != 5 {
		t.Fatalf("unexpected balance %+v", balance)
	}
}

func TestHandlerRequiresAuth(t *testing.T) {
	router, _, _ := newCreditRouter(t, credit.NewService(credit.NewMemoryRepository(), nil))

	for _, path := range []string{"/api/v1/credits/", "/api/v1/credits/generation/check", "/api/v1/credits/transactions"} {
		if rr := doRequest(router, http.MethodGet, path, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestHandlerPackagesArePublic(t *testing.T) {
	router, _, _ := newCreditRouter(t, credit.NewService(credit.NewMemoryRepository(), nil))

	rr := doRequest(router, http.MethodGet, "/api/v1/credits/packages", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Packages []credit.Package `json:"packages"`
	}
	if err := json.Unmarshal(decode(t, rr).Data, &body); err != nil {
		t.Fatalf("invalid packages body: %v", err)
	}
	if len(body.Packages) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(body.Packages))
	}
}

func TestHandlerCheck(t *testing.T) {
	svc := credit.NewService(credit.NewMemoryRepository(), nil)
	router, token, userID := newCreditRouter(t, svc)

	for i := 0; i < 3; i++ {
		_, err := svc.Consume(context.Background(), userID.String(), credit.PoolGeneration, credit.UsageMeta{})
		requireNoError(t, err)
	}

	rr := doRequest(router, http.MethodGet, "/api/v1/credits/generation/check", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var check credit.Check
	if err := json.Unmarshal(decode(t, rr).Data, &check); err != nil {
		t.Fatalf("invalid check: %v", err)
	}
	if check.Allowed || check.Remaining != 0 || check.Total != 3 {
		t.Fatalf("unexpected check %+v", check)
	}

	if rr := doRequest(router, http.MethodGet, "/api/v1/credits/video/check", token); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown pool, got %d", rr.Code)
	}
}

func TestHandlerTransactionsPagination(t *testing.T) {
	svc := credit.NewService(credit.NewMemoryRepository(), nil)
	router, token, userID := newCreditRouter(t, svc)

	for i := 0; i < 3; i++ {
		_, err := svc.Consume(context.Background(), userID.String(), credit.PoolAnalysis, credit.UsageMeta{})
		requireNoError(t, err)
	}

	rr := doRequest(router, http.MethodGet, "/api/v1/credits/transactions?limit=2", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var items []credit.Transaction
	if err := json.Unmarshal(decode(t, rr).Data, &items); err != nil {
		t.Fatalf("invalid transactions: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(items))
	}
}

func TestRespondErrorStatuses(t *testing.T) {
	tests := []struct {
		err  error
		code int
		name string
	}{
		{credit.ErrNoCredits, http.StatusPaymentRequired, "NO_CREDITS"},
		{credit.ErrUnknownPackage, http.StatusBadRequest, "UNKNOWN_PACKAGE"},
		{credit.ErrLedgerNotFound, http.StatusNotFound, "NOT_FOUND"},
		{credit.ErrDuplicateRefund, http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("%w: %w: commit tx: %w", credit.ErrStorage, credit.ErrOutcomeUnknown, errors.New("eof")), http.StatusServiceUnavailable, "OUTCOME_UNKNOWN"},
		{fmt.Errorf("%w: consume: %w", credit.ErrStorage, errors.New("refused")), http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
		{errors.New("surprise"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			credit.RespondError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rr.Code)
			}
			if env := decode(t, rr); env.Error == nil || env.Error.Code != tt.name {
				t.Fatalf("expected code %s, got %s", tt.name, rr.Body.String())
			}
		})
	}
}

func TestHandlerConsume(t *testing.T) {
	svc := credit.NewService(credit.NewMemoryRepository(), nil)
	router, token, userID := newCreditRouter(t, svc)

	body := `{"entity_type":"page","entity_id":"page-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/credits/generation/consume", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res credit.ConsumeResult
	if err := json.Unmarshal(decode(t, rr).Data, &res); err != nil {
		t.Fatalf("invalid consume result: %v", err)
	}
	if !res.Success || res.Remaining != 2 || res.TransactionID == 0 {
		t.Fatalf("unexpected consume result %+v", res)
	}

	// Empty bodies are allowed; the last two free credits go, then 402.
	for i := 0; i < 2; i++ {
		if rr := doRequest(router, http.MethodPost, "/api/v1/credits/generation/consume", token); rr.Code != http.StatusOK {
			t.Fatalf("consume %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr = doRequest(router, http.MethodPost, "/api/v1/credits/generation/consume", token)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if env := decode(t, rr); env.Error == nil || env.Error.Code != "NO_CREDITS" {
		t.Fatalf("expected NO_CREDITS, got %s", rr.Body.String())
	}

	report, err := svc.Reconcile(context.Background(), userID.String())
	requireNoError(t, err)
	if !report.Balanced() || report.Pools[credit.PoolGeneration].Used != 3 {
		t.Fatalf("unexpected ledger after consumes %+v", report)
	}
}

func TestHandlerConsumeRequiresAuth(t *testing.T) {
	router, _, _ := newCreditRouter(t, credit.NewService(credit.NewMemoryRepository(), nil))

	if rr := doRequest(router, http.MethodPost, "/api/v1/credits/analysis/consume", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
