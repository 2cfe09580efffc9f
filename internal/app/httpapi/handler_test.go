package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/R3E-Network/riskledger/internal/app"
	"github.com/R3E-Network/riskledger/internal/app/storage/memory"
	"github.com/R3E-Network/riskledger/internal/httputil"
	"github.com/R3E-Network/riskledger/internal/middleware"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

var testSecret = []byte("handler-test-secret")

func newTestHandler(t *testing.T, opts Options) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	appOpts := app.DefaultOptions()
	appOpts.RotationEnabled = false
	appOpts.ResetEnabled = false

	application, err := app.New(app.Stores{Ledger: store}, appOpts, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	return NewHandler(application, opts, logger.NewNop()), store
}

func do(h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func register(t *testing.T, h http.Handler, id string, credit string) {
	t.Helper()
	resp := do(h, http.MethodPost, "/accounts", map[string]string{
		"id": id, "first_name": "Ada", "last_name": "Lovelace", "account_number": "ACC-" + id, "password": "pw",
	}, "")
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	if credit != "" {
		resp = do(h, http.MethodPost, "/accounts/"+id+"/credits", map[string]string{"amount": credit}, "")
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	}
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, "ops", "admin", time.Minute)
	require.NoError(t, err)
	return token
}

func TestAccountLifecycle(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	register(t, h, "S1", "100")

	resp := do(h, http.MethodGet, "/accounts/S1", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var acct map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &acct))
	assert.Equal(t, "100", acct["balance"])
	assert.NotContains(t, acct, "password_hash")

	resp = do(h, http.MethodPatch, "/accounts/S1", map[string]string{"first_name": "Grace"}, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = do(h, http.MethodPut, "/accounts/S1/pin", map[string]string{"pin": "1234"}, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = do(h, http.MethodGet, "/accounts", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Accounts []map[string]interface{} `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, "Grace", list.Accounts[0]["first_name"])

	resp = do(h, http.MethodPost, "/accounts", map[string]string{"id": "S1"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(h, http.MethodGet, "/accounts/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAuthorizeResponses(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	register(t, h, "S1", "50")

	resp := do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]interface{}{"amount": 20}, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var approved authorizationResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &approved))
	assert.True(t, approved.Approved)
	assert.Equal(t, "AUTHORIZED_UNDER_DAILY_LIMIT", approved.Reason)
	assert.Equal(t, "Transaction authorized", approved.Message)
	require.NotNil(t, approved.Account)
	assert.Equal(t, 1, approved.Account.DailyTransactionCount)
	assert.Equal(t, "30", approved.Account.Balance.String())

	resp = do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]string{"amount": "1000"}, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	var rejected authorizationResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rejected))
	assert.False(t, rejected.Approved)
	assert.Equal(t, "INSUFFICIENT_FUNDS", rejected.Reason)
	assert.Nil(t, rejected.Account)

	resp = do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]interface{}{}, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]interface{}{"amount": 1, "extra": true}, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(h, http.MethodPost, "/accounts/nobody/authorizations", map[string]interface{}{"amount": 1}, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAmountsBeyondStoredPrecisionAreRejected(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	register(t, h, "S1", "50")

	resp := do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]string{"amount": "0.00001"}, "")
	require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.False(t, body.Retryable)

	resp = do(h, http.MethodPost, "/accounts/S1/credits", map[string]string{"amount": "1e20"}, "")
	require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())

	resp = do(h, http.MethodGet, "/accounts/S1", nil, "")
	var acct map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &acct))
	assert.Equal(t, "50", acct["balance"])
	assert.Equal(t, float64(0), acct["daily_transaction_count"])
}

func TestAuthorizeCommitFailureIsRetryable(t *testing.T) {
	h, store := newTestHandler(t, Options{})
	register(t, h, "S1", "50")
	store.OnCommit(func() error { return errors.New("connection reset") })

	resp := do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]interface{}{"amount": 5}, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))

	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.True(t, body.Retryable)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Code)
	assert.NotEmpty(t, body.TraceID)

	store.OnCommit(nil)
	resp = do(h, http.MethodGet, "/accounts/S1", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var acct map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &acct))
	assert.Equal(t, float64(0), acct["daily_transaction_count"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h, _ := newTestHandler(t, Options{JWTSecret: testSecret})
	register(t, h, "S1", "50")

	risk := map[string]interface{}{
		"daily_transaction_count":     5,
		"high_risk_aborted_count":     1,
		"last_transaction_risk_value": 80.5,
	}
	resp := do(h, http.MethodPut, "/accounts/S1/risk", risk, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	userToken, err := middleware.IssueToken(testSecret, "S1", "user", time.Minute)
	require.NoError(t, err)
	resp = do(h, http.MethodPut, "/accounts/S1/risk", risk, userToken)
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = do(h, http.MethodPut, "/accounts/S1/risk", risk, adminToken(t))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = do(h, http.MethodPost, "/accounts/S1/authorizations", map[string]interface{}{"amount": 5}, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	var rejected authorizationResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rejected))
	assert.Equal(t, "RISK_TOO_HIGH", rejected.Reason)

	resp = do(h, http.MethodGet, "/accounts/S1", nil, "")
	var acct map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &acct))
	assert.Equal(t, float64(2), acct["high_risk_aborted_count"])
}

func TestInstitutionRoutes(t *testing.T) {
	h, _ := newTestHandler(t, Options{JWTSecret: testSecret})

	resp := do(h, http.MethodGet, "/institutions", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Institutions []struct {
			ID      string `json:"id"`
			Code    string `json:"code"`
			Secrets []struct {
				Code string `json:"code"`
			} `json:"secrets"`
		} `json:"institutions"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Len(t, list.Institutions, 5)
	first := list.Institutions[0]
	require.Len(t, first.Secrets, 6)

	resp = do(h, http.MethodPost, "/institutions/"+first.ID+"/rotate", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(h, http.MethodPost, "/institutions/"+first.ID+"/rotate", nil, adminToken(t))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = do(h, http.MethodGet, "/institutions/"+first.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var one struct {
		Secrets []struct {
			Code string `json:"code"`
		} `json:"secrets"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &one))
	require.Len(t, one.Secrets, 6)

	resp = do(h, http.MethodPost, "/institutions/unknown/rotate", nil, adminToken(t))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRateLimitExemptsHealthAndMetrics(t *testing.T) {
	h, _ := newTestHandler(t, Options{RateLimiter: middleware.NewRateLimiter(1, 1, logger.NewNop())})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/accounts", nil, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/accounts", nil, "").Code)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", nil, "").Code)
	}
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", nil, "").Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h, _ := newTestHandler(t, Options{})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/nope", nil, "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/accounts", nil, "").Code)
}
