package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/riskledger/internal/app"
	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	"github.com/R3E-Network/riskledger/internal/app/metrics"
	"github.com/R3E-Network/riskledger/internal/app/services/accounts"
	svcerrors "github.com/R3E-Network/riskledger/internal/errors"
	"github.com/R3E-Network/riskledger/internal/httputil"
	"github.com/R3E-Network/riskledger/internal/middleware"
	"github.com/R3E-Network/riskledger/pkg/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Options configures the router's middleware chain.
type Options struct {
	// JWTSecret enables bearer-token auth on admin routes. Empty leaves them
	// open.
	JWTSecret []byte
	AdminRole string

	// RateLimiter is applied to every route except /healthz and /metrics.
	RateLimiter *middleware.RateLimiter

	AllowedOrigins []string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns a router exposing the ledger REST API.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	router := mux.NewRouter()
	router.Use(middleware.NewTracingMiddleware(log).Handler)
	router.Use(middleware.MetricsMiddleware())
	if len(opts.AllowedOrigins) > 0 {
		router.Use(middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler)
	}

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}
	api.HandleFunc("/accounts", h.createAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", h.updateProfile).Methods(http.MethodPatch)
	api.HandleFunc("/accounts/{id}/pin", h.updatePIN).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id}/credits", h.credit).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/authorizations", h.authorize).Methods(http.MethodPost)
	api.HandleFunc("/institutions", h.listInstitutions).Methods(http.MethodGet)
	api.HandleFunc("/institutions/{id}", h.getInstitution).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	if len(opts.JWTSecret) > 0 {
		admin.Use(middleware.NewAuthMiddleware(opts.JWTSecret, opts.AdminRole, log.Named("auth")).Handler)
	} else {
		log.Warn("AUTH_JWT_SECRET not set; admin routes are unauthenticated")
	}
	admin.HandleFunc("/accounts/{id}/risk", h.updateRisk).Methods(http.MethodPut)
	admin.HandleFunc("/institutions/{id}/rotate", h.rotateInstitution).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, svcerrors.NotFound("route", r.URL.Path))
	})
	return router
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var reg accounts.Registration
	if err := decodeJSON(w, r, &reg); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	acct, err := h.app.Accounts.Register(r.Context(), reg)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	if h.app.ResetOnList() {
		if _, err := h.app.Counters.MaybeReset(r.Context()); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
	}
	accts, err := h.app.Accounts.List(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if accts == nil {
		accts = []account.Account{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"accounts": accts})
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var upd accounts.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	acct, err := h.app.Accounts.UpdateProfile(r.Context(), mux.Vars(r)["id"], upd)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *handler) updatePIN(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	acct, err := h.app.Accounts.UpdatePIN(r.Context(), mux.Vars(r)["id"], payload.PIN)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *handler) credit(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	acct, err := h.app.Accounts.Credit(r.Context(), mux.Vars(r)["id"], amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

func (h *handler) updateRisk(w http.ResponseWriter, r *http.Request) {
	var params accounts.RiskParams
	if err := decodeJSON(w, r, &params); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	acct, err := h.app.Accounts.UpdateRiskParams(r.Context(), mux.Vars(r)["id"], params)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

type authorizationResponse struct {
	Approved bool             `json:"approved"`
	Reason   string           `json:"reason"`
	Message  string           `json:"message"`
	Rule     string           `json:"rule,omitempty"`
	Account  *account.Account `json:"account,omitempty"`
}

func (h *handler) authorize(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(w, r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	outcome, err := h.app.Authorization.Authorize(r.Context(), mux.Vars(r)["id"], amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	resp := authorizationResponse{
		Approved: outcome.Decision.Approved,
		Reason:   string(outcome.Decision.Reason),
		Message:  outcome.Decision.Reason.Message(),
		Rule:     outcome.Decision.Rule,
	}
	status := http.StatusUnprocessableEntity
	if outcome.Decision.Approved {
		acct := outcome.Account
		resp.Account = &acct
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *handler) listInstitutions(w http.ResponseWriter, r *http.Request) {
	insts, err := h.app.Institutions.ListWithCodes(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"institutions": insts})
}

func (h *handler) getInstitution(w http.ResponseWriter, r *http.Request) {
	inst, err := h.app.Institutions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

func (h *handler) rotateInstitution(w http.ResponseWriter, r *http.Request) {
	inst, err := h.app.Institutions.Rotate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.log.WithContext(r.Context()).WithField("institution", inst.Code).Info("secret codes rotated on demand")
	httputil.WriteJSON(w, http.StatusOK, inst)
}

// decodeAmount reads {"amount": ...}. The amount may be a JSON number or a
// decimal string and is required.
func decodeAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, error) {
	var payload struct {
		Amount *decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		return decimal.Decimal{}, err
	}
	if payload.Amount == nil {
		return decimal.Decimal{}, svcerrors.BadRequest("amount is required")
	}
	return *payload.Amount, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return svcerrors.BadRequest("request body is required")
		}
		return svcerrors.BadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return svcerrors.BadRequest("request body must hold a single JSON object")
	}
	return nil
}
