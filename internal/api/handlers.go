// Package api exposes satsukid's HTTP/JSON surface (spec §4.H). It
// translates requests into orchestrator/store calls and maps the
// apierr taxonomy onto HTTP status codes, never leaking upstream
// payloads or API keys into a response body.
//
// Grounded on kubernetes-sigs-external-dns's provider/webhook/api
// httpapi.go for the router-plus-JSON-envelope shape, generalized
// from gorilla/mux routing as used in johanix-tdns/server, with
// go-playground/validator/v10 validating request DTO shape before any
// domain logic runs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/satsukid/satsukid/internal/apierr"
	"github.com/satsukid/satsukid/internal/authn"
	"github.com/satsukid/satsukid/internal/label"
	"github.com/satsukid/satsukid/internal/orchestrator"
	"github.com/satsukid/satsukid/internal/store"
	"github.com/satsukid/satsukid/internal/zonealgebra"
)

// Orchestrator is the subset of *orchestrator.Orchestrator handlers
// depend on.
type Orchestrator interface {
	Signup(ctx context.Context, lbl, password string) (*store.User, error)
	SwitchExternal(ctx context.Context, lbl string, nsList []string) error
	SwitchInternal(ctx context.Context, lbl string) error
	PutZone(ctx context.Context, lbl string, records []zonealgebra.Record) error
	GetZone(ctx context.Context, lbl string) ([]orchestrator.ZoneEntry, error)
	ListDelegations(ctx context.Context) ([]orchestrator.Delegation, error)
	ApexSOA(ctx context.Context) (string, error)
	ChangePassword(ctx context.Context, lbl, newPassword string) error
}

// StoreReader is the read-only store surface used outside auth (the
// availability check consults the label policy first and the store
// second, reporting an existing label as unavailable with reason
// "taken").
type StoreReader interface {
	Get(ctx context.Context, lbl string) (*store.User, error)
}

// Authenticator verifies the label:password pair on a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*store.User, error)
}

// Server holds the dependencies the handlers close over.
type Server struct {
	orch       Orchestrator
	store      StoreReader
	authn      Authenticator
	policy     *label.Policy
	baseDomain string
	v          *validator.Validate
}

func NewServer(orch Orchestrator, st StoreReader, auth Authenticator, policy *label.Policy, baseDomain string) *Server {
	return &Server{orch: orch, store: st, authn: auth, policy: policy, baseDomain: baseDomain, v: validator.New()}
}

// Router builds the full mux.Router for the public and authenticated
// surfaces (spec §6 endpoint table). /metrics is mounted separately by
// main.go since it comes from the metrics package's own registry.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/about", s.handleAbout).Methods(http.MethodGet)
	r.HandleFunc("/api/subdomain/check", s.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/api/subdomain/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/subdomain/soa", s.handleSOA).Methods(http.MethodGet)
	r.HandleFunc("/api/signup", s.handleSignup).Methods(http.MethodPost)
	r.HandleFunc("/api/signin", s.handleSignin).Methods(http.MethodPost)

	r.HandleFunc("/api/profile", s.withAuth(s.handleProfile)).Methods(http.MethodGet)
	r.HandleFunc("/api/zone", s.withAuth(s.handleGetZone)).Methods(http.MethodGet)
	r.HandleFunc("/api/zone", s.withAuth(s.handlePutZone)).Methods(http.MethodPut)
	r.HandleFunc("/api/ns-mode/internal", s.withAuth(s.handleSwitchInternal)).Methods(http.MethodPost)
	r.HandleFunc("/api/ns-mode/external", s.withAuth(s.handleSwitchExternal)).Methods(http.MethodPost)
	r.HandleFunc("/api/password/change", s.withAuth(s.handleChangePassword)).Methods(http.MethodPost)
	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, u *store.User)

func (s *Server) withAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authn.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, u)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"base_domain": s.baseDomain})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	lbl := r.URL.Query().Get("name")
	result := s.policy.Validate(lbl)
	if !result.OK {
		writeJSON(w, http.StatusOK, map[string]any{"available": false, "reason": string(result.Reason)})
		return
	}
	_, err := s.store.Get(r.Context(), lbl)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"available": false, "reason": "taken"})
	case err == store.ErrMissing:
		writeJSON(w, http.StatusOK, map[string]any{"available": true})
	default:
		writeError(w, apierr.Internal(err, "checking label %q", lbl))
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	delegations, err := s.orch.ListDelegations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if delegations == nil {
		delegations = []orchestrator.Delegation{}
	}
	writeJSON(w, http.StatusOK, delegations)
}

func (s *Server) handleSOA(w http.ResponseWriter, r *http.Request) {
	soa, err := s.orch.ApexSOA(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"soa": soa})
}

type signupRequest struct {
	Subdomain string `json:"subdomain" validate:"required,max=63"`
	Password  string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	result := s.policy.Validate(req.Subdomain)
	if !result.OK {
		writeError(w, apierr.Validation("label %q is invalid: %s", req.Subdomain, result.Reason))
		return
	}
	if _, err := s.orch.Signup(r.Context(), req.Subdomain, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type signinRequest struct {
	Subdomain string `json:"subdomain" validate:"required"`
	Password  string `json:"password" validate:"required"`
}

// handleSignin exists to give clients an explicit credential-check
// endpoint distinct from the Basic-auth gate on the authenticated
// routes; it reuses the same authenticator so the timing behavior for
// unknown labels is identical (P7).
func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	fake := &http.Request{Header: make(http.Header)}
	fake.SetBasicAuth(req.Subdomain, req.Password)
	fake = fake.WithContext(r.Context())
	if _, err := s.authn.Authenticate(fake); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, u *store.User) {
	body := map[string]any{
		"subdomain":   u.Label,
		"external_ns": u.ExternalNS,
	}
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("external_ns%d", i+1)
		if i < len(u.ExternalNS) {
			body[key] = u.ExternalNS[i]
		} else {
			body[key] = nil
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request, u *store.User) {
	entries, err := s.orch.GetZone(r.Context(), u.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []orchestrator.ZoneEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type recordDTO struct {
	Name    string `json:"name" validate:"required"`
	RRType  string `json:"rrtype" validate:"required"`
	TTL     uint32 `json:"ttl" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type putZoneRequest struct {
	Records []recordDTO `json:"records" validate:"required,dive"`
}

func (s *Server) handlePutZone(w http.ResponseWriter, r *http.Request, u *store.User) {
	var req putZoneRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	records := make([]zonealgebra.Record, len(req.Records))
	for i, d := range req.Records {
		records[i] = zonealgebra.Record{Name: d.Name, Type: d.RRType, TTL: d.TTL, Content: d.Content}
	}
	if err := s.orch.PutZone(r.Context(), u.Label, records); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type switchExternalRequest struct {
	Nameservers []string `json:"ns" validate:"required,min=1,max=6,dive,required"`
}

func (s *Server) handleSwitchExternal(w http.ResponseWriter, r *http.Request, u *store.User) {
	var req switchExternalRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.orch.SwitchExternal(r.Context(), u.Label, req.Nameservers); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSwitchInternal(w http.ResponseWriter, r *http.Request, u *store.User) {
	if err := s.orch.SwitchInternal(r.Context(), u.Label); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, u *store.User) {
	var req changePasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	ok, err := authn.Verify(u.PasswordHash, req.CurrentPassword)
	if err != nil {
		writeError(w, apierr.Internal(err, "verifying current password for %q", u.Label))
		return
	}
	if !ok {
		writeError(w, apierr.Auth("invalid credentials"))
		return
	}
	if err := s.orch.ChangePassword(r.Context(), u.Label, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apierr.Validation("malformed request body: %v", err))
		return false
	}
	if err := s.v.Struct(dst); err != nil {
		writeError(w, apierr.Validation("invalid request: %v", err))
		return false
	}
	return true
}

// writeOK writes the {"ok": true} envelope spec §6 documents for every
// mutating endpoint's success response.
func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("writing JSON response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	coded, ok := apierr.As(err)
	if !ok {
		coded = apierr.Internal(err, "unexpected error")
	}
	if coded.Kind == apierr.KindInternal || coded.Kind == apierr.KindUpstream {
		logrus.WithError(coded).WithField("kind", coded.Kind.String()).Error("request failed")
	}
	writeJSON(w, coded.Kind.HTTPStatus(), map[string]string{"error": coded.Message, "kind": coded.Kind.String()})
}
