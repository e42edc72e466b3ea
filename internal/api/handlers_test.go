package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsukid/satsukid/internal/apierr"
	"github.com/satsukid/satsukid/internal/label"
	"github.com/satsukid/satsukid/internal/orchestrator"
	"github.com/satsukid/satsukid/internal/store"
	"github.com/satsukid/satsukid/internal/zonealgebra"
)

type fakeOrch struct {
	signupUser  *store.User
	signupErr   error
	zoneEntries []orchestrator.ZoneEntry
	putZoneErr  error
	delegations []orchestrator.Delegation
	soa         string
}

func (f *fakeOrch) Signup(ctx context.Context, lbl, password string) (*store.User, error) {
	return f.signupUser, f.signupErr
}
func (f *fakeOrch) SwitchExternal(ctx context.Context, lbl string, nsList []string) error { return nil }
func (f *fakeOrch) SwitchInternal(ctx context.Context, lbl string) error                  { return nil }
func (f *fakeOrch) PutZone(ctx context.Context, lbl string, records []zonealgebra.Record) error {
	return f.putZoneErr
}
func (f *fakeOrch) GetZone(ctx context.Context, lbl string) ([]orchestrator.ZoneEntry, error) {
	return f.zoneEntries, nil
}
func (f *fakeOrch) ListDelegations(ctx context.Context) ([]orchestrator.Delegation, error) {
	return f.delegations, nil
}
func (f *fakeOrch) ApexSOA(ctx context.Context) (string, error) { return f.soa, nil }
func (f *fakeOrch) ChangePassword(ctx context.Context, lbl, newPassword string) error { return nil }

type fakeStoreReader struct {
	users map[string]*store.User
}

func (f *fakeStoreReader) Get(ctx context.Context, lbl string) (*store.User, error) {
	if u, ok := f.users[lbl]; ok {
		return u, nil
	}
	return nil, store.ErrMissing
}

type fakeAuthenticator struct {
	user *store.User
	err  error
}

func (f *fakeAuthenticator) Authenticate(r *http.Request) (*store.User, error) {
	return f.user, f.err
}

func newTestServer(orch *fakeOrch, sr *fakeStoreReader, auth *fakeAuthenticator) *Server {
	return NewServer(orch, sr, auth, label.DefaultPolicy(), "example.com")
}

func TestHandleCheck_AvailableLabel(t *testing.T) {
	s := newTestServer(&fakeOrch{}, &fakeStoreReader{users: map[string]*store.User{}}, &fakeAuthenticator{})
	req := httptest.NewRequest(http.MethodGet, "/api/subdomain/check?name=freelabel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["available"])
}

func TestHandleCheck_ReservedLabel(t *testing.T) {
	s := newTestServer(&fakeOrch{}, &fakeStoreReader{users: map[string]*store.User{}}, &fakeAuthenticator{})
	req := httptest.NewRequest(http.MethodGet, "/api/subdomain/check?name=www", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["available"])
	assert.Equal(t, "reserved", body["reason"])
}

func TestHandleSignup_InvalidLabel(t *testing.T) {
	s := newTestServer(&fakeOrch{}, &fakeStoreReader{}, &fakeAuthenticator{})
	body, _ := json.Marshal(map[string]string{"subdomain": "UPPER", "password": "supers3cret"})
	req := httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSignup_Success(t *testing.T) {
	orch := &fakeOrch{signupUser: &store.User{Label: "alice", NSMode: store.Internal}}
	s := newTestServer(orch, &fakeStoreReader{}, &fakeAuthenticator{})
	body, _ := json.Marshal(map[string]string{"subdomain": "alice", "password": "supers3cret"})
	req := httptest.NewRequest(http.MethodPost, "/api/signup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var respBody map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &respBody))
	assert.Equal(t, true, respBody["ok"])
}

func TestProfile_RequiresAuth(t *testing.T) {
	s := newTestServer(&fakeOrch{}, &fakeStoreReader{}, &fakeAuthenticator{err: apierr.Auth("invalid credentials")})
	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPutZone_Success(t *testing.T) {
	orch := &fakeOrch{}
	auth := &fakeAuthenticator{user: &store.User{Label: "alice"}}
	s := newTestServer(orch, &fakeStoreReader{}, auth)
	body, _ := json.Marshal(map[string]any{
		"records": []map[string]any{
			{"name": "www.alice.example.com.", "rrtype": "A", "ttl": 300, "content": "1.2.3.4"},
		},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/zone", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var respBody map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &respBody))
	assert.Equal(t, true, respBody["ok"])
}
