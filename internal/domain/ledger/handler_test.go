package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/garyvish82-droid/hoodcup/internal/domain/ledger"
	"github.com/garyvish82-droid/hoodcup/internal/middleware"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/jwt"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
	Meta *struct {
		Total   int  `json:"total"`
		HasNext bool `json:"has_next"`
	} `json:"meta"`
}

type testAPI struct {
	router  http.Handler
	jwt     *jwt.Service
	store   ledger.Store
	service *ledger.Service
}

func newTestAPI(t *testing.T, store ledger.Store) *testAPI {
	t.Helper()

	svc := newService(t, store)
	roster := ledger.NewRoster()
	svc.AddObserver(roster)
	jwtSvc := jwt.NewService("test-secret", time.Minute)
	h := ledger.NewHandler(svc, roster, 9)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Post("/lookup", h.Lookup)
	r.Mount("/customers", h.StaffRoutes(middleware.Auth(jwtSvc)))
	r.Mount("/me", h.MeRoutes(middleware.Auth(jwtSvc)))

	return &testAPI{router: r, jwt: jwtSvc, store: store, service: svc}
}

func (a *testAPI) token(t *testing.T, subject, role string) string {
	t.Helper()
	token, err := a.jwt.GenerateAccessToken(subject, role)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, env
}

func decodeCard(t *testing.T, env envelope) ledger.Card {
	t.Helper()
	var card ledger.Card
	if err := json.Unmarshal(env.Data, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	return card
}

func TestStaffFlow(t *testing.T) {
	api := newTestAPI(t, ledger.NewMemoryStore())
	staff := api.token(t, "terminal-1", jwt.RoleStaff)

	w, env := api.do(t, http.MethodPost, "/customers", staff, ledger.EnrollRequest{Name: "Ana Lima", Phone: "+1 (555) 123-4567"})
	if w.Code != http.StatusCreated {
		t.Fatalf("enroll: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	card := decodeCard(t, env)
	path := "/customers/" + card.ID.String()

	for i := 0; i < ledger.RewardThreshold-1; i++ {
		api.do(t, http.MethodPost, path+"/purchases", staff, nil)
	}

	w, env = api.do(t, http.MethodPost, path+"/redemptions", staff, nil)
	if w.Code != http.StatusConflict || env.Error.Code != "NOT_ENOUGH_POINTS" {
		t.Fatalf("early redeem: expected 409 NOT_ENOUGH_POINTS, got %d %+v", w.Code, env.Error)
	}

	w, env = api.do(t, http.MethodPost, path+"/purchases", staff, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d", w.Code)
	}
	if card = decodeCard(t, env); !card.RewardReady || card.Points != 10 || card.TotalPurchases != 10 {
		t.Fatalf("unexpected card after tenth purchase: %+v", card)
	}

	w, env = api.do(t, http.MethodPost, path+"/redemptions", staff, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("redeem: expected 200, got %d", w.Code)
	}
	if card = decodeCard(t, env); card.Points != 0 || card.FreeRewards != 1 || card.TotalPurchases != 10 {
		t.Fatalf("unexpected card after redeem: %+v", card)
	}

	w, env = api.do(t, http.MethodGet, "/customers?q=lima", staff, nil)
	if w.Code != http.StatusOK || env.Meta == nil || env.Meta.Total != 1 {
		t.Fatalf("search: unexpected response %d %s", w.Code, w.Body.String())
	}
	var cards []ledger.Card
	if err := json.Unmarshal(env.Data, &cards); err != nil {
		t.Fatalf("decode cards: %v", err)
	}
	if cards[0].FreeRewards != 1 {
		t.Fatalf("roster should reflect the redemption, got %+v", cards[0])
	}
}

func TestStaffErrors(t *testing.T) {
	api := newTestAPI(t, ledger.NewMemoryStore())
	staff := api.token(t, "terminal-1", jwt.RoleStaff)

	w, env := api.do(t, http.MethodPost, "/customers/"+uuid.NewString()+"/purchases", staff, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w, _ = api.do(t, http.MethodGet, "/customers/not-a-uuid", staff, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w, env = api.do(t, http.MethodPost, "/customers", staff, ledger.EnrollRequest{Name: "Bo", Phone: "12"})
	if w.Code != http.StatusUnprocessableEntity || env.Error.Details["phone"] == "" {
		t.Fatalf("expected phone validation error, got %d %+v", w.Code, env.Error)
	}

	api.do(t, http.MethodPost, "/customers", staff, ledger.EnrollRequest{Name: "Bo", Phone: "555 111 2222"})
	w, env = api.do(t, http.MethodPost, "/customers", staff, ledger.EnrollRequest{Name: "Bo 2", Phone: "(555) 111-2222"})
	if w.Code != http.StatusConflict || env.Error.Code != "PHONE_TAKEN" {
		t.Fatalf("expected PHONE_TAKEN, got %d %+v", w.Code, env.Error)
	}
}

func TestStaffRoutesRequireStaffRole(t *testing.T) {
	api := newTestAPI(t, ledger.NewMemoryStore())

	w, _ := api.do(t, http.MethodGet, "/customers", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	customer := api.token(t, "user-1", jwt.RoleCustomer)
	w, _ = api.do(t, http.MethodGet, "/customers", customer, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer token, got %d", w.Code)
	}
}

func TestLookup(t *testing.T) {
	store := ledger.NewMemoryStore()
	api := newTestAPI(t, store)
	seed(t, store, "+1 555 123 4567", 7, 1, 20)

	w, env := api.do(t, http.MethodPost, "/lookup", "", ledger.PhoneRequest{Phone: "555-123-4567"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var card ledger.PublicCard
	if err := json.Unmarshal(env.Data, &card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.Points != 7 || card.Remaining != 3 || card.Name != "Test" {
		t.Fatalf("unexpected public card: %+v", card)
	}
	if bytes.Contains(env.Data, []byte("phone")) {
		t.Fatalf("public card must not expose the phone: %s", env.Data)
	}

	w, env = api.do(t, http.MethodPost, "/lookup", "", ledger.PhoneRequest{Phone: "1234567"})
	if w.Code != http.StatusUnprocessableEntity || env.Error.Details["phone"] == "" {
		t.Fatalf("expected short input to be rejected, got %d", w.Code)
	}

	w, _ = api.do(t, http.MethodPost, "/lookup", "", ledger.PhoneRequest{Phone: "999 888 7777"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMeAndLink(t *testing.T) {
	store := ledger.NewMemoryStore()
	api := newTestAPI(t, store)
	c := seed(t, store, "+44 20 7946 0001", 4, 0, 4)
	me := api.token(t, "user-42", jwt.RoleCustomer)

	w, _ := api.do(t, http.MethodGet, "/me", me, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before linking, got %d", w.Code)
	}

	w, env := api.do(t, http.MethodPost, "/me/link", me, ledger.PhoneRequest{Phone: "20 7946 0001"})
	if w.Code != http.StatusOK {
		t.Fatalf("link: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if card := decodeCard(t, env); card.ID != c.ID || !card.Linked {
		t.Fatalf("unexpected linked card: %+v", card)
	}

	w, env = api.do(t, http.MethodGet, "/me", me, nil)
	if w.Code != http.StatusOK || decodeCard(t, env).Points != 4 {
		t.Fatalf("me: unexpected response %d %s", w.Code, w.Body.String())
	}

	other := api.token(t, "user-43", jwt.RoleCustomer)
	w, env = api.do(t, http.MethodPost, "/me/link", other, ledger.PhoneRequest{Phone: "20 7946 0001"})
	if w.Code != http.StatusConflict || env.Error.Code != "ALREADY_LINKED" {
		t.Fatalf("expected ALREADY_LINKED, got %d %+v", w.Code, env.Error)
	}
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	api := newTestAPI(t, downStore{err: errors.New("dial tcp: i/o timeout")})
	staff := api.token(t, "terminal-1", jwt.RoleStaff)

	w, env := api.do(t, http.MethodPost, "/customers/"+uuid.NewString()+"/redemptions", staff, nil)
	if w.Code != http.StatusServiceUnavailable || env.Error.Code != "STORE_UNAVAILABLE" {
		t.Fatalf("expected 503 STORE_UNAVAILABLE, got %d %+v", w.Code, env.Error)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("i/o timeout")) {
		t.Fatal("store error details must not leak to clients")
	}
}

func TestHandlerUsesRequestContext(t *testing.T) {
	store := ledger.NewMemoryStore()
	api := newTestAPI(t, store)
	c := seed(t, store, "555 404 0000", 0, 0, 0)
	staff := api.token(t, "terminal-1", jwt.RoleStaff)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/customers/"+c.ID.String()+"/purchases", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+staff)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("cancelled request should not write, got %d", w.Code)
	}
	got, _ := store.Get(context.Background(), c.ID)
	requireCounters(t, got, 0, 0, 0)
}
