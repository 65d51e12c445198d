package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

type fakePlatform struct {
	server      *httptest.Server
	tokenCalls  atomic.Int32
	lastQuery   atomic.Value
	lastBody    atomic.Value
	lastScope   atomic.Value
	handlers    map[string]http.HandlerFunc
	lastAuthHdr atomic.Value
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{handlers: map[string]http.HandlerFunc{}}
	fp.server = httptest.NewServer(http.HandlerFunc(fp.serve))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePlatform) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == tokenPath {
		fp.tokenCalls.Add(1)
		_ = r.ParseForm()
		fp.lastScope.Store(r.Form.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"svc-token","token_type":"bearer","expires_in":3600}`)
		return
	}
	fp.lastQuery.Store(r.URL.RawQuery)
	fp.lastAuthHdr.Store(r.Header.Get("Authorization"))
	body, _ := io.ReadAll(r.Body)
	fp.lastBody.Store(string(body))

	h, ok := fp.handlers[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"errors":[{"status":404,"code":"not-found","title":"Not found"}]}`)
		return
	}
	h(w, r)
}

func (fp *fakePlatform) client() *Client {
	return NewClient(Config{
		BaseURL:                 fp.server.URL,
		IntegrationBaseURL:      fp.server.URL,
		ClientID:                "client",
		ClientSecret:            "secret",
		IntegrationClientID:     "integ-client",
		IntegrationClientSecret: "integ-secret",
	}, WithHTTPClient(fp.server.Client()))
}

func TestShowUser_DecodesEnvelope(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handlers["/v1/integration_api/users/show"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"u-1","type":"user","attributes":{"profile":{"displayName":"Ann","publicData":{"portfolioItems":[]}}}}}`)
	}

	user, err := fp.client().ShowUser(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "u-1" || user.Attributes.Profile.DisplayName != "Ann" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if got := fp.lastQuery.Load().(string); got != "id=u-1" {
		t.Fatalf("expected id query, got %q", got)
	}
	if got := fp.lastAuthHdr.Load().(string); got != "Bearer svc-token" {
		t.Fatalf("expected service token, got %q", got)
	}
	if got := fp.lastScope.Load().(string); got != integrationScope {
		t.Fatalf("expected integ scope, got %q", got)
	}
}

func TestShowTransaction_DecodesRelationships(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handlers["/v1/integration_api/transactions/show"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"tx-1","type":"transaction","relationships":{"customer":{"data":{"id":"c-1","type":"user"}},"provider":{"data":{"id":"p-1","type":"user"}}}}}`)
	}

	tx, err := fp.client().ShowTransaction(context.Background(), "tx-1", []string{"customer", "provider"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.RelatedID("customer") != "c-1" || tx.RelatedID("provider") != "p-1" {
		t.Fatalf("unexpected relationships: %+v", tx.Relationships)
	}
	if got := fp.lastQuery.Load().(string); got != "id=tx-1&include=customer%2Cprovider" {
		t.Fatalf("expected id and include query, got %q", got)
	}
}

func TestShowTransaction_NotFound(t *testing.T) {
	fp := newFakePlatform(t)

	_, err := fp.client().ShowTransaction(context.Background(), "tx-404", nil)
	if StatusOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestQueryOwnTransactions_JoinsArrayParams(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handlers["/v1/api/transactions/query"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":"tx-1","type":"transaction","attributes":{"lastTransition":"transition/complete","lastTransitionedAt":"2024-05-01T10:00:00.000Z"}}],"meta":{"totalItems":1,"totalPages":1,"page":1,"perPage":10}}`)
	}

	doc, err := fp.client().QueryOwnTransactions(context.Background(), "user-token", TransactionQuery{
		Only:            "order",
		LastTransitions: []string{"transition/inquire", "transition/complete"},
		Page:            1,
		PerPage:         10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Data) != 1 || doc.Data[0].Attributes.LastTransitionedAt == nil {
		t.Fatalf("unexpected data: %+v", doc.Data)
	}
	if doc.Meta == nil || doc.Meta.TotalPages != 1 {
		t.Fatalf("expected meta, got %+v", doc.Meta)
	}
	query := fp.lastQuery.Load().(string)
	if !strings.Contains(query, "lastTransitions=transition%2Finquire%2Ctransition%2Fcomplete") {
		t.Fatalf("expected comma-joined transitions, got %q", query)
	}
	if got := fp.lastAuthHdr.Load().(string); got != "Bearer user-token" {
		t.Fatalf("expected user token to be forwarded, got %q", got)
	}
	if fp.tokenCalls.Load() != 0 {
		t.Fatalf("expected no token exchange for user calls, got %d", fp.tokenCalls.Load())
	}
}

func TestQueryOwnTransactions_RequiresToken(t *testing.T) {
	fp := newFakePlatform(t)
	_, err := fp.client().QueryOwnTransactions(context.Background(), "", TransactionQuery{})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if StatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", StatusOf(err))
	}
}

func TestTransition_ReturnsStatusAndData(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handlers["/v1/integration_api/transactions/transition"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"tx-1","type":"transaction"}}`)
	}

	res, err := fp.client().Transition(context.Background(), TransitionBody{
		ID:         "tx-1",
		Transition: "transition/complete",
	}, []string{"listing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != http.StatusOK || res.StatusText != "OK" {
		t.Fatalf("unexpected status: %d %q", res.Status, res.StatusText)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(fp.lastBody.Load().(string)), &body); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if _, ok := body["params"].(map[string]any); !ok {
		t.Fatalf("expected params object in body, got %v", body)
	}
	if !strings.Contains(fp.lastQuery.Load().(string), "include=listing") {
		t.Fatalf("expected include param, got %q", fp.lastQuery.Load())
	}
}

func TestTransition_MapsPlatformError(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handlers["/v1/integration_api/transactions/transition"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"errors":[{"status":409,"code":"transaction-invalid-transition","title":"Invalid transition"}]}`)
	}

	_, err := fp.client().Transition(context.Background(), TransitionBody{ID: "tx-1", Transition: "transition/complete"}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "transaction-invalid-transition" || StatusOf(err) != http.StatusConflict {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestIntegration_WithoutCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if c.HasIntegrationCredentials() {
		t.Fatal("expected no integration credentials")
	}
	if _, err := c.ShowUser(context.Background(), "u-1"); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
	if _, err := c.CreateUser(context.Background(), CreateUserParams{Email: "a@b.c"}); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("expected ErrCredentialsMissing, got %v", err)
	}
}

func TestCreateUser_UsesAnonymousToken(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handlers["/v1/api/current_user/create"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"new-user","type":"currentUser","attributes":{"email":"a@b.c"}}}`)
	}

	user, err := fp.client().CreateUser(context.Background(), CreateUserParams{
		Email:     "a@b.c",
		Password:  "long-enough",
		FirstName: "A",
		LastName:  "B",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "new-user" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if got := fp.lastScope.Load().(string); got != anonymousScope {
		t.Fatalf("expected public-read scope, got %q", got)
	}
}
