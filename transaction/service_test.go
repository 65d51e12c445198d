package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"taskmarket/analytics"
	"taskmarket/platform"
	"taskmarket/process"
)

type fakeTransitioner struct {
	calls       []platform.TransitionBody
	speculative []bool
	include     [][]string
	result      platform.TransitionResult
	err         error

	// tx is what ShowTransaction returns; zero means customer c-1 and provider p-1.
	tx      *platform.Transaction
	showErr error
	shown   []string
}

func parties(customerID, providerID string) *platform.Transaction {
	ref := func(id string) platform.Relationship {
		return platform.Relationship{Data: &platform.ResourceRef{ID: id, Type: "user"}}
	}
	return &platform.Transaction{ID: "tx-1", Type: "transaction", Relationships: map[string]platform.Relationship{
		"customer": ref(customerID),
		"provider": ref(providerID),
	}}
}

func (f *fakeTransitioner) ShowTransaction(_ context.Context, txID string, _ []string) (platform.Transaction, error) {
	f.shown = append(f.shown, txID)
	if f.showErr != nil {
		return platform.Transaction{}, f.showErr
	}
	if f.tx == nil {
		return *parties("c-1", "p-1"), nil
	}
	return *f.tx, nil
}

func (f *fakeTransitioner) Transition(_ context.Context, body platform.TransitionBody, include []string) (platform.TransitionResult, error) {
	return f.record(body, include, false)
}

func (f *fakeTransitioner) TransitionSpeculative(_ context.Context, body platform.TransitionBody, include []string) (platform.TransitionResult, error) {
	return f.record(body, include, true)
}

func (f *fakeTransitioner) record(body platform.TransitionBody, include []string, speculative bool) (platform.TransitionResult, error) {
	f.calls = append(f.calls, body)
	f.speculative = append(f.speculative, speculative)
	f.include = append(f.include, include)
	return f.result, f.err
}

func decodeRequest(t *testing.T, raw string) PrivilegedRequest {
	t.Helper()
	var req PrivilegedRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestTransitionPrivileged_RewritesParams(t *testing.T) {
	fake := &fakeTransitioner{result: platform.TransitionResult{Status: 200, StatusText: "OK", Data: json.RawMessage(`{"data":{"id":"tx-1"}}`)}}
	svc := NewService(fake, nil, nil)

	req := decodeRequest(t, `{
		"isSpeculative": false,
		"bodyParams": {
			"id": {"uuid": "tx-1"},
			"transition": "transition/accept-offer",
			"params": {"listingId": "l-1", "protectedData": {"note": "hi"}}
		},
		"queryParams": {"include": ["listing", "provider"], "expand": true}
	}`)

	res, err := svc.TransitionPrivileged(context.Background(), "c-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != 200 {
		t.Fatalf("expected status passthrough, got %d", res.Status)
	}

	if len(fake.calls) != 1 || fake.speculative[0] {
		t.Fatalf("expected one real transition, got %v", fake.speculative)
	}
	call := fake.calls[0]
	if call.ID != "tx-1" || call.Transition != "transition/accept-offer" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if _, ok := call.Params["listingId"]; ok {
		t.Fatal("expected listingId to be dropped")
	}
	if items, ok := call.Params["lineItems"].([]any); !ok || len(items) != 0 {
		t.Fatalf("expected empty lineItems, got %v", call.Params["lineItems"])
	}
	if _, ok := call.Params["protectedData"]; !ok {
		t.Fatal("expected other params to be kept")
	}
	if len(fake.include[0]) != 2 {
		t.Fatalf("expected include passthrough, got %v", fake.include[0])
	}
}

func TestTransitionPrivileged_Speculative(t *testing.T) {
	fake := &fakeTransitioner{result: platform.TransitionResult{Status: 200}}
	svc := NewService(fake, nil, nil)

	req := decodeRequest(t, `{"isSpeculative": true, "bodyParams": {"id": "tx-1", "transition": "transition/complete"}, "queryParams": {"include": "listing"}}`)
	if _, err := svc.TransitionPrivileged(context.Background(), "c-1", req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fake.speculative[0] {
		t.Fatal("expected speculative call")
	}
	if fake.include[0][0] != "listing" {
		t.Fatalf("expected comma include to be parsed, got %v", fake.include[0])
	}
}

func TestTransitionPrivileged_Validation(t *testing.T) {
	svc := NewService(&fakeTransitioner{}, nil, nil)

	cases := []struct {
		name string
		body BodyParams
		want error
	}{
		{"missing id", BodyParams{Transition: "transition/complete"}, ErrIDRequired},
		{"missing transition", BodyParams{ID: "tx-1"}, ErrTransitionRequired},
		{"unknown transition", BodyParams{ID: "tx-1", Transition: "transition/request-payment"}, ErrUnknownTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.TransitionPrivileged(context.Background(), "c-1", PrivilegedRequest{BodyParams: tc.body})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestTransitionPrivileged_PropagatesPlatformStatus(t *testing.T) {
	fake := &fakeTransitioner{err: &platform.APIError{Status: 409, Code: "transaction-invalid-transition"}}
	svc := NewService(fake, nil, nil)

	_, err := svc.TransitionPrivileged(context.Background(), "c-1", PrivilegedRequest{
		BodyParams: BodyParams{ID: "tx-1", Transition: string(process.TransitionComplete)},
	})
	if platform.StatusOf(err) != 409 {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestTransitionPrivileged_RequiresParticipant(t *testing.T) {
	complete := PrivilegedRequest{BodyParams: BodyParams{ID: "tx-1", Transition: string(process.TransitionComplete)}}

	cases := []struct {
		name     string
		viewerID string
		fake     *fakeTransitioner
		want     error
	}{
		{"stranger", "u-9", &fakeTransitioner{}, ErrNotParticipant},
		{"anonymous", "", &fakeTransitioner{}, ErrNotParticipant},
		{"unknown transaction", "c-1", &fakeTransitioner{showErr: &platform.APIError{Status: 404}}, ErrNotParticipant},
		{"provider", "p-1", &fakeTransitioner{}, nil},
		{"customer", "c-1", &fakeTransitioner{tx: parties("c-1", "p-2")}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(tc.fake, nil, nil)
			_, err := svc.TransitionPrivileged(context.Background(), tc.viewerID, complete)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			wantCalls := 0
			if tc.want == nil {
				wantCalls = 1
			}
			if len(tc.fake.calls) != wantCalls {
				t.Fatalf("expected %d transition calls, got %d", wantCalls, len(tc.fake.calls))
			}
		})
	}
}

func TestTransitionPrivileged_ShowFailurePropagates(t *testing.T) {
	fake := &fakeTransitioner{showErr: &platform.APIError{Status: 502}}
	svc := NewService(fake, nil, nil)

	_, err := svc.TransitionPrivileged(context.Background(), "c-1", PrivilegedRequest{
		BodyParams: BodyParams{ID: "tx-1", Transition: string(process.TransitionComplete)},
	})
	if platform.StatusOf(err) != 502 || errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected upstream 502, got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Fatal("expected no transition after a failed lookup")
	}
}

type eventSink struct {
	mu    sync.Mutex
	names []string
	props []map[string]any
}

func (s *eventSink) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev struct {
			Name  string         `json:"name"`
			Props map[string]any `json:"props"`
		}
		_ = json.NewDecoder(r.Body).Decode(&ev)
		s.mu.Lock()
		s.names = append(s.names, ev.Name)
		s.props = append(s.props, ev.Props)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTransitionPrivileged_TracksRealTransitionsOnly(t *testing.T) {
	sink := &eventSink{}
	srv := sink.server(t)
	tracker := analytics.NewTracker(analytics.Config{Domain: "d", Endpoint: srv.URL})
	fake := &fakeTransitioner{result: platform.TransitionResult{
		Status: 200,
		Data:   json.RawMessage(`{"data":{"id":"tx-1","type":"transaction","relationships":{"listing":{"data":{"id":"l-9","type":"listing"}},"provider":{"data":{"id":"p-1","type":"user"}}}}}`),
	}}
	svc := NewService(fake, tracker, nil)
	ctx := context.Background()

	send := func(transition string, speculative bool, params map[string]any) {
		t.Helper()
		_, err := svc.TransitionPrivileged(ctx, "c-1", PrivilegedRequest{
			IsSpeculative: speculative,
			BodyParams:    BodyParams{ID: "tx-1", Transition: transition, Params: params},
		})
		if err != nil {
			t.Fatalf("%s: %v", transition, err)
		}
	}
	send(string(process.TransitionAcceptOffer), true, nil)
	send(string(process.TransitionAcceptOffer), false, nil)
	send(string(process.TransitionComplete), false, nil)
	send(string(process.TransitionReview1ByCustomer), false, map[string]any{"reviewRating": 5.0})
	send(string(process.TransitionInquire), false, nil)
	tracker.Wait()

	want := map[string]bool{
		analytics.EventProviderSelected: true,
		analytics.EventJobCompleted:     true,
		analytics.EventReviewSubmitted:  true,
	}
	if len(sink.names) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), sink.names)
	}
	for i, name := range sink.names {
		if !want[name] {
			t.Fatalf("unexpected event %q", name)
		}
		if sink.props[i]["listingId"] != "l-9" {
			t.Fatalf("expected listing id from response, got %v", sink.props[i])
		}
		if name == analytics.EventReviewSubmitted && sink.props[i]["role"] != "customer" {
			t.Fatalf("expected customer review, got %v", sink.props[i])
		}
	}
}
