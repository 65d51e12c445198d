package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecordingTracker(t *testing.T) (*Tracker, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted))
	t.Cleanup(srv.Close)
	return NewTracker(Config{Domain: "taskmarket.example", Endpoint: srv.URL}, WithHTTPClient(srv.Client())), rec
}

func TestRelay_ShapesClientEvents(t *testing.T) {
	cases := []struct {
		name  string
		event string
		props string
		want  Props
	}{
		{
			name:  "listing view",
			event: EventListingView,
			props: `{"listingId":"l-1","title":"Fix sink","category":"Home","priceAmount":15000,"priceCurrency":"AED","viewerRole":"provider","viewerId":"u-2","cookie":"secret"}`,
			want: Props{
				"listingId": "l-1", "title": "Fix sink", "category": "Home",
				"priceAmount": 15000.0, "priceCurrency": "AED",
				"viewerRole": "provider", "viewerId": "u-2",
			},
		},
		{
			name:  "listing created",
			event: EventListingCreated,
			props: `{"listingId":"l-3","city":"Dubai","status":"published","userId":"u-1"}`,
			want:  Props{"listingId": "l-3", "city": "Dubai", "status": "published", "userId": "u-1"},
		},
		{
			name:  "offer submitted",
			event: EventOfferSubmitted,
			props: `{"listingId":"l-1","priceAmount":9000,"priceCurrency":"AED","commentLength":12,"userId":"u-2"}`,
			want: Props{
				"listingId": "l-1", "priceAmount": 9000.0, "priceCurrency": "AED",
				"commentLength": 12.0, "hasComment": true, "userId": "u-2",
			},
		},
		{
			name:  "message sent",
			event: EventMessageSent,
			props: `{"transactionId":"tx-1","listingId":"l-1","messageLength":42}`,
			want: Props{
				"transactionId": "tx-1", "listingId": "l-1",
				"messageLength": 42.0, "hasAttachment": false,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker, rec := newRecordingTracker(t)

			require.NoError(t, tracker.Relay(context.Background(), tc.event, json.RawMessage(tc.props)))
			tracker.Wait()

			require.Len(t, rec.events, 1)
			assert.Equal(t, tc.event, rec.events[0].Name)
			assert.Equal(t, tc.want, rec.events[0].Props)
		})
	}
}

func TestRelay_RejectsUnknownEventsAndBadProps(t *testing.T) {
	tracker, rec := newRecordingTracker(t)
	ctx := context.Background()

	assert.ErrorIs(t, tracker.Relay(ctx, EventSignupCompleted, nil), ErrUnknownEvent)
	assert.ErrorIs(t, tracker.Relay(ctx, "page_view", json.RawMessage(`{}`)), ErrUnknownEvent)
	assert.ErrorIs(t, tracker.Relay(ctx, EventOfferSubmitted, json.RawMessage(`{"priceAmount":"lots"}`)), ErrInvalidProps)
	assert.ErrorIs(t, tracker.Relay(ctx, EventMessageSent, json.RawMessage(`[1,2]`)), ErrInvalidProps)
	tracker.Wait()

	assert.Empty(t, rec.events)
}

func TestRelay_NilTrackerStillValidates(t *testing.T) {
	var tracker *Tracker
	assert.NoError(t, tracker.Relay(context.Background(), EventListingView, nil))
	assert.ErrorIs(t, tracker.Relay(context.Background(), "nope", nil), ErrUnknownEvent)
}
