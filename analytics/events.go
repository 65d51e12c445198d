package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent signals a relayed event browsers may not send.
	ErrUnknownEvent = errors.New("analytics: unknown client event")
	// ErrInvalidProps signals relayed props that do not fit the event.
	ErrInvalidProps = errors.New("analytics: invalid event props")
)

const (
	EventListingView        = "listing_view"
	EventListingCreated     = "listing_created"
	EventOfferSubmitted     = "offer_submitted"
	EventProviderSelected   = "provider_selected"
	EventMessageSent        = "message_sent"
	EventJobCompleted       = "job_completed"
	EventReviewSubmitted    = "review_submitted"
	EventPortfolioItemAdded = "portfolio_item_added"
	EventSignupCompleted    = "signup_completed"
)

type Listing struct {
	ID            string `json:"listingId"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	Subcategory   string `json:"subcategory"`
	Status        string `json:"status"`
	City          string `json:"city"`
	Location      string `json:"location"`
	PriceAmount   *int64 `json:"priceAmount"`
	PriceCurrency string `json:"priceCurrency"`
}

func (l Listing) props() Props {
	p := Props{
		"listingId":     l.ID,
		"title":         l.Title,
		"category":      l.Category,
		"subcategory":   l.Subcategory,
		"status":        l.Status,
		"city":          l.City,
		"location":      l.Location,
		"priceCurrency": l.PriceCurrency,
	}
	if l.PriceAmount != nil {
		p["priceAmount"] = *l.PriceAmount
	}
	return p
}

func (t *Tracker) ListingView(ctx context.Context, l Listing, viewerRole, viewerID string) {
	p := l.props()
	p["viewerRole"] = viewerRole
	p["viewerId"] = viewerID
	t.Track(ctx, EventListingView, p)
}

func (t *Tracker) ListingCreated(ctx context.Context, l Listing, userID string) {
	p := l.props()
	p["userId"] = userID
	t.Track(ctx, EventListingCreated, p)
}

type Offer struct {
	ListingID     string `json:"listingId"`
	PriceAmount   *int64 `json:"priceAmount"`
	PriceCurrency string `json:"priceCurrency"`
	CommentLength int    `json:"commentLength"`
	ProcessAlias  string `json:"processAlias"`
	ListingStatus string `json:"listingStatus"`
	UserID        string `json:"userId"`
	Category      string `json:"category"`
	City          string `json:"city"`
}

func (t *Tracker) OfferSubmitted(ctx context.Context, o Offer) {
	p := Props{
		"listingId":     o.ListingID,
		"priceCurrency": o.PriceCurrency,
		"commentLength": o.CommentLength,
		"hasComment":    o.CommentLength > 0,
		"processAlias":  o.ProcessAlias,
		"listingStatus": o.ListingStatus,
		"userId":        o.UserID,
		"category":      o.Category,
		"city":          o.City,
	}
	if o.PriceAmount != nil {
		p["priceAmount"] = *o.PriceAmount
	}
	t.Track(ctx, EventOfferSubmitted, p)
}

func (t *Tracker) ProviderSelected(ctx context.Context, transactionID, listingID, providerID string) {
	t.Track(ctx, EventProviderSelected, Props{
		"transactionId": transactionID,
		"listingId":     listingID,
		"providerId":    providerID,
	})
}

func (t *Tracker) MessageSent(ctx context.Context, transactionID, listingID string, messageLength int, hasAttachment bool) {
	t.Track(ctx, EventMessageSent, Props{
		"transactionId": transactionID,
		"listingId":     listingID,
		"messageLength": messageLength,
		"hasAttachment": hasAttachment,
	})
}

func (t *Tracker) JobCompleted(ctx context.Context, transactionID, listingID string) {
	t.Track(ctx, EventJobCompleted, Props{
		"transactionId": transactionID,
		"listingId":     listingID,
	})
}

func (t *Tracker) ReviewSubmitted(ctx context.Context, transactionID, listingID, role string, rating *int) {
	p := Props{
		"transactionId": transactionID,
		"listingId":     listingID,
		"role":          role,
	}
	if rating != nil {
		p["rating"] = *rating
	}
	t.Track(ctx, EventReviewSubmitted, p)
}

func (t *Tracker) PortfolioItemAdded(ctx context.Context, userID string, images int, category string) {
	t.Track(ctx, EventPortfolioItemAdded, Props{
		"userId":   userID,
		"images":   images,
		"category": category,
	})
}

func (t *Tracker) SignupCompleted(ctx context.Context, userType, method string) {
	t.Track(ctx, EventSignupCompleted, Props{
		"userType": userType,
		"method":   method,
	})
}

// Relay tracks an event reported by a browser. Props are decoded into the
// event's own shape, so keys it does not know are dropped.
func (t *Tracker) Relay(ctx context.Context, name string, props json.RawMessage) error {
	if len(props) == 0 {
		props = json.RawMessage(`{}`)
	}
	decode := func(dst any) error {
		if err := json.Unmarshal(props, dst); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidProps, name, err)
		}
		return nil
	}

	switch name {
	case EventListingView:
		var v struct {
			Listing
			ViewerRole string `json:"viewerRole"`
			ViewerID   string `json:"viewerId"`
		}
		if err := decode(&v); err != nil {
			return err
		}
		t.ListingView(ctx, v.Listing, v.ViewerRole, v.ViewerID)
	case EventListingCreated:
		var v struct {
			Listing
			UserID string `json:"userId"`
		}
		if err := decode(&v); err != nil {
			return err
		}
		t.ListingCreated(ctx, v.Listing, v.UserID)
	case EventOfferSubmitted:
		var o Offer
		if err := decode(&o); err != nil {
			return err
		}
		t.OfferSubmitted(ctx, o)
	case EventMessageSent:
		var v struct {
			TransactionID string `json:"transactionId"`
			ListingID     string `json:"listingId"`
			MessageLength int    `json:"messageLength"`
			HasAttachment bool   `json:"hasAttachment"`
		}
		if err := decode(&v); err != nil {
			return err
		}
		t.MessageSent(ctx, v.TransactionID, v.ListingID, v.MessageLength, v.HasAttachment)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return nil
}
