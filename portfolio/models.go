package portfolio

import (
	"errors"
	"time"
)

var (
	ErrUserIDRequired = errors.New("portfolio: userId is required")
	ErrImagesRequired = errors.New("portfolio: images are required")
	ErrTooManyImages  = errors.New("portfolio: too many images")
	ErrInvalidImage   = errors.New("portfolio: unrecognised image reference")
	ErrItemIDRequired = errors.New("portfolio: item id is required")
	ErrItemNotFound   = errors.New("portfolio: item not found")
)

const (
	// MaxImages bounds the images of one portfolio item.
	MaxImages = 6

	publicDataKey = "portfolioItems"
)

// Item is a completed piece of work shown on a tasker's profile.
type Item struct {
	ID            string   `json:"id"`
	Images        []string `json:"images"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Category      *string  `json:"category"`
	CompletedAt   string   `json:"completedAt"`
	TransactionID *string  `json:"transactionId"`
}

// AddParams describes a new item. Images are image ids, either as strings
// or as {"uuid": ...} / {"id": {"uuid": ...}} objects.
type AddParams struct {
	UserID        string `json:"userId"`
	Images        []any  `json:"images"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	TransactionID string `json:"transactionId"`
}

type RemoveParams struct {
	UserID string `json:"userId"`
	ItemID string `json:"itemId"`
}

// Result is the user's portfolio after a change.
type Result struct {
	Success        bool   `json:"success"`
	PortfolioItems []Item `json:"portfolioItems"`
}

func completedAt(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
