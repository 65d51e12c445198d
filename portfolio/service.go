package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskmarket/analytics"
	"taskmarket/platform"
)

// ProfileStore reads and patches user profiles with operator privileges.
type ProfileStore interface {
	ShowUser(ctx context.Context, userID string) (platform.User, error)
	UpdateUserProfile(ctx context.Context, userID string, patch platform.ProfilePatch) (platform.User, error)
}

// Service maintains the portfolio kept in a user's public data.
type Service struct {
	profiles ProfileStore
	events   *analytics.Tracker
	logger   *zap.Logger
	now      func() time.Time
	newID    func(now time.Time) string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func(now time.Time) string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func WithAnalytics(t *analytics.Tracker) Option {
	return func(s *Service) {
		s.events = t
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(profiles ProfileStore, opts ...Option) *Service {
	s := &Service{
		profiles: profiles,
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    newItemID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends a new item to the user's portfolio, keeping the rest of the
// public data untouched.
func (s *Service) Add(ctx context.Context, params AddParams) (Result, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return Result{}, ErrUserIDRequired
	}
	if len(params.Images) == 0 {
		return Result{}, ErrImagesRequired
	}
	if len(params.Images) > MaxImages {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrTooManyImages, len(params.Images), MaxImages)
	}
	images := make([]string, 0, len(params.Images))
	for _, img := range params.Images {
		id, ok := imageID(img)
		if !ok {
			return Result{}, ErrInvalidImage
		}
		images = append(images, id)
	}

	user, err := s.profiles.ShowUser(ctx, params.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("portfolio: show user: %w", err)
	}
	public := copyMap(user.Attributes.Profile.PublicData)

	now := s.now()
	item := Item{
		ID:            s.newID(now),
		Images:        images,
		Title:         params.Title,
		Description:   params.Description,
		Category:      optional(params.Category),
		CompletedAt:   completedAt(now),
		TransactionID: optional(params.TransactionID),
	}
	public[publicDataKey] = append(existingItems(public[publicDataKey]), item)

	updated, err := s.profiles.UpdateUserProfile(ctx, params.UserID, platform.ProfilePatch{PublicData: public})
	if err != nil {
		return Result{}, fmt.Errorf("portfolio: update profile: %w", err)
	}

	s.logger.Info("portfolio item added", zap.String("user_id", params.UserID), zap.String("item_id", item.ID))
	s.events.PortfolioItemAdded(ctx, params.UserID, len(images), params.Category)
	return Result{Success: true, PortfolioItems: s.decodeItems(updated.Attributes.Profile.PublicData[publicDataKey])}, nil
}

// Remove drops itemID from the user's portfolio.
func (s *Service) Remove(ctx context.Context, params RemoveParams) (Result, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return Result{}, ErrUserIDRequired
	}
	if strings.TrimSpace(params.ItemID) == "" {
		return Result{}, ErrItemIDRequired
	}

	user, err := s.profiles.ShowUser(ctx, params.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("portfolio: show user: %w", err)
	}
	public := copyMap(user.Attributes.Profile.PublicData)

	existing := existingItems(public[publicDataKey])
	kept := make([]any, 0, len(existing))
	found := false
	for _, raw := range existing {
		if entry, ok := raw.(map[string]any); ok && entry["id"] == params.ItemID {
			found = true
			continue
		}
		kept = append(kept, raw)
	}
	if !found {
		return Result{}, ErrItemNotFound
	}
	public[publicDataKey] = kept

	updated, err := s.profiles.UpdateUserProfile(ctx, params.UserID, platform.ProfilePatch{PublicData: public})
	if err != nil {
		return Result{}, fmt.Errorf("portfolio: update profile: %w", err)
	}
	return Result{Success: true, PortfolioItems: s.decodeItems(updated.Attributes.Profile.PublicData[publicDataKey])}, nil
}

// List returns the user's portfolio.
func (s *Service) List(ctx context.Context, userID string) ([]Item, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}
	user, err := s.profiles.ShowUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: show user: %w", err)
	}
	return s.decodeItems(user.Attributes.Profile.PublicData[publicDataKey]), nil
}

func (s *Service) decodeItems(raw any) []Item {
	items := []Item{}
	if raw == nil {
		return items
	}
	buf, err := json.Marshal(raw)
	if err == nil {
		err = json.Unmarshal(buf, &items)
	}
	if err != nil {
		s.logger.Warn("unparseable portfolio items", zap.Error(err))
		return []Item{}
	}
	return items
}

func imageID(img any) (string, bool) {
	switch v := img.(type) {
	case string:
		return v, v != ""
	case map[string]any:
		if id, ok := v["uuid"].(string); ok && id != "" {
			return id, true
		}
		if inner, ok := v["id"].(map[string]any); ok {
			if id, ok := inner["uuid"].(string); ok && id != "" {
				return id, true
			}
		}
		if id, ok := v["id"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func existingItems(raw any) []any {
	items, ok := raw.([]any)
	if !ok {
		return []any{}
	}
	return append([]any(nil), items...)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// newItemID returns portfolio-<unix ms>-<9 random characters>.
func newItemID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("portfolio-%d-%s", now.UnixMilli(), suffix)
}
