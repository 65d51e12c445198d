package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskmarket/platform"
	"taskmarket/process"
)

var ErrInvalidTab = errors.New("inbox: invalid tab")

const (
	TabOrders = "orders"
	TabSales  = "sales"

	PageSize = 10
	// unreadScanSize bounds how many recent transactions an unread count inspects.
	unreadScanSize = 100
)

var sortKeys = map[string]bool{
	"createdAt":          true,
	"lastMessageAt":      true,
	"lastTransitionedAt": true,
}

// TransactionSource queries the transactions the token owner takes part in.
type TransactionSource interface {
	QueryOwnTransactions(ctx context.Context, userToken string, query platform.TransactionQuery) (platform.Document[[]platform.Transaction], error)
}

type Query struct {
	Tab    string
	SubTab string
	Page   int
	Sort   string
}

type Item struct {
	Transaction platform.Transaction `json:"transaction"`
	Role        process.Role         `json:"transactionRole"`
	State       process.State        `json:"processState,omitempty"`
	Directive   process.Directive    `json:"directive"`
	Unread      bool                 `json:"unread"`
}

type Page struct {
	Items    []Item            `json:"items"`
	Included []json.RawMessage `json:"included,omitempty"`
	Meta     platform.Meta     `json:"meta"`
}

type Service struct {
	source   TransactionSource
	trackers *Trackers
	logger   *zap.Logger
}

func NewService(source TransactionSource, trackers *Trackers, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if trackers == nil {
		trackers = NewTrackers(nil)
	}
	return &Service{source: source, trackers: trackers, logger: logger}
}

// List returns one page of the viewer's orders or sales filtered by sub-tab.
func (s *Service) List(ctx context.Context, userToken, viewerID string, q Query) (Page, error) {
	only, role, err := tabFilter(q.Tab)
	if err != nil {
		return Page{}, err
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	doc, err := s.source.QueryOwnTransactions(ctx, userToken, platform.TransactionQuery{
		Only:            only,
		LastTransitions: process.Strings(process.TransitionsForSubTab(q.SubTab)),
		Include:         []string{"listing", "provider", "customer"},
		Sort:            normalizeSort(q.Sort),
		Page:            page,
		PerPage:         PageSize,
	})
	if err != nil {
		return Page{}, fmt.Errorf("inbox: list %s: %w", q.Tab, err)
	}

	tracker := s.trackers.For(viewerID)
	out := Page{Items: make([]Item, 0, len(doc.Data)), Included: doc.Included}
	if doc.Meta != nil {
		out.Meta = *doc.Meta
	}
	for _, tx := range doc.Data {
		out.Items = append(out.Items, annotate(ctx, tracker, tx, role))
	}
	return out, nil
}

// UnreadCount counts unread transactions among the viewer's most recent ones on tab.
func (s *Service) UnreadCount(ctx context.Context, userToken, viewerID, tab string) (int, error) {
	only, _, err := tabFilter(tab)
	if err != nil {
		return 0, err
	}
	doc, err := s.source.QueryOwnTransactions(ctx, userToken, platform.TransactionQuery{
		Only:            only,
		LastTransitions: process.Strings(process.Transitions()),
		Sort:            "-lastTransitionedAt",
		Page:            1,
		PerPage:         unreadScanSize,
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: unread count %s: %w", tab, err)
	}

	tracker := s.trackers.For(viewerID)
	count := 0
	for _, tx := range doc.Data {
		if tracker.HasUnreadUpdates(ctx, refOf(tx)) {
			count++
		}
	}
	return count, nil
}

// MarkViewed records that viewerID opened txID.
func (s *Service) MarkViewed(ctx context.Context, viewerID, txID string) {
	s.trackers.For(viewerID).MarkViewed(ctx, txID)
}

// ClearViewed forgets everything viewerID has seen.
func (s *Service) ClearViewed(ctx context.Context, viewerID string) {
	s.trackers.For(viewerID).ClearAll(ctx)
}

func annotate(ctx context.Context, tracker *Tracker, tx platform.Transaction, role process.Role) Item {
	state, _ := process.StateAfter(process.Transition(tx.Attributes.LastTransition))
	return Item{
		Transaction: tx,
		Role:        role,
		State:       state,
		Directive:   process.ResolveAssignment(role, state),
		Unread:      tracker.HasUnreadUpdates(ctx, refOf(tx)),
	}
}

func refOf(tx platform.Transaction) TransactionRef {
	ref := TransactionRef{ID: tx.ID}
	if tx.Attributes.LastTransitionedAt != nil {
		ref.LastTransitionedAt = *tx.Attributes.LastTransitionedAt
	}
	return ref
}

func tabFilter(tab string) (string, process.Role, error) {
	switch tab {
	case TabOrders:
		return "order", process.RoleCustomer, nil
	case TabSales:
		return "sale", process.RoleProvider, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTab, tab)
	}
}

func normalizeSort(sort string) string {
	if sortKeys[strings.TrimPrefix(sort, "-")] {
		return sort
	}
	return ""
}
