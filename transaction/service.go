// Package transaction runs privileged transitions on behalf of users and
// computes marketplace statistics from transaction data.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"taskmarket/analytics"
	"taskmarket/platform"
	"taskmarket/process"
)

// Transitioner reads transactions and runs transitions with operator privileges.
type Transitioner interface {
	ShowTransaction(ctx context.Context, txID string, include []string) (platform.Transaction, error)
	Transition(ctx context.Context, body platform.TransitionBody, include []string) (platform.TransitionResult, error)
	TransitionSpeculative(ctx context.Context, body platform.TransitionBody, include []string) (platform.TransitionResult, error)
}

// Service proxies privileged transitions.
type Service struct {
	platform Transitioner
	events   *analytics.Tracker
	logger   *zap.Logger
}

func NewService(p Transitioner, events *analytics.Tracker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{platform: p, events: events, logger: logger}
}

// TransitionPrivileged validates req and forwards it to the platform on
// behalf of viewerID, who must be the customer or provider of the
// transaction. The listing id is dropped from the params and line items are
// always empty, the assignment process carries no pricing.
func (s *Service) TransitionPrivileged(ctx context.Context, viewerID string, req PrivilegedRequest) (platform.TransitionResult, error) {
	body := req.BodyParams
	if body.ID == "" {
		return platform.TransitionResult{}, ErrIDRequired
	}
	if body.Transition == "" {
		return platform.TransitionResult{}, ErrTransitionRequired
	}
	transition := process.Transition(body.Transition)
	if !process.IsKnown(transition) {
		return platform.TransitionResult{}, fmt.Errorf("%w: %q", ErrUnknownTransition, body.Transition)
	}

	params := make(map[string]any, len(body.Params)+1)
	for k, v := range body.Params {
		if k == "listingId" {
			continue
		}
		params[k] = v
	}
	params["lineItems"] = []any{}

	call := platform.TransitionBody{ID: string(body.ID), Transition: body.Transition, Params: params}
	log := s.logger.With(
		zap.String("transaction_id", call.ID),
		zap.String("transition", call.Transition),
		zap.Bool("speculative", req.IsSpeculative),
		zap.String("viewer_id", viewerID),
	)

	if err := s.checkParticipant(ctx, viewerID, call.ID); err != nil {
		if errors.Is(err, ErrNotParticipant) {
			log.Warn("privileged transition refused")
		}
		return platform.TransitionResult{}, err
	}

	var (
		res platform.TransitionResult
		err error
	)
	if req.IsSpeculative {
		res, err = s.platform.TransitionSpeculative(ctx, call, req.include())
	} else {
		res, err = s.platform.Transition(ctx, call, req.include())
	}
	if err != nil {
		log.Error("privileged transition failed", zap.Error(err))
		return platform.TransitionResult{}, fmt.Errorf("transaction: %s: %w", call.Transition, err)
	}
	log.Info("privileged transition", zap.Int("status", res.Status))

	if !req.IsSpeculative {
		s.track(ctx, transition, call.ID, body.Params, res.Data)
	}
	return res, nil
}

func (s *Service) checkParticipant(ctx context.Context, viewerID, txID string) error {
	if viewerID == "" {
		return ErrNotParticipant
	}
	tx, err := s.platform.ShowTransaction(ctx, txID, []string{"customer", "provider"})
	if err != nil {
		if platform.StatusOf(err) == http.StatusNotFound {
			return ErrNotParticipant
		}
		return fmt.Errorf("transaction: show %s: %w", txID, err)
	}
	if tx.RelatedID("customer") != viewerID && tx.RelatedID("provider") != viewerID {
		return ErrNotParticipant
	}
	return nil
}

func (s *Service) track(ctx context.Context, t process.Transition, txID string, params map[string]any, data json.RawMessage) {
	listingID, providerID := related(data)
	if listingID == "" {
		listingID, _ = params["listingId"].(string)
	}

	switch {
	case t == process.TransitionAcceptOffer:
		s.events.ProviderSelected(ctx, txID, listingID, providerID)
	case t == process.TransitionComplete:
		s.events.JobCompleted(ctx, txID, listingID)
	case process.IsReview(t):
		role := string(process.RoleProvider)
		if t == process.TransitionReview1ByCustomer || t == process.TransitionReview2ByCustomer {
			role = string(process.RoleCustomer)
		}
		s.events.ReviewSubmitted(ctx, txID, listingID, role, rating(params["reviewRating"]))
	}
}

// related pulls listing and provider ids out of a transition response.
func related(data json.RawMessage) (listingID, providerID string) {
	if len(data) == 0 {
		return "", ""
	}
	var doc platform.Document[platform.Transaction]
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", ""
	}
	return doc.Data.RelatedID("listing"), doc.Data.RelatedID("provider")
}

func rating(v any) *int {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	r := int(f)
	return &r
}
