package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIDRequired         = errors.New("transaction: bodyParams.id is required")
	ErrTransitionRequired = errors.New("transaction: bodyParams.transition is required")
	ErrUnknownTransition  = errors.New("transaction: unknown transition")
	// ErrNotParticipant signals a viewer who is neither customer nor provider of the transaction.
	ErrNotParticipant = errors.New("transaction: viewer is not a party to the transaction")
	// ErrStatsUnavailable signals missing integration credentials.
	ErrStatsUnavailable = errors.New("transaction: integration api credentials not configured")
)

// ResourceID accepts both "id" and {"uuid": "id"} encodings.
type ResourceID string

func (r *ResourceID) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*r = ResourceID(plain)
		return nil
	}
	var wrapped struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("transaction: id must be a string or {uuid}: %w", err)
	}
	*r = ResourceID(wrapped.UUID)
	return nil
}

type BodyParams struct {
	ID         ResourceID     `json:"id"`
	Transition string         `json:"transition"`
	Params     map[string]any `json:"params"`
}

// PrivilegedRequest is a transition the caller may not run with its own token.
type PrivilegedRequest struct {
	IsSpeculative bool           `json:"isSpeculative"`
	OrderData     map[string]any `json:"orderData"`
	BodyParams    BodyParams     `json:"bodyParams"`
	QueryParams   map[string]any `json:"queryParams"`
}

// include reads queryParams.include as a list or a comma separated string.
func (r PrivilegedRequest) include() []string {
	switch v := r.QueryParams["include"].(type) {
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Stats summarises completed work on the marketplace.
type Stats struct {
	TotalCompletedTasks int     `json:"totalCompletedTasks"`
	TotalSumAED         float64 `json:"totalSumAED"`
}
