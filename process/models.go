package process

// Name is the alias of the transaction process every marketplace transaction runs on.
const Name = "assignment-flow-v3"

// Transition is a platform transition name as reported in a transaction's lastTransition.
type Transition string

const (
	TransitionInquire                    Transition = "transition/inquire"
	TransitionAcceptOffer                Transition = "transition/accept-offer"
	TransitionDeclineOffer               Transition = "transition/decline-offer"
	TransitionComplete                   Transition = "transition/complete"
	TransitionReview1ByCustomer          Transition = "transition/review-1-by-customer"
	TransitionReview1ByProvider          Transition = "transition/review-1-by-provider"
	TransitionReview2ByCustomer          Transition = "transition/review-2-by-customer"
	TransitionReview2ByProvider          Transition = "transition/review-2-by-provider"
	TransitionExpireReviewPeriod         Transition = "transition/expire-review-period"
	TransitionExpireCustomerReviewPeriod Transition = "transition/expire-customer-review-period"
	TransitionExpireProviderReviewPeriod Transition = "transition/expire-provider-review-period"
)

// State is the process state the platform derives from the transition history.
type State string

const (
	StateInquiry            State = "inquiry"
	StateAccepted           State = "accepted"
	StateDeclined           State = "declined"
	StateCompleted          State = "completed"
	StateReviewedByProvider State = "reviewed-by-provider"
	StateReviewedByCustomer State = "reviewed-by-customer"
	StateReviewed           State = "reviewed"
)

// Role is the viewer's relation to a transaction.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// SubTab keys used by the inbox to narrow a listing.
const (
	SubTabActive     = "active"
	SubTabNeedReview = "need-review"
	SubTabCompleted  = "completed"
)

// transitionTable lists every transition of the process in declaration order
// together with the state it leads to.
var transitionTable = []struct {
	transition Transition
	target     State
}{
	{TransitionInquire, StateInquiry},
	{TransitionAcceptOffer, StateAccepted},
	{TransitionDeclineOffer, StateDeclined},
	{TransitionComplete, StateCompleted},
	{TransitionReview1ByProvider, StateReviewedByProvider},
	{TransitionReview1ByCustomer, StateReviewedByCustomer},
	{TransitionReview2ByProvider, StateReviewed},
	{TransitionReview2ByCustomer, StateReviewed},
	{TransitionExpireReviewPeriod, StateReviewed},
	{TransitionExpireProviderReviewPeriod, StateReviewed},
	{TransitionExpireCustomerReviewPeriod, StateReviewed},
}

// Transitions returns the full universe of process transitions.
func Transitions() []Transition {
	out := make([]Transition, 0, len(transitionTable))
	for _, row := range transitionTable {
		out = append(out, row.transition)
	}
	return out
}

// IsKnown reports whether t belongs to the process.
func IsKnown(t Transition) bool {
	_, ok := StateAfter(t)
	return ok
}

// StateAfter returns the state a transaction is in once t was its last transition.
func StateAfter(t Transition) (State, bool) {
	for _, row := range transitionTable {
		if row.transition == t {
			return row.target, true
		}
	}
	return "", false
}

// IsReview reports whether t records a review left by one of the parties.
func IsReview(t Transition) bool {
	switch t {
	case TransitionReview1ByCustomer, TransitionReview1ByProvider,
		TransitionReview2ByCustomer, TransitionReview2ByProvider:
		return true
	default:
		return false
	}
}
