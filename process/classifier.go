package process

var subTabTransitions = map[string][]Transition{
	SubTabActive: {
		TransitionInquire,
	},
	SubTabNeedReview: {
		TransitionAcceptOffer,
	},
	SubTabCompleted: {
		TransitionComplete,
		TransitionReview1ByCustomer,
		TransitionReview1ByProvider,
		TransitionReview2ByCustomer,
		TransitionReview2ByProvider,
		TransitionExpireReviewPeriod,
		TransitionExpireCustomerReviewPeriod,
		TransitionExpireProviderReviewPeriod,
	},
}

// TransitionsForSubTab returns the lastTransition filter for an inbox sub-tab.
// An empty or unknown key yields every process transition.
func TransitionsForSubTab(subTab string) []Transition {
	list, ok := subTabTransitions[subTab]
	if !ok {
		return Transitions()
	}
	out := make([]Transition, len(list))
	copy(out, list)
	return out
}

// IsCompleted reports whether t marks a finished engagement, reviewed or not.
func IsCompleted(t Transition) bool {
	for _, c := range subTabTransitions[SubTabCompleted] {
		if c == t {
			return true
		}
	}
	return false
}

// Strings converts transitions into their wire names.
func Strings(ts []Transition) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}
