package process

// Directive tells a client how to present a transaction to the current viewer.
// Optional flags stay nil when a rule does not set them so they are omitted on
// the wire.
type Directive struct {
	ProcessName        string `json:"processName"`
	ProcessState       State  `json:"processState"`
	ActionNeeded       *bool  `json:"actionNeeded,omitempty"`
	IsFinal            *bool  `json:"isFinal,omitempty"`
	IsSaleNotification *bool  `json:"isSaleNotification,omitempty"`
}

// AnyRole matches every viewer role in a Rule.
const AnyRole Role = "*"

// Rule maps a (state, role) pair onto a directive. Rules are evaluated in
// order and the first match wins, so a rule for a specific role must precede
// an AnyRole rule for the same state.
type Rule struct {
	State   State
	Role    Role
	Produce func(base Directive) Directive
}

func (r Rule) matches(state State, role Role) bool {
	return r.State == state && (r.Role == AnyRole || r.Role == role)
}

// Resolver performs ordered first-match resolution with a mandatory default.
type Resolver struct {
	rules    []Rule
	fallback func(base Directive) Directive
}

// NewResolver builds a resolver over rules. A nil fallback returns the base directive.
func NewResolver(rules []Rule, fallback func(base Directive) Directive) *Resolver {
	if fallback == nil {
		fallback = func(base Directive) Directive { return base }
	}
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Resolver{rules: copied, fallback: fallback}
}

// Resolve returns the directive for a viewer with role looking at a transaction in state.
func (r *Resolver) Resolve(role Role, state State) Directive {
	base := Directive{ProcessName: Name, ProcessState: state}
	for _, rule := range r.rules {
		if rule.matches(state, role) {
			return rule.Produce(base)
		}
	}
	return r.fallback(base)
}

func flag(v bool) *bool { return &v }

func actionNeeded(v bool) func(Directive) Directive {
	return func(d Directive) Directive {
		d.ActionNeeded = flag(v)
		return d
	}
}

func final(d Directive) Directive {
	d.IsFinal = flag(true)
	return d
}

// AssignmentRules is the rule set for the assignment process.
var AssignmentRules = []Rule{
	{State: StateInquiry, Role: RoleCustomer, Produce: func(d Directive) Directive {
		d.ActionNeeded = flag(true)
		d.IsSaleNotification = flag(true)
		return d
	}},
	{State: StateInquiry, Role: RoleProvider, Produce: actionNeeded(false)},
	{State: StateAccepted, Role: AnyRole, Produce: actionNeeded(true)},
	{State: StateDeclined, Role: AnyRole, Produce: final},
	{State: StateCompleted, Role: AnyRole, Produce: actionNeeded(true)},
	{State: StateReviewedByProvider, Role: RoleCustomer, Produce: actionNeeded(true)},
	{State: StateReviewedByCustomer, Role: RoleProvider, Produce: actionNeeded(true)},
	{State: StateReviewed, Role: AnyRole, Produce: final},
}

var assignmentResolver = NewResolver(AssignmentRules, nil)

// ResolveAssignment resolves a directive with the assignment rule set.
func ResolveAssignment(role Role, state State) Directive {
	return assignmentResolver.Resolve(role, state)
}
