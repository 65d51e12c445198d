package platform

import (
	"encoding/json"
	"time"
)

// Document is the response envelope returned by every platform endpoint.
type Document[T any] struct {
	Data     T                 `json:"data"`
	Included []json.RawMessage `json:"included,omitempty"`
	Meta     *Meta             `json:"meta,omitempty"`
}

// Meta carries pagination details of query responses.
type Meta struct {
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
	Page       int `json:"page"`
	PerPage    int `json:"perPage"`
}

// ResourceRef identifies a related resource.
type ResourceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Relationship holds a to-one relationship; to-many relationships are not requested.
type Relationship struct {
	Data *ResourceRef `json:"data"`
}

// Money is an amount in minor units of currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Transaction struct {
	ID            string                  `json:"id"`
	Type          string                  `json:"type"`
	Attributes    TransactionAttributes   `json:"attributes"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

type TransactionAttributes struct {
	ProcessName        string         `json:"processName"`
	LastTransition     string         `json:"lastTransition"`
	LastTransitionedAt *time.Time     `json:"lastTransitionedAt,omitempty"`
	CreatedAt          *time.Time     `json:"createdAt,omitempty"`
	PayinTotal         *Money         `json:"payinTotal,omitempty"`
	PayoutTotal        *Money         `json:"payoutTotal,omitempty"`
	ProtectedData      map[string]any `json:"protectedData,omitempty"`
}

// RelatedID returns the id of the named to-one relationship, if present.
func (t Transaction) RelatedID(name string) string {
	rel, ok := t.Relationships[name]
	if !ok || rel.Data == nil {
		return ""
	}
	return rel.Data.ID
}

type User struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes UserAttributes `json:"attributes"`
}

type UserAttributes struct {
	Email   string  `json:"email,omitempty"`
	Banned  bool    `json:"banned"`
	Deleted bool    `json:"deleted"`
	Profile Profile `json:"profile"`
}

type Profile struct {
	FirstName       string         `json:"firstName,omitempty"`
	LastName        string         `json:"lastName,omitempty"`
	DisplayName     string         `json:"displayName,omitempty"`
	AbbreviatedName string         `json:"abbreviatedName,omitempty"`
	Bio             string         `json:"bio,omitempty"`
	PublicData      map[string]any `json:"publicData,omitempty"`
	ProtectedData   map[string]any `json:"protectedData,omitempty"`
	PrivateData     map[string]any `json:"privateData,omitempty"`
}

// ProfilePatch is a partial profile update. Extended data maps are merged
// key by key on the platform side; a nil value removes the key.
type ProfilePatch struct {
	FirstName     string         `json:"firstName,omitempty"`
	LastName      string         `json:"lastName,omitempty"`
	DisplayName   string         `json:"displayName,omitempty"`
	Bio           string         `json:"bio,omitempty"`
	PublicData    map[string]any `json:"publicData,omitempty"`
	ProtectedData map[string]any `json:"protectedData,omitempty"`
	PrivateData   map[string]any `json:"privateData,omitempty"`
}

// TransactionQuery narrows a transactions query.
type TransactionQuery struct {
	Only            string
	LastTransitions []string
	Include         []string
	Fields          map[string][]string
	Sort            string
	Page            int
	PerPage         int
}

// TransitionBody is the body of a transition call.
type TransitionBody struct {
	ID         string         `json:"id"`
	Transition string         `json:"transition"`
	Params     map[string]any `json:"params"`
}

// TransitionResult mirrors the platform response of a transition call.
type TransitionResult struct {
	Status     int             `json:"status"`
	StatusText string          `json:"statusText"`
	Data       json.RawMessage `json:"data"`
}

// CreateUserParams is the body of a user creation call.
type CreateUserParams struct {
	Email         string         `json:"email"`
	Password      string         `json:"password,omitempty"`
	FirstName     string         `json:"firstName"`
	LastName      string         `json:"lastName"`
	DisplayName   string         `json:"displayName,omitempty"`
	PublicData    map[string]any `json:"publicData,omitempty"`
	ProtectedData map[string]any `json:"protectedData,omitempty"`
	PrivateData   map[string]any `json:"privateData,omitempty"`
	IDPToken      string         `json:"idpToken,omitempty"`
	IDPID         string         `json:"idpId,omitempty"`
	IDPClientID   string         `json:"idpClientId,omitempty"`
}
