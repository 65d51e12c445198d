package profile

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownUserType = errors.New("profile: unknown user type")
	ErrFieldRequired   = errors.New("profile: required field missing")
	ErrInvalidOption   = errors.New("profile: value not among enum options")
	ErrInvalidValue    = errors.New("profile: value does not match schema type")
)

const (
	UserTypeCustomer = "customer"
	UserTypeProvider = "provider"

	KeyServiceCategories = "serviceCategories"
	KeySubcategories     = "subcategories"
)

type Scope string

const (
	ScopePublic    Scope = "public"
	ScopeProtected Scope = "protected"
	ScopePrivate   Scope = "private"
)

type SchemaType string

const (
	SchemaEnum      SchemaType = "enum"
	SchemaMultiEnum SchemaType = "multi-enum"
	SchemaText      SchemaType = "text"
	SchemaLong      SchemaType = "long"
	SchemaBoolean   SchemaType = "boolean"
	SchemaJSON      SchemaType = "json"
)

type EnumOption struct {
	Option string `yaml:"option" json:"option"`
	Label  string `yaml:"label" json:"label"`
}

// UserType is a signup role. In this marketplace "customer" users perform
// tasks and "provider" users post them.
type UserType struct {
	ID    string `yaml:"id" json:"userType"`
	Label string `yaml:"label" json:"label"`
}

// UserField is a custom extended-data field on user profiles.
type UserField struct {
	Key             string       `yaml:"key" json:"key"`
	Scope           Scope        `yaml:"scope" json:"scope"`
	SchemaType      SchemaType   `yaml:"schemaType" json:"schemaType"`
	EnumOptions     []EnumOption `yaml:"enumOptions,omitempty" json:"enumOptions,omitempty"`
	Label           string       `yaml:"label" json:"label"`
	Required        bool         `yaml:"required" json:"required"`
	DisplayInSignUp bool         `yaml:"displayInSignUp" json:"displayInSignUp"`
	// UserTypeIDs limits the field to the listed user types; empty means all.
	UserTypeIDs []string `yaml:"userTypeIds,omitempty" json:"userTypeIds,omitempty"`
}

// AppliesTo reports whether the field is relevant for userType.
func (f UserField) AppliesTo(userType string) bool {
	if len(f.UserTypeIDs) == 0 {
		return true
	}
	for _, id := range f.UserTypeIDs {
		if id == userType {
			return true
		}
	}
	return false
}

func (f UserField) hasOption(option string) bool {
	for _, o := range f.EnumOptions {
		if o.Option == option {
			return true
		}
	}
	return false
}

// FieldError names the field a validation sentinel applies to.
type FieldError struct {
	Key string
	Err error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Key)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// DefaultUserTypes returns the signup roles of the marketplace.
func DefaultUserTypes() []UserType {
	return []UserType{
		{ID: UserTypeCustomer, Label: "Become a tasker"},
		{ID: UserTypeProvider, Label: "Become a client"},
	}
}

// DefaultServiceCategoryOptions lists the service categories a tasker can offer.
func DefaultServiceCategoryOptions() []EnumOption {
	return []EnumOption{
		{Option: "repairs_main", Label: "ServiceCategory.construction"},
		{Option: "Beauty_health", Label: "ServiceCategory.beauty"},
		{Option: "training", Label: "ServiceCategory.tutors"},
		{Option: "Help_home", Label: "ServiceCategory.cleaning"},
		{Option: "Legal_assistance", Label: "ServiceCategory.legal"},
		{Option: "Installation_mashines", Label: "ServiceCategory.appliances"},
		{Option: "Photo", Label: "ServiceCategory.photo"},
		{Option: "Delivery", Label: "ServiceCategory.courier"},
		{Option: "Cargo_transportation", Label: "ServiceCategory.transport"},
		{Option: "Repair_digital", Label: "ServiceCategory.electronics"},
		{Option: "Automotive_services", Label: "ServiceCategory.auto"},
		{Option: "Interior_designer", Label: "ServiceCategory.interior"},
		{Option: "Tourist_services", Label: "ServiceCategory.tourist"},
		{Option: "Web_design", Label: "ServiceCategory.web"},
	}
}

// DefaultUserFields returns the custom user fields of the marketplace.
func DefaultUserFields() []UserField {
	taskerOnly := []string{UserTypeCustomer}
	return []UserField{
		{
			Key:         KeyServiceCategories,
			Scope:       ScopePublic,
			SchemaType:  SchemaMultiEnum,
			EnumOptions: DefaultServiceCategoryOptions(),
			Label:       "ServiceCategory.title",
			Required:    true,
			UserTypeIDs: taskerOnly,
		},
		{
			Key:         KeySubcategories,
			Scope:       ScopePublic,
			SchemaType:  SchemaJSON,
			Label:       "ServiceCategory.subcategoriesTitle",
			UserTypeIDs: taskerOnly,
		},
		{
			Key:             "instagram",
			Scope:           ScopePublic,
			SchemaType:      SchemaText,
			Label:           "ProfileSettingsForm.socialInstagram",
			DisplayInSignUp: true,
			UserTypeIDs:     taskerOnly,
		},
		{
			Key:             "website",
			Scope:           ScopePublic,
			SchemaType:      SchemaText,
			Label:           "ProfileSettingsForm.socialWebsite",
			DisplayInSignUp: true,
			UserTypeIDs:     taskerOnly,
		},
	}
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
