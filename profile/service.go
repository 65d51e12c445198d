package profile

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// Schema validates and places custom user field values.
type Schema struct {
	types  []UserType
	fields []UserField
	logger *zap.Logger
}

type Option func(*Schema)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Schema) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSchema builds a schema; nil slices fall back to the marketplace defaults.
func NewSchema(types []UserType, fields []UserField, opts ...Option) *Schema {
	if types == nil {
		types = DefaultUserTypes()
	}
	if fields == nil {
		fields = DefaultUserFields()
	}
	s := &Schema{types: types, fields: fields, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Schema) UserTypes() []UserType {
	return append([]UserType(nil), s.types...)
}

func (s *Schema) UserType(id string) (UserType, bool) {
	for _, t := range s.types {
		if t.ID == id {
			return t, true
		}
	}
	return UserType{}, false
}

// FieldsFor returns the fields relevant for userType, in configuration order.
func (s *Schema) FieldsFor(userType string) []UserField {
	var out []UserField
	for _, f := range s.fields {
		if f.AppliesTo(userType) {
			out = append(out, f)
		}
	}
	return out
}

// ValidateFields checks values against the fields of userType. Keys that are
// not configured for the type are ignored.
func (s *Schema) ValidateFields(userType string, values map[string]any) error {
	return s.validate(userType, values, false)
}

// validate checks values against the fields of userType. A partial check
// skips absent keys; a present but blank required key still fails.
func (s *Schema) validate(userType string, values map[string]any, partial bool) error {
	if _, ok := s.UserType(userType); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownUserType, userType)
	}
	for _, f := range s.FieldsFor(userType) {
		v, present := values[f.Key]
		if partial && !present {
			continue
		}
		if !present || isBlank(v) {
			if f.Required {
				return &FieldError{Key: f.Key, Err: ErrFieldRequired}
			}
			continue
		}
		if err := validateValue(f, v); err != nil {
			return &FieldError{Key: f.Key, Err: err}
		}
	}
	return nil
}

// Extended data split by scope, ready for a profile update.
type Extended struct {
	Public    map[string]any
	Protected map[string]any
	Private   map[string]any
}

// Place validates values and sorts the applicable ones into their scopes.
// Subcategories are stored as a JSON string.
func (s *Schema) Place(userType string, values map[string]any) (Extended, error) {
	return s.place(userType, values, false)
}

// PlaceUpdate is Place for a profile update: only the keys present in
// values are validated and written, the stored others are left alone.
func (s *Schema) PlaceUpdate(userType string, values map[string]any) (Extended, error) {
	return s.place(userType, values, true)
}

func (s *Schema) place(userType string, values map[string]any, partial bool) (Extended, error) {
	if err := s.validate(userType, values, partial); err != nil {
		return Extended{}, err
	}

	ext := Extended{
		Public:    map[string]any{},
		Protected: map[string]any{},
		Private:   map[string]any{},
	}
	for _, f := range s.FieldsFor(userType) {
		v, ok := values[f.Key]
		if !ok {
			continue
		}
		if f.Key == KeySubcategories {
			encoded, err := EncodeSubcategories(s.DecodeSubcategories(v))
			if err != nil {
				return Extended{}, &FieldError{Key: f.Key, Err: err}
			}
			v = encoded
		}
		switch f.Scope {
		case ScopeProtected:
			ext.Protected[f.Key] = v
		case ScopePrivate:
			ext.Private[f.Key] = v
		default:
			ext.Public[f.Key] = v
		}
	}
	return ext, nil
}

// EncodeSubcategories serialises the category to subcategory mapping. An
// empty mapping encodes as nil so the stored key is cleared.
func EncodeSubcategories(subs map[string][]string) (any, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("profile: encode subcategories: %w", err)
	}
	return string(raw), nil
}

// DecodeSubcategories accepts the stored JSON string or an already decoded
// object. Unparseable input yields an empty mapping.
func (s *Schema) DecodeSubcategories(raw any) map[string][]string {
	out := map[string][]string{}
	switch val := raw.(type) {
	case nil:
		return out
	case string:
		if strings.TrimSpace(val) == "" {
			return out
		}
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			s.logger.Warn("unparseable subcategories", zap.Error(err))
			return map[string][]string{}
		}
		return out
	case map[string][]string:
		for k, v := range val {
			out[k] = append([]string(nil), v...)
		}
		return out
	case map[string]any:
		for k, v := range val {
			ids, ok := stringList(v)
			if !ok {
				s.logger.Warn("unparseable subcategories", zap.String("category", k))
				return map[string][]string{}
			}
			out[k] = ids
		}
		return out
	default:
		s.logger.Warn("unparseable subcategories", zap.String("type", fmt.Sprintf("%T", raw)))
		return out
	}
}

// Category is a selected service category with its chosen subcategories.
type Category struct {
	ID            string   `json:"id"`
	Label         string   `json:"label"`
	Subcategories []string `json:"subcategories"`
}

// ServiceCategories reads the selected categories from a user's public data.
func (s *Schema) ServiceCategories(publicData map[string]any) []Category {
	ids, ok := stringList(publicData[KeyServiceCategories])
	if !ok || len(ids) == 0 {
		return nil
	}
	subs := s.DecodeSubcategories(publicData[KeySubcategories])

	labels := map[string]string{}
	for _, f := range s.fields {
		if f.Key == KeyServiceCategories {
			for _, o := range f.EnumOptions {
				labels[o.Option] = o.Label
			}
		}
	}

	out := make([]Category, 0, len(ids))
	for _, id := range ids {
		sub := subs[id]
		if sub == nil {
			sub = []string{}
		}
		out = append(out, Category{ID: id, Label: labels[id], Subcategories: sub})
	}
	return out
}

func validateValue(f UserField, v any) error {
	switch f.SchemaType {
	case SchemaEnum:
		s, ok := v.(string)
		if !ok {
			return ErrInvalidValue
		}
		if !f.hasOption(s) {
			return ErrInvalidOption
		}
	case SchemaMultiEnum:
		list, ok := stringList(v)
		if !ok {
			return ErrInvalidValue
		}
		for _, item := range list {
			if !f.hasOption(item) {
				return ErrInvalidOption
			}
		}
	case SchemaText:
		if _, ok := v.(string); !ok {
			return ErrInvalidValue
		}
	case SchemaLong:
		n, ok := v.(float64)
		if !ok {
			if i, isInt := v.(int); isInt {
				n, ok = float64(i), true
			}
		}
		if !ok || n != math.Trunc(n) {
			return ErrInvalidValue
		}
	case SchemaBoolean:
		if _, ok := v.(bool); !ok {
			return ErrInvalidValue
		}
	}
	return nil
}

func stringList(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...), true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
