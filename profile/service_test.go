package profile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidateFields_RequiredPerUserType(t *testing.T) {
	s := NewSchema(nil, nil)

	err := s.ValidateFields(UserTypeCustomer, map[string]any{"instagram": "@me"})
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) || !errors.Is(err, ErrFieldRequired) {
		t.Fatalf("expected required field error, got %v", err)
	}
	if fieldErr.Key != KeyServiceCategories {
		t.Fatalf("expected serviceCategories to be reported, got %s", fieldErr.Key)
	}

	// Task posters have no tasker-only fields.
	if err := s.ValidateFields(UserTypeProvider, map[string]any{}); err != nil {
		t.Fatalf("expected provider without fields to pass, got %v", err)
	}
}

func TestValidateFields_EnumMembership(t *testing.T) {
	s := NewSchema(nil, nil)

	ok := map[string]any{KeyServiceCategories: []any{"Photo", "Web_design"}}
	if err := s.ValidateFields(UserTypeCustomer, ok); err != nil {
		t.Fatalf("expected valid categories, got %v", err)
	}

	bad := map[string]any{KeyServiceCategories: []any{"Photo", "Astrology"}}
	if err := s.ValidateFields(UserTypeCustomer, bad); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}

	wrongType := map[string]any{KeyServiceCategories: "Photo"}
	if err := s.ValidateFields(UserTypeCustomer, wrongType); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestValidateFields_UnknownUserTypeAndKeys(t *testing.T) {
	s := NewSchema(nil, nil)
	if err := s.ValidateFields("admin", nil); !errors.Is(err, ErrUnknownUserType) {
		t.Fatalf("expected ErrUnknownUserType, got %v", err)
	}

	values := map[string]any{
		KeyServiceCategories: []string{"training"},
		"favouriteColour":    42,
	}
	if err := s.ValidateFields(UserTypeCustomer, values); err != nil {
		t.Fatalf("expected unknown keys to be ignored, got %v", err)
	}
}

func TestValidateFields_ScalarSchemas(t *testing.T) {
	fields := []UserField{
		{Key: "age", SchemaType: SchemaLong},
		{Key: "remote", SchemaType: SchemaBoolean},
		{Key: "level", SchemaType: SchemaEnum, EnumOptions: []EnumOption{{Option: "pro"}}},
	}
	s := NewSchema([]UserType{{ID: "any"}}, fields)

	cases := []struct {
		name   string
		values map[string]any
		want   error
	}{
		{"integral number", map[string]any{"age": float64(31)}, nil},
		{"fractional number", map[string]any{"age": 31.5}, ErrInvalidValue},
		{"boolean", map[string]any{"remote": true}, nil},
		{"boolean as string", map[string]any{"remote": "yes"}, ErrInvalidValue},
		{"enum option", map[string]any{"level": "pro"}, nil},
		{"enum miss", map[string]any{"level": "novice"}, ErrInvalidOption},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.ValidateFields("any", tc.values)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEncodeSubcategories(t *testing.T) {
	got, err := EncodeSubcategories(map[string][]string{})
	if err != nil || got != nil {
		t.Fatalf("expected nil for empty mapping, got %v (%v)", got, err)
	}

	got, err = EncodeSubcategories(map[string][]string{"Photo": {"wedding"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"Photo":["wedding"]}` {
		t.Fatalf("unexpected encoding: %v", got)
	}
}

func TestDecodeSubcategories(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewSchema(nil, nil, WithLogger(zap.New(core)))

	want := map[string][]string{"Photo": {"wedding", "studio"}}
	if diff := cmp.Diff(want, s.DecodeSubcategories(`{"Photo":["wedding","studio"]}`)); diff != "" {
		t.Fatalf("string input mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, s.DecodeSubcategories(map[string]any{"Photo": []any{"wedding", "studio"}})); diff != "" {
		t.Fatalf("object input mismatch (-want +got):\n%s", diff)
	}

	if got := s.DecodeSubcategories("{not json"); len(got) != 0 {
		t.Fatalf("expected empty mapping on parse failure, got %v", got)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected parse failure to be logged once, got %d", logs.Len())
	}
	if got := s.DecodeSubcategories(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil mapping for nil, got %v", got)
	}
}

func TestServiceCategories(t *testing.T) {
	s := NewSchema(nil, nil)
	public := map[string]any{
		KeyServiceCategories: []any{"Photo", "Delivery"},
		KeySubcategories:     `{"Photo":["wedding"]}`,
	}

	want := []Category{
		{ID: "Photo", Label: "ServiceCategory.photo", Subcategories: []string{"wedding"}},
		{ID: "Delivery", Label: "ServiceCategory.courier", Subcategories: []string{}},
	}
	if diff := cmp.Diff(want, s.ServiceCategories(public)); diff != "" {
		t.Fatalf("categories mismatch (-want +got):\n%s", diff)
	}
	if got := s.ServiceCategories(map[string]any{}); got != nil {
		t.Fatalf("expected nil without categories, got %v", got)
	}
}

func TestPlace_SplitsByScopeAndEncodes(t *testing.T) {
	fields := append(DefaultUserFields(), UserField{
		Key:        "phone",
		Scope:      ScopeProtected,
		SchemaType: SchemaText,
	})
	s := NewSchema(nil, fields)

	ext, err := s.Place(UserTypeCustomer, map[string]any{
		KeyServiceCategories: []any{"Photo"},
		KeySubcategories:     map[string]any{"Photo": []any{"wedding"}},
		"phone":              "+971500000000",
		"ignored":            "x",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ext.Public[KeySubcategories] != `{"Photo":["wedding"]}` {
		t.Fatalf("expected encoded subcategories, got %v", ext.Public[KeySubcategories])
	}
	if ext.Protected["phone"] != "+971500000000" {
		t.Fatalf("expected phone in protected data, got %v", ext.Protected)
	}
	if _, ok := ext.Public["ignored"]; ok {
		t.Fatal("expected unknown key to be dropped")
	}
}

func TestPlaceUpdate_ValidatesPresentKeysOnly(t *testing.T) {
	s := NewSchema(nil, nil)

	ext, err := s.PlaceUpdate(UserTypeCustomer, map[string]any{"instagram": "@me"})
	if err != nil {
		t.Fatalf("expected update without required keys to pass, got %v", err)
	}
	if _, ok := ext.Public[KeyServiceCategories]; ok {
		t.Fatal("expected absent keys to stay out of the update")
	}

	_, err = s.PlaceUpdate(UserTypeCustomer, map[string]any{KeyServiceCategories: []any{}})
	if !errors.Is(err, ErrFieldRequired) {
		t.Fatalf("expected clearing a required field to fail, got %v", err)
	}

	_, err = s.PlaceUpdate(UserTypeCustomer, map[string]any{KeyServiceCategories: []any{"Knitting"}})
	if !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected present keys to be validated, got %v", err)
	}

	if _, err := s.PlaceUpdate("admin", nil); !errors.Is(err, ErrUnknownUserType) {
		t.Fatalf("expected ErrUnknownUserType, got %v", err)
	}
}
