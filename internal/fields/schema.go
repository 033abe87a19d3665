// Package fields describes integration forms declaratively and turns raw
// user input into filtered, validated values. It never renders anything.
package fields

import (
	"github.com/convertful/integrations/internal/errors"
)

// Type is a field kind. It decides how raw input is coerced.
type Type string

const (
	TypeText       Type = "text"
	TypeTextarea   Type = "textarea"
	TypeKey        Type = "key"
	TypePassword   Type = "password"
	TypeEmail      Type = "email"
	TypeHidden     Type = "hidden"
	TypeSwitch     Type = "switch"
	TypeSelect     Type = "select"
	TypeRadio      Type = "radio"
	TypeSelect2    Type = "select2"
	TypeCheckboxes Type = "checkboxes"
	TypeInteger    Type = "integer"
	TypeOAuth      Type = "oauth"
)

// DefaultTokenKey is the oauth sub-value compared by uniqueness checks.
const DefaultTokenKey = "code"

var knownTypes = map[Type]bool{
	TypeText:       true,
	TypeTextarea:   true,
	TypeKey:        true,
	TypePassword:   true,
	TypeEmail:      true,
	TypeHidden:     true,
	TypeSwitch:     true,
	TypeSelect:     true,
	TypeRadio:      true,
	TypeSelect2:    true,
	TypeCheckboxes: true,
	TypeInteger:    true,
	TypeOAuth:      true,
}

// Option is one choice of a select-like field.
type Option struct {
	Value string `json:"value"`
	Title string `json:"title"`
}

// Field declares one form field.
type Field struct {
	Name        string   `json:"name"`
	Type        Type     `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []Option `json:"options,omitempty"`
	Multiple    bool     `json:"multiple,omitempty"`
	Default     any      `json:"default,omitempty"`
	Rules       []Rule   `json:"rules,omitempty"`
	// TokenKey is the sub-value of an oauth field that identifies the
	// external account. Empty means DefaultTokenKey.
	TokenKey string `json:"token_key,omitempty"`
	// ShowIf is passed through to the form renderer untouched.
	ShowIf []any `json:"show_if,omitempty"`
}

// Label returns the title or, when missing, the field name.
func (f Field) Label() string {
	if f.Title != "" {
		return f.Title
	}
	return f.Name
}

// IsMultiple reports whether the field holds a list of option values.
func (f Field) IsMultiple() bool {
	return f.Type == TypeSelect2 || f.Type == TypeCheckboxes || (f.Type == TypeSelect && f.Multiple)
}

// OAuthTokenKey returns the sub-key compared for oauth fields.
func (f Field) OAuthTokenKey() string {
	if f.TokenKey == "" {
		return DefaultTokenKey
	}
	return f.TokenKey
}

// HasOption reports whether value is one of the declared options.
func (f Field) HasOption(value string) bool {
	for _, opt := range f.Options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

// Schema is an ordered list of fields. Order is significant: validation
// reports errors in declaration order.
type Schema []Field

// Get returns the field with the given name.
func (s Schema) Get(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns field names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Check reports the first field with a missing or unknown type.
func (s Schema) Check() error {
	for _, f := range s {
		if !knownTypes[f.Type] {
			return &errors.ErrUnknownFieldType{Field: f.Name, Type: string(f.Type)}
		}
	}
	return nil
}

// OptionsFromMap builds options from a key -> title map in the given key order.
func OptionsFromMap(titles map[string]string, order []string) []Option {
	opts := make([]Option, 0, len(order))
	for _, key := range order {
		title, ok := titles[key]
		if !ok {
			continue
		}
		opts = append(opts, Option{Value: key, Title: title})
	}
	return opts
}
