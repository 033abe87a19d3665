package fields

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/convertful/integrations/internal/models"
)

// Rule names understood by ValidateValues.
const (
	RuleNotEmpty  = "not_empty"
	RuleEmail     = "email"
	RuleURL       = "url"
	RuleNumeric   = "numeric"
	RuleDigit     = "digit"
	RuleAlphaDash = "alpha_dash"
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleRegex     = "regex"
	RuleInArray   = "in_array"
	RuleCustom    = "custom"
)

// Rule is one validation constraint. Args depend on the rule:
// min_length/max_length take an int, regex a pattern, in_array a []string.
type Rule struct {
	Name    string   `json:"name"`
	Args    []any    `json:"args,omitempty"`
	Message string   `json:"message,omitempty"`
	Check   CheckFun `json:"-"`
}

// CheckFun is a custom rule. values holds every field being validated.
type CheckFun func(value any, values models.Values) bool

func NotEmpty() Rule             { return Rule{Name: RuleNotEmpty} }
func Email() Rule                { return Rule{Name: RuleEmail} }
func URL() Rule                  { return Rule{Name: RuleURL} }
func Numeric() Rule              { return Rule{Name: RuleNumeric} }
func Digit() Rule                { return Rule{Name: RuleDigit} }
func AlphaDash() Rule            { return Rule{Name: RuleAlphaDash} }
func MinLength(n int) Rule       { return Rule{Name: RuleMinLength, Args: []any{n}} }
func MaxLength(n int) Rule       { return Rule{Name: RuleMaxLength, Args: []any{n}} }
func Regex(pattern string) Rule  { return Rule{Name: RuleRegex, Args: []any{pattern}} }
func InArray(keys []string) Rule { return Rule{Name: RuleInArray, Args: []any{keys}} }

// Custom wraps an arbitrary check with its failure message.
func Custom(message string, check CheckFun) Rule {
	return Rule{Name: RuleCustom, Message: message, Check: check}
}

// WithMessage overrides the default failure message.
func (r Rule) WithMessage(msg string) Rule {
	r.Message = msg
	return r
}

// FieldError is the first failed rule of one field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Errors keeps field errors in schema declaration order.
type Errors []FieldError

// First returns the earliest declared failing field.
func (e Errors) First() (FieldError, bool) {
	if len(e) == 0 {
		return FieldError{}, false
	}
	return e[0], true
}

// Map returns field -> message.
func (e Errors) Map() map[string]string {
	out := make(map[string]string, len(e))
	for _, fe := range e {
		out[fe.Field] = fe.Message
	}
	return out
}

var (
	validate      = validator.New()
	alphaDashExpr = regexp.MustCompile(`^[-a-zA-Z0-9_]+$`)
)

// IsEmail reports whether s is a syntactically valid email address.
func IsEmail(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && validate.Var(s, "email") == nil
}

// ValidateValues checks values against every field's rules. Each field
// reports at most its first failing rule. Rules other than not_empty are
// skipped for empty values.
func ValidateValues(values models.Values, schema Schema) (bool, Errors) {
	var errs Errors
	for _, f := range schema {
		val := values[f.Name]
		for _, rule := range f.Rules {
			if rule.Name != RuleNotEmpty && rule.Name != RuleCustom && isEmpty(val) {
				continue
			}
			if ok := checkRule(rule, val, values); !ok {
				errs = append(errs, FieldError{
					Field:   f.Name,
					Rule:    rule.Name,
					Message: ruleMessage(rule, f),
				})
				break
			}
		}
	}
	return len(errs) == 0, errs
}

func checkRule(rule Rule, val any, values models.Values) bool {
	s := strings.TrimSpace(models.Stringify(val))
	switch rule.Name {
	case RuleNotEmpty:
		return !isEmpty(val)
	case RuleEmail:
		return validate.Var(s, "email") == nil
	case RuleURL:
		return validate.Var(s, "url") == nil
	case RuleNumeric:
		return validate.Var(s, "numeric") == nil
	case RuleDigit:
		return validate.Var(s, "number") == nil
	case RuleAlphaDash:
		return alphaDashExpr.MatchString(s)
	case RuleMinLength:
		return utf8.RuneCountInString(s) >= intArg(rule)
	case RuleMaxLength:
		return utf8.RuneCountInString(s) <= intArg(rule)
	case RuleRegex:
		if len(rule.Args) == 0 {
			return false
		}
		expr, err := regexp.Compile(models.Stringify(rule.Args[0]))
		if err != nil {
			return false
		}
		return expr.MatchString(s)
	case RuleInArray:
		return inArray(rule, val)
	case RuleCustom:
		return rule.Check != nil && rule.Check(val, values)
	default:
		return false
	}
}

func inArray(rule Rule, val any) bool {
	if len(rule.Args) == 0 {
		return false
	}
	allowed := map[string]bool{}
	switch t := rule.Args[0].(type) {
	case []string:
		for _, k := range t {
			allowed[k] = true
		}
	case []any:
		for _, k := range t {
			allowed[models.Stringify(k)] = true
		}
	}
	switch t := val.(type) {
	case []string:
		for _, item := range t {
			if !allowed[item] {
				return false
			}
		}
		return true
	case []any:
		for _, item := range t {
			if !allowed[models.Stringify(item)] {
				return false
			}
		}
		return true
	default:
		return allowed[models.Stringify(t)]
	}
}

func intArg(rule Rule) int {
	if len(rule.Args) == 0 {
		return 0
	}
	n, _ := models.ToInt64(rule.Args[0])
	return int(n)
}

func isEmpty(val any) bool {
	switch t := val.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case bool:
		return !t
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case models.Values:
		return len(t) == 0
	default:
		return false
	}
}

func ruleMessage(rule Rule, f Field) string {
	if rule.Message != "" {
		return rule.Message
	}
	label := f.Label()
	switch rule.Name {
	case RuleNotEmpty:
		return fmt.Sprintf("%s must not be empty", label)
	case RuleEmail:
		return "Please enter a valid email"
	case RuleURL:
		return fmt.Sprintf("%s must be a valid URL", label)
	case RuleNumeric, RuleDigit:
		return fmt.Sprintf("%s must be a number", label)
	case RuleAlphaDash:
		return fmt.Sprintf("%s must contain only letters, numbers, dashes and underscores", label)
	case RuleMinLength:
		return fmt.Sprintf("%s must be at least %d characters long", label, intArg(rule))
	case RuleMaxLength:
		return fmt.Sprintf("%s must not exceed %d characters", label, intArg(rule))
	case RuleInArray:
		return fmt.Sprintf("%s has a wrong value", label)
	case RuleRegex:
		return fmt.Sprintf("%s has a wrong format", label)
	default:
		return fmt.Sprintf("%s is not valid", label)
	}
}
