package resolver

import (
	"math"
	"strconv"
	"strings"

	"github.com/AlexKimmel/Cascade/internal/identity"
	"github.com/AlexKimmel/Cascade/internal/ratelimit"
)

// Value is a policy number: either a literal or a reference to a named
// per-account limit, optionally with a literal default for requests that do
// not carry that field.
type Value struct {
	field      string
	num        float64
	hasDefault bool
}

// Literal returns a constant Value.
func Literal(n float64) Value { return Value{num: n, hasDefault: true} }

// FieldRef returns a Value read from the identity field name.
func FieldRef(name string) Value { return Value{field: name} }

// Or sets the value used when the referenced field is unavailable.
func (v Value) Or(n float64) Value {
	v.num = n
	v.hasDefault = true
	return v
}

// IsField reports whether v references an identity field.
func (v Value) IsField() bool { return v.field != "" }

func (v Value) String() string {
	switch {
	case v.field == "":
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case v.hasDefault:
		return v.field + "|" + strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		return v.field
	}
}

// ParseValue reads "60", "0.5", "max_requests" or "max_requests|60".
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, &ratelimit.ConfigurationError{Field: "value", Reason: "cannot be empty"}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return Literal(n), nil
	}

	name, def, hasDef := strings.Cut(s, "|")
	name = strings.TrimSpace(name)
	if !validFieldName(name) {
		return Value{}, &ratelimit.ConfigurationError{Field: "value", Reason: strconv.Quote(s) + " is neither a number nor a field name"}
	}
	v := FieldRef(name)
	if hasDef {
		n, err := strconv.ParseFloat(strings.TrimSpace(def), 64)
		if err != nil {
			return Value{}, &ratelimit.ConfigurationError{Field: "value", Reason: "default of " + strconv.Quote(s) + " is not a number"}
		}
		v = v.Or(n)
	}
	return v, nil
}

func validFieldName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.' || r == '-':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Resolve returns the number v stands for in the context of id.
func (v Value) Resolve(id *identity.Identity) (float64, error) {
	if v.field == "" {
		return v.num, nil
	}
	if n, ok := id.Field(v.field); ok {
		return n, nil
	}
	if v.hasDefault {
		return v.num, nil
	}
	return 0, &ratelimit.ConfigurationError{Field: v.field, Reason: "is not set on the current identity"}
}

// PolicySpec is an unbound ratelimit.Policy.
type PolicySpec struct {
	Max     Value
	Rate    Value
	Lockout Value
}

// ParsePolicyArgs reads the positional arguments max, rate, lockout.
func ParsePolicyArgs(args []string) (PolicySpec, error) {
	if len(args) != 3 {
		return PolicySpec{}, &ratelimit.ConfigurationError{
			Field:  "args",
			Reason: "expected 3 arguments (max, rate, lockout), got " + strconv.Itoa(len(args)),
		}
	}
	var vals [3]Value
	for i, a := range args {
		v, err := ParseValue(a)
		if err != nil {
			return PolicySpec{}, err
		}
		vals[i] = v
	}
	return PolicySpec{Max: vals[0], Rate: vals[1], Lockout: vals[2]}, nil
}

// Bind resolves every value against id and validates the result.
func (s PolicySpec) Bind(id *identity.Identity) (ratelimit.Policy, error) {
	maxV, err := s.Max.Resolve(id)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	rate, err := s.Rate.Resolve(id)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	lockout, err := s.Lockout.Resolve(id)
	if err != nil {
		return ratelimit.Policy{}, err
	}

	p := ratelimit.Policy{
		Max:            int(math.Floor(maxV)),
		RatePerSecond:  rate,
		LockoutMinutes: int(math.Floor(lockout)),
	}
	if err := p.Validate(); err != nil {
		return ratelimit.Policy{}, err
	}
	return p, nil
}
