package membership

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FeatureType is the declared type of a feature definition
type FeatureType string

const (
	FeatureBoolean FeatureType = "boolean"
	FeatureLimit   FeatureType = "limit"
	FeatureEnum    FeatureType = "enum"
)

// Valid reports whether t is a known feature type
func (t FeatureType) Valid() bool {
	return t == FeatureBoolean || t == FeatureLimit || t == FeatureEnum
}

// ValueKind tags which member of FeatureValue is set
type ValueKind int

const (
	KindBoolean ValueKind = iota + 1
	KindLimit
	KindEnum
)

// FeatureValue is the resolved value of a tier feature binding.
// Exactly one of Bool, Limit, Enum is meaningful, selected by Kind.
type FeatureValue struct {
	Kind  ValueKind
	Bool  bool
	Limit int64
	Enum  string
}

// BoolValue returns a boolean feature value
func BoolValue(v bool) FeatureValue { return FeatureValue{Kind: KindBoolean, Bool: v} }

// LimitValue returns a limit feature value; Unlimited is allowed
func LimitValue(v int64) FeatureValue { return FeatureValue{Kind: KindLimit, Limit: v} }

// EnumValue returns an enum feature value
func EnumValue(v string) FeatureValue { return FeatureValue{Kind: KindEnum, Enum: v} }

// ParseFeatureValue resolves the raw stored value of a binding according to the
// feature type. Raw values may be bare ("10", "true") or JSON encoded ("\"advanced\"").
func ParseFeatureValue(typ FeatureType, raw string) (FeatureValue, error) {
	s := strings.TrimSpace(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}

	switch typ {
	case FeatureBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return FeatureValue{}, fmt.Errorf("%w: boolean feature value %q", ErrInvalidFeatureValue, raw)
		}
		return BoolValue(b), nil
	case FeatureLimit:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return FeatureValue{}, fmt.Errorf("%w: limit feature value %q", ErrInvalidFeatureValue, raw)
		}
		if n < Unlimited {
			return FeatureValue{}, fmt.Errorf("%w: limit %d below -1", ErrInvalidFeatureValue, n)
		}
		return LimitValue(n), nil
	case FeatureEnum:
		if s == "" {
			return FeatureValue{}, fmt.Errorf("%w: empty enum value", ErrInvalidFeatureValue)
		}
		return EnumValue(s), nil
	default:
		return FeatureValue{}, fmt.Errorf("%w: unknown feature type %q", ErrInvalidFeatureValue, typ)
	}
}

// Grants reports whether the value gives access to the feature:
// a true boolean, a non-zero limit (unlimited included) or a non-empty enum.
func (v FeatureValue) Grants() bool {
	switch v.Kind {
	case KindBoolean:
		return v.Bool
	case KindLimit:
		return v.Limit != 0
	case KindEnum:
		return v.Enum != ""
	}
	return false
}

// String renders the value in its stored form
func (v FeatureValue) String() string {
	switch v.Kind {
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindLimit:
		return strconv.FormatInt(v.Limit, 10)
	case KindEnum:
		return v.Enum
	}
	return ""
}

// MarshalJSON emits the natural JSON form: true, 10 or "advanced"
func (v FeatureValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindBoolean:
		return json.Marshal(v.Bool)
	case KindLimit:
		return json.Marshal(v.Limit)
	case KindEnum:
		return json.Marshal(v.Enum)
	}
	return []byte("null"), nil
}
