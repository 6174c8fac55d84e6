package membership

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeatureValue(t *testing.T) {
	tests := []struct {
		name    string
		typ     FeatureType
		raw     string
		want    FeatureValue
		wantErr bool
	}{
		{"bool bare", FeatureBoolean, "true", BoolValue(true), false},
		{"bool quoted", FeatureBoolean, `"false"`, BoolValue(false), false},
		{"limit", FeatureLimit, "10", LimitValue(10), false},
		{"limit quoted", FeatureLimit, `"1000"`, LimitValue(1000), false},
		{"unlimited", FeatureLimit, "-1", LimitValue(Unlimited), false},
		{"enum", FeatureEnum, `"advanced"`, EnumValue("advanced"), false},
		{"enum bare", FeatureEnum, "basic", EnumValue("basic"), false},
		{"bad bool", FeatureBoolean, "yes please", FeatureValue{}, true},
		{"bad limit", FeatureLimit, "ten", FeatureValue{}, true},
		{"limit below -1", FeatureLimit, "-5", FeatureValue{}, true},
		{"empty enum", FeatureEnum, `""`, FeatureValue{}, true},
		{"unknown type", "float", "1.5", FeatureValue{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeatureValue(tt.typ, tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFeatureValue)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFeatureValue_Grants(t *testing.T) {
	assert.True(t, BoolValue(true).Grants())
	assert.False(t, BoolValue(false).Grants())
	assert.True(t, LimitValue(5).Grants())
	assert.True(t, LimitValue(Unlimited).Grants())
	assert.False(t, LimitValue(0).Grants())
	assert.True(t, EnumValue("basic").Grants())
	assert.False(t, FeatureValue{}.Grants())
}

func TestFeatureValue_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]FeatureValue{
		"a": BoolValue(true),
		"b": LimitValue(10),
		"c": EnumValue("pro"),
		"d": {},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":true,"b":10,"c":"pro","d":null}`, string(b))
	assert.Equal(t, "10", LimitValue(10).String())
}

func TestAccessDeniedError_Unwrap(t *testing.T) {
	limit := &AccessDeniedError{Reason: DeniedLimit, Message: "limit"}
	assert.ErrorIs(t, limit, ErrLimitExceeded)
	assert.NotErrorIs(t, limit, ErrAccessDenied)

	feature := &AccessDeniedError{Reason: DeniedFeature, Message: "feature"}
	assert.ErrorIs(t, feature, ErrAccessDenied)
}

func TestUpstreamWrapping(t *testing.T) {
	assert.Nil(t, upstream("op", nil))

	nf := &NotFoundError{Entity: "tier", Key: "x"}
	assert.Same(t, nf, upstream("op", nf).(*NotFoundError))

	err := upstream("get tier", assert.AnError)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "get tier: "+assert.AnError.Error(), err.Error())
}
