package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	a := map[string]any{"n": 5, "col_dict": map[string]any{"b": "Lab", "a": "Con"}}
	b := map[string]any{"col_dict": map[string]any{"a": "Con", "b": "Lab"}, "n": 5}

	keyA, err := DeriveKey("https://x", a)
	require.NoError(t, err)
	keyB, err := DeriveKey("https://x", b)
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
	assert.Len(t, keyA, 64)
}

func TestDeriveKey_MatchesSHA256(t *testing.T) {
	key, err := DeriveKey("https://x", map[string]any{"n": 5})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(`https://x:{"n":5}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), key)
}

func TestDeriveKey_Distinguishes(t *testing.T) {
	tests := []struct {
		name     string
		sourceA  string
		paramsA  map[string]any
		sourceB  string
		paramsB  map[string]any
		wantSame bool
	}{
		{
			name:    "different params",
			sourceA: "https://x", paramsA: map[string]any{"n": 5},
			sourceB: "https://x", paramsB: map[string]any{"n": 6},
		},
		{
			name:    "different source",
			sourceA: "https://x", paramsA: map[string]any{"n": 5},
			sourceB: "https://y", paramsB: map[string]any{"n": 5},
		},
		{
			name:    "nil and empty params are the same",
			sourceA: "https://x", paramsA: nil,
			sourceB: "https://x", paramsB: map[string]any{},
			wantSame: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := DeriveKey(tt.sourceA, tt.paramsA)
			require.NoError(t, err)
			b, err := DeriveKey(tt.sourceB, tt.paramsB)
			require.NoError(t, err)

			if tt.wantSame {
				assert.Equal(t, a, b)
			} else {
				assert.NotEqual(t, a, b)
			}
		})
	}
}

func TestCanonicalParams(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{name: "nil", params: nil, want: "{}"},
		{name: "sorted", params: map[string]any{"z": 1, "a": true}, want: `{"a":true,"z":1}`},
		{
			name:   "nested sorted",
			params: map[string]any{"col_dict": map[string]any{"Lab": "lab", "Con": "con"}},
			want:   `{"col_dict":{"Con":"con","Lab":"lab"}}`,
		},
		{name: "no html escaping", params: map[string]any{"q": "<a&b>"}, want: `{"q":"<a&b>"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalParams(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveKey_RejectsUnserializable(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{name: "channel", params: map[string]any{"c": make(chan int)}},
		{name: "func", params: map[string]any{"f": func() {}}},
		{name: "nan", params: map[string]any{"x": math.NaN()}},
		{name: "inf", params: map[string]any{"x": math.Inf(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveKey("https://x", tt.params)
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
			assert.False(t, errors.IsRetryable(err))
		})
	}
}
