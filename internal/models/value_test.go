package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueFrom(t *testing.T) {
	tests := []struct {
		name     string
		raw      any
		wantKind ValueKind
		wantErr  bool
	}{
		{name: "float", raw: 120.5, wantKind: KindNumber},
		{name: "int", raw: 42, wantKind: KindNumber},
		{name: "string", raw: "Beekeeper", wantKind: KindText},
		{name: "bool", raw: true, wantKind: KindBool},
		{name: "object", raw: map[string]any{"unit": "kg"}, wantKind: KindObject},
		{name: "array", raw: []any{1.0, 2.0}, wantKind: KindArray},
		{name: "null rejected", raw: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ValueFrom(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, v.Kind())
		})
	}
}

func TestValueFloat(t *testing.T) {
	v := NumberValue(120.5)
	f, ok := v.Float()
	require.True(t, ok)
	assert.Equal(t, 120.5, f)

	_, ok = TextValue("120.5").Float()
	assert.False(t, ok)
}

func TestValueLexeme(t *testing.T) {
	assert.Equal(t, "Beekeeper", TextValue("Beekeeper").Lexeme())
	assert.Equal(t, "true", BoolValue(true).Lexeme())
	assert.Equal(t, "120.5", NumberValue(120.5).Lexeme())
	assert.Equal(t, "120", NumberValue(120).Lexeme())
}

func TestValueJSONRoundTrip(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"unit":"kg","reading":12}`), &v))
	assert.Equal(t, KindObject, v.Kind())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"unit":"kg","reading":12}`, string(out))
}

func TestValueUnmarshalNull(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`null`), &v))
}

func TestInferValueType(t *testing.T) {
	assert.Equal(t, ValueTypeMeasure, InferValueType(NumberValue(1.5)))
	assert.Equal(t, ValueTypeAny, InferValueType(TextValue("urn:ngsi-ld:Beehive:1234")))
	assert.Equal(t, ValueTypeAny, InferValueType(BoolValue(false)))
}
