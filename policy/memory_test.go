package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil is undefined", nil, ""},
		{"bytes pass through", []byte(`{"a":1}`), `{"a":1}`},
		{"raw message passes through", json.RawMessage(`[true]`), `[true]`},
		{"string is a json string", "hi", `"hi"`},
		{"map", map[string]int{"n": 2}, `{"n":2}`},
		{"number", 1.5, `1.5`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := marshalValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
		})
	}

	for _, empty := range []any{[]byte{}, json.RawMessage{}} {
		b, err := marshalValue(empty)
		require.NoError(t, err)
		assert.Nil(t, b, "empty %T is undefined", empty)
	}

	_, err := marshalValue(make(chan int))
	assert.Error(t, err)
}

func TestEnvModuleIsStable(t *testing.T) {
	a := envModule(MemoryDescriptor{Initial: 5})
	b := envModule(MemoryDescriptor{Initial: 5})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, envModule(MemoryDescriptor{Initial: 5, Maximum: 10}))
}
