package mcbot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenReason(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", ``, ""},
		{"plain string json", `"You are banned"`, "You are banned"},
		{"non-json text", `kicked by admin`, "kicked by admin"},
		{"text component", `{"text":"Server closed"}`, "Server closed"},
		{"nested extra", `{"text":"You are ","extra":[{"text":"banned"}]}`, "You are banned"},
		{"translate with args", `{"translate":"multiplayer.disconnect.kicked","with":["spam"]}`,
			"multiplayer.disconnect.kicked [spam]"},
		{"array of components", `[{"text":"a"},{"text":"b"}]`, "ab"},
		{"deeply nested", `{"extra":[{"extra":[{"text":"deep"}]}]}`, "deep"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FlattenReason(json.RawMessage(tc.raw)))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewProbeDialer())

	d, err := r.Get("tcp-probe")
	assert.NoError(t, err)
	assert.Equal(t, "tcp-probe", d.Name())

	_, err = r.Get("unknown")
	assert.Error(t, err)
	assert.Equal(t, []string{"tcp-probe"}, r.List())
}
