package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cartYAML = `
viewmodel: cart
extends: base
channel: cart
template_path: templates/cart

defaults:
  id: ""
  items: []
  count: !expr "len(items)"
  label: describe

queries:
  load: { target: /api/cart, on_success: loaded }

commands:
  save:
    target: /api/cart
    verb: put
    payload: !method toPayload
    on_success: saved
    on_failure: failed
  ping: /api/ping

messages:
  saved: cart cart.saved
  checkout:
    "orders order.created": !expr "{id: args[0]}"
    "audit checkout":

subscriptions:
  refresh: [cart.refresh, "admin cache.flush"]
  reset: cart.reset
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(cartYAML))
	require.NoError(t, err)

	assert.Equal(t, "cart", def.Name)
	assert.Equal(t, "base", def.Extends)
	assert.Equal(t, "cart", def.Channel())
	assert.Equal(t, "templates/cart", def.TemplatePath)

	// Defaults keep declaration order
	assert.Equal(t, []string{"id", "items", "count", "label"}, def.Defaults.Names())
	items, _ := def.Defaults.Get("items")
	assert.Equal(t, []any{}, items)
	count, _ := def.Defaults.Get("count")
	assert.Equal(t, Expr{Source: "len(items)"}, count)
	label, _ := def.Defaults.Get("label")
	assert.Equal(t, "describe", label)

	save := def.Commands["save"]
	assert.Equal(t, "PUT", save.Method())
	assert.Equal(t, MethodRef("toPayload"), save.Payload)
	assert.Equal(t, []string{"saved", "failed"}, save.Handlers())

	assert.Equal(t, "/api/ping", def.Commands["ping"].Target)
	assert.Equal(t, "GET", def.Queries["load"].Method())

	require.Len(t, def.Messages, 3)
	assert.Equal(t, OutboundRoute{Event: "saved", Channel: "cart", Topic: "cart.saved"}, def.Messages[0])
	assert.Equal(t, "orders", def.Messages[1].Channel)
	assert.Equal(t, Expr{Source: "{id: args[0]}"}, def.Messages[1].Accessor)
	assert.Nil(t, def.Messages[2].Accessor)

	assert.Equal(t, Subscriptions{
		{Handler: "refresh", Channel: "", Topic: "cart.refresh"},
		{Handler: "refresh", Channel: "admin", Topic: "cache.flush"},
		{Handler: "reset", Channel: "", Topic: "cart.reset"},
	}, def.Subscriptions)
}

func TestNamespaceWinsOverChannel(t *testing.T) {
	def := Definition{Name: "a", ChannelName: "one", Namespace: "two"}
	assert.Equal(t, "two", def.Channel())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "defaults: { a: 1 }",
			wantErr: "viewmodel name is required",
		},
		{
			name:    "reserved default",
			yaml:    "viewmodel: x\ndefaults: { execute: 1 }",
			wantErr: `default "execute" is a reserved member name`,
		},
		{
			name:    "command without target",
			yaml:    "viewmodel: x\ncommands: { save: { verb: post } }",
			wantErr: `command "save": target is required`,
		},
		{
			name:    "unknown verb",
			yaml:    "viewmodel: x\ncommands: { save: { target: /a, verb: fetch } }",
			wantErr: `unknown verb "fetch"`,
		},
		{
			name:    "bad expression",
			yaml:    "viewmodel: x\ndefaults: { total: !expr \"a +\" }",
			wantErr: "invalid expression",
		},
		{
			name:    "call collides with field",
			yaml:    "viewmodel: x\ndefaults: { load: 1 }\nqueries: { load: /a }",
			wantErr: `query "load" collides with default`,
		},
		{
			name:    "malformed route",
			yaml:    "viewmodel: x\nmessages: { saved: \"a b c\" }",
			wantErr: `expected "channel topic"`,
		},
		{
			name:    "self extension",
			yaml:    "viewmodel: x\nextends: x",
			wantErr: "cannot extend itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("viewmodel: a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.yml"), []byte("viewmodel: b\nextends: a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := ParseDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	for _, d := range defs {
		assert.True(t, strings.HasPrefix(d.Source, dir))
	}
}

func TestSortByExtends(t *testing.T) {
	defs := []Definition{
		{Name: "c", Extends: "b"},
		{Name: "b", Extends: "a"},
		{Name: "a"},
		{Name: "d", Extends: "base"},
	}

	sorted, err := SortByExtends(defs)
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, d := range sorted {
		pos[d.Name] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
	assert.Len(t, sorted, 4)
}

func TestSortByExtendsCycle(t *testing.T) {
	_, err := SortByExtends([]Definition{
		{Name: "a", Extends: "b"},
		{Name: "b", Extends: "a"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extends cycle")
}

func TestSortByExtendsDuplicate(t *testing.T) {
	_, err := SortByExtends([]Definition{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}
