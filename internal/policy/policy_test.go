package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Match(t *testing.T) {
	table, err := New([]Rule{
		{Kind: KindExact, Pattern: "LeagueClient.ex", Group: "league_client"},
		{Kind: KindPrefix, Pattern: "League of", Group: "league_game"},
		{Kind: KindExpr, Pattern: `name matches "^wine(server|64)?$"`, Group: "wine"},
		{Kind: KindPrefix, Pattern: "League", Group: "shadowed"},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		process   string
		wantGroup string
		wantOK    bool
	}{
		{name: "exact", process: "LeagueClient.ex", wantGroup: "league_client", wantOK: true},
		{name: "exact is not prefix", process: "LeagueClient.exe2", wantGroup: "shadowed", wantOK: true},
		{name: "prefix", process: "League of Legen", wantGroup: "league_game", wantOK: true},
		{name: "expression", process: "wineserver", wantGroup: "wine", wantOK: true},
		{name: "expression miss", process: "winedbg", wantOK: false},
		{name: "no rule", process: "Notepad", wantOK: false},
		{name: "empty name", process: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group, ok := table.Match(tt.process)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantGroup, group)
		})
	}
}

func TestTable_Empty(t *testing.T) {
	table, err := New(nil)
	require.NoError(t, err)

	_, ok := table.Match("anything")
	assert.False(t, ok)
	assert.Zero(t, table.Len())
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{name: "unknown kind", rule: Rule{Kind: "glob", Pattern: "x*", Group: "g"}},
		{name: "empty group", rule: Rule{Kind: KindExact, Pattern: "x"}},
		{name: "empty pattern", rule: Rule{Kind: KindPrefix, Group: "g"}},
		{name: "syntax error", rule: Rule{Kind: KindExpr, Pattern: "name ==", Group: "g"}},
		{name: "non-bool expression", rule: Rule{Kind: KindExpr, Pattern: "len(name)", Group: "g"}},
		{name: "unknown variable", rule: Rule{Kind: KindExpr, Pattern: `cmdline == "x"`, Group: "g"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]Rule{tt.rule})
			require.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in      string
		want    Rule
		wantErr bool
	}{
		{in: "prefix:League of=league_game", want: Rule{Kind: KindPrefix, Pattern: "League of", Group: "league_game"}},
		{in: "exact:bash=shells", want: Rule{Kind: KindExact, Pattern: "bash", Group: "shells"}},
		{in: `expr:name == "vim"=editors`, want: Rule{Kind: KindExpr, Pattern: `name == "vim"`, Group: "editors"}},
		{in: "prefix-only", wantErr: true},
		{in: "prefix:nogroup", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRule(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTable_Rules(t *testing.T) {
	in := []Rule{
		{Kind: KindPrefix, Pattern: "a", Group: "1"},
		{Kind: KindExact, Pattern: "b", Group: "2"},
	}
	table, err := New(in)
	require.NoError(t, err)
	assert.Equal(t, in, table.Rules())
}
