package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
)

func strPtr(s string) *string { return &s }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(map[string]config.TopicConf{
		"sys/switch": {
			Params: map[string][]string{
				"on": {"/usr/bin/switch", "--on", "@!@"},
			},
			Default: []string{"/bin/echo", "switch", "@!@"},
		},
		"prog/echo": {
			Default: []string{"/bin/echo", "@!@", "x@!@y@!@"},
		},
		"sys/file": {
			Params: map[string][]string{
				"create": {"/usr/bin/touch", "/tmp/file.one"},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func TestResolve(t *testing.T) {
	reg := testRegistry(t)

	tests := []struct {
		name      string
		topic     string
		payload   *string
		wantArgv  []string
		wantMatch Match
		wantErr   error
	}{
		{
			name:      "exact param wins over fallback and is not substituted",
			topic:     "sys/switch",
			payload:   strPtr("on"),
			wantArgv:  []string{"/usr/bin/switch", "--on", "@!@"},
			wantMatch: MatchParam,
		},
		{
			name:      "fallback substitutes payload",
			topic:     "sys/switch",
			payload:   strPtr("off"),
			wantArgv:  []string{"/bin/echo", "switch", "off"},
			wantMatch: MatchFallback,
		},
		{
			name:      "every occurrence in every token is replaced",
			topic:     "prog/echo",
			payload:   strPtr("hello"),
			wantArgv:  []string{"/bin/echo", "hello", "xhelloyhello"},
			wantMatch: MatchFallback,
		},
		{
			name:      "absent payload substitutes empty string",
			topic:     "prog/echo",
			payload:   nil,
			wantArgv:  []string{"/bin/echo", "", "xy"},
			wantMatch: MatchFallback,
		},
		{
			name:      "exact param without fallback",
			topic:     "sys/file",
			payload:   strPtr("create"),
			wantArgv:  []string{"/usr/bin/touch", "/tmp/file.one"},
			wantMatch: MatchParam,
		},
		{
			name:    "no match and no fallback",
			topic:   "sys/file",
			payload: strPtr("delete"),
			wantErr: ErrNoMatch,
		},
		{
			name:    "absent payload without fallback",
			topic:   "sys/file",
			payload: nil,
			wantErr: ErrNoMatch,
		},
		{
			name:    "unknown topic",
			topic:   "nope",
			payload: strPtr("x"),
			wantErr: ErrTopicNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, match, err := reg.Resolve(tt.topic, tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, argv)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantArgv, argv)
			assert.Equal(t, tt.wantMatch, match)
		})
	}
}

func TestResolveIsRepeatableAndDoesNotAlias(t *testing.T) {
	reg := testRegistry(t)

	first, _, err := reg.Resolve("sys/switch", strPtr("on"))
	require.NoError(t, err)
	first[0] = "/tmp/evil"

	second, _, err := reg.Resolve("sys/switch", strPtr("on"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/switch", "--on", "@!@"}, second)

	a, _, _ := reg.Resolve("prog/echo", strPtr("same"))
	b, _, _ := reg.Resolve("prog/echo", strPtr("same"))
	assert.Equal(t, a, b)
}

func TestNewCopiesConfig(t *testing.T) {
	topics := map[string]config.TopicConf{
		"a": {Default: []string{"/bin/echo", "@!@"}},
	}
	reg, err := New(topics)
	require.NoError(t, err)

	topics["a"].Default[0] = "/bin/rm"
	e, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, []string{"/bin/echo", "@!@"}, e.Fallback())
}

func TestNewRejectsEmptyTopic(t *testing.T) {
	_, err := New(map[string]config.TopicConf{"a": {}})
	assert.Error(t, err)

	_, err = New(map[string]config.TopicConf{"": {Default: []string{"x"}}})
	assert.Error(t, err)
}

func TestTopicsAndEntryAccessors(t *testing.T) {
	reg := testRegistry(t)

	assert.Equal(t, []string{"prog/echo", "sys/file", "sys/switch"}, reg.Topics())
	assert.Equal(t, 3, reg.Len())

	e, ok := reg.Lookup("sys/switch")
	require.True(t, ok)
	assert.Equal(t, "sys/switch", e.Topic())
	assert.True(t, e.HasFallback())
	assert.Equal(t, []string{"on"}, e.Params())

	argv, ok := e.Command("on")
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/switch", argv[0])

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	file, _ := reg.Lookup("sys/file")
	assert.False(t, file.HasFallback())
	assert.Nil(t, file.Fallback())
}
