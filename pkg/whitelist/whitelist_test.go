package whitelist

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const testWhitelist = `
commands:
  system_info:
    description: System info
    category: system
    cmd: "uname -a"
  ping_host:
    description: Ping
    category: network
    cmd: "ping -c {count} {host}"
    params: [host, count]
    param_validators:
      host: {type: ip}
      count: {type: integer, min: 1, max: 10}
    timeout: 30
  broken_template:
    cmd: "echo {missing}"
    params: [present]
  free_text:
    cmd: "echo {msg}"
    params: [msg]
    param_validators:
      msg: {type: fancy}
diagnostic_categories:
  system:
    description: System
    commands: [system_info]
  network:
    description: Network
    commands: [ping_host, system_info]
`

func mustParse(t *testing.T) *Whitelist {
	t.Helper()
	wl, err := Parse([]byte(testWhitelist))
	require.NoError(t, err)
	return wl
}

func int64p(v int64) *int64 { return &v }

func TestValidateValue(t *testing.T) {
	port := Validator{Type: "integer", Min: int64p(1), Max: int64p(65535)}
	tests := []struct {
		name  string
		value string
		v     Validator
		want  bool
	}{
		{"ip max", "255.255.255.255", Validator{Type: "ip"}, true},
		{"ip octet overflow", "256.0.0.1", Validator{Type: "ip"}, false},
		{"ip three groups", "1.2.3", Validator{Type: "ip"}, false},
		{"ip letters", "1.2.3.a", Validator{Type: "ip"}, false},
		{"hostname", "edge-01.example.com", Validator{Type: "hostname"}, true},
		{"hostname leading hyphen", "-edge", Validator{Type: "hostname"}, false},
		{"hostname trailing dot", "edge.", Validator{Type: "hostname"}, false},
		{"hostname underscore", "edge_01", Validator{Type: "hostname"}, false},
		{"port ok", "80", port, true},
		{"port zero", "0", port, false},
		{"port too large", "70000", port, false},
		{"port not a number", "abc", port, false},
		{"unbounded integer", "-5", Validator{Type: "integer"}, true},
		{"choice hit", "docker", Validator{Type: "choice", Choices: []string{"docker", "ssh"}}, true},
		{"choice miss", "nginx", Validator{Type: "choice", Choices: []string{"docker", "ssh"}}, false},
		{"relative path", "nginx/error.log", Validator{Type: "path"}, true},
		{"absolute path", "/etc/shadow", Validator{Type: "path"}, false},
		{"parent traversal", "nginx/../../shadow", Validator{Type: "path"}, false},
		{"path with space", "a b", Validator{Type: "path"}, false},
		{"unknown type", "anything at all", Validator{Type: "fancy"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidateValue(tt.value, tt.v))
		})
	}
}

func TestSanitizeRejectsShellMetacharacters(t *testing.T) {
	for _, bad := range []string{"a;b", "a|b", "`id`", "$HOME", "a&b", "a>b", "a<b", "a\nb", "a\rb", `a\b`} {
		_, ok := Sanitize(bad)
		require.False(t, ok, "%q should be rejected", bad)
	}

	long := make([]byte, MaxParamLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, ok := Sanitize(string(long))
	require.False(t, ok)

	v, ok := Sanitize("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", v)
}

func TestValidateParams(t *testing.T) {
	wl := mustParse(t)

	got, err := wl.ValidateParams("ping_host", map[string]any{"host": "10.0.0.1", "count": "4", "extra": "dropped"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"host": "10.0.0.1", "count": "4"}, got)

	_, err = wl.ValidateParams("nope", nil)
	require.ErrorIs(t, err, ErrCommandNotWhitelisted)

	_, err = wl.ValidateParams("ping_host", map[string]any{"host": "10.0.0.1"})
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	require.Equal(t, "count", vErr.Param)
	require.Contains(t, vErr.Reason, "Missing required parameter")

	_, err = wl.ValidateParams("ping_host", map[string]any{"host": "300.0.0.1", "count": "4"})
	require.ErrorContains(t, err, "Invalid value for parameter 'host'")

	_, err = wl.ValidateParams("ping_host", map[string]any{"host": "10.0.0.1", "count": []any{1}})
	require.Error(t, err)
}

func TestValidateParamsAcceptsNumbers(t *testing.T) {
	wl := mustParse(t)
	got, err := wl.ValidateParams("ping_host", map[string]any{"host": "10.0.0.1", "count": float64(3)})
	require.NoError(t, err)
	require.Equal(t, "3", got["count"])
}

func TestSanitizerAppliesWhenValidatorPasses(t *testing.T) {
	wl := mustParse(t)
	_, err := wl.ValidateParams("free_text", map[string]any{"msg": "hi; rm -rf /"})
	require.ErrorContains(t, err, "Unsafe characters")

	got, err := wl.ValidateParams("free_text", map[string]any{"msg": "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", got["msg"])
}

func TestBuildCommandString(t *testing.T) {
	wl := mustParse(t)

	cmd, err := wl.BuildCommandString("ping_host", map[string]string{"host": "10.0.0.1", "count": "4"})
	require.NoError(t, err)
	require.Equal(t, "ping -c 4 10.0.0.1", cmd)

	_, err = wl.BuildCommandString("broken_template", map[string]string{"present": "x"})
	require.ErrorContains(t, err, "unbound placeholder 'missing'")

	_, err = wl.BuildCommandString("nope", nil)
	require.ErrorIs(t, err, ErrCommandNotWhitelisted)
}

func TestTemplateEscapes(t *testing.T) {
	segs, err := parseTemplate("a {{x}} {y}")
	require.NoError(t, err)
	require.Equal(t, []segment{{literal: "a {x} "}, {placeholder: "y"}}, segs)

	for _, bad := range []string{"a {", "a }", "{}", "{a b}"} {
		_, err := parseTemplate(bad)
		require.Error(t, err, bad)
	}
}

func TestListAndDefaults(t *testing.T) {
	wl := mustParse(t)
	list := wl.List()
	require.Len(t, list, 4)
	require.Equal(t, "broken_template", list[0].ID)
	require.Equal(t, "general", list[0].Category)
	require.Equal(t, DefaultTimeoutSeconds, list[0].Timeout)

	spec, ok := wl.Get("ping_host")
	require.True(t, ok)
	require.Equal(t, 30, spec.Timeout)
	require.Equal(t, []string{"host", "count"}, spec.Params)
}

func TestCategories(t *testing.T) {
	wl := mustParse(t)
	cats := wl.Categories()
	require.Len(t, cats, 2)
	require.Equal(t, "network", cats[0].Name)
	require.Equal(t, []string{"system_info", "ping_host"}, wl.CategoryCommands("system", "network", "unknown"))
}

func TestParseRejectsBadFiles(t *testing.T) {
	_, err := Parse([]byte("commands:\n  x:\n    description: no cmd\n"))
	require.Error(t, err)

	_, err = Parse([]byte("commands:\n  x:\n    cmd: \"echo {\"\n"))
	require.Error(t, err)

	_, err = Parse([]byte("commands:\n  x:\n    cmd: uptime\ndiagnostic_categories:\n  sys:\n    commands: [y]\n"))
	require.Error(t, err)
}

func TestDefaultWhitelist(t *testing.T) {
	wl, err := Default()
	require.NoError(t, err)

	_, ok := wl.Get("system_info")
	require.True(t, ok)
	require.Len(t, wl.Categories(), 5)

	cmd, err := wl.BuildCommandString("docker_ps", nil)
	require.NoError(t, err)
	require.Contains(t, cmd, "{{.Names}}")

	params, err := wl.ValidateParams("check_port", map[string]any{"host": "gateway.local", "port": "443"})
	require.NoError(t, err)
	cmd, err = wl.BuildCommandString("check_port", params)
	require.NoError(t, err)
	require.Equal(t, "nc -zv -w 5 gateway.local 443", cmd)
}
