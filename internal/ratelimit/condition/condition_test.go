package condition

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "method equality", expr: `request.method == "POST"`},
		{name: "header lookup", expr: `"x-workspace-id" in request.headers`},
		{name: "ip range", expr: `ip_in_range(request.ip, "10.0.0.0/8")`},
		{name: "syntax error", expr: `request.method ==`, wantErr: true},
		{name: "unknown variable", expr: `response.status == 200`, wantErr: true},
		{name: "non bool result", expr: `"literal"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Compile(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expr, c.String())
		})
	}
}

func TestCondition_Match(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Set("X-Workspace-ID", "ws-1")

	in := Input{
		Method:  http.MethodPost,
		Path:    "/api/v1/chats/7/messages",
		IP:      "10.1.2.3",
		User:    "42",
		Headers: headers,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "method matches", expr: `request.method == "POST"`, want: true},
		{name: "method differs", expr: `request.method == "GET"`, want: false},
		{name: "path prefix", expr: `request.path.startsWith("/api/v1/chats")`, want: true},
		{name: "lowercased header", expr: `request.headers["x-workspace-id"] == "ws-1"`, want: true},
		{name: "ip in range", expr: `ip_in_range(request.ip, "10.0.0.0/8")`, want: true},
		{name: "ip out of range", expr: `ip_in_range(request.ip, "192.168.0.0/16")`, want: false},
		{name: "user", expr: `request.user == "42"`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Compile(tt.expr)
			require.NoError(t, err)
			got, err := c.Match(in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_MatchMissingHeader(t *testing.T) {
	t.Parallel()

	c, err := Compile(`request.headers["x-missing"] == "v"`)
	require.NoError(t, err)

	got, err := c.Match(Input{Method: http.MethodGet})
	assert.Error(t, err)
	assert.False(t, got)
}
