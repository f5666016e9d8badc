package fastcgi

import (
	"context"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedContext(t *testing.T, pairs []Pair, body string) *Context {
	t.Helper()

	c := testContext(1, true)
	require.NoError(t, c.Request.applyParams(pairs))

	if body != "" {
		_, err := c.Request.Body.Write([]byte(body))
		require.NoError(t, err)
	}
	c.Request.Body.Complete()

	return c
}

func TestHTTPRequest(t *testing.T) {
	c := completedContext(t, []Pair{
		{Name: "REQUEST_METHOD", Value: "POST"},
		{Name: "SCRIPT_NAME", Value: "/submit"},
		{Name: "QUERY_STRING", Value: "q=1"},
		{Name: "SERVER_PROTOCOL", Value: "HTTP/1.0"},
		{Name: "CONTENT_LENGTH", Value: "4"},
		{Name: "HTTP_HOST", Value: "example.com"},
		{Name: "HTTP_X_TEST", Value: "a,b"},
		{Name: "REMOTE_ADDR", Value: "10.1.2.3"},
		{Name: "REMOTE_PORT", Value: "5555"},
	}, "body")

	req, err := c.HTTPRequest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/submit", req.URL.Path)
	assert.Equal(t, "q=1", req.URL.RawQuery)
	assert.Equal(t, "/submit?q=1", req.RequestURI)
	assert.Equal(t, "HTTP/1.0", req.Proto)
	assert.Equal(t, 0, req.ProtoMinor)
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, []string{"a", "b"}, req.Header["X-Test"])
	assert.Equal(t, int64(4), req.ContentLength)
	assert.Equal(t, "10.1.2.3:5555", req.RemoteAddr)

	data, err := ioutil.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestHTTPRequestPrefersRequestURI(t *testing.T) {
	c := completedContext(t, []Pair{
		{Name: "SCRIPT_NAME", Value: "/index.php"},
		{Name: "REQUEST_URI", Value: "/pretty/path?x=y"},
		{Name: "HTTPS", Value: "on"},
	}, "")

	req, err := c.HTTPRequest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/pretty/path", req.URL.Path)
	assert.Equal(t, "x=y", req.URL.RawQuery)
	assert.Equal(t, "https", req.URL.Scheme)
	assert.Equal(t, "HTTP/1.1", req.Proto)
}

func TestHTTPRequestBadRequestURI(t *testing.T) {
	c := completedContext(t, []Pair{{Name: "REQUEST_URI", Value: "::bad"}}, "")

	_, err := c.HTTPRequest(context.Background())
	assert.Error(t, err)
}

func TestHTTPApplication(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Method + " " + r.URL.Path
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	app := HTTPApplication(handler)

	c := completedContext(t, []Pair{{Name: "REQUEST_METHOD", Value: "GET"}, {Name: "SCRIPT_NAME", Value: "/ok"}}, "")
	require.NoError(t, app.ServeFCGI(context.Background(), c))
	assert.Equal(t, "GET /ok", seen)

	c = completedContext(t, []Pair{{Name: "SCRIPT_NAME", Value: "/fail"}}, "")
	err := app.ServeFCGI(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPApplicationServesResponderRoleOnly(t *testing.T) {
	called := false
	app := HTTPApplication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	c := completedContext(t, []Pair{{Name: "REQUEST_METHOD", Value: "GET"}}, "")
	c.Role = RoleAuthorizer

	err := app.ServeFCGI(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorizer")
	assert.False(t, called)
}
