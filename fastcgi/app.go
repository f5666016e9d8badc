package fastcgi

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Application handles a request once its input is complete. It is called exactly once
// per context; the context leaves the connection's table when it returns.
type Application interface {
	ServeFCGI(ctx context.Context, c *Context) error
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(ctx context.Context, c *Context) error

// ServeFCGI implements Application.
func (f ApplicationFunc) ServeFCGI(ctx context.Context, c *Context) error {
	return f(ctx, c)
}

// HTTPRequest builds a net/http request from the parameters and body of c.
func (c *Context) HTTPRequest(ctx context.Context) (*http.Request, error) {
	r := c.Request

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	u := &url.URL{Path: r.Path, RawQuery: r.QueryString}
	if uri, ok := r.Params["REQUEST_URI"]; ok && uri != "" {
		parsed, err := url.ParseRequestURI(uri)
		if err != nil {
			return nil, errors.Wrapf(err, "parse REQUEST_URI %q", uri)
		}
		u = parsed
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build http request")
	}

	req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.1", 1, 1
	switch {
	case r.Protocol == "https":
		req.URL.Scheme = "https"
	case r.Protocol != "":
		if major, minor, ok := http.ParseHTTPVersion(r.Protocol); ok {
			req.Proto, req.ProtoMajor, req.ProtoMinor = r.Protocol, major, minor
		}
	}

	req.Header = r.Header
	req.Host = r.Header.Get("Host")
	req.RequestURI = u.RequestURI()
	req.Body = r.Body
	req.ContentLength = r.Body.Length()

	if addr := r.Params["REMOTE_ADDR"]; addr != "" {
		req.RemoteAddr = addr
		if port := r.Params["REMOTE_PORT"]; port != "" {
			req.RemoteAddr = net.JoinHostPort(addr, port)
		}
	}

	return req, nil
}

//httpApplication serves requests through a net/http handler. Response output is not
//streamed back to the web server; only the status is observed.
type httpApplication struct {
	handler http.Handler
}

// HTTPApplication returns an Application running h for every request.
func HTTPApplication(h http.Handler) Application {
	return &httpApplication{handler: h}
}

func (a *httpApplication) ServeFCGI(ctx context.Context, c *Context) error {
	if c.Role != RoleResponder {
		return errors.Errorf("%s role is not served by an http handler", roleName(c.Role))
	}

	req, err := c.HTTPRequest(ctx)
	if err != nil {
		return err
	}

	w := &statusRecorder{header: make(http.Header)}
	a.handler.ServeHTTP(w, req)

	if w.status >= http.StatusInternalServerError {
		return errors.Errorf("%s %s: handler responded %d", req.Method, req.URL.Path, w.status)
	}

	return nil
}

type statusRecorder struct {
	header  http.Header
	status  int
	written int64
}

func (w *statusRecorder) Header() http.Header {
	return w.header
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	w.written += int64(len(p))

	return len(p), nil
}
