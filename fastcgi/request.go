package fastcgi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

//Request hold information of a FastCGI request as delivered by the web server
type Request struct {
	Method      string
	Path        string
	QueryString string
	Protocol    string
	Header      http.Header

	//Params keeps every received parameter verbatim, last value wins.
	Params map[string]string

	Body *BodyStream
}

func newRequest() *Request {
	return &Request{
		Header: make(http.Header),
		Params: make(map[string]string),
		Body:   newBodyStream(),
	}
}

const httpPrefix = "HTTP_"

//applyParams maps FCGI_PARAMS pairs onto the request. The returned error reports the
//first parameter that could not be applied; remaining pairs are still processed.
func (r *Request) applyParams(pairs []Pair) (err error) {
	for _, p := range pairs {
		r.Params[p.Name] = p.Value

		if strings.HasPrefix(p.Name, httpPrefix) {
			r.addHeader(headerName(p.Name[len(httpPrefix):]), p.Value)
			continue
		}

		switch p.Name {
		case "REQUEST_METHOD":
			r.Method = p.Value

		case "SCRIPT_NAME":
			r.Path = p.Value

		case "QUERY_STRING":
			r.QueryString = p.Value

		case "SERVER_PROTOCOL":
			r.Protocol = p.Value

		case "HTTPS":
			if p.Value != "" {
				r.Protocol = "https"
			}

		case "CONTENT_LENGTH":
			if p.Value == "" {
				continue
			}

			n, perr := strconv.ParseInt(p.Value, 10, 64)
			if perr != nil || n < 0 {
				if err == nil {
					err = errors.Errorf("invalid CONTENT_LENGTH %q", p.Value)
				}
				continue
			}

			r.Body.SetLength(n)
		}
	}

	return err
}

//addHeader appends the comma separated values to any existing values of key.
func (r *Request) addHeader(key, value string) {
	r.Header[key] = append(r.Header[key], strings.Split(value, ",")...)
}

//headerName turns a CGI variable suffix such as X_FORWARDED_FOR into X-Forwarded-For.
func headerName(name string) string {
	b := []byte(name)
	upper := true

	for i, c := range b {
		if c == '_' {
			b[i] = '-'
			upper = true
			continue
		}

		switch {
		case upper && 'a' <= c && c <= 'z':
			b[i] = c - ('a' - 'A')
		case !upper && 'A' <= c && c <= 'Z':
			b[i] = c + ('a' - 'A')
		}
		upper = false
	}

	return string(b)
}
