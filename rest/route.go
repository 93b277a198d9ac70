package rest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/WelcomerTeam/Crust/ratelimit"
)

// Route is an endpoint template such as /channels/{channel_id}/messages
// along with the values for its parameters.
type Route struct {
	Params   ratelimit.Params
	Method   string
	Template string
}

// NewRoute creates a route. params are given as name, value pairs.
func NewRoute(method, template string, params ...string) Route {
	route := Route{
		Method:   method,
		Template: template,
	}

	if len(params) > 0 {
		route.Params = make(ratelimit.Params, len(params)/2)

		for i := 0; i+1 < len(params); i += 2 {
			route.Params[params[i]] = params[i+1]
		}
	}

	return route
}

// Path fills in the template. Parameter values are path escaped.
func (r Route) Path() (string, error) {
	var b strings.Builder

	template := r.Template

	for {
		start := strings.IndexByte(template, '{')
		if start < 0 {
			b.WriteString(template)

			break
		}

		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated parameter in %s", ErrInvalidRoute, r.Template)
		}

		end += start

		name := template[start+1 : end]

		value, ok := r.Params[name]
		if !ok {
			return "", fmt.Errorf("%w: %s in %s", ErrInvalidRoute, name, r.Template)
		}

		b.WriteString(template[:start])
		b.WriteString(url.PathEscape(value))

		template = template[end+1:]
	}

	return b.String(), nil
}

func (r Route) String() string {
	return r.Method + " " + r.Template
}
