package expressions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/engageflow/pkg/schema"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// placeholderAliases maps flat placeholder names onto namespaced context keys.
var placeholderAliases = map[string]string{
	"customer_name":  "customer.name",
	"customer_email": "customer.email",
	"customer_phone": "customer.phone",
}

// Render substitutes {key} placeholders in a prompt template with values from
// the execution context. Dotted keys traverse nested maps. Placeholders with
// no value are left untouched.
func Render(template string, data map[string]any) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := schema.Lookup(data, key)
		if !ok {
			alias, has := placeholderAliases[key]
			if !has {
				return m
			}
			if v, ok = schema.Lookup(data, alias); !ok {
				return m
			}
		}
		return stringify(v)
	})
}

// Placeholders lists the distinct placeholder keys of a template in order.
func Placeholders(template string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprint(v)
	}
}
