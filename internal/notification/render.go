package notification

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Render replaces every {{ path.to.key }} token with the value found by
// walking ctx one dot-separated segment at a time. Missing or null values
// render as the empty string.
func Render(tmpl string, ctx map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(token string) string {
		m := placeholder.FindStringSubmatch(token)
		if len(m) < 2 {
			return ""
		}
		return stringify(lookup(ctx, m[1]))
	})
}

func lookup(ctx map[string]any, path string) any {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// Rendered holds the subject and body of an envelope after substitution.
type Rendered struct {
	Subject string
	Body    string
}

func RenderEnvelope(env Envelope) Rendered {
	return Rendered{
		Subject: Render(env.TemplateData.Subject, env.Context),
		Body:    Render(env.TemplateData.Body, env.Context),
	}
}
