package plugins

import (
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Parameter accessors. Parameter maps come from JSON, so numbers arrive as
// float64 and lists as []any; these helpers normalize.

func paramStr(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func paramBool(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func paramStrList(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func paramDuration(params map[string]any, key string, def time.Duration) time.Duration {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return def
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
