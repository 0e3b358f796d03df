package config

import "strings"

// secretKeys are the dot-separated keys whose values are credentials.
var secretKeys = map[string]bool{
	"llm.api_key":         true,
	"anthropic.api_key":   true,
	"mapbox.access_token": true,
	"roboflow.api_key":    true,
	"brave.api_key":       true,
	"telegram.token":      true,
	"storage.dsn":         true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns {"llm": {"model": "gpt-4o"}} into {"llm.model": "gpt-4o"}.
// Empty nested maps produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A key that is both a leaf and a
// prefix of another key ends up as a map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		node := out
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				if _, isMap := node[head].(map[string]any); !isMap {
					node[head] = v
				}
				break
			}
			child, ok := node[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[head] = child
			}
			node, key = child, rest
		}
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values shown as
// "***" plus their last 4 characters. Empty values are left empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && secretKeys[k] && s != "" {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
