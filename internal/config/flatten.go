package config

import (
	"strings"
)

// secretFields are the leaf names whose values never print in full,
// wherever they appear in the tree.
var secretFields = []string{"api_key", "api_secret", "token"}

// IsSecretKey reports whether the dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	leaf := key[strings.LastIndex(key, ".")+1:]
	for _, f := range secretFields {
		if leaf == f {
			return true
		}
	}
	return false
}

// Flatten turns {"session": {"scene": "lobby"}} into {"session.scene": "lobby"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			if child, ok := v.(map[string]any); ok {
				walk(prefix+k+".", child)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar standing where a section
// is needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for key, v := range flat {
		node := root
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				node[head] = v
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
	return root
}

// MaskSecrets copies flat, showing only the last four characters of each
// credential ("***3456"). Empty and non-string values pass through.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
