package actions

import (
	"encoding/json"
	"time"
)

// paramSet reads loosely typed leaf parameters. YAML blueprints decode
// numbers as int and JSON ones as float64; both are accepted.
type paramSet map[string]any

func (p paramSet) str(key string) string { return p.strOr(key, "") }

func (p paramSet) strOr(key, def string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return def
}

func (p paramSet) flag(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p paramSet) integer(key string, def int) int {
	switch n := p[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// duration accepts a Go duration string or a whole number of milliseconds.
// ok is false when the key is present but unusable.
func (p paramSet) duration(key string, def time.Duration) (d time.Duration, ok bool) {
	v, present := p[key]
	if !present {
		return def, true
	}
	if s, isStr := v.(string); isStr {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return def, false
		}
		return parsed, true
	}
	if ms := p.integer(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return def, false
}

// list keeps the string elements of an array parameter.
func (p paramSet) list(key string) []string {
	arr, _ := p[key].([]any)
	var out []string
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dict keeps the string values of an object parameter; nil when absent.
func (p paramSet) dict(key string) map[string]string {
	obj, ok := p[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func marshalOutput(result map[string]any) (*ActionOutput, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: data}, nil
}
