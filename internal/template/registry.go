// Package template holds the catalog of pre-approved WhatsApp message
// templates. Templates are the only content that may be sent outside the
// 24-hour customer window.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Variable struct {
	Position     int     `json:"position"`
	Name         string  `json:"name,omitempty"`
	DefaultValue *string `json:"default_value,omitempty"`
}

type MessageTemplate struct {
	Name      string     `json:"name"`
	Language  string     `json:"language"`
	Category  string     `json:"category"`
	Body      string     `json:"body"`
	Variables []Variable `json:"variables"`
}

// Registry is an immutable name -> template catalog.
type Registry struct {
	templates map[string]MessageTemplate
}

func NewRegistry(templates ...MessageTemplate) (*Registry, error) {
	r := &Registry{templates: make(map[string]MessageTemplate, len(templates))}
	for _, t := range templates {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("template: name cannot be empty")
		}
		if _, dup := r.templates[t.Name]; dup {
			return nil, fmt.Errorf("template: duplicate name %q", t.Name)
		}
		t.Variables = append([]Variable(nil), t.Variables...)
		r.templates[t.Name] = t
	}
	return r, nil
}

func (r *Registry) Get(name string) (MessageTemplate, bool) {
	if r == nil {
		return MessageTemplate{}, false
	}
	t, ok := r.templates[name]
	return t, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns the templates sorted by name.
func (r *Registry) All() []MessageTemplate {
	if r == nil {
		return nil
	}
	out := make([]MessageTemplate, 0, len(r.templates))
	for _, n := range r.Names() {
		out = append(out, r.templates[n])
	}
	return out
}

// Render substitutes each declared variable with the supplied value, then the
// variable's default. Variables with neither keep their literal {{n}} token so
// callers can detect the missing value with Missing. Substitution is a single
// pass over the body, so placeholders inside values stay literal.
func Render(t MessageTemplate, values map[int]string) string {
	declared := make(map[int]Variable, len(t.Variables))
	for _, v := range t.Variables {
		declared[v.Position] = v
	}
	return placeholderPattern.ReplaceAllStringFunc(t.Body, func(token string) string {
		pos, err := strconv.Atoi(token[2 : len(token)-2])
		if err != nil {
			return token
		}
		v, ok := declared[pos]
		if !ok {
			return token
		}
		if value, ok := values[pos]; ok {
			return value
		}
		if v.DefaultValue != nil {
			return *v.DefaultValue
		}
		return token
	})
}

var placeholderPattern = regexp.MustCompile(`\{\{(\d+)\}\}`)

// Missing returns the sorted, de-duplicated positions in t's body that Render
// would leave as {{n}} tokens: undeclared positions, and declared ones with
// neither a supplied value nor a default.
func Missing(t MessageTemplate, values map[int]string) []int {
	declared := make(map[int]Variable, len(t.Variables))
	for _, v := range t.Variables {
		declared[v.Position] = v
	}
	seen := map[int]bool{}
	var out []int
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		v, ok := declared[n]
		if ok {
			if _, supplied := values[n]; supplied || v.DefaultValue != nil {
				continue
			}
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
