package providers

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrNoProvidersDefined is returned for a map-form file with no endpoints.
var ErrNoProvidersDefined = errors.New("no providers defined in provider file")

var (
	errMissingProviders = errors.New("parse provider file: missing \"providers\"")
	errProvidersShape   = errors.New("parse provider file: \"providers\" must be a list or a map")
)

// Endpoint is a URL and credential pair for one kind.
type Endpoint struct {
	APIURL string `yaml:"apiUrl" json:"apiUrl"`
	APIKey string `yaml:"apiKey" json:"apiKey"`
}

// Entry is one provider entry as written in the provider file. A per-kind
// endpoint takes precedence over the shared APIURL/APIKey pair.
type Entry struct {
	Enabled *bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Level   int       `yaml:"level,omitempty" json:"level,omitempty"`
	Name    string    `yaml:"name,omitempty" json:"name,omitempty"`
	APIURL  string    `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"`
	APIKey  string    `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	Codex   *Endpoint `yaml:"codex,omitempty" json:"codex,omitempty"`
	Claude  *Endpoint `yaml:"claude,omitempty" json:"claude,omitempty"`
}

// IsEnabled reports whether the entry is enabled; absent means enabled.
func (e Entry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Endpoint resolves the URL and credential the entry provides for kind.
func (e Entry) Endpoint(kind Kind) (Endpoint, bool) {
	var specific *Endpoint
	switch kind {
	case KindCodex:
		specific = e.Codex
	case KindClaude:
		specific = e.Claude
	}
	if specific != nil {
		return *specific, true
	}
	if e.APIURL != "" && e.APIKey != "" {
		return Endpoint{APIURL: e.APIURL, APIKey: e.APIKey}, true
	}
	return Endpoint{}, false
}

type yamlDoc struct {
	Providers yaml.Node `yaml:"providers"`
}

type yamlMap struct {
	Codex  yaml.Node `yaml:"codex"`
	Claude yaml.Node `yaml:"claude"`
}

// Parse decodes a provider file. Two shapes are accepted:
//
//	{"providers": [ Entry, ... ]}
//	{"providers": {"codex": Endpoint | [Endpoint], "claude": Endpoint | [Endpoint]}}
//
// The document may be written as JSON or YAML; both go through yaml.Node.
func Parse(data []byte) ([]Entry, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse provider file: %w", err)
	}

	switch n := &doc.Providers; n.Kind {
	case yaml.SequenceNode:
		var entries []Entry
		if err := n.Decode(&entries); err != nil {
			return nil, fmt.Errorf("parse provider list: %w", err)
		}
		return entries, nil
	case yaml.MappingNode:
		var m yamlMap
		if err := n.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse provider map: %w", err)
		}
		codex, err := yamlEndpoints(&m.Codex)
		if err != nil {
			return nil, fmt.Errorf("parse codex providers: %w", err)
		}
		claude, err := yamlEndpoints(&m.Claude)
		if err != nil {
			return nil, fmt.Errorf("parse claude providers: %w", err)
		}
		return fromMap(codex, claude)
	default:
		if isNull(n) {
			return nil, errMissingProviders
		}
		return nil, errProvidersShape
	}
}

func yamlEndpoints(n *yaml.Node) ([]Endpoint, error) {
	if isNull(n) {
		return nil, nil
	}
	switch n.Kind {
	case yaml.MappingNode:
		var ep Endpoint
		if err := n.Decode(&ep); err != nil {
			return nil, err
		}
		return []Endpoint{ep}, nil
	case yaml.SequenceNode:
		var eps []Endpoint
		if err := n.Decode(&eps); err != nil {
			return nil, err
		}
		return eps, nil
	default:
		return nil, fmt.Errorf("line %d: expected object or list", n.Line)
	}
}

// isNull reports an absent key or an explicit null.
func isNull(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

// fromMap turns map-form endpoints into enabled, level 0 entries with all
// codex endpoints ahead of all claude endpoints.
func fromMap(codex, claude []Endpoint) ([]Entry, error) {
	entries := make([]Entry, 0, len(codex)+len(claude))
	for i := range codex {
		entries = append(entries, Entry{Codex: &codex[i]})
	}
	for i := range claude {
		entries = append(entries, Entry{Claude: &claude[i]})
	}
	if len(entries) == 0 {
		return nil, ErrNoProvidersDefined
	}
	return entries, nil
}

// Flatten expands entries into resolved providers. Disabled entries and
// endpoints with an empty URL or key are skipped. Order is file order, and
// within one entry codex precedes claude.
func Flatten(entries []Entry) []Provider {
	var out []Provider
	for _, e := range entries {
		if !e.IsEnabled() {
			continue
		}
		for _, kind := range Kinds {
			ep, ok := e.Endpoint(kind)
			if !ok || ep.APIURL == "" || ep.APIKey == "" {
				continue
			}
			out = append(out, Provider{
				Kind:    kind,
				BaseURL: ep.APIURL,
				APIKey:  ep.APIKey,
				Name:    e.Name,
				Level:   e.Level,
			})
		}
	}
	return out
}
