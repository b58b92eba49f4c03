package cloud

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed actions.yaml
var embeddedActions []byte

// ActionDefinition describes one action as a desired-state write.
type ActionDefinition struct {
	Action string         `yaml:"action" json:"action"`
	Shadow string         `yaml:"shadow" json:"shadow"`
	Topic  string         `yaml:"topic" json:"topic"`
	Extra  map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`

	tmpl *template.Template
}

// TopicData is the template input for action topics.
type TopicData struct {
	Serial string
	Type   string
	Thing  string
}

// ResolveTopic evaluates the topic template.
func (d ActionDefinition) ResolveTopic(data TopicData) (string, error) {
	tmpl := d.tmpl
	if tmpl == nil {
		var err error
		if tmpl, err = parseTopic(d.Action, d.Topic); err != nil {
			return "", err
		}
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("topic %q: %w", d.Topic, err)
	}
	topic := b.String()
	if topic == "" {
		return "", fmt.Errorf("action %s: empty topic", d.Action)
	}
	return topic, nil
}

type catalogFile struct {
	Defaults map[string]ActionDefinition   `yaml:"defaults"`
	Types    map[string][]ActionDefinition `yaml:"types"`
}

// ActionCatalog maps station types to their actions.
type ActionCatalog struct {
	byType map[string][]ActionDefinition
}

// DefaultActions returns the built-in catalog.
func DefaultActions() *ActionCatalog {
	c, err := LoadActions(embeddedActions)
	if err != nil {
		panic("cloud: embedded action catalog: " + err.Error())
	}
	return c
}

// LoadActionsFile reads a catalog from disk.
func LoadActionsFile(path string) (*ActionCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	return LoadActions(data)
}

// LoadActions parses a YAML catalog. Every entry must end up with an
// action name, a shadow and a parseable topic.
func LoadActions(data []byte) (*ActionCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}
	c := &ActionCatalog{byType: make(map[string][]ActionDefinition, len(f.Types))}
	for typ, defs := range f.Types {
		seen := make(map[string]bool, len(defs))
		for _, d := range defs {
			if d.Action == "" {
				return nil, fmt.Errorf("%s: action without name", typ)
			}
			if seen[d.Action] {
				return nil, fmt.Errorf("%s: duplicate action %q", typ, d.Action)
			}
			seen[d.Action] = true

			if base, ok := f.Defaults[d.Action]; ok {
				if d.Shadow == "" {
					d.Shadow = base.Shadow
				}
				if d.Topic == "" {
					d.Topic = base.Topic
				}
			}
			if d.Shadow == "" || d.Topic == "" {
				return nil, fmt.Errorf("%s/%s: shadow and topic are required", typ, d.Action)
			}
			tmpl, err := parseTopic(d.Action, d.Topic)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", typ, d.Action, err)
			}
			d.tmpl = tmpl
			c.byType[typ] = append(c.byType[typ], d)
		}
	}
	return c, nil
}

func parseTopic(action, topic string) (*template.Template, error) {
	t, err := template.New(action).Option("missingkey=error").Parse(topic)
	if err != nil {
		return nil, fmt.Errorf("parse topic: %w", err)
	}
	return t, nil
}

// Lookup returns the named action for a station type.
func (c *ActionCatalog) Lookup(stationType, action string) (ActionDefinition, bool) {
	for _, d := range c.byType[stationType] {
		if d.Action == action {
			return d, true
		}
	}
	return ActionDefinition{}, false
}

// Actions returns the actions for a station type in catalog order.
func (c *ActionCatalog) Actions(stationType string) []ActionDefinition {
	return append([]ActionDefinition(nil), c.byType[stationType]...)
}

// Types returns the station types with at least one action, sorted.
func (c *ActionCatalog) Types() []string {
	out := make([]string, 0, len(c.byType))
	for t := range c.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
