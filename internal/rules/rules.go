// Package rules holds the rule pack: the selector data that ties deskpilot
// to one revision of the agent desktop markup. The defaults are embedded;
// a file can override any query by name.
package rules

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"deskpilot/internal/locator"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Pack is the full set of queries the features use.
type Pack struct {
	AssignTo     locator.Query `yaml:"assign_to"`
	AssignGroup  locator.Query `yaml:"assign_group"`
	Queue        locator.Query `yaml:"queue"`
	QueueOptions locator.Query `yaml:"queue_options"`
	HoldTimer    locator.Query `yaml:"hold_timer"`
	HostState    locator.Query `yaml:"host_state"`
}

// Defaults returns the embedded pack.
func Defaults() Pack {
	var p Pack
	if err := yaml.Unmarshal(defaultsYAML, &p); err != nil {
		panic(eris.Wrap(err, "rules: embedded defaults"))
	}
	return p
}

// Load returns the defaults overlaid with the queries present in path.
// An empty path yields the defaults.
func Load(path string) (Pack, error) {
	p := Defaults()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrapf(err, "rules: read %s", path)
	}
	return Overlay(p, raw)
}

// Overlay decodes raw over base. Queries missing from raw keep their base
// value; a query present in raw replaces the whole base query.
func Overlay(base Pack, raw []byte) (Pack, error) {
	var over map[string]locator.Query
	if err := yaml.Unmarshal(raw, &over); err != nil {
		return base, eris.Wrap(err, "rules: parse overlay")
	}
	targets := map[string]*locator.Query{
		"assign_to":     &base.AssignTo,
		"assign_group":  &base.AssignGroup,
		"queue":         &base.Queue,
		"queue_options": &base.QueueOptions,
		"hold_timer":    &base.HoldTimer,
		"host_state":    &base.HostState,
	}
	for key, q := range over {
		dst, ok := targets[key]
		if !ok {
			return base, eris.Errorf("rules: unknown query %q", key)
		}
		if len(q.Rules) == 0 {
			return base, eris.Errorf("rules: query %q has no rules", key)
		}
		if q.Name == "" {
			q.Name = dst.Name
		}
		*dst = q
	}
	return base, nil
}

// WithText returns a copy of q where every rule additionally requires the
// given text. The original query is left untouched.
func WithText(q locator.Query, text string) locator.Query {
	out := q
	out.Rules = make([]locator.Rule, len(q.Rules))
	for i, r := range q.Rules {
		r.Text = text
		out.Rules[i] = r
	}
	return out
}

// WithAttr returns a copy of q where every rule additionally requires the
// attribute to be present.
func WithAttr(q locator.Query, name string) locator.Query {
	out := q
	out.Rules = make([]locator.Rule, len(q.Rules))
	for i, r := range q.Rules {
		attrs := make([]locator.AttrMatch, 0, len(r.Attrs)+1)
		attrs = append(attrs, r.Attrs...)
		attrs = append(attrs, locator.AttrMatch{Name: name, Op: locator.OpPresent})
		r.Attrs = attrs
		out.Rules[i] = r
	}
	return out
}
