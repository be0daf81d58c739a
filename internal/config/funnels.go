package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFunnelName names the built-in funnel.
const DefaultFunnelName = "purchase"

// FunnelStepDef is one declared funnel step.
type FunnelStepDef struct {
	Name         string `yaml:"name" json:"name"`
	EventPattern string `yaml:"event" json:"event_pattern"`
}

// FunnelDef is a named ordered list of steps.
type FunnelDef struct {
	Name  string          `yaml:"name" json:"name"`
	Steps []FunnelStepDef `yaml:"steps" json:"steps"`
}

type funnelsFile struct {
	Funnels []FunnelDef `yaml:"funnels"`
}

// DefaultFunnel is the storefront purchase funnel used when no file is configured.
func DefaultFunnel() FunnelDef {
	return FunnelDef{
		Name: DefaultFunnelName,
		Steps: []FunnelStepDef{
			{Name: "Landing", EventPattern: "session_start"},
			{Name: "Product View", EventPattern: "product_view*"},
			{Name: "Add To Cart", EventPattern: "add_to_cart"},
			{Name: "Purchase", EventPattern: "conversion"},
		},
	}
}

// LoadFunnels reads funnel definitions from a YAML file. An empty path yields
// only the default funnel. The default is kept unless the file redefines it.
func LoadFunnels(path string) (map[string]FunnelDef, error) {
	out := map[string]FunnelDef{DefaultFunnelName: DefaultFunnel()}
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read funnels file: %w", err)
	}
	return parseFunnels(data, out)
}

func parseFunnels(data []byte, out map[string]FunnelDef) (map[string]FunnelDef, error) {
	var f funnelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse funnels file: %w", err)
	}
	for _, def := range f.Funnels {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		out[def.Name] = def
	}
	return out, nil
}

// Validate checks that a funnel has a name and well-formed steps.
func (f FunnelDef) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("funnel name is required")
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("funnel %q has no steps", f.Name)
	}
	for i, s := range f.Steps {
		if s.Name == "" || s.EventPattern == "" {
			return fmt.Errorf("funnel %q step %d needs a name and an event", f.Name, i)
		}
	}
	return nil
}
