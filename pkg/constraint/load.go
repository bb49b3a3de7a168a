package constraint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

type ruleFile struct {
	Hard []struct {
		ID          string `yaml:"id"`
		Scope       string `yaml:"scope"`
		Description string `yaml:"description"`
		Expr        string `yaml:"expr"`
	} `yaml:"hard"`
	Soft []struct {
		ID          string `yaml:"id"`
		Scope       string `yaml:"scope"`
		Description string `yaml:"description"`
		Expr        string `yaml:"expr"`
		Overridable bool   `yaml:"overridable"`
	} `yaml:"soft"`
}

// LoadFile registers additional rules from a YAML file on top of whatever
// the registry already holds. A rule that fails to compile aborts the whole
// load; a partially applied rule file would be worse than none.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("constraint: read rule file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("constraint: parse rule file: %w", err)
	}

	for _, h := range f.Hard {
		rule := HardRule{
			ID:          h.ID,
			Scope:       scopeOrAll(h.Scope),
			Description: h.Description,
			Expr:        h.Expr,
		}
		if err := r.RegisterHard(rule); err != nil {
			return err
		}
	}
	for _, s := range f.Soft {
		rule := SoftRule{
			ID:          s.ID,
			Scope:       scopeOrAll(s.Scope),
			Description: s.Description,
			Expr:        s.Expr,
			Overridable: s.Overridable,
		}
		if err := r.RegisterSoft(rule); err != nil {
			return err
		}
	}
	return nil
}

func scopeOrAll(s string) contracts.ActionType {
	if s == "" {
		return contracts.ScopeAll
	}
	return contracts.ActionType(s)
}
