package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvVarSpec represents a parsed environment variable specification
type EnvVarSpec struct {
	// VarName is the environment variable name (e.g., "REDIS_ADDR")
	VarName string

	HasDefault   bool
	DefaultValue string

	// IsLiteral indicates if this is a literal value (not an env var)
	IsLiteral    bool
	LiteralValue string
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// ParseEnvVar parses a config value that may contain environment variable syntax
//
// Supported formats:
//   - ${VAR}         - Required environment variable
//   - ${VAR:default} - Optional environment variable with default
//   - literal        - Plain literal value (no env var)
func ParseEnvVar(value string) EnvVarSpec {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return EnvVarSpec{IsLiteral: true, LiteralValue: value}
	}

	spec := EnvVarSpec{
		VarName:    matches[1],
		HasDefault: matches[2] != "",
	}
	if spec.HasDefault {
		spec.DefaultValue = strings.TrimPrefix(matches[2], ":")
	}
	return spec
}

// Resolve returns the value of spec using lookup for environment variables.
func (s EnvVarSpec) Resolve(lookup func(string) (string, bool)) (string, error) {
	if s.IsLiteral {
		return s.LiteralValue, nil
	}
	if v, ok := lookup(s.VarName); ok {
		return v, nil
	}
	if s.HasDefault {
		return s.DefaultValue, nil
	}
	return "", fmt.Errorf("environment variable %s is required", s.VarName)
}

// expandEnv substitutes ${VAR} and ${VAR:default} in every string scalar of
// a parsed YAML document. Substituted scalars are re-resolved so "${PORT}"
// can fill an integer field.
func expandEnv(node *yaml.Node, lookup func(string) (string, bool)) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag != "!!str" && node.Tag != "" {
			return nil
		}
		spec := ParseEnvVar(node.Value)
		if spec.IsLiteral {
			return nil
		}
		v, err := spec.Resolve(lookup)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		node.Value = v
		node.Tag = ""
		node.Style = 0
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode:
		for _, child := range node.Content {
			if err := expandEnv(child, lookup); err != nil {
				return err
			}
		}
	}
	return nil
}
