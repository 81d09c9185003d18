package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

// secretPaths are masked by GetPath.
var secretPaths = []string{
	"api.auth.api_key",
	"api.auth.tokens",
	"api.auth.jwt.secret",
	"controller.token",
	"telemetry.mqtt.password",
}

// GetPath retrieves a value from the configuration using a dot-notation path.
// Secrets are redacted.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	redactSecrets(m)

	return getValue(m, path)
}

func redactSecrets(m map[string]any) {
	for _, p := range secretPaths {
		parts := strings.Split(p, ".")
		parent := m
		for _, part := range parts[:len(parts)-1] {
			next, ok := parent[part].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}
		last := parts[len(parts)-1]
		if v, ok := parent[last]; ok && v != nil && v != "" {
			parent[last] = redacted
		}
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

// SetPath writes value at a dot-notation path in the config file at c.Path.
// The edited document must still validate; otherwise the file is left untouched.
// The checksum manifest is not updated.
func (c *Config) SetPath(path, value string) error {
	if c.Path == "" {
		return fmt.Errorf("config has no source file")
	}

	original, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}

	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	updated, err := Parse(candidate)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	mode := os.FileMode(0644)
	if info, statErr := os.Stat(c.Path); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(c.Path, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	updated.Path = c.Path
	*c = *updated
	return nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty path segment")
		}
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			keyNode := current.Content[i]
			if keyNode.Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}

		if !found {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			// Overwritten by the caller when this is the last segment.
			valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, keyNode, valueNode)
			current = valueNode
		}
	}

	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}
