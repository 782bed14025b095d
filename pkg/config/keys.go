package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Get returns the YAML rendering of the value at a dotted key such as
// "gateway.url". Scalars are returned bare.
func (c *Config) Get(key string) (string, error) {
	root, err := c.node()
	if err != nil {
		return "", err
	}
	n, err := lookup(root, key)
	if err != nil {
		return "", err
	}
	if n.Kind == yaml.ScalarNode {
		return n.Value, nil
	}
	out, err := yaml.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", key, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// Set parses value as YAML and stores it at a dotted key. The result is
// decoded back into the typed config so type errors surface here.
func (c *Config) Set(key, value string) error {
	root, err := c.node()
	if err != nil {
		return err
	}
	n, err := lookup(root, key)
	if err != nil {
		return err
	}

	var parsed yaml.Node
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("parse value for %s: %w", key, err)
	}
	if len(parsed.Content) == 0 {
		*n = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
	} else {
		*n = *parsed.Content[0]
	}

	updated := Default()
	if err := root.Decode(updated); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	*c = *updated
	return nil
}

func (c *Config) node() (*yaml.Node, error) {
	var doc yaml.Node
	if err := doc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return &doc, nil
}

func lookup(root *yaml.Node, key string) (*yaml.Node, error) {
	cur := root
	for _, part := range strings.Split(key, ".") {
		if cur.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(cur.Content); i += 2 {
			if cur.Content[i].Value == part {
				next = cur.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
		cur = next
	}
	return cur, nil
}
