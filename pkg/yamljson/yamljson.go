// Package yamljson converts YAML documents into JSON-compatible trees.
//
// Mapping keys are stringified, sequences become []any and scalars keep the
// type the YAML decoder resolved (int, float64, bool, string, nil).
package yamljson

import (
	"encoding/json"
	"fmt"
	"math"

	yaml "go.yaml.in/yaml/v3"
)

// Convert decodes a single YAML document and re-encodes it as JSON.
// An empty document yields "null".
func Convert(data []byte) ([]byte, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// Decode parses YAML into a tree that encoding/json can marshal.
func Decode(data []byte) (any, error) {
	var n yaml.Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return FromNode(&n)
}

// FromNode walks a decoded yaml.Node.
func FromNode(n *yaml.Node) (any, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case 0:
		// zero node: empty input
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return FromNode(n.Content[0])
	case yaml.AliasNode:
		return FromNode(n.Alias)
	case yaml.ScalarNode:
		return scalar(n)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := FromNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind == yaml.ScalarNode && k.Tag == "!!merge" {
				if err := merge(out, v); err != nil {
					return nil, err
				}
				continue
			}
			key, err := FromNode(k)
			if err != nil {
				return nil, err
			}
			val, err := FromNode(v)
			if err != nil {
				return nil, err
			}
			out[keyString(key)] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("yamljson: unknown node kind %d at line %d (tag %s)", n.Kind, n.Line, n.Tag)
	}
}

func merge(dst map[string]any, src *yaml.Node) error {
	v, err := FromNode(src)
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case map[string]any:
		for k, vv := range x {
			if _, ok := dst[k]; !ok {
				dst[k] = vv
			}
		}
	case []any:
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("yamljson: merge sequence must contain mappings (line %d)", src.Line)
			}
			for k, vv := range m {
				if _, ok := dst[k]; !ok {
					dst[k] = vv
				}
			}
		}
	default:
		return fmt.Errorf("yamljson: cannot merge %T (line %d)", v, src.Line)
	}
	return nil
}

func scalar(n *yaml.Node) (any, error) {
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, fmt.Errorf("yamljson: line %d: %w", n.Line, err)
	}
	switch x := v.(type) {
	case float64:
		// JSON has no representation for these.
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return n.Value, nil
		}
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), nil
		}
	}
	return v, nil
}

func keyString(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case nil:
		return "null"
	default:
		return fmt.Sprint(x)
	}
}
