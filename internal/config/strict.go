package config

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// strictUnmarshal decodes raw YAML onto dst, rejecting any top-level or
// nested mapping key that has no corresponding yaml-tagged struct field.
// yaml.v3's Decoder has no DisallowUnknownFields equivalent to
// encoding/json's, so unknown keys are caught by walking the decoded
// yaml.Node tree against dst's struct tags before the final Decode.
func strictUnmarshal(raw []byte, dst any) error {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	if len(node.Content) == 0 {
		return nil // empty document
	}
	if err := checkUnknownKeys(node.Content[0], reflect.TypeOf(dst).Elem(), ""); err != nil {
		return err
	}
	return yaml.Unmarshal(raw, dst)
}

func checkUnknownKeys(n *yaml.Node, t reflect.Type, path string) error {
	if t.Kind() == reflect.Map || t.Kind() == reflect.Slice {
		for i, child := range n.Content {
			childPath := path
			if n.Kind == yaml.MappingNode {
				if i%2 == 0 {
					continue // map key; its value follows
				}
				childPath = path + "." + n.Content[i-1].Value
			}
			if err := checkUnknownKeys(child, t.Elem(), childPath); err != nil {
				return err
			}
		}
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}
	allowed := yamlFieldTypes(t)
	for i := 0; i < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := n.Content[i+1]
		fieldType, ok := allowed[key]
		if !ok {
			full := key
			if path != "" {
				full = path + "." + key
			}
			return fmt.Errorf("unrecognized config option %q", full)
		}
		if k := fieldType.Kind(); k == reflect.Struct || k == reflect.Map || k == reflect.Slice {
			nextPath := key
			if path != "" {
				nextPath = path + "." + key
			}
			if err := checkUnknownKeys(val, fieldType, nextPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// yamlFieldTypes returns the set of yaml keys a struct type accepts,
// mapped to their Go field type. Map keys and slice positions are free;
// checkUnknownKeys checks each map value and slice element against the
// element type instead.
func yamlFieldTypes(t reflect.Type) map[string]reflect.Type {
	out := map[string]reflect.Type{}
	if t.Kind() == reflect.Map || t.Kind() == reflect.Slice {
		return out
	}
	if t.Kind() != reflect.Struct {
		return out
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("yaml")
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		if name == "-" {
			continue
		}
		out[name] = f.Type
	}
	return out
}
