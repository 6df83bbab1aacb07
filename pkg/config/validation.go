package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const redactedValue = "***"

var durationType = reflect.TypeOf(time.Duration(0))

// Validate checks the configuration with the default loader rules.
func (c *Config) Validate() error {
	return NewViperLoader("", "").Validate(c)
}

// String renders the configuration as YAML with credential fields masked.
func (c *Config) String() string {
	return c.Redacted(nil)
}

// Redacted renders the configuration as YAML. Values present in secrets (as
// returned by LoadWithSecrets) and non-empty fields tagged redact:"true" are
// masked.
func (c *Config) Redacted(secrets *Config) string {
	r := renderer{redact: true}
	if secrets != nil {
		r.mask = reflect.ValueOf(secrets).Elem()
	}
	return r.render(c)
}

// Plain renders the configuration as YAML without masking anything.
func (c *Config) Plain() string {
	return renderer{}.render(c)
}

type renderer struct {
	mask   reflect.Value
	redact bool
}

func (r renderer) render(c *Config) string {
	node, err := r.mapping(reflect.ValueOf(c).Elem(), r.mask)
	if err != nil {
		return fmt.Sprintf("# invalid configuration: %v\n", err)
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Sprintf("# invalid configuration: %v\n", err)
	}
	return string(out)
}

// mapping walks one struct level. mask is the matching level of the secrets
// config and may be the zero Value.
func (r renderer) mapping(v, mask reflect.Value) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		key := fieldKey(field)
		if !field.IsExported() || key == "-" {
			continue
		}
		value := v.Field(i)
		var fieldMask reflect.Value
		if mask.IsValid() {
			fieldMask = mask.Field(i)
		}

		var (
			child *yaml.Node
			err   error
		)
		switch {
		case value.Kind() == reflect.Struct:
			child, err = r.mapping(value, fieldMask)
		case r.redact && (isSet(fieldMask) || (field.Tag.Get("redact") == "true" && isSet(value))):
			child = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Style: yaml.DoubleQuotedStyle, Value: redactedValue}
		case value.Type() == durationType:
			child = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(value.Int()).String()}
		default:
			child = &yaml.Node{}
			err = child.Encode(value.Interface())
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, child)
	}
	return node, nil
}

func fieldKey(field reflect.StructField) string {
	for _, tag := range []string{"yaml", "mapstructure"} {
		if name, _, _ := strings.Cut(field.Tag.Get(tag), ","); name != "" {
			return name
		}
	}
	return field.Name
}

func isSet(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return !v.IsZero()
	}
}
