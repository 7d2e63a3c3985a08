package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	yaml "go.yaml.in/yaml/v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// formatOf picks the decoder from the file extension. Anything that is not
// .yaml or .yml is read as JSON.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// coerceToJSONBytes returns data as JSON so a single strict decoder handles
// both formats. A YAML file must hold exactly one document; an empty one
// decodes to {}.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	format := formatOf(path)
	if format == formatJSON {
		return data, format, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, format, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return nil, format, errors.New("yaml: config must contain a single document")
	} else if !errors.Is(err, io.EOF) {
		return nil, format, fmt.Errorf("yaml: %w", err)
	}

	obj, err := stringKeys(doc)
	if err != nil {
		return nil, format, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, format, fmt.Errorf("yaml: re-encode as json: %w", err)
	}
	return out, format, nil
}

// stringKeys rewrites YAML maps so they can be encoded as JSON objects.
// Scalar keys (ints, bools) become their string form.
func stringKeys(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			conv, err := stringKeys(item)
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			var key string
			switch kk := k.(type) {
			case string:
				key = kk
			case int:
				key = strconv.Itoa(kk)
			case bool:
				key = strconv.FormatBool(kk)
			default:
				return nil, fmt.Errorf("yaml: unsupported map key %v (%T)", k, k)
			}
			conv, err := stringKeys(item)
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	case []any:
		for i := range x {
			conv, err := stringKeys(x[i])
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	default:
		return v, nil
	}
}
