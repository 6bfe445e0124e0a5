package blueprint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Format is the encoding of a blueprint document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension. Anything that is
// not .json is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Loader decodes blueprint documents and checks them against the blueprint
// schema.
type Loader struct {
	schemas *SchemaValidator
}

// NewLoader creates a Loader backed by schemas.
func NewLoader(schemas *SchemaValidator) *Loader {
	return &Loader{schemas: schemas}
}

// Load reads and parses the blueprint file at path.
func (l *Loader) Load(path string) (*schema.Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewOpErrorf(schema.ErrCodeNotFound, "read blueprint %s", path).WithCause(err)
	}
	return l.Parse(data, FormatFromPath(path))
}

// Parse decodes data in the given format. The document is validated against
// the blueprint schema before it is decoded into a Blueprint.
func (l *Loader) Parse(data []byte, format Format) (*schema.Blueprint, error) {
	var doc any
	if err := decode(data, format, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, schema.NewOpError(schema.ErrCodeValidation, "blueprint document is empty")
	}

	if err := l.schemas.ValidateDocument(normalize(doc)).ToError(); err != nil {
		return nil, err
	}

	var bp schema.Blueprint
	if err := decode(data, format, &bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

func decode(data []byte, format Format, out any) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, out); err != nil {
			return schema.NewOpError(schema.ErrCodeValidation, "invalid JSON blueprint").WithCause(err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return schema.NewOpError(schema.ErrCodeValidation, "invalid YAML blueprint").WithCause(err)
		}
	default:
		return schema.NewOpErrorf(schema.ErrCodeValidation, "unknown blueprint format %q", format)
	}
	return nil
}

// normalize converts the map[any]any values yaml produces for non-string
// keys so the document can be encoded as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
