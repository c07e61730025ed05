package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema describes config.json.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "hide_zero_message_sessions": {"type": "boolean"},
    "hide_low_message_sessions": {"type": "boolean"},
    "recent_window_days": {"type": "integer", "minimum": 1, "maximum": 90},
    "refresh_interval": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ms|s|m|h))+$"
    },
    "db_path": {"type": "string", "minLength": 1},
    "enable_file_watcher": {"type": "boolean"},
    "sources": {
      "type": "object",
      "propertyNames": {
        "enum": ["claude", "codex", "gemini", "opencode", "copilot", "droid"]
      },
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "root": {"type": "string"},
          "enabled": {"type": "boolean"},
          "exclude": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidationError lists every schema violation in a config document.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Errors, "; "))
}

// Validate checks a raw config document against the schema.
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errorMsgs []string
		for _, err := range result.Errors() {
			errorMsgs = append(errorMsgs, err.String())
		}
		return &ValidationError{Errors: errorMsgs}
	}

	return nil
}
