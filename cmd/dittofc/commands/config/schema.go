package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/internal/bytesize"
	"github.com/marmos91/dittofc/pkg/config"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

var schemaOutput string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Generate JSON schema for configuration",
	Long: `Generate a JSON schema for the DittoFC configuration file.

The schema can be used for:
  - IDE autocompletion (VS Code, IntelliJ, etc.)
  - Configuration file validation

Examples:
  # Print schema to stdout
  dittofc config schema

  # Save schema to file
  dittofc config schema --output config.schema.json`,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOutput, "output", "o", "", "Output file (default: stdout)")
}

// wwnPattern matches the colon separated form a WWN is written in.
const wwnPattern = `^([0-9a-fA-F]{2}:){7}[0-9a-fA-F]{2}$`

var (
	wwnType      = reflect.TypeOf(frame.WWN(0))
	durationType = reflect.TypeOf(time.Duration(0))
	sizeType     = reflect.TypeOf(bytesize.ByteSize(0))
)

// schemaMapper describes the types the config file spells as strings.
func schemaMapper(t reflect.Type) *jsonschema.Schema {
	switch t {
	case wwnType:
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     wwnPattern,
			Description: "World Wide Name, e.g. 21:00:00:00:00:00:00:01",
		}
	case sizeType:
		return &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "integer", Minimum: json.Number("0")},
				{Type: "string", Pattern: `^\s*\d+(\.\d+)?\s*[a-zA-Z]*\s*$`},
			},
			Description: "Size in bytes, e.g. 64Mi or 1048576",
		}
	case durationType:
		return &jsonschema.Schema{
			Type:        "string",
			Description: "Duration, e.g. 2s or 500ms",
		}
	}
	return nil
}

func generateSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "yaml",
		Mapper:                    schemaMapper,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Version = "https://json-schema.org/draft/2020-12/schema"
	schema.Title = "DittoFC Configuration"
	schema.Description = "Configuration schema for the DittoFC node"

	return json.MarshalIndent(schema, "", "  ")
}

func runSchema(cmd *cobra.Command, args []string) error {
	schemaJSON, err := generateSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	if schemaOutput != "" {
		if err := os.WriteFile(schemaOutput, schemaJSON, 0644); err != nil {
			return fmt.Errorf("failed to write schema file: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "JSON schema written to %s\n", schemaOutput)
		return nil
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(schemaJSON))
	return nil
}
