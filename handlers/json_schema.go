package handlers

import "github.com/xeipuuv/gojsonschema"

const InvalidateRequestSchemaDefinition = `{
	"type": "object",
	"properties": {
		"reason": {
			"type": "string",
			"minLength": 1,
			"maxLength": 64,
			"pattern": "^[a-z0-9-]+$"
		}
	},
	"additionalProperties": false
}`

var inputSchemas = map[string]string{
	"Invalidate": InvalidateRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(inputSchemas))
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// the definitions above are constants, fail at startup
			panic(err)
		}
		compiled[name] = schema
	}
	return compiled
}

var inputSchemasCompiled = compileJsonSchemas()
