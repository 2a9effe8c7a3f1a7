package format

import (
	"reflect"
	"testing"
)

func TestSanitizeSchemaEmptyGetsPlaceholder(t *testing.T) {
	for _, schema := range []map[string]interface{}{nil, {}} {
		result := SanitizeSchema(schema)
		props, ok := result["properties"].(map[string]interface{})
		if !ok {
			t.Fatalf("expected placeholder properties, got %#v", result)
		}
		if _, ok := props["reason"]; !ok {
			t.Errorf("placeholder missing reason property: %#v", props)
		}
		if result["type"] != "object" {
			t.Errorf("expected type object, got %v", result["type"])
		}
	}
}

func TestSanitizeSchemaStripsDisallowedFields(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                "MyTool",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":      "string",
				"minLength": float64(1),
			},
		},
		"required": []interface{}{"path"},
	}

	result := SanitizeSchema(schema)

	for _, key := range []string{"additionalProperties", "$schema", "title"} {
		if _, ok := result[key]; ok {
			t.Errorf("field %q should have been stripped", key)
		}
	}
	props := result["properties"].(map[string]interface{})
	path := props["path"].(map[string]interface{})
	if _, ok := path["minLength"]; ok {
		t.Error("nested minLength should have been stripped")
	}
	if path["type"] != "string" {
		t.Errorf("nested type lost: %#v", path)
	}
}

func TestSanitizeSchemaConstBecomesEnum(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{
		"type":  "string",
		"const": "fixed",
	})

	enum, ok := result["enum"].([]interface{})
	if !ok || len(enum) != 1 || enum[0] != "fixed" {
		t.Errorf("const not converted to enum: %#v", result)
	}
	if _, ok := result["const"]; ok {
		t.Error("const field should be removed")
	}
}

func TestSanitizeSchemaObjectWithoutPropertiesGetsPlaceholder(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{"type": "object"})

	props, ok := result["properties"].(map[string]interface{})
	if !ok || len(props) == 0 {
		t.Fatalf("expected placeholder properties, got %#v", result)
	}
	if _, ok := props["reason"]; !ok {
		t.Errorf("expected reason placeholder, got %#v", props)
	}
}

func TestSanitizeSchemaItemsVariants(t *testing.T) {
	result := SanitizeSchema(map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type":    "string",
			"default": "x",
		},
	})
	items := result["items"].(map[string]interface{})
	if _, ok := items["default"]; ok {
		t.Error("items.default should have been stripped")
	}

	result = SanitizeSchema(map[string]interface{}{
		"type": "array",
		"items": []interface{}{
			map[string]interface{}{"type": "string", "pattern": "^a"},
			map[string]interface{}{"type": "number"},
		},
	})
	tuple := result["items"].([]interface{})
	if len(tuple) != 2 {
		t.Fatalf("tuple items lost: %#v", result)
	}
	if _, ok := tuple[0].(map[string]interface{})["pattern"]; ok {
		t.Error("tuple item pattern should have been stripped")
	}
}

func TestSanitizeSchemaIdempotent(t *testing.T) {
	schemas := []map[string]interface{}{
		nil,
		{"type": "object"},
		{
			"type": "object",
			"properties": map[string]interface{}{
				"cmd":  map[string]interface{}{"type": "string", "const": "run"},
				"args": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required":             []interface{}{"cmd"},
			"additionalProperties": false,
		},
	}

	for _, schema := range schemas {
		once := SanitizeSchema(schema)
		twice := SanitizeSchema(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("sanitize not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
		}
	}
}

func TestCleanSchemaUppercasesTypes(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count": map[string]interface{}{"type": "integer"},
			"tags":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
	})

	if result["type"] != "OBJECT" {
		t.Errorf("expected OBJECT, got %v", result["type"])
	}
	props := result["properties"].(map[string]interface{})
	if props["count"].(map[string]interface{})["type"] != "INTEGER" {
		t.Errorf("nested type not uppercased: %#v", props["count"])
	}
	items := props["tags"].(map[string]interface{})["items"].(map[string]interface{})
	if items["type"] != "STRING" {
		t.Errorf("items type not uppercased: %#v", items)
	}
}

func TestCleanSchemaRefBecomesHint(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"$ref": "#/$defs/Location",
	})

	if _, ok := result["$ref"]; ok {
		t.Error("$ref should be removed")
	}
	desc, _ := result["description"].(string)
	if desc != "See: Location" {
		t.Errorf("expected ref hint, got %q", desc)
	}
	if result["type"] != "OBJECT" {
		t.Errorf("ref replacement should be an object, got %v", result["type"])
	}
}

func TestCleanSchemaFlattensAnyOf(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "string"},
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"type": "string"},
				},
			},
		},
	})

	if _, ok := result["anyOf"]; ok {
		t.Error("anyOf should be removed")
	}
	// The object branch scores highest and wins
	if result["type"] != "OBJECT" {
		t.Errorf("expected object branch selected, got %v", result["type"])
	}
	if _, ok := result["properties"]; !ok {
		t.Error("selected branch properties lost")
	}
}

func TestCleanSchemaNullableTypeArrayDropsRequired(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
			"note": map[string]interface{}{"type": []interface{}{"string", "null"}},
		},
		"required": []interface{}{"name", "note"},
	})

	props := result["properties"].(map[string]interface{})
	note := props["note"].(map[string]interface{})
	if note["type"] != "STRING" {
		t.Errorf("nullable type not flattened: %#v", note)
	}

	required, _ := result["required"].([]interface{})
	for _, r := range required {
		if r == "note" {
			t.Error("nullable property should be dropped from required")
		}
	}
	if len(required) != 1 || required[0] != "name" {
		t.Errorf("unexpected required: %#v", required)
	}
}

func TestCleanSchemaConstraintsMoveToDescription(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"type":      "string",
		"minLength": float64(3),
	})

	if _, ok := result["minLength"]; ok {
		t.Error("minLength should be stripped")
	}
	desc, _ := result["description"].(string)
	if desc == "" {
		t.Error("constraint hint missing from description")
	}
}

func TestCleanSchemaDropsRequiredForMissingProperty(t *testing.T) {
	result := CleanSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"a": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"a", "ghost"},
	})

	required := result["required"].([]interface{})
	if len(required) != 1 || required[0] != "a" {
		t.Errorf("required not pruned to defined properties: %#v", required)
	}
}
