package manifest

// schemaJSON accepts the three manifest shapes: a list of prompt strings, a
// list of job objects, or an object with jobs and shared defaults.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "params": {
      "type": "object",
      "properties": {
        "prompt": {"type": "string"},
        "kind": {"type": "string", "minLength": 1},
        "model": {"type": "string"},
        "hint": {"type": "string"},
        "echo_prompt": {"type": "boolean"},
        "batch_size": {"type": ["number", "string"]},
        "count": {"type": ["number", "string"]},
        "duration": {"type": ["number", "string"]}
      }
    },
    "jobList": {
      "type": "array",
      "minItems": 1,
      "items": {
        "oneOf": [
          {"type": "string", "minLength": 1},
          {"$ref": "#/definitions/params"}
        ]
      }
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/jobList"},
    {
      "type": "object",
      "required": ["jobs"],
      "properties": {
        "jobs": {"$ref": "#/definitions/jobList"},
        "defaults": {"$ref": "#/definitions/params"}
      }
    }
  ]
}`
