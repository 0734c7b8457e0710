// Package content decodes authored assessment definitions and prepares them for
// learners.
package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// ErrMalformedQuestions indicates the stored question list cannot be used.
var ErrMalformedQuestions = errors.New("malformed question data")

const questionSchemaURL = "mem://gema/questions.schema.json"

const questionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["kind", "prompt"],
    "properties": {
      "kind": {"type": "string", "minLength": 1},
      "prompt": {"type": "string"},
      "points": {"type": ["number", "null"], "exclusiveMinimum": 0},
      "correct_answer": {"type": ["string", "null"]},
      "choices": {"type": ["array", "null"], "items": {"type": "string"}},
      "pairs": {
        "type": ["array", "null"],
        "items": {
          "type": "object",
          "required": ["prompt", "answer"],
          "properties": {
            "prompt": {"type": "string"},
            "answer": {"type": "string"}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(questionSchemaURL, strings.NewReader(questionSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(questionSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeQuestions validates and decodes a stored question list. An empty payload is a
// definition without questions.
func DecodeQuestions(raw []byte) ([]models.Question, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []models.Question{}, nil
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("compile question schema: %w", err)
	}

	var document interface{}
	if err := json.Unmarshal(trimmed, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuestions, err)
	}
	if err := schema.Validate(document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuestions, err)
	}

	var questions []models.Question
	if err := json.Unmarshal(trimmed, &questions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQuestions, err)
	}

	for index := range questions {
		kind, ok := models.ParseQuestionKind(string(questions[index].Kind))
		if !ok {
			return nil, fmt.Errorf("%w: question %d has unknown kind %q", ErrMalformedQuestions, index, questions[index].Kind)
		}
		questions[index].Kind = kind
	}

	return questions, nil
}

// EncodeQuestions serialises questions for storage.
func EncodeQuestions(questions []models.Question) ([]byte, error) {
	if questions == nil {
		questions = []models.Question{}
	}
	return json.Marshal(questions)
}
