package schema

import "errors"

var (
	// ErrInvalidSchema indicates a schema that is not valid JSON or does not
	// compile under the selected draft.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrInvalidDocument indicates a document that is not valid JSON.
	ErrInvalidDocument = errors.New("invalid document")
)
