package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	app_errors "relaychat/internal/errors"
)

type jsonExporter struct{}

func (jsonExporter) Extension() string { return string(FormatJSON) }
func (jsonExporter) MimeType() string  { return "application/json" }

func (jsonExporter) Export(w io.Writer, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode export: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Import reads a JSON export back into a Document. Exporting the result
// produces the same bytes.
func Import(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid export document: %v", app_errors.ErrValidation, err)
	}
	if doc.Messages == nil {
		return nil, fmt.Errorf("%w: export document has no messages array", app_errors.ErrValidation)
	}
	return &doc, nil
}

// ImportBytes is Import over an in-memory document.
func ImportBytes(data []byte) (*Document, error) {
	return Import(bytes.NewReader(data))
}
