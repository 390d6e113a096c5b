package orchestrator

import "bytes"

// jsonschemaResource adapts raw JSON schema bytes to the io.Reader the
// jsonschema compiler's AddResource expects.
func jsonschemaResource(raw []byte) *bytes.Reader {
	return bytes.NewReader(raw)
}
