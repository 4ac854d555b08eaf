package fhir

import (
	"bufio"
	"encoding/json"
	"io"
)

// NDJSONWriter writes resources in NDJSON (Newline Delimited JSON) format.
// Each resource is serialised as a single JSON line followed by a newline
// character, which is the format required for bulk result files.
type NDJSONWriter struct {
	w     *bufio.Writer
	lines int
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises resource as a single JSON line followed by a
// newline character.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	n.lines++
	return nil
}

// Lines returns the number of resources written so far.
func (n *NDJSONWriter) Lines() int {
	return n.lines
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// ReadNDJSON decodes every non-empty line of r into a generic JSON object.
func ReadNDJSON(r io.Reader) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, scanner.Err()
}
