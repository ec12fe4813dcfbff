package cmdutil

import (
	"encoding/json"
	"io"
)

// WriteJSON writes v as one JSON document followed by a newline. HTML
// characters are left unescaped so URLs stay readable.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
