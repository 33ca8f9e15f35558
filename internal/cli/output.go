package cli

import (
	"encoding/json"
	"io"

	"github.com/alexjbarnes/listing-sync/internal/render"
)

// output writes v as one JSON line in json format, otherwise calls text.
func output(w io.Writer, f render.Format, v any, text func(io.Writer) error) error {
	if f == render.FormatJSON {
		return json.NewEncoder(w).Encode(v)
	}

	return text(w)
}
