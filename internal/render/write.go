package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Format selects an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// Write encodes p to w in the given format.
func Write(w io.Writer, f Format, p Page) error {
	if f == FormatJSON {
		return WriteJSON(w, p)
	}

	return WriteText(w, p)
}

// WriteJSON writes p as one JSON line.
func WriteJSON(w io.Writer, p Page) error {
	return json.NewEncoder(w).Encode(p)
}

// WriteText writes p as a human readable block.
func WriteText(w io.Writer, p Page) error {
	var b strings.Builder

	fmt.Fprintf(&b, "== %s  page %d/%d  (%d total)\n", p.View, p.Page, p.Pages, p.Total)

	if p.Empty {
		b.WriteString("   no results\n")
	}

	for _, row := range p.Rows {
		fmt.Fprintf(&b, "-  %s", row.Title)

		if row.Subtitle != "" {
			fmt.Fprintf(&b, " | %s", row.Subtitle)
		}

		if row.Likes != nil {
			heart := "♡"
			if row.Liked {
				heart = "♥"
			}

			fmt.Fprintf(&b, "  %s %s", heart, strconv.FormatFloat(*row.Likes, 'f', -1, 64))
		}

		fmt.Fprintf(&b, "  [%s]\n", row.ID)

		for _, d := range row.Details {
			fmt.Fprintf(&b, "     %s: %s\n", d.Name, d.Value)
		}

		if row.Image != "" {
			fmt.Fprintf(&b, "     image: %s\n", row.Image)
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}
