package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Formatter renders a Status as either human-readable text or JSON.
type Formatter struct {
	w    io.Writer
	json bool
}

// NewFormatter builds a Formatter writing to w, in JSON if asJSON is set.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, json: asJSON}
}

// FormatStatus prints st to the formatter's writer.
func (f *Formatter) FormatStatus(st Status) {
	if f.json {
		enc := json.NewEncoder(f.w)
		enc.SetIndent("", "  ")
		enc.Encode(st)
		return
	}
	fmt.Fprintf(f.w, "guid:            %s\n", st.GUID)
	fmt.Fprintf(f.w, "names:           %d\n", st.NameCount)
	fmt.Fprintf(f.w, "bus2bus links:   %d\n", st.BusToBusCount)
	fmt.Fprintf(f.w, "advertised names: %d\n", st.AdvertiseCount)
}
