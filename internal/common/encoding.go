package common

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// LookupEncoding resolves a WHATWG encoding label ("utf-8", "latin1", "windows-1252", ...).
// Only ASCII-compatible encodings are accepted: worker output is split on the
// newline byte before it is decoded.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if strings.TrimSpace(name) == "" {
		name = "utf-8"
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown stream encoding %q: %w", name, err)
	}

	canonical, err := htmlindex.Name(enc)
	if err == nil && strings.HasPrefix(canonical, "utf-16") {
		return nil, fmt.Errorf("stream encoding %q is not ASCII-compatible", name)
	}

	return enc, nil
}
