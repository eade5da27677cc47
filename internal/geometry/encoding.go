package geometry

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// aliases maps names used by Windows tooling onto WHATWG labels.
var aliases = map[string]string{
	"cp949":  "euc-kr",
	"uhc":    "euc-kr",
	"cp1252": "windows-1252",
	"latin1": "iso-8859-1",
}

// Decoder converts payloads stored in a legacy character set to UTF-8.
type Decoder struct {
	name string
	enc  encoding.Encoding
}

// NewDecoder returns a Decoder for the given charset label. An empty name or
// "utf-8" returns (nil, nil): payloads are used as-is.
func NewDecoder(name string) (*Decoder, error) {
	label := strings.ToLower(strings.TrimSpace(name))
	if label == "" || label == "utf-8" || label == "utf8" {
		return nil, nil
	}
	if alias, ok := aliases[label]; ok {
		label = alias
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("geometry encoding %q: %w", name, err)
	}
	return &Decoder{name: label, enc: enc}, nil
}

// Name returns the canonical label of the decoder.
func (d *Decoder) Name() string { return d.name }

// Decode converts b to UTF-8. Payloads that are already plain ASCII are
// returned unchanged without allocation.
func (d *Decoder) Decode(b []byte) ([]byte, error) {
	if isASCII(b) {
		return b, nil
	}
	// encoding.Decoder is stateful; one per call keeps Decode goroutine-safe.
	out, err := d.enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(out) {
		return nil, fmt.Errorf("decoded payload is not valid UTF-8")
	}
	return out, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
