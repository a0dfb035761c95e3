package dicom

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// charsets maps DICOM Specific Character Set (0008,0005) defined terms to
// decoders. The single-byte ISO 8859 repertoires cover what archive nodes
// in practice return for patient and study text; anything else falls back
// to treating the bytes as UTF-8.
var charsets = map[string]encoding.Encoding{
	"ISO_IR 100": charmap.ISO8859_1,  // Latin-1
	"ISO_IR 101": charmap.ISO8859_2,  // Latin-2
	"ISO_IR 109": charmap.ISO8859_3,  // Latin-3
	"ISO_IR 110": charmap.ISO8859_4,  // Latin-4
	"ISO_IR 144": charmap.ISO8859_5,  // Cyrillic
	"ISO_IR 127": charmap.ISO8859_6,  // Arabic
	"ISO_IR 126": charmap.ISO8859_7,  // Greek
	"ISO_IR 138": charmap.ISO8859_8,  // Hebrew
	"ISO_IR 148": charmap.ISO8859_9,  // Latin-5
}

// DecodeText converts raw element bytes to a Go string according to the
// dataset's Specific Character Set. An absent or unrecognized character
// set (including "ISO_IR 192", which is already UTF-8) returns the bytes
// unchanged.
func (d *Dataset) DecodeText(t Tag) (string, bool) {
	s, ok := d.GetString(t)
	if !ok {
		return "", false
	}
	term, _ := d.GetString(TagSpecificCharacterSet)
	enc, known := charsets[term]
	if !known {
		return s, true
	}
	decoded, err := enc.NewDecoder().String(s)
	if err != nil {
		// Undecodable bytes are surfaced as-is rather than dropped;
		// the converter records what the peer actually sent.
		return s, true
	}
	return decoded, true
}
