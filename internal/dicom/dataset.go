package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Element is one data element: a tag and its raw value bytes.
// Values are kept in wire form; accessors on Dataset interpret them.
type Element struct {
	Tag   Tag
	Value []byte
}

// Dataset is an ordered collection of data elements. It backs both DIMSE
// command sets (group 0000) and query/response identifiers.
//
// Datasets are small (tens of elements), so lookups are linear scans.
// Not safe for concurrent mutation.
type Dataset struct {
	elems []Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{}
}

// Len returns the number of elements.
func (d *Dataset) Len() int { return len(d.elems) }

// Elements returns the elements in insertion order.
func (d *Dataset) Elements() []Element { return d.elems }

func (d *Dataset) find(t Tag) (int, bool) {
	for i := range d.elems {
		if d.elems[i].Tag == t {
			return i, true
		}
	}
	return 0, false
}

// Set stores raw value bytes for a tag, replacing any existing element.
func (d *Dataset) Set(t Tag, value []byte) {
	if i, ok := d.find(t); ok {
		d.elems[i].Value = value
		return
	}
	d.elems = append(d.elems, Element{Tag: t, Value: value})
}

// SetString stores a string value, space-padded to even length as the
// encoding rules require.
func (d *Dataset) SetString(t Tag, s string) {
	if len(s)%2 != 0 {
		s += " "
	}
	d.Set(t, []byte(s))
}

// SetUint16 stores a US value in little endian.
func (d *Dataset) SetUint16(t Tag, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	d.Set(t, b)
}

// SetUint32 stores a UL value in little endian.
func (d *Dataset) SetUint32(t Tag, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	d.Set(t, b)
}

// Has reports whether the tag is present.
func (d *Dataset) Has(t Tag) bool {
	_, ok := d.find(t)
	return ok
}

// GetString returns the value as a string with trailing pad characters
// (space, NUL) removed. The value bytes are interpreted per the dataset's
// Specific Character Set; see DecodeStrings for non-ASCII repertoires.
func (d *Dataset) GetString(t Tag) (string, bool) {
	i, ok := d.find(t)
	if !ok {
		return "", false
	}
	return strings.TrimRight(string(d.elems[i].Value), " \x00"), true
}

// StringOr returns the string value or a default when absent.
func (d *Dataset) StringOr(t Tag, def string) string {
	if s, ok := d.GetString(t); ok {
		return s
	}
	return def
}

// GetUint16 returns a US value.
func (d *Dataset) GetUint16(t Tag) (uint16, bool) {
	i, ok := d.find(t)
	if !ok || len(d.elems[i].Value) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(d.elems[i].Value), true
}

// Encode serializes the dataset in implicit VR little endian, elements in
// ascending tag order.
func (d *Dataset) Encode() []byte {
	sorted := make([]Element, len(d.elems))
	copy(sorted, d.elems)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tag.Less(sorted[j].Tag) })

	var out []byte
	for _, e := range sorted {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint16(hdr[0:2], e.Tag.Group)
		binary.LittleEndian.PutUint16(hdr[2:4], e.Tag.Element)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.Value)))
		out = append(out, hdr...)
		out = append(out, e.Value...)
	}
	return out
}

// EncodeCommand serializes a command set: the group length element
// (0000,0000) is computed and prepended as the standard requires.
func (d *Dataset) EncodeCommand() []byte {
	body := &Dataset{}
	for _, e := range d.elems {
		if e.Tag == TagCommandGroupLength {
			continue
		}
		body.Set(e.Tag, e.Value)
	}
	encoded := body.Encode()

	full := NewDataset()
	full.SetUint32(TagCommandGroupLength, uint32(len(encoded)))
	return append(full.Encode(), encoded...)
}

// ParseDataset decodes an implicit VR little endian element stream.
// Undefined lengths (sequences) are not supported; the query/retrieve
// identifiers the engine handles never carry them.
func ParseDataset(data []byte) (*Dataset, error) {
	d := NewDataset()
	off := 0
	for off < len(data) {
		if len(data)-off < 8 {
			return nil, fmt.Errorf("dicom: truncated element header at offset %d", off)
		}
		t := Tag{
			Group:   binary.LittleEndian.Uint16(data[off : off+2]),
			Element: binary.LittleEndian.Uint16(data[off+2 : off+4]),
		}
		vl := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if vl == 0xFFFFFFFF {
			return nil, fmt.Errorf("dicom: undefined length for %s not supported", t)
		}
		if uint32(len(data)-off) < vl {
			return nil, fmt.Errorf("dicom: element %s value exceeds buffer (%d > %d)", t, vl, len(data)-off)
		}
		v := make([]byte, vl)
		copy(v, data[off:off+int(vl)])
		d.elems = append(d.elems, Element{Tag: t, Value: v})
		off += int(vl)
	}
	return d, nil
}
