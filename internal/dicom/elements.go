package dicom

import "strings"

// Element is one collected attribute with its decoded string value. Values
// of non-string VRs are kept raw and exposed as empty strings.
type Element struct {
	Tag   Tag
	VR    VR
	Value string
}

// Elements is an ordered collection of attributes, as a collect stage or
// metadata sink produced it.
type Elements struct {
	list []Element
	idx  map[Tag]int
}

// NewElements builds a collection from a list, last occurrence winning.
func NewElements(elems ...Element) Elements {
	e := Elements{idx: make(map[Tag]int, len(elems))}
	for _, el := range elems {
		e.Set(el.Tag, el.VR, el.Value)
	}
	return e
}

// Set adds or replaces an attribute.
func (e *Elements) Set(tag Tag, vr VR, value string) {
	if e.idx == nil {
		e.idx = make(map[Tag]int)
	}
	if i, ok := e.idx[tag]; ok {
		e.list[i].Value = value
		e.list[i].VR = vr
		return
	}
	e.idx[tag] = len(e.list)
	e.list = append(e.list, Element{Tag: tag, VR: vr, Value: value})
}

// GetString returns the trimmed string value for a tag, empty when absent.
func (e Elements) GetString(tag Tag) string {
	if i, ok := e.idx[tag]; ok {
		return e.list[i].Value
	}
	return ""
}

// Has reports whether a tag was collected.
func (e Elements) Has(tag Tag) bool {
	_, ok := e.idx[tag]
	return ok
}

// List returns the attributes in collection order.
func (e Elements) List() []Element {
	return e.list
}

// Len returns the number of attributes.
func (e Elements) Len() int { return len(e.list) }

// decodeString turns raw value bytes of a string VR into its value: ASCII,
// trailing pad byte (space or NUL) stripped.
func decodeString(vr VR, raw []byte) string {
	if !stringVRs[vr] {
		return ""
	}
	return strings.TrimRight(string(raw), " \x00")
}
