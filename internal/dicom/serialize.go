package dicom

import "encoding/binary"

// padValue pads a string value to DICOM's even length: UI values pad with
// NUL, other string VRs with space.
func padValue(vr VR, value string) []byte {
	b := []byte(value)
	if len(b)%2 == 1 {
		if vr == VRUI {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	return b
}

// encodeHeader builds the wire bytes of an attribute header in little endian
// with the given explicitness.
func encodeHeader(tag Tag, vr VR, length uint32, explicitVR bool) []byte {
	var buf []byte
	if explicitVR {
		if longFormVRs[vr] {
			buf = make([]byte, 12)
			copy(buf[4:6], string(vr))
			binary.LittleEndian.PutUint32(buf[8:], length)
		} else {
			buf = make([]byte, 8)
			copy(buf[4:6], string(vr))
			binary.LittleEndian.PutUint16(buf[6:], uint16(length))
		}
	} else {
		buf = make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[4:], length)
	}
	binary.LittleEndian.PutUint16(buf[0:], tag.Group())
	binary.LittleEndian.PutUint16(buf[2:], tag.Element())
	return buf
}

// newHeader builds a HeaderPart with freshly encoded bytes.
func newHeader(tag Tag, vr VR, length uint32, explicitVR, inFMI bool) HeaderPart {
	return HeaderPart{
		Tag:        tag,
		VR:         vr,
		Length:     length,
		ExplicitVR: explicitVR,
		InFMI:      inFMI,
		raw:        encodeHeader(tag, vr, length, explicitVR),
	}
}

// stringElement encodes a string attribute into a header and a single value
// chunk.
func stringElement(tag Tag, vr VR, value string, explicitVR, inFMI bool) []Part {
	padded := padValue(vr, value)
	header := newHeader(tag, vr, uint32(len(padded)), explicitVR, inFMI)
	if len(padded) == 0 {
		return []Part{header}
	}
	return []Part{header, ValueChunkPart{Value: padded, Last: true}}
}
