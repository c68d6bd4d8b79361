package dicom

import (
	"encoding/binary"
	"io"
)

// fmiElement is one buffered file meta attribute.
type fmiElement struct {
	header HeaderPart
	value  []byte
}

// AnonymizeFlow applies the profile's action table in a single pass,
// harmonizes the identity attributes with the anonymization key carried by
// the stream's AnonymizationKeyPart, inserts PatientIdentityRemoved and
// DeidentificationMethod, and rewrites the file meta group so its
// MediaStorageSOPInstanceUID matches the pseudonymized SOP instance UID.
type AnonymizeFlow struct {
	src     Stage
	profile *Profile
	newUID  func() string

	queue []Part
	done  bool

	key     KeyInfo
	haveKey bool
	uidMap  map[string]string

	preamble   Part
	fmi        []fmiElement
	inFMI      bool
	fmiFlushed bool

	explicitVR bool
	depth      int
	inserted   bool

	skipValue    bool
	dropSeq      bool
	dropSeqDepth int

	collecting    bool
	collectHeader HeaderPart
	collectBuf    []byte
}

// NewAnonymizeFlow wraps src. newUID supplies fresh DICOM UIDs for
// ActionReplaceUID attributes and for identity UIDs not covered by the key.
func NewAnonymizeFlow(src Stage, profile *Profile, newUID func() string) *AnonymizeFlow {
	return &AnonymizeFlow{
		src:        src,
		profile:    profile,
		newUID:     newUID,
		uidMap:     make(map[string]string),
		explicitVR: true,
	}
}

// Next implements Stage.
func (f *AnonymizeFlow) Next() (Part, error) {
	for {
		if len(f.queue) > 0 {
			part := f.queue[0]
			f.queue = f.queue[1:]
			return part, nil
		}
		if f.done {
			return nil, io.EOF
		}
		part, err := f.src.Next()
		if err == io.EOF {
			f.finish()
			f.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		f.process(part)
	}
}

func (f *AnonymizeFlow) emit(parts ...Part) { f.queue = append(f.queue, parts...) }

// ensureKey synthesizes pseudonyms when no key part arrived, so anonymized
// output never leaks originals even outside an engine-driven transfer.
func (f *AnonymizeFlow) ensureKey() {
	if f.haveKey {
		return
	}
	f.haveKey = true
	f.key.AnonPatientName = "Anonymized"
	f.key.AnonPatientID = f.newUID()
	f.key.AnonStudyInstanceUID = f.newUID()
	f.key.AnonSeriesInstanceUID = f.newUID()
	f.key.AnonSOPInstanceUID = f.newUID()
}

func (f *AnonymizeFlow) process(part Part) {
	switch p := part.(type) {
	case AnonymizationKeyPart:
		if p.Found || p.Key.AnonSOPInstanceUID != "" {
			f.key = p.Key
			f.haveKey = true
		}
		f.emit(p)
		return
	case ElementsPart:
		f.emit(p)
		return
	case PreamblePart:
		f.preamble = p
		f.inFMI = true
		return
	}

	if f.inFMI {
		switch p := part.(type) {
		case HeaderPart:
			if p.InFMI {
				f.fmi = append(f.fmi, fmiElement{header: p})
				return
			}
			// first dataset part; fall through after flushing
		case ValueChunkPart:
			if len(f.fmi) > 0 {
				f.fmi[len(f.fmi)-1].value = append(f.fmi[len(f.fmi)-1].value, p.Value...)
			}
			return
		}
		f.flushFMI()
	}

	if f.dropSeq {
		switch part.(type) {
		case SequenceStartPart:
			f.depth++
		case SequenceEndPart:
			f.depth--
			if f.depth == f.dropSeqDepth {
				f.dropSeq = false
			}
		}
		return
	}

	switch p := part.(type) {
	case SequenceStartPart:
		f.maybeInsert(p.Tag)
		if f.profile.Action(p.Tag) == ActionRemove {
			f.dropSeq = true
			f.dropSeqDepth = f.depth
			f.depth++
			return
		}
		f.depth++
		f.emit(p)
	case SequenceEndPart:
		f.depth--
		f.emit(p)
	case FragmentsStartPart:
		f.maybeInsert(p.Tag)
		f.emit(p)
	case HeaderPart:
		f.processHeader(p)
	case ValueChunkPart:
		f.processChunk(p)
	default:
		f.emit(part)
	}
}

func (f *AnonymizeFlow) processHeader(h HeaderPart) {
	f.explicitVR = h.ExplicitVR
	f.maybeInsert(h.Tag)

	if value, governed := f.identityValue(h.Tag); governed {
		f.emit(stringElement(h.Tag, h.VR, value, h.ExplicitVR, false)...)
		f.skipValue = h.Length > 0
		return
	}

	switch f.profile.Action(h.Tag) {
	case ActionRemove:
		f.skipValue = h.Length > 0
	case ActionZero:
		f.emit(newHeader(h.Tag, h.VR, 0, h.ExplicitVR, false))
		f.skipValue = h.Length > 0
	case ActionReplaceUID:
		if h.Length == 0 {
			f.emit(stringElement(h.Tag, h.VR, f.replacementUID(""), h.ExplicitVR, false)...)
			return
		}
		f.collecting = true
		f.collectHeader = h
		f.collectBuf = f.collectBuf[:0]
	default:
		f.emit(h)
	}
}

func (f *AnonymizeFlow) processChunk(c ValueChunkPart) {
	switch {
	case f.skipValue:
		if c.Last {
			f.skipValue = false
		}
	case f.collecting:
		f.collectBuf = append(f.collectBuf, c.Value...)
		if c.Last {
			f.collecting = false
			old := decodeString(f.collectHeader.VR, f.collectBuf)
			f.emit(stringElement(f.collectHeader.Tag, f.collectHeader.VR,
				f.replacementUID(old), f.collectHeader.ExplicitVR, false)...)
		}
	default:
		f.emit(c)
	}
}

// identityValue returns the pseudonym for attributes governed by the
// anonymization key.
func (f *AnonymizeFlow) identityValue(tag Tag) (string, bool) {
	switch tag {
	case TagPatientName:
		f.ensureKey()
		return f.key.AnonPatientName, true
	case TagPatientID:
		f.ensureKey()
		return f.key.AnonPatientID, true
	case TagStudyInstanceUID:
		f.ensureKey()
		return f.key.AnonStudyInstanceUID, true
	case TagSeriesInstanceUID:
		f.ensureKey()
		return f.key.AnonSeriesInstanceUID, true
	case TagSOPInstanceUID:
		f.ensureKey()
		return f.key.AnonSOPInstanceUID, true
	case TagFrameOfReferenceUID:
		f.ensureKey()
		if f.key.AnonFrameOfReferenceUID != "" {
			return f.key.AnonFrameOfReferenceUID, true
		}
		return "", false
	case TagPatientIdentityRemoved:
		f.inserted = true
		return "YES", true
	case TagDeidentificationMethod:
		return f.profile.Description, true
	}
	return "", false
}

// replacementUID maps an original UID to its stream-consistent pseudonym.
func (f *AnonymizeFlow) replacementUID(old string) string {
	if old == "" {
		return f.newUID()
	}
	if fresh, ok := f.uidMap[old]; ok {
		return fresh
	}
	fresh := f.newUID()
	f.uidMap[old] = fresh
	return fresh
}

// maybeInsert emits the de-identification marker attributes at their sorted
// dataset position, top level only.
func (f *AnonymizeFlow) maybeInsert(next Tag) {
	if f.inserted || f.depth != 0 || next <= TagPatientIdentityRemoved {
		return
	}
	f.inserted = true
	f.emit(stringElement(TagPatientIdentityRemoved, VRCS, "YES", f.explicitVR, false)...)
	f.emit(stringElement(TagDeidentificationMethod, VRLO, f.profile.Description, f.explicitVR, false)...)
}

// flushFMI re-encodes the buffered file meta group with the pseudonymized
// media storage SOP instance UID and a recomputed group length.
func (f *AnonymizeFlow) flushFMI() {
	f.inFMI = false
	if f.fmiFlushed {
		return
	}
	f.fmiFlushed = true
	if f.preamble != nil {
		f.emit(f.preamble)
	}

	var body []Part
	var bodyLen uint32
	for _, el := range f.fmi {
		if el.header.Tag == TagFileMetaInformationGroupLength {
			continue
		}
		value := el.value
		if el.header.Tag == TagMediaStorageSOPInstanceUID {
			f.ensureKey()
			value = padValue(VRUI, f.key.AnonSOPInstanceUID)
		}
		header := newHeader(el.header.Tag, el.header.VR, uint32(len(value)), true, true)
		bodyLen += uint32(len(header.raw)) + uint32(len(value))
		body = append(body, header)
		if len(value) > 0 {
			body = append(body, ValueChunkPart{Value: value, Last: true})
		}
	}

	lengthValue := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthValue, bodyLen)
	f.emit(newHeader(TagFileMetaInformationGroupLength, VRUL, 4, true, true))
	f.emit(ValueChunkPart{Value: lengthValue, Last: true})
	f.emit(body...)
}

// finish handles streams that end before the insertion point was reached.
func (f *AnonymizeFlow) finish() {
	if f.inFMI {
		f.flushFMI()
	}
	if !f.inserted && f.depth == 0 {
		f.inserted = true
		f.emit(stringElement(TagPatientIdentityRemoved, VRCS, "YES", f.explicitVR, false)...)
		f.emit(stringElement(TagDeidentificationMethod, VRLO, f.profile.Description, f.explicitVR, false)...)
	}
}
