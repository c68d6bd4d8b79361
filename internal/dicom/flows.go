package dicom

import (
	"fmt"
	"io"
	"sort"
)

// ValidationError is a permanent rejection: the stream is malformed or its
// context is not whitelisted. Transfers hitting it move to FAILED rather
// than retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "dicom: validation failed: " + e.Reason }

// ValidationContext is an accepted (SOP class, transfer syntax) pair.
type ValidationContext struct {
	SOPClassUID       string
	TransferSyntaxUID string
}

// ValidateFlow buffers the file meta group and rejects streams whose
// (MediaStorageSOPClassUID, TransferSyntaxUID) pair is not in the accepted
// contexts. An empty context list accepts everything.
type ValidateFlow struct {
	src      Stage
	contexts []ValidationContext

	checked    bool
	collecting bool
	sopUID     string
	buf        []byte
	queue      []Part
}

// NewValidateFlow wraps src with context validation.
func NewValidateFlow(src Stage, contexts []ValidationContext) *ValidateFlow {
	return &ValidateFlow{src: src, contexts: contexts}
}

// Next implements Stage.
func (f *ValidateFlow) Next() (Part, error) {
	for {
		if len(f.queue) > 0 {
			part := f.queue[0]
			f.queue = f.queue[1:]
			return part, nil
		}
		part, err := f.src.Next()
		if err != nil {
			return nil, err
		}
		if f.checked {
			return part, nil
		}
		switch p := part.(type) {
		case HeaderPart:
			if p.InFMI {
				f.collecting = p.Tag == TagMediaStorageSOPClassUID
				if f.collecting {
					f.buf = f.buf[:0]
				}
				f.queue = append(f.queue, part)
				continue
			}
			// dataset begins; the transfer syntax is known now
			if err := f.check(); err != nil {
				return nil, err
			}
			f.queue = append(f.queue, part)
		case ValueChunkPart:
			if f.collecting {
				f.buf = append(f.buf, p.Value...)
				if p.Last {
					f.sopUID = decodeString(VRUI, f.buf)
					f.collecting = false
				}
			}
			f.queue = append(f.queue, part)
		default:
			f.queue = append(f.queue, part)
		}
	}
}

func (f *ValidateFlow) check() error {
	f.checked = true
	if len(f.contexts) == 0 {
		return nil
	}
	ts := ""
	if p, ok := f.src.(interface{ TransferSyntax() string }); ok {
		ts = p.TransferSyntax()
	}
	for _, c := range f.contexts {
		if c.SOPClassUID == f.sopUID && c.TransferSyntaxUID == ts {
			return nil
		}
	}
	return &ValidationError{
		Reason: fmt.Sprintf("context (%s, %s) not accepted", f.sopUID, ts),
	}
}

// CollectFlow buffers parts until every wanted top-level tag has been seen
// or the dataset has moved past them, then emits an ElementsPart ahead of
// the buffered parts. This is the bounded replay buffer that lets later
// flows act on attributes read from the start of the stream.
type CollectFlow struct {
	src    Stage
	wanted map[Tag]bool
	maxTag Tag

	collected Elements
	buf       []Part
	emitted   bool
	queue     []Part

	depth      int
	curTag     Tag
	curVR      VR
	collecting bool
	valBuf     []byte
}

// NewCollectFlow collects the given tags from the top level of the stream
// (file meta included).
func NewCollectFlow(src Stage, tags []Tag) *CollectFlow {
	wanted := make(map[Tag]bool, len(tags))
	var max Tag
	for _, t := range tags {
		wanted[t] = true
		if t > max {
			max = t
		}
	}
	return &CollectFlow{src: src, wanted: wanted, maxTag: max}
}

// Next implements Stage.
func (f *CollectFlow) Next() (Part, error) {
	for {
		if len(f.queue) > 0 {
			part := f.queue[0]
			f.queue = f.queue[1:]
			return part, nil
		}
		part, err := f.src.Next()
		if err != nil {
			if err == io.EOF && !f.emitted {
				f.flush()
				continue
			}
			return nil, err
		}
		if f.emitted {
			return part, nil
		}
		f.process(part)
	}
}

func (f *CollectFlow) process(part Part) {
	f.buf = append(f.buf, part)
	switch p := part.(type) {
	case HeaderPart:
		f.collecting = false
		if f.depth == 0 && f.wanted[p.Tag] {
			f.collecting = true
			f.curTag = p.Tag
			f.curVR = p.VR
			f.valBuf = f.valBuf[:0]
			if p.Length == 0 {
				f.collected.Set(p.Tag, p.VR, "")
				f.collecting = false
			}
		}
		if f.depth == 0 && !p.InFMI && p.Tag > f.maxTag {
			f.flush()
		}
	case ValueChunkPart:
		if f.collecting {
			f.valBuf = append(f.valBuf, p.Value...)
			if p.Last {
				f.collected.Set(f.curTag, f.curVR, decodeString(f.curVR, f.valBuf))
				f.collecting = false
				if f.haveAll() {
					f.flush()
				}
			}
		}
	case SequenceStartPart:
		if f.depth == 0 && p.Tag > f.maxTag {
			f.depth++
			f.flush()
			return
		}
		f.depth++
	case SequenceEndPart:
		f.depth--
	case FragmentsStartPart:
		f.flush()
	}
}

func (f *CollectFlow) haveAll() bool {
	for t := range f.wanted {
		if !f.collected.Has(t) {
			return false
		}
	}
	return true
}

func (f *CollectFlow) flush() {
	if f.emitted {
		return
	}
	f.emitted = true
	f.queue = append(f.queue, ElementsPart{Elements: f.collected})
	f.queue = append(f.queue, f.buf...)
	f.buf = nil
}

// TagModification is one caller-supplied override: set tag to value,
// inserting the attribute when absent if InsertIfMissing.
type TagModification struct {
	Tag             Tag
	Value           string
	InsertIfMissing bool
}

// ModifyFlow applies tag modifications to the top level of the stream.
type ModifyFlow struct {
	src     Stage
	mods    []TagModification
	handled []bool

	queue      []Part
	done       bool
	depth      int
	explicitVR bool
	skipValue  bool
}

// NewModifyFlow wraps src with the given overrides, applied in tag order.
func NewModifyFlow(src Stage, mods []TagModification) *ModifyFlow {
	sorted := make([]TagModification, len(mods))
	copy(sorted, mods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tag < sorted[j].Tag })
	return &ModifyFlow{src: src, mods: sorted, handled: make([]bool, len(sorted)), explicitVR: true}
}

// Next implements Stage.
func (f *ModifyFlow) Next() (Part, error) {
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
			f.insertPending(0xFFFFFFFF)
			f.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		f.process(part)
	}
}

func (f *ModifyFlow) process(part Part) {
	switch p := part.(type) {
	case HeaderPart:
		if p.InFMI || f.depth != 0 {
			f.queue = append(f.queue, part)
			return
		}
		f.explicitVR = p.ExplicitVR
		f.insertPending(p.Tag)
		if i := f.modIndex(p.Tag); i >= 0 {
			f.handled[i] = true
			f.queue = append(f.queue, stringElement(p.Tag, p.VR, f.mods[i].Value, p.ExplicitVR, false)...)
			f.skipValue = p.Length > 0
			return
		}
		f.queue = append(f.queue, part)
	case ValueChunkPart:
		if f.skipValue {
			if p.Last {
				f.skipValue = false
			}
			return
		}
		f.queue = append(f.queue, part)
	case SequenceStartPart:
		if f.depth == 0 {
			f.insertPending(p.Tag)
		}
		f.depth++
		f.queue = append(f.queue, part)
	case SequenceEndPart:
		f.depth--
		f.queue = append(f.queue, part)
	case FragmentsStartPart:
		f.insertPending(p.Tag)
		f.queue = append(f.queue, part)
	default:
		f.queue = append(f.queue, part)
	}
}

func (f *ModifyFlow) modIndex(tag Tag) int {
	for i, m := range f.mods {
		if m.Tag == tag && !f.handled[i] {
			return i
		}
	}
	return -1
}

// insertPending emits not-yet-seen insertable overrides whose tag sorts
// before the upcoming one.
func (f *ModifyFlow) insertPending(next Tag) {
	for i, m := range f.mods {
		if f.handled[i] || !m.InsertIfMissing || m.Tag >= next {
			continue
		}
		f.handled[i] = true
		f.queue = append(f.queue, stringElement(m.Tag, vrFor(m.Tag), m.Value, f.explicitVR, false)...)
	}
}

// ReverseAnonymizeFlow restores original identifiers using the matched
// anonymization key carried by the stream's AnonymizationKeyPart. Without a
// matched key the flow is a no-op and the object stays anonymized.
type ReverseAnonymizeFlow struct {
	src Stage

	values map[Tag]string
	active bool

	queue     []Part
	depth     int
	skipValue bool
}

// NewReverseAnonymizeFlow wraps src.
func NewReverseAnonymizeFlow(src Stage) *ReverseAnonymizeFlow {
	return &ReverseAnonymizeFlow{src: src}
}

// Next implements Stage.
func (f *ReverseAnonymizeFlow) Next() (Part, error) {
	for {
		if len(f.queue) > 0 {
			part := f.queue[0]
			f.queue = f.queue[1:]
			return part, nil
		}
		part, err := f.src.Next()
		if err != nil {
			return nil, err
		}
		f.process(part)
	}
}

func (f *ReverseAnonymizeFlow) process(part Part) {
	switch p := part.(type) {
	case AnonymizationKeyPart:
		if p.Found {
			f.activate(p.Key, p.Level)
		}
		f.queue = append(f.queue, part)
	case HeaderPart:
		if !f.active || p.InFMI || f.depth != 0 {
			f.queue = append(f.queue, part)
			return
		}
		if value, ok := f.values[p.Tag]; ok {
			f.queue = append(f.queue, stringElement(p.Tag, p.VR, value, p.ExplicitVR, false)...)
			f.skipValue = p.Length > 0
			return
		}
		f.queue = append(f.queue, part)
	case ValueChunkPart:
		if f.skipValue {
			if p.Last {
				f.skipValue = false
			}
			return
		}
		f.queue = append(f.queue, part)
	case SequenceStartPart:
		f.depth++
		f.queue = append(f.queue, part)
	case SequenceEndPart:
		f.depth--
		f.queue = append(f.queue, part)
	default:
		f.queue = append(f.queue, part)
	}
}

// activate builds the replacement set for the matched authority level. A
// match at a fine level restores that level and every coarser one.
func (f *ReverseAnonymizeFlow) activate(key KeyInfo, level MatchLevel) {
	f.active = true
	f.values = map[Tag]string{
		TagPatientName:            key.PatientName,
		TagPatientID:              key.PatientID,
		TagPatientBirthDate:       key.PatientBirthDate,
		TagPatientIdentityRemoved: "NO",
		TagDeidentificationMethod: "",
	}
	if level >= MatchStudy {
		f.values[TagStudyInstanceUID] = key.StudyInstanceUID
		f.values[TagStudyDescription] = key.StudyDescription
		f.values[TagStudyID] = key.StudyID
		f.values[TagAccessionNumber] = key.AccessionNumber
	}
	if level >= MatchSeries {
		f.values[TagSeriesInstanceUID] = key.SeriesInstanceUID
		f.values[TagSeriesDescription] = key.SeriesDescription
		f.values[TagProtocolName] = key.ProtocolName
		f.values[TagFrameOfReferenceUID] = key.FrameOfReferenceUID
	}
}

// KeyFlow invokes resolve once, on the stream's ElementsPart, and injects
// the resulting AnonymizationKeyPart right after it. This is the pipeline's
// asynchronous hand-off point for key store lookups.
type KeyFlow struct {
	src     Stage
	resolve func(Elements) (AnonymizationKeyPart, error)
	queue   []Part
	asked   bool
}

// NewKeyFlow wraps src with a key resolution hook.
func NewKeyFlow(src Stage, resolve func(Elements) (AnonymizationKeyPart, error)) *KeyFlow {
	return &KeyFlow{src: src, resolve: resolve}
}

// Next implements Stage.
func (f *KeyFlow) Next() (Part, error) {
	if len(f.queue) > 0 {
		part := f.queue[0]
		f.queue = f.queue[1:]
		return part, nil
	}
	part, err := f.src.Next()
	if err != nil {
		return nil, err
	}
	if p, ok := part.(ElementsPart); ok && !f.asked {
		f.asked = true
		keyPart, err := f.resolve(p.Elements)
		if err != nil {
			return nil, err
		}
		f.queue = append(f.queue, keyPart)
	}
	return part, nil
}
