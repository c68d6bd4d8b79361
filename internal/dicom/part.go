package dicom

// Part is one element of the in-order lazy part stream. Every wire part
// carries its encoded bytes, so an untouched part serializes back
// byte-identical to its input. Meta parts carry no bytes; they exist only to
// pass information down the pipeline and are skipped by byte sinks.
type Part interface {
	Bytes() []byte
}

// PreamblePart is the 128-byte preamble plus the "DICM" marker.
type PreamblePart struct {
	raw []byte
}

func (p PreamblePart) Bytes() []byte { return p.raw }

// HeaderPart announces one attribute. Value bytes follow as ValueChunkParts
// unless Length is zero.
type HeaderPart struct {
	Tag        Tag
	VR         VR
	Length     uint32
	ExplicitVR bool
	InFMI      bool
	raw        []byte
}

func (p HeaderPart) Bytes() []byte { return p.raw }

// ValueChunkPart is a slice of an attribute's value. Last marks the final
// chunk of the current attribute.
type ValueChunkPart struct {
	Value []byte
	Last  bool
}

func (p ValueChunkPart) Bytes() []byte { return p.Value }

// SequenceStartPart opens a sequence (VR SQ). Undefined is true for
// undefined-length sequences, which end with a SequenceEndPart; a defined
// Length sequence ends after Length bytes of items.
type SequenceStartPart struct {
	Tag       Tag
	Length    uint32
	Undefined bool
	raw       []byte
}

func (p SequenceStartPart) Bytes() []byte { return p.raw }

// SequenceEndPart is a sequence delimitation item, or a synthetic marker
// closing a defined-length sequence (zero bytes).
type SequenceEndPart struct {
	Marker bool
	raw    []byte
}

func (p SequenceEndPart) Bytes() []byte { return p.raw }

// ItemStartPart opens a sequence item or carries one pixel-data fragment
// header.
type ItemStartPart struct {
	Length    uint32
	Undefined bool
	raw       []byte
}

func (p ItemStartPart) Bytes() []byte { return p.raw }

// ItemEndPart is an item delimitation item, or a synthetic marker closing a
// defined-length item.
type ItemEndPart struct {
	Marker bool
	raw    []byte
}

func (p ItemEndPart) Bytes() []byte { return p.raw }

// FragmentsStartPart opens encapsulated (undefined length) pixel data.
// Fragments follow as ItemStartParts with value chunks, closed by a
// SequenceEndPart.
type FragmentsStartPart struct {
	Tag Tag
	VR  VR
	raw []byte
}

func (p FragmentsStartPart) Bytes() []byte { return p.raw }

// ElementsPart is a meta part carrying attributes collected so far. Emitted
// once by the collect stage, ahead of the buffered parts it was read from.
type ElementsPart struct {
	Elements Elements
}

func (ElementsPart) Bytes() []byte { return nil }

// KeyInfo is the anonymization key data a flow needs, detached from the
// persistence type to keep the pipeline free of store dependencies.
type KeyInfo struct {
	PatientName             string
	AnonPatientName         string
	PatientID               string
	AnonPatientID           string
	PatientBirthDate        string
	StudyInstanceUID        string
	AnonStudyInstanceUID    string
	StudyDescription        string
	StudyID                 string
	AccessionNumber         string
	SeriesInstanceUID       string
	AnonSeriesInstanceUID   string
	SeriesDescription       string
	ProtocolName            string
	FrameOfReferenceUID     string
	AnonFrameOfReferenceUID string
	SOPInstanceUID          string
	AnonSOPInstanceUID      string
}

// MatchLevel tells which fields of a hierarchically matched key are
// authoritative.
type MatchLevel int

// Levels order from coarsest to finest; a match at level L restores
// attributes at L and every coarser level.
const (
	MatchPatient MatchLevel = iota + 1
	MatchStudy
	MatchSeries
	MatchImage
)

func (l MatchLevel) String() string {
	switch l {
	case MatchPatient:
		return "PATIENT"
	case MatchStudy:
		return "STUDY"
	case MatchSeries:
		return "SERIES"
	case MatchImage:
		return "IMAGE"
	default:
		return "NONE"
	}
}

// AnonymizationKeyPart is a meta part carrying the matched (or freshly
// issued) anonymization key. Found is false when no key matched, which turns
// reverse anonymization into a no-op.
type AnonymizationKeyPart struct {
	Key   KeyInfo
	Level MatchLevel
	Found bool
}

func (AnonymizationKeyPart) Bytes() []byte { return nil }
