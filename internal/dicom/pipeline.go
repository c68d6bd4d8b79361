package dicom

import (
	"compress/flate"
	"fmt"
	"io"
)

// Serializer writes wire parts back to bytes. Pass-through parts carry
// their original encoding, so an unmodified stream serializes
// byte-identical. When the stream's transfer syntax is the deflated one,
// the dataset is re-deflated on the way out while the file meta group stays
// stored form.
type Serializer struct {
	w       io.Writer
	dataset io.Writer
	flate   *flate.Writer

	inFMI          bool
	fmiValue       bool
	tsCollect      bool
	tsBuf          []byte
	transferSyntax string
}

// NewSerializer writes parts to w.
func NewSerializer(w io.Writer) *Serializer {
	return &Serializer{w: w, dataset: w, inFMI: true}
}

// Write emits one part. Meta parts are skipped.
func (s *Serializer) Write(part Part) error {
	switch p := part.(type) {
	case ElementsPart, AnonymizationKeyPart:
		return nil
	case PreamblePart:
		_, err := s.w.Write(p.Bytes())
		return err
	case HeaderPart:
		if p.InFMI {
			s.fmiValue = p.Length > 0
			s.tsCollect = p.Tag == TagTransferSyntaxUID
			if s.tsCollect {
				s.tsBuf = s.tsBuf[:0]
			}
			_, err := s.w.Write(p.Bytes())
			return err
		}
		s.endFMI()
	case ValueChunkPart:
		if s.inFMI && s.fmiValue {
			if s.tsCollect {
				s.tsBuf = append(s.tsBuf, p.Value...)
				if p.Last {
					s.transferSyntax = decodeString(VRUI, s.tsBuf)
					s.tsCollect = false
				}
			}
			if p.Last {
				s.fmiValue = false
			}
			_, err := s.w.Write(p.Bytes())
			return err
		}
		s.endFMI()
	default:
		s.endFMI()
	}

	if len(part.Bytes()) == 0 {
		return nil
	}
	_, err := s.dataset.Write(part.Bytes())
	return err
}

// endFMI switches to the dataset writer; with a deflated transfer syntax
// every dataset byte goes through the deflater.
func (s *Serializer) endFMI() {
	if !s.inFMI {
		return
	}
	s.inFMI = false
	if s.transferSyntax == DeflatedExplicitVRLittleEndian {
		s.flate, _ = flate.NewWriter(s.w, flate.DefaultCompression)
		s.dataset = s.flate
	}
}

// Close flushes the deflater if one is active.
func (s *Serializer) Close() error {
	if s.flate != nil {
		return s.flate.Close()
	}
	return nil
}

// ElementsSink collects string attribute values from the top level of a
// part stream, restricted to a tag whitelist. It is the metadata branch of
// the pipeline fork.
type ElementsSink struct {
	wanted map[Tag]bool

	elements   Elements
	depth      int
	collecting bool
	curTag     Tag
	curVR      VR
	buf        []byte
}

// NewElementsSink collects the given tags; nil collects every string-valued
// top-level attribute.
func NewElementsSink(tags []Tag) *ElementsSink {
	var wanted map[Tag]bool
	if tags != nil {
		wanted = make(map[Tag]bool, len(tags))
		for _, t := range tags {
			wanted[t] = true
		}
	}
	return &ElementsSink{wanted: wanted}
}

// Consume feeds one part into the sink.
func (s *ElementsSink) Consume(part Part) {
	switch p := part.(type) {
	case HeaderPart:
		s.collecting = false
		if s.depth != 0 {
			return
		}
		if s.wanted != nil && !s.wanted[p.Tag] {
			return
		}
		if s.wanted == nil && !stringVRs[p.VR] {
			return
		}
		if p.Length == 0 {
			s.elements.Set(p.Tag, p.VR, "")
			return
		}
		s.collecting = true
		s.curTag = p.Tag
		s.curVR = p.VR
		s.buf = s.buf[:0]
	case ValueChunkPart:
		if !s.collecting {
			return
		}
		s.buf = append(s.buf, p.Value...)
		if p.Last {
			s.elements.Set(s.curTag, s.curVR, decodeString(s.curVR, s.buf))
			s.collecting = false
		}
	case SequenceStartPart:
		s.depth++
	case SequenceEndPart:
		s.depth--
	}
}

// Result returns the collected attributes.
func (s *ElementsSink) Result() Elements { return s.elements }

// Run drives a stage chain to completion, writing wire bytes to sink and
// collecting metaTags on the side. The two branches are fed the same part
// in lockstep, so storage bytes are byte-identical to what the metadata
// branch observed and no reordering can occur.
func Run(stage Stage, sink io.Writer, metaTags []Tag) (Elements, error) {
	ser := NewSerializer(sink)
	collector := NewElementsSink(metaTags)
	for {
		part, err := stage.Next()
		if err == io.EOF {
			if cerr := ser.Close(); cerr != nil {
				return Elements{}, fmt.Errorf("dicom: flush sink: %w", cerr)
			}
			return collector.Result(), nil
		}
		if err != nil {
			return Elements{}, err
		}
		if err := ser.Write(part); err != nil {
			return Elements{}, fmt.Errorf("dicom: write sink: %w", err)
		}
		collector.Consume(part)
	}
}

// Drain exhausts a reader, used to keep a client's upload from blocking
// after a validation rejection.
func Drain(r io.Reader) {
	io.Copy(io.Discard, r)
}
