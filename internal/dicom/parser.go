package dicom

import (
	"bufio"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stage is a pull-based part source. Next returns io.EOF after the last
// part. Flows wrap a Stage and are themselves Stages, so a pipeline is a
// chain of Next calls driven by the sink, so backpressure falls out of the
// pull model.
type Stage interface {
	Next() (Part, error)
}

// maxChunkSize bounds the size of one value chunk.
const maxChunkSize = 8192

// ErrNotDICOM reports a stream without the part 10 preamble and magic.
var ErrNotDICOM = errors.New("dicom: not a DICOM part 10 stream")

// parseLevel tracks one open sequence or item. remaining counts down the
// declared length for defined-length constructs; undefined ones close on an
// explicit delimitation item.
type parseLevel struct {
	remaining int64
	undefined bool
	item      bool
}

// Parser reads a DICOM part 10 byte stream incrementally and emits parts.
// Supported dataset encodings: explicit and implicit VR little endian, plus
// the deflated variant. Explicit VR big endian is rejected.
type Parser struct {
	r     *bufio.Reader
	queue []Part
	err   error

	started      bool
	inFMI        bool
	fmiRemaining int64
	explicitVR   bool
	ts           string

	valueRemaining uint32
	inFragments    bool
	stack          []*parseLevel
}

// NewParser wraps a reader. Parsing is lazy; errors surface from Next.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, 32*1024), explicitVR: true}
}

// TransferSyntax returns the stream's transfer syntax UID once the file
// meta group has been parsed.
func (p *Parser) TransferSyntax() string { return p.ts }

// Next returns the next part, or io.EOF at end of stream.
func (p *Parser) Next() (Part, error) {
	for {
		if len(p.queue) > 0 {
			part := p.queue[0]
			p.queue = p.queue[1:]
			return part, nil
		}
		if p.err != nil {
			return nil, p.err
		}
		p.advance()
	}
}

// emit appends parts to the output queue.
func (p *Parser) emit(parts ...Part) { p.queue = append(p.queue, parts...) }

// fail records a terminal error.
func (p *Parser) fail(err error) { p.err = err }

func (p *Parser) readFull(buf []byte) bool {
	if _, err := io.ReadFull(p.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("dicom: truncated stream: %w", err)
		}
		p.fail(err)
		return false
	}
	return true
}

// consume charges n dataset bytes against every open defined-length level
// and closes levels that are spent, innermost first.
func (p *Parser) consume(n int64) {
	for _, lvl := range p.stack {
		if !lvl.undefined {
			lvl.remaining -= n
		}
	}
	for len(p.stack) > 0 {
		lvl := p.stack[len(p.stack)-1]
		if lvl.undefined || lvl.remaining > 0 {
			break
		}
		if lvl.remaining < 0 {
			p.fail(fmt.Errorf("dicom: sequence length overrun by %d bytes", -lvl.remaining))
			return
		}
		p.stack = p.stack[:len(p.stack)-1]
		if lvl.item {
			p.emit(ItemEndPart{Marker: true})
		} else {
			p.emit(SequenceEndPart{Marker: true})
		}
	}
}

// advance reads enough input to queue at least one part or set an error.
func (p *Parser) advance() {
	switch {
	case !p.started:
		p.readPreamble()
	case p.valueRemaining > 0:
		p.readValueChunk()
	case p.inFMI:
		p.readFMIElement()
	case p.inFragments:
		p.readFragmentItem()
	default:
		p.readDatasetElement()
	}
}

func (p *Parser) readPreamble() {
	p.started = true
	buf := make([]byte, 132)
	if !p.readFull(buf) {
		if errors.Is(p.err, io.EOF) || errors.Is(p.err, io.ErrUnexpectedEOF) {
			p.fail(ErrNotDICOM)
		}
		return
	}
	if string(buf[128:132]) != "DICM" {
		p.fail(ErrNotDICOM)
		return
	}
	p.inFMI = true
	p.fmiRemaining = -1 // unknown until the group length element
	p.emit(PreamblePart{raw: buf})
}

// readFMIElement parses one file meta element (always explicit VR little
// endian). The group length element bounds the group; without it the parser
// falls back to peeking for a non-0002 group.
func (p *Parser) readFMIElement() {
	if p.fmiRemaining == 0 {
		p.endFMI()
		return
	}
	if p.fmiRemaining < 0 {
		head, err := p.r.Peek(2)
		if err != nil {
			p.fail(err)
			return
		}
		if binary.LittleEndian.Uint16(head) != 0x0002 {
			p.endFMI()
			return
		}
	}
	header, ok := p.readHeaderBytes(true, true)
	if !ok {
		return
	}
	if p.fmiRemaining > 0 {
		p.fmiRemaining -= int64(len(header.raw)) + int64(header.Length)
		if p.fmiRemaining < 0 {
			p.fail(errors.New("dicom: file meta group length overrun"))
			return
		}
	}
	p.emit(header)
	if header.Tag == TagFileMetaInformationGroupLength && header.Length == 4 {
		buf := make([]byte, 4)
		if !p.readFull(buf) {
			return
		}
		p.fmiRemaining = int64(binary.LittleEndian.Uint32(buf))
		p.emit(ValueChunkPart{Value: buf, Last: true})
		return
	}
	if header.Tag == TagTransferSyntaxUID {
		buf := make([]byte, header.Length)
		if !p.readFull(buf) {
			return
		}
		p.ts = decodeString(VRUI, buf)
		p.emit(ValueChunkPart{Value: buf, Last: true})
		return
	}
	p.valueRemaining = header.Length
}

// endFMI switches to the dataset encoding announced by the transfer syntax.
func (p *Parser) endFMI() {
	p.inFMI = false
	switch p.ts {
	case ExplicitVRLittleEndian, "":
		p.explicitVR = true
	case ImplicitVRLittleEndian:
		p.explicitVR = false
	case DeflatedExplicitVRLittleEndian:
		p.explicitVR = true
		p.r = bufio.NewReaderSize(flate.NewReader(p.r), 32*1024)
	case ExplicitVRBigEndian:
		p.fail(fmt.Errorf("dicom: unsupported transfer syntax %s (big endian)", p.ts))
	default:
		// Encapsulated syntaxes encode the dataset explicit VR little
		// endian with fragmented pixel data.
		p.explicitVR = true
	}
}

func (p *Parser) readValueChunk() {
	n := p.valueRemaining
	if n > maxChunkSize {
		n = maxChunkSize
	}
	buf := make([]byte, n)
	if !p.readFull(buf) {
		return
	}
	p.valueRemaining -= n
	p.emit(ValueChunkPart{Value: buf, Last: p.valueRemaining == 0})
	if !p.inFMI {
		p.consume(int64(n))
	}
}

// readHeaderBytes reads one attribute header in the given encoding. The
// delimitation tags (FFFE,xxxx) always use the 8-byte implicit form.
func (p *Parser) readHeaderBytes(explicitVR, inFMI bool) (HeaderPart, bool) {
	buf := make([]byte, 8)
	if !p.readFull(buf) {
		return HeaderPart{}, false
	}
	tag := Tag(uint32(binary.LittleEndian.Uint16(buf[0:]))<<16 | uint32(binary.LittleEndian.Uint16(buf[2:])))

	if tag.Group() == 0xFFFE {
		length := binary.LittleEndian.Uint32(buf[4:])
		return HeaderPart{Tag: tag, VR: VRUN, Length: length, raw: buf}, true
	}

	if explicitVR {
		vr := VR(buf[4:6])
		if longFormVRs[vr] {
			rest := make([]byte, 4)
			if !p.readFull(rest) {
				return HeaderPart{}, false
			}
			buf = append(buf, rest...)
			length := binary.LittleEndian.Uint32(rest)
			return HeaderPart{Tag: tag, VR: vr, Length: length, ExplicitVR: true, InFMI: inFMI, raw: buf}, true
		}
		length := uint32(binary.LittleEndian.Uint16(buf[6:]))
		return HeaderPart{Tag: tag, VR: vr, Length: length, ExplicitVR: true, InFMI: inFMI, raw: buf}, true
	}

	length := binary.LittleEndian.Uint32(buf[4:])
	return HeaderPart{Tag: tag, VR: vrFor(tag), Length: length, InFMI: inFMI, raw: buf}, true
}

const undefinedLength = 0xFFFFFFFF

func (p *Parser) readDatasetElement() {
	if _, err := p.r.Peek(1); err != nil {
		if err == io.EOF && len(p.stack) == 0 {
			p.fail(io.EOF)
		} else {
			p.fail(fmt.Errorf("dicom: unexpected end of dataset: %w", err))
		}
		return
	}

	header, ok := p.readHeaderBytes(p.explicitVR, false)
	if !ok {
		return
	}
	consumed := int64(len(header.raw))

	switch header.Tag {
	case TagItem:
		undefined := header.Length == undefinedLength
		p.emit(ItemStartPart{Length: header.Length, Undefined: undefined, raw: header.raw})
		p.consume(consumed)
		if !undefined {
			p.stack = append(p.stack, &parseLevel{remaining: int64(header.Length), undefined: false, item: true})
			if header.Length == 0 {
				p.consume(0)
			}
		} else {
			p.stack = append(p.stack, &parseLevel{undefined: true, item: true})
		}
		return
	case TagItemDelimitation:
		p.emit(ItemEndPart{raw: header.raw})
		if len(p.stack) > 0 && p.stack[len(p.stack)-1].item {
			p.stack = p.stack[:len(p.stack)-1]
		}
		p.consume(consumed)
		return
	case TagSequenceDelimitation:
		if p.inFragments {
			p.inFragments = false
			p.emit(SequenceEndPart{raw: header.raw})
			p.consume(consumed)
			return
		}
		p.emit(SequenceEndPart{raw: header.raw})
		if len(p.stack) > 0 && !p.stack[len(p.stack)-1].item {
			p.stack = p.stack[:len(p.stack)-1]
		}
		p.consume(consumed)
		return
	}

	isSequence := header.VR == VRSQ ||
		(!header.ExplicitVR && header.Length == undefinedLength && header.Tag != TagPixelData)
	if isSequence {
		undefined := header.Length == undefinedLength
		p.emit(SequenceStartPart{Tag: header.Tag, Length: header.Length, Undefined: undefined, raw: header.raw})
		p.consume(consumed)
		if undefined {
			p.stack = append(p.stack, &parseLevel{undefined: true})
		} else {
			p.stack = append(p.stack, &parseLevel{remaining: int64(header.Length)})
			if header.Length == 0 {
				p.consume(0)
			}
		}
		return
	}

	if header.Length == undefinedLength {
		// Encapsulated pixel data: fragments follow as items.
		p.emit(FragmentsStartPart{Tag: header.Tag, VR: header.VR, raw: header.raw})
		p.inFragments = true
		p.consume(consumed)
		return
	}

	p.emit(header)
	p.consume(consumed)
	p.valueRemaining = header.Length
	if header.Length == 0 {
		// nothing follows; a zero-length element still closes levels
		p.consume(0)
	}
}

// readFragmentItem reads one pixel-data fragment header; its bytes follow as
// regular value chunks.
func (p *Parser) readFragmentItem() {
	header, ok := p.readHeaderBytes(false, false)
	if !ok {
		return
	}
	switch header.Tag {
	case TagItem:
		p.emit(ItemStartPart{Length: header.Length, raw: header.raw})
		p.valueRemaining = header.Length
	case TagSequenceDelimitation:
		p.inFragments = false
		p.emit(SequenceEndPart{raw: header.raw})
	default:
		p.fail(fmt.Errorf("dicom: unexpected tag %08X in fragments", uint32(header.Tag)))
	}
}
