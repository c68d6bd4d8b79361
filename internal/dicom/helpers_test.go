package dicom

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testCTSOPClass = "1.2.840.10008.5.1.4.1.1.2"
	testSOPUID     = "1.2.826.0.1.3680043.8.498.1"
	testStudyUID   = "1.2.826.0.1.3680043.8.498.2"
	testSeriesUID  = "1.2.826.0.1.3680043.8.498.3"
)

// explicitElement encodes one explicit VR little endian string attribute.
func explicitElement(tag Tag, vr VR, value string) []byte {
	padded := padValue(vr, value)
	return append(encodeHeader(tag, vr, uint32(len(padded)), true), padded...)
}

// implicitElement encodes one implicit VR little endian string attribute.
func implicitElement(tag Tag, vr VR, value string) []byte {
	padded := padValue(vr, value)
	return append(encodeHeader(tag, vr, uint32(len(padded)), false), padded...)
}

// fmiBytes builds a complete file meta information group.
func fmiBytes(sopClass, sopInstance, transferSyntax string) []byte {
	var body []byte
	body = append(body, explicitElement(TagMediaStorageSOPClassUID, VRUI, sopClass)...)
	body = append(body, explicitElement(TagMediaStorageSOPInstanceUID, VRUI, sopInstance)...)
	body = append(body, explicitElement(TagTransferSyntaxUID, VRUI, transferSyntax)...)
	out := encodeHeader(TagFileMetaInformationGroupLength, VRUL, 4, true)
	out = append(out, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(out[len(out)-4:], uint32(len(body)))
	return append(out, body...)
}

// fileBytes assembles preamble, magic, file meta and dataset.
func fileBytes(transferSyntax string, dataset []byte) []byte {
	out := make([]byte, 128)
	out = append(out, 'D', 'I', 'C', 'M')
	out = append(out, fmiBytes(testCTSOPClass, testSOPUID, transferSyntax)...)
	if transferSyntax == DeflatedExplicitVRLittleEndian {
		var buf bytes.Buffer
		fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
		fw.Write(dataset)
		fw.Close()
		dataset = buf.Bytes()
	}
	return append(out, dataset...)
}

// testDataset is a small explicit VR LE dataset carrying identity and
// incidental attributes.
func testDataset() []byte {
	var ds []byte
	ds = append(ds, explicitElement(TagSOPClassUID, VRUI, testCTSOPClass)...)
	ds = append(ds, explicitElement(TagSOPInstanceUID, VRUI, testSOPUID)...)
	ds = append(ds, explicitElement(TagInstitutionName, VRLO, "General Hospital")...)
	ds = append(ds, explicitElement(TagPatientName, VRPN, "Doe^John")...)
	ds = append(ds, explicitElement(TagPatientID, VRLO, "pid-1")...)
	ds = append(ds, explicitElement(TagPatientBirthDate, VRDA, "19700101")...)
	ds = append(ds, explicitElement(TagPatientSex, VRCS, "M")...)
	ds = append(ds, explicitElement(TagStudyInstanceUID, VRUI, testStudyUID)...)
	ds = append(ds, explicitElement(TagSeriesInstanceUID, VRUI, testSeriesUID)...)
	return ds
}

// collectParts drains a stage.
func collectParts(t *testing.T, s Stage) []Part {
	t.Helper()
	var parts []Part
	for {
		p, err := s.Next()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		parts = append(parts, p)
	}
}

// runToBytes drives a stage through the serializer.
func runToBytes(t *testing.T, s Stage, metaTags []Tag) ([]byte, Elements) {
	t.Helper()
	var buf bytes.Buffer
	elems, err := Run(s, &buf, metaTags)
	require.NoError(t, err)
	return buf.Bytes(), elems
}

// parseElements runs a byte stream through the parser and an all-tags sink.
func parseElements(t *testing.T, data []byte) Elements {
	t.Helper()
	_, elems := runToBytes(t, NewParser(bytes.NewReader(data)), nil)
	return elems
}
