package dicom

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequentialUIDs gives tests deterministic replacement UIDs.
func sequentialUIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("2.25.%d", n)
	}
}

func testKeyInfo() KeyInfo {
	return KeyInfo{
		PatientName:           "Doe^John",
		AnonPatientName:       "Anonymous M 050-059",
		PatientID:             "pid-1",
		AnonPatientID:         "2.25.900",
		StudyInstanceUID:      testStudyUID,
		AnonStudyInstanceUID:  "2.25.901",
		SeriesInstanceUID:     testSeriesUID,
		AnonSeriesInstanceUID: "2.25.902",
		SOPInstanceUID:        testSOPUID,
		AnonSOPInstanceUID:    "2.25.903",
	}
}

// anonymizeFixture runs data through key resolution and anonymization with a
// fixed key.
func anonymizeFixture(t *testing.T, data []byte) Elements {
	t.Helper()
	parser := NewParser(bytes.NewReader(data))
	collect := NewCollectFlow(parser, sendKeyTestTags)
	keyed := NewKeyFlow(collect, func(Elements) (AnonymizationKeyPart, error) {
		return AnonymizationKeyPart{Key: testKeyInfo(), Level: MatchImage, Found: true}, nil
	})
	anon := NewAnonymizeFlow(keyed, BasicProfile(), sequentialUIDs())

	out, _ := runToBytes(t, anon, nil)
	return parseElements(t, out)
}

var sendKeyTestTags = []Tag{
	TagPatientName, TagPatientID, TagPatientBirthDate, TagPatientSex,
	TagStudyInstanceUID, TagSeriesInstanceUID, TagSOPInstanceUID,
}

func TestProfileByName(t *testing.T) {
	require.NotNil(t, ProfileByName(""))
	require.NotNil(t, ProfileByName("basic"))
	assert.Equal(t, "basic", ProfileByName("basic").Name)
	assert.Nil(t, ProfileByName("full-retain"))
}

func TestAnonymizeReplacesIdentityAttributes(t *testing.T) {
	elems := anonymizeFixture(t, fileBytes(ExplicitVRLittleEndian, testDataset()))

	assert.Equal(t, "Anonymous M 050-059", elems.GetString(TagPatientName))
	assert.Equal(t, "2.25.900", elems.GetString(TagPatientID))
	assert.Equal(t, "2.25.901", elems.GetString(TagStudyInstanceUID))
	assert.Equal(t, "2.25.902", elems.GetString(TagSeriesInstanceUID))
	assert.Equal(t, "2.25.903", elems.GetString(TagSOPInstanceUID))

	// the file meta group follows the pseudonymized SOP instance UID
	assert.Equal(t, "2.25.903", elems.GetString(TagMediaStorageSOPInstanceUID))
}

func TestAnonymizeAppliesProfileActions(t *testing.T) {
	elems := anonymizeFixture(t, fileBytes(ExplicitVRLittleEndian, testDataset()))

	// REMOVE drops the attribute, ZERO keeps it empty
	assert.False(t, elems.Has(TagInstitutionName))
	assert.True(t, elems.Has(TagPatientBirthDate))
	assert.Equal(t, "", elems.GetString(TagPatientBirthDate))

	// untouched attributes pass through
	assert.Equal(t, "M", elems.GetString(TagPatientSex))
	assert.Equal(t, testCTSOPClass, elems.GetString(TagSOPClassUID))
}

func TestAnonymizeInsertsDeidentificationMarkers(t *testing.T) {
	elems := anonymizeFixture(t, fileBytes(ExplicitVRLittleEndian, testDataset()))

	assert.Equal(t, "YES", elems.GetString(TagPatientIdentityRemoved))
	assert.Equal(t, BasicProfile().Description, elems.GetString(TagDeidentificationMethod))
}

func TestAnonymizeRemovesPrivateAttributes(t *testing.T) {
	var ds []byte
	ds = append(ds, explicitElement(TagSOPClassUID, VRUI, testCTSOPClass)...)
	ds = append(ds, explicitElement(TagSOPInstanceUID, VRUI, testSOPUID)...)
	ds = append(ds, explicitElement(Tag(0x00090010), VRLO, "vendor secret")...)
	ds = append(ds, explicitElement(TagPatientName, VRPN, "Doe^John")...)
	elems := anonymizeFixture(t, fileBytes(ExplicitVRLittleEndian, ds))

	assert.False(t, elems.Has(Tag(0x00090010)))
}

func TestAnonymizeReplacesUIDsConsistently(t *testing.T) {
	var ds []byte
	ds = append(ds, explicitElement(TagInstanceCreatorUID, VRUI, "1.2.3.77")...)
	ds = append(ds, explicitElement(TagSOPClassUID, VRUI, testCTSOPClass)...)
	ds = append(ds, explicitElement(TagSOPInstanceUID, VRUI, testSOPUID)...)
	ds = append(ds, explicitElement(TagFrameOfReferenceUID, VRUI, "1.2.3.77")...)

	parser := NewParser(bytes.NewReader(fileBytes(ExplicitVRLittleEndian, ds)))
	anon := NewAnonymizeFlow(parser, BasicProfile(), sequentialUIDs())
	out, _ := runToBytes(t, anon, nil)
	elems := parseElements(t, out)

	creator := elems.GetString(TagInstanceCreatorUID)
	assert.NotEqual(t, "1.2.3.77", creator)
	assert.Contains(t, creator, "2.25.")

	// the same original UID maps to the same pseudonym within one stream
	assert.Equal(t, creator, elems.GetString(TagFrameOfReferenceUID))
}

func TestAnonymizeWithoutKeyStillPseudonymizes(t *testing.T) {
	// no key part upstream: the flow synthesizes pseudonyms so originals
	// never leak
	parser := NewParser(bytes.NewReader(fileBytes(ExplicitVRLittleEndian, testDataset())))
	anon := NewAnonymizeFlow(parser, BasicProfile(), sequentialUIDs())
	out, _ := runToBytes(t, anon, nil)
	elems := parseElements(t, out)

	assert.NotEqual(t, "Doe^John", elems.GetString(TagPatientName))
	assert.NotEqual(t, testSOPUID, elems.GetString(TagSOPInstanceUID))
	assert.Equal(t, "YES", elems.GetString(TagPatientIdentityRemoved))
}

func TestAnonymizedOutputParsesCleanly(t *testing.T) {
	parser := NewParser(bytes.NewReader(fileBytes(ExplicitVRLittleEndian, testDataset())))
	anon := NewAnonymizeFlow(parser, BasicProfile(), sequentialUIDs())
	out, _ := runToBytes(t, anon, nil)

	require.NotEmpty(t, out)
	reparsed := NewParser(bytes.NewReader(out))
	parts := collectParts(t, reparsed)
	require.NotEmpty(t, parts)
	assert.Equal(t, ExplicitVRLittleEndian, reparsed.TransferSyntax())
}
