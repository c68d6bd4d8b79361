// Package dicom implements a single-pass streaming DICOM pipeline: an
// incremental parser emitting typed parts, composable per-part flows
// (anonymize, reverse-anonymize, modify, collect, validate) and a fork that
// writes bytes to storage while extracting attributes, in lockstep.
package dicom

// Tag is a DICOM attribute tag, group in the high 16 bits.
type Tag uint32

// Group and Element split a tag into its halves.
func (t Tag) Group() uint16   { return uint16(t >> 16) }
func (t Tag) Element() uint16 { return uint16(t) }

// Tags the transfer core reads, writes or anonymizes.
const (
	TagFileMetaInformationGroupLength Tag = 0x00020000
	TagMediaStorageSOPClassUID        Tag = 0x00020002
	TagMediaStorageSOPInstanceUID     Tag = 0x00020003
	TagTransferSyntaxUID              Tag = 0x00020010

	TagSpecificCharacterSet  Tag = 0x00080005
	TagImageType             Tag = 0x00080008
	TagInstanceCreatorUID    Tag = 0x00080014
	TagSOPClassUID           Tag = 0x00080016
	TagSOPInstanceUID        Tag = 0x00080018
	TagAccessionNumber       Tag = 0x00080050
	TagInstitutionName       Tag = 0x00080080
	TagInstitutionAddress    Tag = 0x00080081
	TagReferringPhysician    Tag = 0x00080090
	TagStationName           Tag = 0x00081010
	TagStudyDescription      Tag = 0x00081030
	TagSeriesDescription     Tag = 0x0008103E
	TagInstitutionalDeptName Tag = 0x00081040
	TagPhysiciansOfRecord    Tag = 0x00081048
	TagPerformingPhysician   Tag = 0x00081050
	TagOperatorsName         Tag = 0x00081070

	TagPatientName       Tag = 0x00100010
	TagPatientID         Tag = 0x00100020
	TagPatientBirthDate  Tag = 0x00100030
	TagPatientSex        Tag = 0x00100040
	TagOtherPatientIDs   Tag = 0x00101000
	TagOtherPatientNames Tag = 0x00101001
	TagPatientAge        Tag = 0x00101010
	TagPatientSize       Tag = 0x00101020
	TagPatientWeight     Tag = 0x00101030
	TagPatientAddress    Tag = 0x00101040
	TagPatientComments   Tag = 0x00104000

	TagPatientIdentityRemoved Tag = 0x00120062
	TagDeidentificationMethod Tag = 0x00120063
	TagDeviceSerialNumber     Tag = 0x00181000
	TagProtocolName           Tag = 0x00181030

	TagStudyInstanceUID    Tag = 0x0020000D
	TagSeriesInstanceUID   Tag = 0x0020000E
	TagStudyID             Tag = 0x00200010
	TagFrameOfReferenceUID Tag = 0x00200052
	TagImageComments       Tag = 0x00204000

	TagItem                 Tag = 0xFFFEE000
	TagItemDelimitation     Tag = 0xFFFEE00D
	TagSequenceDelimitation Tag = 0xFFFEE0DD

	TagPixelData Tag = 0x7FE00010
)

// Transfer syntax UIDs the pipeline understands natively. Encapsulated
// syntaxes (JPEG and friends) pass through as fragments.
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
)

// VR is a DICOM value representation.
type VR string

// VRs referenced by the dictionary and the serializer.
const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VROW VR = "OW"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSQ VR = "SQ"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUS VR = "US"
	VRUT VR = "UT"
)

// longFormVRs use the 12-byte explicit header (2 reserved bytes + 4-byte
// length).
var longFormVRs = map[VR]bool{
	VROB: true, VROW: true, VRSQ: true, VRUT: true, VRUN: true,
	"OF": true, "OD": true, "OL": true, "UC": true, "UR": true,
}

// stringVRs hold character data the pipeline can read and rewrite.
var stringVRs = map[VR]bool{
	VRAE: true, VRAS: true, VRCS: true, VRDA: true, VRDS: true, VRDT: true,
	VRIS: true, VRLO: true, VRLT: true, VRPN: true, VRSH: true, VRST: true,
	VRTM: true, VRUI: true, VRUT: true,
}

// dictionary maps the tags the core touches to their VRs, for implicit VR
// streams. Unknown tags parse as UN.
var dictionary = map[Tag]VR{
	TagFileMetaInformationGroupLength: VRUL,
	TagMediaStorageSOPClassUID:        VRUI,
	TagMediaStorageSOPInstanceUID:     VRUI,
	TagTransferSyntaxUID:              VRUI,

	TagSpecificCharacterSet:  VRCS,
	TagImageType:             VRCS,
	TagInstanceCreatorUID:    VRUI,
	TagSOPClassUID:           VRUI,
	TagSOPInstanceUID:        VRUI,
	TagAccessionNumber:       VRSH,
	TagInstitutionName:       VRLO,
	TagInstitutionAddress:    VRST,
	TagReferringPhysician:    VRPN,
	TagStationName:           VRSH,
	TagStudyDescription:      VRLO,
	TagSeriesDescription:     VRLO,
	TagInstitutionalDeptName: VRLO,
	TagPhysiciansOfRecord:    VRPN,
	TagPerformingPhysician:   VRPN,
	TagOperatorsName:         VRPN,

	TagPatientName:       VRPN,
	TagPatientID:         VRLO,
	TagPatientBirthDate:  VRDA,
	TagPatientSex:        VRCS,
	TagOtherPatientIDs:   VRLO,
	TagOtherPatientNames: VRPN,
	TagPatientAge:        VRAS,
	TagPatientSize:       VRDS,
	TagPatientWeight:     VRDS,
	TagPatientAddress:    VRLO,
	TagPatientComments:   VRLT,

	TagPatientIdentityRemoved: VRCS,
	TagDeidentificationMethod: VRLO,
	TagProtocolName:           VRLO,
	TagDeviceSerialNumber:     VRLO,

	TagStudyInstanceUID:    VRUI,
	TagSeriesInstanceUID:   VRUI,
	TagStudyID:             VRSH,
	TagFrameOfReferenceUID: VRUI,
	TagImageComments:       VRLT,

	TagPixelData: VROW,
}

// vrFor resolves a tag's VR for implicit streams.
func vrFor(tag Tag) VR {
	if vr, ok := dictionary[tag]; ok {
		return vr
	}
	return VRUN
}
