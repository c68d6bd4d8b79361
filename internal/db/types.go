// Package db implements the relational persistence layer for boxes,
// transfer transactions and anonymization keys. Each store struct owns the
// SQL for its tables; compound updates that span an invariant run inside a
// single database transaction.
package db

import "errors"

// Common store errors. Drivers' unique-constraint violations are mapped to
// ErrConflict so callers can treat replays as idempotent.
var (
	ErrNotFound = errors.New("db: not found")
	ErrConflict = errors.New("db: conflict")
)

// TransactionStatus is the lifecycle state of an outgoing or incoming
// transaction.
type TransactionStatus string

const (
	StatusWaiting    TransactionStatus = "WAITING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusFailed     TransactionStatus = "FAILED"
	StatusFinished   TransactionStatus = "FINISHED"
)

// SendMethod tells which side initiates transfers for a box.
type SendMethod string

const (
	MethodPush SendMethod = "PUSH"
	MethodPoll SendMethod = "POLL"
)

// Box is a peer slicebox instance.
type Box struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Token       string     `json:"token"`
	BaseURL     string     `json:"baseUrl"`
	SendMethod  SendMethod `json:"sendMethod"`
	Online      bool       `json:"online"`
	LastContact int64      `json:"lastContact"` // epoch ms, 0 = never
}

// OutgoingTransaction is one logical "send N images to a box".
type OutgoingTransaction struct {
	ID              int64             `json:"id"`
	BoxID           int64             `json:"boxId"`
	BoxName         string            `json:"boxName"`
	SentImageCount  int64             `json:"sentImageCount"`
	TotalImageCount int64             `json:"totalImageCount"`
	Created         int64             `json:"created"`
	Updated         int64             `json:"updated"`
	Status          TransactionStatus `json:"status"`
}

// OutgoingImage is one image within an outgoing transaction.
// (OutgoingTransactionID, SequenceNumber) is unique.
type OutgoingImage struct {
	ID                    int64 `json:"id"`
	OutgoingTransactionID int64 `json:"outgoingTransactionId"`
	ImageID               int64 `json:"imageId"`
	SequenceNumber        int64 `json:"sequenceNumber"`
	Sent                  bool  `json:"sent"`
}

// OutgoingTransactionImage is the unit of work handed to a transfer step,
// and the JSON payload of the poll protocol.
type OutgoingTransactionImage struct {
	Transaction OutgoingTransaction `json:"transaction"`
	Image       OutgoingImage       `json:"image"`
}

// OutgoingTagValue forces an attribute value while streaming one specific
// outgoing image.
type OutgoingTagValue struct {
	ID              int64  `json:"id"`
	OutgoingImageID int64  `json:"outgoingImageId"`
	Tag             uint32 `json:"tag"`
	Value           string `json:"value"`
}

// IncomingTransaction mirrors an OutgoingTransaction on the receiving side,
// keyed by (BoxID, OutgoingTransactionID).
type IncomingTransaction struct {
	ID                    int64             `json:"id"`
	BoxID                 int64             `json:"boxId"`
	BoxName               string            `json:"boxName"`
	OutgoingTransactionID int64             `json:"outgoingTransactionId"`
	ReceivedImageCount    int64             `json:"receivedImageCount"`
	AddedImageCount       int64             `json:"addedImageCount"`
	TotalImageCount       int64             `json:"totalImageCount"`
	Created               int64             `json:"created"`
	Updated               int64             `json:"updated"`
	Status                TransactionStatus `json:"status"`
}

// IncomingImage records one received image.
// (IncomingTransactionID, SequenceNumber) is unique.
type IncomingImage struct {
	ID                    int64 `json:"id"`
	IncomingTransactionID int64 `json:"incomingTransactionId"`
	ImageID               int64 `json:"imageId"`
	SequenceNumber        int64 `json:"sequenceNumber"`
	Overwrite             bool  `json:"overwrite"`
}

// AnonymizationKey is the pseudonym mapping for one image.
type AnonymizationKey struct {
	ID      int64 `json:"id"`
	Created int64 `json:"created"`
	ImageID int64 `json:"imageId"`

	PatientName             string `json:"patientName"`
	AnonPatientName         string `json:"anonPatientName"`
	PatientID               string `json:"patientID"`
	AnonPatientID           string `json:"anonPatientID"`
	PatientBirthDate        string `json:"patientBirthDate"`
	StudyInstanceUID        string `json:"studyInstanceUID"`
	AnonStudyInstanceUID    string `json:"anonStudyInstanceUID"`
	StudyDescription        string `json:"studyDescription"`
	StudyID                 string `json:"studyID"`
	AccessionNumber         string `json:"accessionNumber"`
	SeriesInstanceUID       string `json:"seriesInstanceUID"`
	AnonSeriesInstanceUID   string `json:"anonSeriesInstanceUID"`
	SeriesDescription       string `json:"seriesDescription"`
	ProtocolName            string `json:"protocolName"`
	FrameOfReferenceUID     string `json:"frameOfReferenceUID"`
	AnonFrameOfReferenceUID string `json:"anonFrameOfReferenceUID"`
	SOPInstanceUID          string `json:"sopInstanceUID"`
	AnonSOPInstanceUID      string `json:"anonSOPInstanceUID"`
}
