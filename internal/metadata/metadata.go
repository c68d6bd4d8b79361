// Package metadata maintains the searchable catalog of stored DICOM
// instances: the patient, study, series and image hierarchy each received
// or imported file is indexed under.
package metadata

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/events"
)

// MetaTags lists the attributes the catalog needs from each dataset.
// Pipelines that fork metadata off a stream collect exactly these.
var MetaTags = []dicom.Tag{
	dicom.TagPatientName,
	dicom.TagPatientID,
	dicom.TagPatientBirthDate,
	dicom.TagPatientSex,
	dicom.TagPatientAge,
	dicom.TagStudyInstanceUID,
	dicom.TagStudyDescription,
	dicom.TagStudyID,
	dicom.TagAccessionNumber,
	dicom.TagSeriesInstanceUID,
	dicom.TagSeriesDescription,
	dicom.TagProtocolName,
	dicom.TagFrameOfReferenceUID,
	dicom.TagSOPInstanceUID,
	dicom.TagSOPClassUID,
}

// Service indexes datasets into the catalog and removes them again.
type Service interface {
	// Add upserts the hierarchy for a parsed dataset and returns the
	// image row. overwrite reports that the SOP instance already existed.
	Add(ctx context.Context, elems *dicom.Elements, transferSyntaxUID string, source events.Source) (db.Image, bool, error)
	// Delete removes catalog rows and announces the deletion.
	Delete(ctx context.Context, imageIDs []int64) error
}

// DBService is the SQL-backed catalog service.
type DBService struct {
	store *db.MetadataStore
	bus   events.Bus
}

// NewDBService creates a catalog service over store, publishing on bus.
func NewDBService(store *db.MetadataStore, bus events.Bus) *DBService {
	return &DBService{store: store, bus: bus}
}

// Add implements Service.
func (s *DBService) Add(ctx context.Context, elems *dicom.Elements, transferSyntaxUID string, source events.Source) (db.Image, bool, error) {
	meta := db.ImageMeta{
		PatientName:      elems.GetString(dicom.TagPatientName),
		PatientID:        elems.GetString(dicom.TagPatientID),
		PatientBirthDate: elems.GetString(dicom.TagPatientBirthDate),
		PatientSex:       elems.GetString(dicom.TagPatientSex),

		StudyInstanceUID: elems.GetString(dicom.TagStudyInstanceUID),
		StudyDescription: elems.GetString(dicom.TagStudyDescription),
		StudyID:          elems.GetString(dicom.TagStudyID),
		AccessionNumber:  elems.GetString(dicom.TagAccessionNumber),

		SeriesInstanceUID:   elems.GetString(dicom.TagSeriesInstanceUID),
		SeriesDescription:   elems.GetString(dicom.TagSeriesDescription),
		ProtocolName:        elems.GetString(dicom.TagProtocolName),
		FrameOfReferenceUID: elems.GetString(dicom.TagFrameOfReferenceUID),

		SOPInstanceUID:    elems.GetString(dicom.TagSOPInstanceUID),
		SOPClassUID:       elems.GetString(dicom.TagSOPClassUID),
		TransferSyntaxUID: transferSyntaxUID,
	}

	img, overwrite, err := s.store.AddImage(ctx, meta)
	if err != nil {
		return db.Image{}, false, err
	}
	s.bus.Publish(events.ImageAdded{ImageID: img.ID, Source: source, Overwrite: overwrite})
	if overwrite {
		log.WithFields(log.Fields{
			"imageId": img.ID,
			"sopUID":  img.SOPInstanceUID,
		}).Debug("metadata: overwrote existing image")
	}
	return img, overwrite, nil
}

// Delete implements Service.
func (s *DBService) Delete(ctx context.Context, imageIDs []int64) error {
	if err := s.store.DeleteImages(ctx, imageIDs); err != nil {
		return err
	}
	s.bus.Publish(events.ImagesDeleted{ImageIDs: imageIDs})
	return nil
}
