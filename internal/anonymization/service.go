package anonymization

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/events"
)

// KeyService issues anonymization keys on send and matches them on
// receive. It owns the dedup and harmonization rules: one distinct
// (patient, study, series, image) gets one key, and pseudonyms are reused
// across keys of the same patient, study and series so an anonymized
// hierarchy stays coherent.
type KeyService struct {
	store          *db.AnonymizationKeyStore
	purgeEmptyKeys bool
}

// NewKeyService creates the service.
func NewKeyService(store *db.AnonymizationKeyStore, purgeEmptyKeys bool) *KeyService {
	return &KeyService{store: store, purgeEmptyKeys: purgeEmptyKeys}
}

// KeyForSend returns the anonymization key for one outgoing image,
// reusing an existing key when originals and pseudonyms already match at
// patient, study and series granularity, and inserting a new key otherwise.
// Pseudonyms of enclosing levels are harmonized with the closest existing
// key so all images of one series anonymize consistently.
func (s *KeyService) KeyForSend(ctx context.Context, elements dicom.Elements, imageID int64) (db.AnonymizationKey, error) {
	key := db.AnonymizationKey{
		ImageID:             imageID,
		PatientName:         elements.GetString(dicom.TagPatientName),
		PatientID:           elements.GetString(dicom.TagPatientID),
		PatientBirthDate:    elements.GetString(dicom.TagPatientBirthDate),
		StudyInstanceUID:    elements.GetString(dicom.TagStudyInstanceUID),
		StudyDescription:    elements.GetString(dicom.TagStudyDescription),
		StudyID:             elements.GetString(dicom.TagStudyID),
		AccessionNumber:     elements.GetString(dicom.TagAccessionNumber),
		SeriesInstanceUID:   elements.GetString(dicom.TagSeriesInstanceUID),
		SeriesDescription:   elements.GetString(dicom.TagSeriesDescription),
		ProtocolName:        elements.GetString(dicom.TagProtocolName),
		FrameOfReferenceUID: elements.GetString(dicom.TagFrameOfReferenceUID),
		SOPInstanceUID:      elements.GetString(dicom.TagSOPInstanceUID),
	}

	existing, err := s.store.ByPatient(ctx, key.PatientName, key.PatientID)
	if err != nil {
		return db.AnonymizationKey{}, fmt.Errorf("anonymization: query keys: %w", err)
	}

	// Harmonize pseudonyms against the closest existing key: same series
	// first, then same study, then same patient.
	var patientMatch, studyMatch, seriesMatch *db.AnonymizationKey
	for i := range existing {
		k := &existing[i]
		if patientMatch == nil {
			patientMatch = k
		}
		if k.StudyInstanceUID == key.StudyInstanceUID {
			if studyMatch == nil {
				studyMatch = k
			}
			if k.SeriesInstanceUID == key.SeriesInstanceUID {
				if seriesMatch == nil {
					seriesMatch = k
				}
				if k.SOPInstanceUID == key.SOPInstanceUID {
					// Full match: this image was anonymized before.
					return *k, nil
				}
			}
		}
	}

	if patientMatch != nil {
		key.AnonPatientName = patientMatch.AnonPatientName
		key.AnonPatientID = patientMatch.AnonPatientID
	} else {
		key.AnonPatientName = NewPatientName(
			elements.GetString(dicom.TagPatientSex), elements.GetString(dicom.TagPatientAge))
		key.AnonPatientID = NewUID()
	}
	if studyMatch != nil {
		key.AnonStudyInstanceUID = studyMatch.AnonStudyInstanceUID
	} else {
		key.AnonStudyInstanceUID = NewUID()
	}
	if seriesMatch != nil {
		key.AnonSeriesInstanceUID = seriesMatch.AnonSeriesInstanceUID
		key.AnonFrameOfReferenceUID = seriesMatch.AnonFrameOfReferenceUID
	} else {
		key.AnonSeriesInstanceUID = NewUID()
		if key.FrameOfReferenceUID != "" {
			key.AnonFrameOfReferenceUID = NewUID()
		}
	}
	key.AnonSOPInstanceUID = NewUID()

	inserted, err := s.store.Insert(ctx, key)
	if err != nil {
		return db.AnonymizationKey{}, fmt.Errorf("anonymization: insert key: %w", err)
	}
	return inserted, nil
}

// LookupForImage resolves the key for a received anonymized object with the
// hierarchical four-step match: image, series, study, patient. The first
// predicate that yields a row wins, and its level tells callers which fields
// are authoritative.
func (s *KeyService) LookupForImage(ctx context.Context, anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID string) (db.AnonymizationKey, dicom.MatchLevel, bool, error) {
	steps := []struct {
		level dicom.MatchLevel
		query func() ([]db.AnonymizationKey, error)
	}{
		{dicom.MatchImage, func() ([]db.AnonymizationKey, error) {
			return s.store.ByAnonImage(ctx, anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID)
		}},
		{dicom.MatchSeries, func() ([]db.AnonymizationKey, error) {
			return s.store.ByAnonSeries(ctx, anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID)
		}},
		{dicom.MatchStudy, func() ([]db.AnonymizationKey, error) {
			return s.store.ByAnonStudy(ctx, anonPatientName, anonPatientID, anonStudyUID)
		}},
		{dicom.MatchPatient, func() ([]db.AnonymizationKey, error) {
			return s.store.ByAnonPatient(ctx, anonPatientName, anonPatientID)
		}},
	}
	for _, step := range steps {
		keys, err := step.query()
		if err != nil {
			return db.AnonymizationKey{}, 0, false, fmt.Errorf("anonymization: lookup: %w", err)
		}
		if len(keys) > 0 {
			return keys[0], step.level, true, nil
		}
	}
	return db.AnonymizationKey{}, 0, false, nil
}

// QueryProtectedKeys returns keys by original patient identifiers.
func (s *KeyService) QueryProtectedKeys(ctx context.Context, patientName, patientID string) ([]db.AnonymizationKey, error) {
	return s.store.ByPatient(ctx, patientName, patientID)
}

// QueryAnonymousKeys returns keys by anonymized patient identifiers.
func (s *KeyService) QueryAnonymousKeys(ctx context.Context, anonPatientName, anonPatientID string) ([]db.AnonymizationKey, error) {
	return s.store.ByAnonPatient(ctx, anonPatientName, anonPatientID)
}

// PurgeForImages deletes the keys owned by the given images when the purge
// policy is on.
func (s *KeyService) PurgeForImages(ctx context.Context, imageIDs []int64) error {
	if !s.purgeEmptyKeys {
		return nil
	}
	return s.store.DeleteForImageIDs(ctx, imageIDs)
}

// ListenForDeletes purges keys when images are deleted. Blocks until the
// context ends; run in a goroutine.
func (s *KeyService) ListenForDeletes(ctx context.Context, bus events.Bus) {
	ch := bus.Subscribe(events.ImagesDeleted{}.Type())
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if e, isDelete := event.(events.ImagesDeleted); isDelete {
				if err := s.PurgeForImages(ctx, e.ImageIDs); err != nil {
					log.WithField("subsystem", "anonymization").
						WithError(err).Warn("key purge failed")
				}
			}
		}
	}
}

// KeyInfo converts a persisted key to the pipeline's detached form.
func KeyInfo(k db.AnonymizationKey) dicom.KeyInfo {
	return dicom.KeyInfo{
		PatientName:             k.PatientName,
		AnonPatientName:         k.AnonPatientName,
		PatientID:               k.PatientID,
		AnonPatientID:           k.AnonPatientID,
		PatientBirthDate:        k.PatientBirthDate,
		StudyInstanceUID:        k.StudyInstanceUID,
		AnonStudyInstanceUID:    k.AnonStudyInstanceUID,
		StudyDescription:        k.StudyDescription,
		StudyID:                 k.StudyID,
		AccessionNumber:         k.AccessionNumber,
		SeriesInstanceUID:       k.SeriesInstanceUID,
		AnonSeriesInstanceUID:   k.AnonSeriesInstanceUID,
		SeriesDescription:       k.SeriesDescription,
		ProtocolName:            k.ProtocolName,
		FrameOfReferenceUID:     k.FrameOfReferenceUID,
		AnonFrameOfReferenceUID: k.AnonFrameOfReferenceUID,
		SOPInstanceUID:          k.SOPInstanceUID,
		AnonSOPInstanceUID:      k.AnonSOPInstanceUID,
	}
}
