package db

import (
	"context"
	"fmt"
	"strings"
)

// AnonymizationKeyStore owns the anonymization key table.
type AnonymizationKeyStore struct {
	db *DB
}

// NewAnonymizationKeyStore creates a key store over db.
func NewAnonymizationKeyStore(db *DB) *AnonymizationKeyStore {
	return &AnonymizationKeyStore{db: db}
}

const anonKeyColumns = `id, created, imageid,
	patientname, anonpatientname, patientid, anonpatientid, patientbirthdate,
	studyinstanceuid, anonstudyinstanceuid, studydescription, studyid, accessionnumber,
	seriesinstanceuid, anonseriesinstanceuid, seriesdescription, protocolname,
	frameofreferenceuid, anonframeofreferenceuid, sopinstanceuid, anonsopinstanceuid`

func scanAnonKey(row interface{ Scan(...interface{}) error }) (AnonymizationKey, error) {
	var k AnonymizationKey
	err := row.Scan(&k.ID, &k.Created, &k.ImageID,
		&k.PatientName, &k.AnonPatientName, &k.PatientID, &k.AnonPatientID, &k.PatientBirthDate,
		&k.StudyInstanceUID, &k.AnonStudyInstanceUID, &k.StudyDescription, &k.StudyID, &k.AccessionNumber,
		&k.SeriesInstanceUID, &k.AnonSeriesInstanceUID, &k.SeriesDescription, &k.ProtocolName,
		&k.FrameOfReferenceUID, &k.AnonFrameOfReferenceUID, &k.SOPInstanceUID, &k.AnonSOPInstanceUID)
	return k, mapError(err)
}

// Insert stores a key and returns it with its generated id.
func (s *AnonymizationKeyStore) Insert(ctx context.Context, k AnonymizationKey) (AnonymizationKey, error) {
	if k.Created == 0 {
		k.Created = nowMillis()
	}
	id, err := s.db.insertReturningID(ctx, s.db.sql,
		`INSERT INTO anonymizationkeys (created, imageid,
			patientname, anonpatientname, patientid, anonpatientid, patientbirthdate,
			studyinstanceuid, anonstudyinstanceuid, studydescription, studyid, accessionnumber,
			seriesinstanceuid, anonseriesinstanceuid, seriesdescription, protocolname,
			frameofreferenceuid, anonframeofreferenceuid, sopinstanceuid, anonsopinstanceuid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Created, k.ImageID,
		k.PatientName, k.AnonPatientName, k.PatientID, k.AnonPatientID, k.PatientBirthDate,
		k.StudyInstanceUID, k.AnonStudyInstanceUID, k.StudyDescription, k.StudyID, k.AccessionNumber,
		k.SeriesInstanceUID, k.AnonSeriesInstanceUID, k.SeriesDescription, k.ProtocolName,
		k.FrameOfReferenceUID, k.AnonFrameOfReferenceUID, k.SOPInstanceUID, k.AnonSOPInstanceUID)
	if err != nil {
		return AnonymizationKey{}, fmt.Errorf("insert anonymization key: %w", err)
	}
	k.ID = id
	return k, nil
}

// queryWhere runs a select over the key table with the given conjunctive
// predicate, newest first.
func (s *AnonymizationKeyStore) queryWhere(ctx context.Context, where string, args ...interface{}) ([]AnonymizationKey, error) {
	rows, err := s.db.sql.QueryContext(ctx, s.db.rebind(
		`SELECT `+anonKeyColumns+` FROM anonymizationkeys WHERE `+where+` ORDER BY created DESC, id DESC`),
		args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var keys []AnonymizationKey
	for rows.Next() {
		k, err := scanAnonKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ByAnonPatient returns keys whose pseudonyms match at patient granularity.
func (s *AnonymizationKeyStore) ByAnonPatient(ctx context.Context, anonPatientName, anonPatientID string) ([]AnonymizationKey, error) {
	return s.queryWhere(ctx, `anonpatientname = ? AND anonpatientid = ?`, anonPatientName, anonPatientID)
}

// ByAnonStudy narrows ByAnonPatient to one anonymized study.
func (s *AnonymizationKeyStore) ByAnonStudy(ctx context.Context, anonPatientName, anonPatientID, anonStudyUID string) ([]AnonymizationKey, error) {
	return s.queryWhere(ctx,
		`anonpatientname = ? AND anonpatientid = ? AND anonstudyinstanceuid = ?`,
		anonPatientName, anonPatientID, anonStudyUID)
}

// ByAnonSeries narrows ByAnonStudy to one anonymized series.
func (s *AnonymizationKeyStore) ByAnonSeries(ctx context.Context, anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID string) ([]AnonymizationKey, error) {
	return s.queryWhere(ctx,
		`anonpatientname = ? AND anonpatientid = ? AND anonstudyinstanceuid = ? AND anonseriesinstanceuid = ?`,
		anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID)
}

// ByAnonImage narrows ByAnonSeries to one anonymized SOP instance.
func (s *AnonymizationKeyStore) ByAnonImage(ctx context.Context, anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID string) ([]AnonymizationKey, error) {
	return s.queryWhere(ctx,
		`anonpatientname = ? AND anonpatientid = ? AND anonstudyinstanceuid = ? AND anonseriesinstanceuid = ? AND anonsopinstanceuid = ?`,
		anonPatientName, anonPatientID, anonStudyUID, anonSeriesUID, anonSOPUID)
}

// ByPatient returns keys matching the original (protected) patient
// identifiers, used on the send path.
func (s *AnonymizationKeyStore) ByPatient(ctx context.Context, patientName, patientID string) ([]AnonymizationKey, error) {
	return s.queryWhere(ctx, `patientname = ? AND patientid = ?`, patientName, patientID)
}

// ForImage returns the keys recorded for one stored image.
func (s *AnonymizationKeyStore) ForImage(ctx context.Context, imageID int64) ([]AnonymizationKey, error) {
	return s.queryWhere(ctx, `imageid = ?`, imageID)
}

// DeleteForImageIDs removes every key owned by the given images. No-op for
// an empty list.
func (s *AnonymizationKeyStore) DeleteForImageIDs(ctx context.Context, imageIDs []int64) error {
	if len(imageIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(imageIDs)), ", ")
	args := make([]interface{}, len(imageIDs))
	for i, id := range imageIDs {
		args[i] = id
	}
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`DELETE FROM anonymizationkeys WHERE imageid IN (`+placeholders+`)`), args...)
	return mapError(err)
}
