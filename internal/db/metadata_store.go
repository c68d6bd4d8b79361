package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Image is one stored DICOM instance in the metadata catalog.
type Image struct {
	ID                int64  `json:"id"`
	SeriesID          int64  `json:"seriesId"`
	SOPInstanceUID    string `json:"sopInstanceUID"`
	SOPClassUID       string `json:"sopClassUID"`
	TransferSyntaxUID string `json:"transferSyntaxUID"`
}

// ImageMeta is the attribute set the catalog indexes for one instance.
type ImageMeta struct {
	PatientName      string
	PatientID        string
	PatientBirthDate string
	PatientSex       string

	StudyInstanceUID string
	StudyDescription string
	StudyID          string
	AccessionNumber  string

	SeriesInstanceUID   string
	SeriesDescription   string
	ProtocolName        string
	FrameOfReferenceUID string

	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
}

// MetadataStore owns the patient/study/series/image catalog tables.
type MetadataStore struct {
	db *DB
}

// NewMetadataStore creates a metadata store over db.
func NewMetadataStore(db *DB) *MetadataStore {
	return &MetadataStore{db: db}
}

// AddImage upserts the patient/study/series hierarchy for one instance and
// returns its image row. overwrite is true when the SOP instance was
// already on file, in which case the existing row is returned unchanged.
// The whole upsert is one database transaction.
func (s *MetadataStore) AddImage(ctx context.Context, meta ImageMeta) (Image, bool, error) {
	var img Image
	var overwrite bool
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		patientID, err := s.upsertPatient(ctx, tx, meta)
		if err != nil {
			return err
		}
		studyID, err := s.upsertStudy(ctx, tx, patientID, meta)
		if err != nil {
			return err
		}
		seriesID, err := s.upsertSeries(ctx, tx, studyID, meta)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT id, seriesid, sopinstanceuid, sopclassuid, transfersyntaxuid
			 FROM images WHERE seriesid = ? AND sopinstanceuid = ?`),
			seriesID, meta.SOPInstanceUID)
		err = row.Scan(&img.ID, &img.SeriesID, &img.SOPInstanceUID, &img.SOPClassUID, &img.TransferSyntaxUID)
		switch {
		case err == nil:
			overwrite = true
			return nil
		case errors.Is(mapError(err), ErrNotFound):
		default:
			return mapError(err)
		}

		id, err := s.db.insertReturningID(ctx, tx,
			`INSERT INTO images (seriesid, sopinstanceuid, sopclassuid, transfersyntaxuid)
			 VALUES (?, ?, ?, ?)`,
			seriesID, meta.SOPInstanceUID, meta.SOPClassUID, meta.TransferSyntaxUID)
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		img = Image{
			ID: id, SeriesID: seriesID,
			SOPInstanceUID:    meta.SOPInstanceUID,
			SOPClassUID:       meta.SOPClassUID,
			TransferSyntaxUID: meta.TransferSyntaxUID,
		}
		return nil
	})
	return img, overwrite, err
}

func (s *MetadataStore) upsertPatient(ctx context.Context, tx *sql.Tx, meta ImageMeta) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT id FROM patients WHERE patientname = ? AND patientid = ?`),
		meta.PatientName, meta.PatientID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(mapError(err), ErrNotFound) {
		return 0, mapError(err)
	}
	return s.db.insertReturningID(ctx, tx,
		`INSERT INTO patients (patientname, patientid, patientbirthdate, patientsex)
		 VALUES (?, ?, ?, ?)`,
		meta.PatientName, meta.PatientID, meta.PatientBirthDate, meta.PatientSex)
}

func (s *MetadataStore) upsertStudy(ctx context.Context, tx *sql.Tx, patientID int64, meta ImageMeta) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT id FROM studies WHERE studyinstanceuid = ?`), meta.StudyInstanceUID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(mapError(err), ErrNotFound) {
		return 0, mapError(err)
	}
	return s.db.insertReturningID(ctx, tx,
		`INSERT INTO studies (patientid, studyinstanceuid, studydescription, studyid, accessionnumber)
		 VALUES (?, ?, ?, ?, ?)`,
		patientID, meta.StudyInstanceUID, meta.StudyDescription, meta.StudyID, meta.AccessionNumber)
}

func (s *MetadataStore) upsertSeries(ctx context.Context, tx *sql.Tx, studyID int64, meta ImageMeta) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT id FROM series WHERE seriesinstanceuid = ?`), meta.SeriesInstanceUID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(mapError(err), ErrNotFound) {
		return 0, mapError(err)
	}
	return s.db.insertReturningID(ctx, tx,
		`INSERT INTO series (studyid, seriesinstanceuid, seriesdescription, protocolname, frameofreferenceuid)
		 VALUES (?, ?, ?, ?, ?)`,
		studyID, meta.SeriesInstanceUID, meta.SeriesDescription, meta.ProtocolName, meta.FrameOfReferenceUID)
}

// GetImage returns one catalog image by id.
func (s *MetadataStore) GetImage(ctx context.Context, id int64) (Image, error) {
	var img Image
	err := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT id, seriesid, sopinstanceuid, sopclassuid, transfersyntaxuid FROM images WHERE id = ?`),
		id).Scan(&img.ID, &img.SeriesID, &img.SOPInstanceUID, &img.SOPClassUID, &img.TransferSyntaxUID)
	return img, mapError(err)
}

// DeleteImages removes catalog rows for the given images.
func (s *MetadataStore) DeleteImages(ctx context.Context, imageIDs []int64) error {
	if len(imageIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(imageIDs)), ", ")
	args := make([]interface{}, len(imageIDs))
	for i, id := range imageIDs {
		args[i] = id
	}
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`DELETE FROM images WHERE id IN (`+placeholders+`)`), args...)
	return mapError(err)
}
