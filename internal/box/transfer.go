// Package box implements the transfer engine between slicebox peers: the
// outgoing dispatcher (push workers and the server side of the poll
// protocol), the incoming receiver, and the supervisor that keeps the
// workers and the transaction bookkeeping healthy.
package box

import (
	"context"
	"fmt"
	"io"

	"github.com/slicebox/slicebox/internal/anonymization"
	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/metrics"
	"github.com/slicebox/slicebox/internal/storage"
)

// sendKeyTags are the attributes the outgoing pipeline needs before the
// anonymization key can be built or reused.
var sendKeyTags = []dicom.Tag{
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
}

// receiveKeyTags are the pseudonymized attributes the incoming pipeline
// matches against the key store.
var receiveKeyTags = []dicom.Tag{
	dicom.TagPatientName,
	dicom.TagPatientID,
	dicom.TagStudyInstanceUID,
	dicom.TagSeriesInstanceUID,
	dicom.TagSOPInstanceUID,
}

// Streamer assembles the single-pass DICOM pipelines used by transfers.
type Streamer struct {
	storage  storage.Storage
	keys     *anonymization.KeyService
	outgoing *db.OutgoingStore
	profile  *dicom.Profile
	metrics  *metrics.Metrics
}

// NewStreamer creates a streamer over the given storage and key service.
func NewStreamer(st storage.Storage, keys *anonymization.KeyService, outgoing *db.OutgoingStore, profile *dicom.Profile, m *metrics.Metrics) *Streamer {
	return &Streamer{storage: st, keys: keys, outgoing: outgoing, profile: profile, metrics: m}
}

// WriteAnonymized streams the stored image behind ti through the
// anonymization pipeline into w, harmonized with the image's key and with
// the transaction's forced tag values applied on top.
func (s *Streamer) WriteAnonymized(ctx context.Context, ti db.OutgoingTransactionImage, w io.Writer) error {
	tagValues, err := s.outgoing.TagValuesForImage(ctx, ti.Image.ID)
	if err != nil {
		return fmt.Errorf("box: load tag values: %w", err)
	}
	src, err := s.storage.FileSource(ti.Image.ImageID)
	if err != nil {
		return fmt.Errorf("box: open image %d: %w", ti.Image.ImageID, err)
	}
	defer src.Close()

	parser := dicom.NewParser(src)
	collect := dicom.NewCollectFlow(parser, sendKeyTags)
	keyed := dicom.NewKeyFlow(collect, func(elems dicom.Elements) (dicom.AnonymizationKeyPart, error) {
		key, err := s.keys.KeyForSend(ctx, elems, ti.Image.ImageID)
		if err != nil {
			return dicom.AnonymizationKeyPart{}, err
		}
		return dicom.AnonymizationKeyPart{Key: anonymization.KeyInfo(key), Level: dicom.MatchImage, Found: true}, nil
	})
	var stage dicom.Stage = dicom.NewAnonymizeFlow(keyed, s.profile, anonymization.NewUID)
	if len(tagValues) > 0 {
		mods := make([]dicom.TagModification, 0, len(tagValues))
		for _, tv := range tagValues {
			mods = append(mods, dicom.TagModification{
				Tag:             dicom.Tag(tv.Tag),
				Value:           tv.Value,
				InsertIfMissing: true,
			})
		}
		stage = dicom.NewModifyFlow(stage, mods)
	}
	if _, err := dicom.Run(stage, w, nil); err != nil {
		return fmt.Errorf("box: anonymize image %d: %w", ti.Image.ImageID, err)
	}
	if s.metrics != nil {
		s.metrics.DatasetsAnonymized.Inc()
	}
	return nil
}
