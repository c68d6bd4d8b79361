package box

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/anonymization"
	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/events"
	"github.com/slicebox/slicebox/internal/metadata"
	"github.com/slicebox/slicebox/internal/metrics"
	"github.com/slicebox/slicebox/internal/storage"
)

// tempCleanupDelay lets OS file handles settle before a failed receive's
// temp file is removed.
const tempCleanupDelay = 10 * time.Second

// IncomingService receives pushed images from remote boxes: one streamed
// pass through validation, key lookup and reverse anonymization, forking to
// a temp storage path and the metadata extractor, then the transactional
// receive bookkeeping and the atomic move into place.
type IncomingService struct {
	incoming *db.IncomingStore
	keys     *anonymization.KeyService
	meta     metadata.Service
	storage  storage.Storage
	contexts []dicom.ValidationContext
	metrics  *metrics.Metrics
}

// NewIncomingService creates the receiver. contexts is the accepted
// (SOP class, transfer syntax) whitelist; empty accepts everything.
func NewIncomingService(incoming *db.IncomingStore, keys *anonymization.KeyService, meta metadata.Service, st storage.Storage, contexts []dicom.ValidationContext, m *metrics.Metrics) *IncomingService {
	return &IncomingService{
		incoming: incoming,
		keys:     keys,
		meta:     meta,
		storage:  st,
		contexts: contexts,
		metrics:  m,
	}
}

// Receive processes one pushed image for box. Replays of the same
// (box, transaction, sequence number) converge on the same stored image and
// counters. The body is always drained so the sender's write never blocks.
func (s *IncomingService) Receive(ctx context.Context, box db.Box, outgoingTransactionID, sequenceNumber, totalImageCount int64, body io.Reader) (db.IncomingTransaction, error) {
	tmp := s.storage.TempName()
	sink, err := s.storage.FileSink(tmp)
	if err != nil {
		dicom.Drain(body)
		return db.IncomingTransaction{}, fmt.Errorf("box: open temp sink: %w", err)
	}

	parser := dicom.NewParser(body)
	validated := dicom.NewValidateFlow(parser, s.contexts)
	collect := dicom.NewCollectFlow(validated, receiveKeyTags)
	keyed := dicom.NewKeyFlow(collect, func(elems dicom.Elements) (dicom.AnonymizationKeyPart, error) {
		key, level, found, err := s.keys.LookupForImage(ctx,
			elems.GetString(dicom.TagPatientName),
			elems.GetString(dicom.TagPatientID),
			elems.GetString(dicom.TagStudyInstanceUID),
			elems.GetString(dicom.TagSeriesInstanceUID),
			elems.GetString(dicom.TagSOPInstanceUID))
		if err != nil {
			return dicom.AnonymizationKeyPart{}, err
		}
		return dicom.AnonymizationKeyPart{Key: anonymization.KeyInfo(key), Level: level, Found: found}, nil
	})
	reversed := dicom.NewReverseAnonymizeFlow(keyed)

	elems, err := dicom.Run(reversed, sink, metadata.MetaTags)
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.failed(tmp, body)
		if s.metrics != nil {
			s.metrics.ParseFailures.Inc()
		}
		return db.IncomingTransaction{}, err
	}

	img, overwrite, err := s.meta.Add(ctx, &elems, parser.TransferSyntax(),
		events.Source{Kind: "box", ID: box.ID, Name: box.Name})
	if err != nil {
		s.failed(tmp, body)
		return db.IncomingTransaction{}, fmt.Errorf("box: register metadata: %w", err)
	}
	t, err := s.incoming.UpdateIncoming(ctx, box, outgoingTransactionID, sequenceNumber, totalImageCount, img.ID, overwrite)
	if err != nil {
		s.failed(tmp, body)
		return db.IncomingTransaction{}, fmt.Errorf("box: update incoming: %w", err)
	}
	if err := s.storage.Move(tmp, s.storage.ImageName(img.ID)); err != nil {
		s.failed(tmp, body)
		return db.IncomingTransaction{}, fmt.Errorf("box: store image: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ImagesReceived.WithLabelValues(box.Name).Inc()
	}
	log.WithFields(log.Fields{
		"box":         box.Name,
		"transaction": t.ID,
		"sequence":    sequenceNumber,
		"imageId":     img.ID,
		"overwrite":   overwrite,
	}).Info("box: received image")
	return t, nil
}

func (s *IncomingService) failed(tmp string, body io.Reader) {
	s.storage.ScheduleCleanup([]string{tmp}, tempCleanupDelay)
	dicom.Drain(body)
}
