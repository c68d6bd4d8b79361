package box

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/metrics"
)

// PollService is the server side of the poll protocol: POLL peers fetch
// their next work item, stream its bytes, then acknowledge or reject.
type PollService struct {
	boxes    *db.BoxStore
	outgoing *db.OutgoingStore
	streamer *Streamer
	metrics  *metrics.Metrics
}

// NewPollService creates the poll-side transfer operations.
func NewPollService(boxes *db.BoxStore, outgoing *db.OutgoingStore, streamer *Streamer, m *metrics.Metrics) *PollService {
	return &PollService{boxes: boxes, outgoing: outgoing, streamer: streamer, metrics: m}
}

// Poll returns the next work item for box, or db.ErrNotFound when the queue
// is empty. Every poll counts as contact, keeping the box online.
func (s *PollService) Poll(ctx context.Context, box db.Box) (db.OutgoingTransactionImage, error) {
	if err := s.boxes.UpdateOnline(ctx, box.ID, true); err != nil {
		return db.OutgoingTransactionImage{}, err
	}
	ti, err := s.outgoing.NextTransactionImage(ctx, box.ID)
	if err != nil {
		return db.OutgoingTransactionImage{}, err
	}
	if err := s.outgoing.SetStatus(ctx, ti.Transaction.ID, db.StatusProcessing); err != nil {
		return db.OutgoingTransactionImage{}, err
	}
	return ti, nil
}

// Work looks up one previously polled work item for box.
func (s *PollService) Work(ctx context.Context, box db.Box, transactionID, imageID int64) (db.OutgoingTransactionImage, error) {
	return s.outgoing.TransactionImage(ctx, box.ID, transactionID, imageID)
}

// Fetch streams the anonymized bytes of one work item into w.
func (s *PollService) Fetch(ctx context.Context, ti db.OutgoingTransactionImage, w io.Writer) error {
	return s.streamer.WriteAnonymized(ctx, ti, w)
}

// Done acknowledges delivery of one work item, with the same bookkeeping as
// a successful push: sent flag, recount, FINISHED when complete. Replays of
// the same acknowledgement converge on the same counters.
func (s *PollService) Done(ctx context.Context, box db.Box, transactionID, imageID int64) error {
	ti, err := s.outgoing.TransactionImage(ctx, box.ID, transactionID, imageID)
	if err != nil {
		return err
	}
	t, err := s.outgoing.MarkImageSent(ctx, ti.Transaction.ID, ti.Image.ID)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ImagesSent.WithLabelValues(box.Name).Inc()
	}
	if t.Status == db.StatusFinished {
		log.WithFields(log.Fields{"box": box.Name, "transaction": t.ID}).
			Info("box: outgoing transaction finished")
	}
	return nil
}

// Failed marks a transaction FAILED on the peer's report that it cannot
// process the work item.
func (s *PollService) Failed(ctx context.Context, box db.Box, transactionID int64, message string) error {
	t, err := s.outgoing.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if t.BoxID != box.ID {
		return db.ErrNotFound
	}
	if err := s.outgoing.SetStatus(ctx, transactionID, db.StatusFailed); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TransferFailures.WithLabelValues(box.Name, "permanent").Inc()
	}
	log.WithFields(log.Fields{
		"box":         box.Name,
		"transaction": transactionID,
		"message":     message,
	}).Error("box: peer reported transaction failed")
	return nil
}
