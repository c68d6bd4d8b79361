package box

import (
	"context"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/metrics"
)

// PushWorker is the long-lived worker for one PUSH-mode box. Each tick it
// drains the box's outgoing queue serially, one image at a time in sequence
// order, streaming the anonymized bytes straight into the peer's incoming
// endpoint.
type PushWorker struct {
	box      db.Box
	boxes    *db.BoxStore
	outgoing *db.OutgoingStore
	streamer *Streamer
	client   *Client
	metrics  *metrics.Metrics
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPushWorker creates a worker for box. Call Start to run it.
func NewPushWorker(box db.Box, boxes *db.BoxStore, outgoing *db.OutgoingStore, streamer *Streamer, m *metrics.Metrics, interval time.Duration) *PushWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &PushWorker{
		box:      box,
		boxes:    boxes,
		outgoing: outgoing,
		streamer: streamer,
		client:   NewClient(box.Name, box.BaseURL, box.Token),
		metrics:  m,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the worker loop.
func (w *PushWorker) Start() {
	go w.loop()
	log.WithField("box", w.box.Name).Info("box: push worker started")
}

// Stop cancels any in-flight transfer and waits for the loop to exit.
func (w *PushWorker) Stop() {
	w.cancel()
	<-w.done
	log.WithField("box", w.box.Name).Info("box: push worker stopped")
}

func (w *PushWorker) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick sends queued images until the queue is empty or a send fails. A
// failure ends the tick; the next tick retries whatever is WAITING.
func (w *PushWorker) tick() {
	for w.ctx.Err() == nil {
		ti, err := w.outgoing.NextTransactionImage(w.ctx, w.box.ID)
		if errors.Is(err, db.ErrNotFound) {
			return
		}
		if err != nil {
			log.WithError(err).WithField("box", w.box.Name).Error("box: query outgoing queue")
			return
		}
		if err := w.sendOne(ti); err != nil {
			return
		}
	}
}

func (w *PushWorker) sendOne(ti db.OutgoingTransactionImage) error {
	start := time.Now()
	if err := w.outgoing.SetStatus(w.ctx, ti.Transaction.ID, db.StatusProcessing); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	pipeErr := make(chan error, 1)
	go func() {
		err := w.streamer.WriteAnonymized(w.ctx, ti, pw)
		pw.CloseWithError(err)
		pipeErr <- err
	}()
	sendErr := w.client.SendImage(w.ctx, ti.Transaction.ID, ti.Image.SequenceNumber, ti.Transaction.TotalImageCount, pr)
	if sendErr != nil {
		// The transport does not always read the body (circuit breaker open,
		// connect refused), so unblock a pipeline goroutine still in Write
		// before waiting on it.
		pr.Close()
	}
	perr := <-pipeErr

	if sendErr == nil {
		t, err := w.outgoing.MarkImageSent(w.ctx, ti.Transaction.ID, ti.Image.ID)
		if err != nil {
			return err
		}
		w.boxes.UpdateOnline(w.ctx, w.box.ID, true)
		if w.metrics != nil {
			w.metrics.ImagesSent.WithLabelValues(w.box.Name).Inc()
			w.metrics.SendDuration.WithLabelValues(w.box.Name).Observe(time.Since(start).Seconds())
		}
		log.WithFields(log.Fields{
			"box":         w.box.Name,
			"transaction": t.ID,
			"sequence":    ti.Image.SequenceNumber,
			"sent":        t.SentImageCount,
			"total":       t.TotalImageCount,
		}).Info("box: sent image")
		if t.Status == db.StatusFinished {
			log.WithFields(log.Fields{"box": w.box.Name, "transaction": t.ID}).
				Info("box: outgoing transaction finished")
		}
		return nil
	}

	// A local pipeline failure can surface as a broken send; prefer it for
	// classification unless it is just the pipe closing under us.
	cause := sendErr
	if perr != nil && !errors.Is(perr, io.ErrClosedPipe) {
		cause = perr
	}

	var remote *RemoteError
	switch {
	case errors.As(cause, &remote) && remote.Permanent():
		w.outgoing.SetStatus(w.ctx, ti.Transaction.ID, db.StatusFailed)
		w.boxes.UpdateOnline(w.ctx, w.box.ID, true)
		w.countFailure("permanent")
		log.WithError(cause).WithFields(log.Fields{
			"box":         w.box.Name,
			"transaction": ti.Transaction.ID,
		}).Error("box: peer rejected image, transaction failed")
	case cause == perr:
		w.outgoing.SetStatus(w.ctx, ti.Transaction.ID, db.StatusFailed)
		w.countFailure("permanent")
		log.WithError(cause).WithFields(log.Fields{
			"box":         w.box.Name,
			"transaction": ti.Transaction.ID,
		}).Error("box: pipeline failed, transaction failed")
	default:
		w.outgoing.SetStatus(w.ctx, ti.Transaction.ID, db.StatusWaiting)
		w.boxes.UpdateOnline(w.ctx, w.box.ID, false)
		w.countFailure("transient")
		log.WithError(cause).WithFields(log.Fields{
			"box":         w.box.Name,
			"transaction": ti.Transaction.ID,
		}).Warn("box: send failed, will retry")
	}
	return cause
}

func (w *PushWorker) countFailure(kind string) {
	if w.metrics != nil {
		w.metrics.TransferFailures.WithLabelValues(w.box.Name, kind).Inc()
	}
}
