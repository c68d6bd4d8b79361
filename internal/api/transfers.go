package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
)

// handlePoll returns the peer's next work item, or 204 when the outgoing
// queue for its box is empty.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, b db.Box) {
	ti, err := s.poll.Poll(r.Context(), b)
	if errors.Is(err, db.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ti)
}

// handleFetch streams the anonymized bytes of one work item.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, b db.Box) {
	transactionID, err1 := strconv.ParseInt(r.URL.Query().Get("transactionid"), 10, 64)
	imageID, err2 := strconv.ParseInt(r.URL.Query().Get("imageid"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "transactionid and imageid are required")
		return
	}
	ti, err := s.poll.Work(r.Context(), b, transactionID, imageID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.poll.Fetch(r.Context(), ti, w); err != nil {
		// headers are committed; all we can do is cut the stream short
		log.WithError(err).WithFields(log.Fields{
			"box":         b.Name,
			"transaction": transactionID,
			"image":       imageID,
		}).Error("api: streaming outgoing image failed")
	}
}

// handleDone acknowledges delivery of a work item. The body is the
// OutgoingTransactionImage the peer polled.
func (s *Server) handleDone(w http.ResponseWriter, r *http.Request, b db.Box) {
	var ti db.OutgoingTransactionImage
	if err := json.NewDecoder(r.Body).Decode(&ti); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	if err := s.poll.Done(r.Context(), b, ti.Transaction.ID, ti.Image.ImageID); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFailed marks a transaction FAILED on the peer's report.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request, b db.Box) {
	var body struct {
		TransactionID int64  `json:"transactionId"`
		Message       string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}
	if err := s.poll.Failed(r.Context(), b, body.TransactionID, body.Message); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIncoming receives one pushed DICOM object.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request, b db.Box) {
	q := r.URL.Query()
	transactionID, err1 := strconv.ParseInt(q.Get("transactionid"), 10, 64)
	sequenceNumber, err2 := strconv.ParseInt(q.Get("sequencenumber"), 10, 64)
	totalImageCount, err3 := strconv.ParseInt(q.Get("totalimagecount"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, http.StatusBadRequest, "transactionid, sequencenumber and totalimagecount are required")
		return
	}
	t, err := s.incoming.Receive(r.Context(), b, transactionID, sequenceNumber, totalImageCount, r.Body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
