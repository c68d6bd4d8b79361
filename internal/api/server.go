// Package api exposes the HTTP surface: the peer-to-peer transfer
// endpoints authenticated by box tokens, and the admin endpoints for boxes
// and transactions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/box"
	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
)

// Server is the HTTP front of a slicebox node.
type Server struct {
	boxes    *db.BoxStore
	boxSvc   *box.Service
	poll     *box.PollService
	incoming *box.IncomingService

	httpSrv *http.Server
}

// NewServer wires the HTTP server. addr is the listen address.
func NewServer(addr string, boxes *db.BoxStore, boxSvc *box.Service, poll *box.PollService, incoming *box.IncomingService) *Server {
	s := &Server{
		boxes:    boxes,
		boxSvc:   boxSvc,
		poll:     poll,
		incoming: incoming,
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Minute, // image uploads can be slow links
		WriteTimeout: 10 * time.Minute,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	// Peer transfer endpoints, box token required.
	api.HandleFunc("/outgoing/poll", s.withPollBox(s.handlePoll)).Methods("GET")
	api.HandleFunc("/outgoing/done", s.withPollBox(s.handleDone)).Methods("POST")
	api.HandleFunc("/outgoing/failed", s.withPollBox(s.handleFailed)).Methods("POST")
	api.HandleFunc("/outgoing", s.withPollBox(s.handleFetch)).Methods("GET")
	api.HandleFunc("/incoming", s.withBox(s.handleIncoming)).Methods("POST")

	// Admin endpoints.
	api.HandleFunc("/boxes", s.handleListBoxes).Methods("GET")
	api.HandleFunc("/boxes/createconnection", s.handleCreateConnection).Methods("POST")
	api.HandleFunc("/boxes/connect", s.handleConnect).Methods("POST")
	api.HandleFunc("/boxes/{id:[0-9]+}", s.handleDeleteBox).Methods("DELETE")
	api.HandleFunc("/boxes/{id:[0-9]+}/send", s.handleSend).Methods("POST")
	api.HandleFunc("/transactions/outgoing", s.handleListOutgoing).Methods("GET")
	api.HandleFunc("/transactions/outgoing/{id:[0-9]+}/images", s.handleOutgoingImages).Methods("GET")
	api.HandleFunc("/transactions/outgoing/{id:[0-9]+}", s.handleDeleteOutgoing).Methods("DELETE")
	api.HandleFunc("/transactions/incoming", s.handleListIncoming).Methods("GET")
	api.HandleFunc("/transactions/incoming/{id:[0-9]+}/images", s.handleIncomingImages).Methods("GET")
	api.HandleFunc("/transactions/incoming/{id:[0-9]+}", s.handleDeleteIncoming).Methods("DELETE")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	return r
}

// ListenAndServe blocks serving HTTP until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.httpSrv.Addr).Info("api: listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestToken pulls the box token from the token query parameter or the
// Authorization bearer header.
func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

type boxHandler func(w http.ResponseWriter, r *http.Request, b db.Box)

// withBox authenticates any registered box by token.
func (s *Server) withBox(next boxHandler) http.HandlerFunc {
	return s.authenticate(next, s.boxes.GetByToken)
}

// withPollBox authenticates only POLL-mode boxes, whose peers drive the
// outgoing protocol.
func (s *Server) withPollBox(next boxHandler) http.HandlerFunc {
	return s.authenticate(next, s.boxes.PollBoxByToken)
}

func (s *Server) authenticate(next boxHandler, lookup func(context.Context, string) (db.Box, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		b, err := lookup(r.Context(), token)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			s.respondError(w, err)
			return
		}
		if err := s.boxes.Touch(r.Context(), b.ID); err != nil {
			log.WithError(err).WithField("box", b.Name).Warn("api: update last contact")
		}
		next(w, r, b)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("api: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps service errors onto the wire contract: 404 for unknown
// rows, 400 for validation rejections, 409 for conflicting writes, 500
// otherwise.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var verr *dicom.ValidationError
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, dicom.ErrNotDICOM):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.WithError(err).Error("api: internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}
