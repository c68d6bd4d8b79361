package box

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/events"
)

// TagValue is one forced attribute value for an image being sent.
type TagValue struct {
	Tag   uint32 `json:"tag"`
	Value string `json:"value"`
}

// ImageTagValues couples an image with its forced values.
type ImageTagValues struct {
	ImageID   int64      `json:"imageId"`
	TagValues []TagValue `json:"tagValues"`
}

// Service holds the admin operations on boxes and their transactions:
// the two registration flows, queueing images for send, and listing or
// removing transfer history.
type Service struct {
	boxes    *db.BoxStore
	outgoing *db.OutgoingStore
	incoming *db.IncomingStore
	bus      events.Bus
	baseURL  string
}

// NewService creates the box admin service. baseURL is how peers reach this
// node and becomes part of generated connection boxes.
func NewService(boxes *db.BoxStore, outgoing *db.OutgoingStore, incoming *db.IncomingStore, bus events.Bus, baseURL string) *Service {
	return &Service{boxes: boxes, outgoing: outgoing, incoming: incoming, bus: bus, baseURL: baseURL}
}

// newToken mints the shared secret for one box connection.
func newToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// CreateConnection registers a passive POLL box with a locally generated
// token. The returned box's base URL plus token is handed to the peer, who
// registers it on their side with AddRemoteBox and then initiates all
// traffic.
func (s *Service) CreateConnection(ctx context.Context, name string) (db.Box, error) {
	box, err := s.boxes.Insert(ctx, db.Box{
		Name:       name,
		Token:      newToken(),
		BaseURL:    s.baseURL,
		SendMethod: db.MethodPoll,
	})
	if err != nil {
		return db.Box{}, err
	}
	s.bus.Publish(events.BoxAdded{BoxID: box.ID})
	log.WithFields(log.Fields{"box": box.Name, "id": box.ID}).Info("box: created connection")
	return box, nil
}

// AddRemoteBox registers an active PUSH box from a peer's connection
// details. The supervisor picks it up and starts its worker.
func (s *Service) AddRemoteBox(ctx context.Context, name, baseURL, token string) (db.Box, error) {
	if baseURL == "" || token == "" {
		return db.Box{}, fmt.Errorf("box: remote box needs base url and token")
	}
	box, err := s.boxes.Insert(ctx, db.Box{
		Name:       name,
		Token:      token,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		SendMethod: db.MethodPush,
	})
	if err != nil {
		return db.Box{}, err
	}
	s.bus.Publish(events.BoxAdded{BoxID: box.ID})
	log.WithFields(log.Fields{"box": box.Name, "id": box.ID}).Info("box: added remote box")
	return box, nil
}

// List returns all registered boxes.
func (s *Service) List(ctx context.Context) ([]db.Box, error) {
	return s.boxes.List(ctx)
}

// Get returns one box.
func (s *Service) Get(ctx context.Context, id int64) (db.Box, error) {
	return s.boxes.Get(ctx, id)
}

// Remove deletes a box and its transactions. The supervisor stops the
// box's worker on the published event.
func (s *Service) Remove(ctx context.Context, id int64) error {
	box, err := s.boxes.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.boxes.Delete(ctx, id); err != nil {
		return err
	}
	s.bus.Publish(events.BoxDeleted{BoxID: id})
	s.bus.Publish(events.SourceDeleted{Source: events.Source{Kind: "box", ID: id, Name: box.Name}})
	log.WithFields(log.Fields{"box": box.Name, "id": id}).Info("box: removed")
	return nil
}

// SendImages queues the given images to a box as one outgoing transaction
// with dense 1-based sequence numbers.
func (s *Service) SendImages(ctx context.Context, boxID int64, entries []ImageTagValues) (db.OutgoingTransaction, error) {
	if len(entries) == 0 {
		return db.OutgoingTransaction{}, fmt.Errorf("box: nothing to send")
	}
	box, err := s.boxes.Get(ctx, boxID)
	if err != nil {
		return db.OutgoingTransaction{}, err
	}
	t, err := s.outgoing.InsertTransaction(ctx, db.OutgoingTransaction{
		BoxID:           box.ID,
		BoxName:         box.Name,
		TotalImageCount: int64(len(entries)),
		Status:          db.StatusWaiting,
	})
	if err != nil {
		return db.OutgoingTransaction{}, err
	}
	for i, entry := range entries {
		img, err := s.outgoing.InsertImage(ctx, db.OutgoingImage{
			OutgoingTransactionID: t.ID,
			ImageID:               entry.ImageID,
			SequenceNumber:        int64(i + 1),
		})
		if err != nil {
			return db.OutgoingTransaction{}, err
		}
		for _, tv := range entry.TagValues {
			if _, err := s.outgoing.InsertTagValue(ctx, db.OutgoingTagValue{
				OutgoingImageID: img.ID,
				Tag:             tv.Tag,
				Value:           tv.Value,
			}); err != nil {
				return db.OutgoingTransaction{}, err
			}
		}
	}
	log.WithFields(log.Fields{
		"box":         box.Name,
		"transaction": t.ID,
		"images":      len(entries),
	}).Info("box: queued images for send")
	return t, nil
}

// ListOutgoing returns recent outgoing transactions.
func (s *Service) ListOutgoing(ctx context.Context, limit int64) ([]db.OutgoingTransaction, error) {
	return s.outgoing.ListTransactions(ctx, limit)
}

// OutgoingImages returns the sent-image rows of one outgoing transaction.
func (s *Service) OutgoingImages(ctx context.Context, transactionID int64) ([]db.OutgoingImage, error) {
	return s.outgoing.ImagesForTransaction(ctx, transactionID)
}

// RemoveOutgoing deletes one outgoing transaction.
func (s *Service) RemoveOutgoing(ctx context.Context, transactionID int64) error {
	return s.outgoing.RemoveTransaction(ctx, transactionID)
}

// ListIncoming returns recent incoming transactions.
func (s *Service) ListIncoming(ctx context.Context, limit int64) ([]db.IncomingTransaction, error) {
	return s.incoming.ListTransactions(ctx, limit)
}

// IncomingImages returns the received-image rows of one incoming
// transaction.
func (s *Service) IncomingImages(ctx context.Context, transactionID int64) ([]db.IncomingImage, error) {
	return s.incoming.ImagesForTransaction(ctx, transactionID)
}

// RemoveIncoming deletes one incoming transaction.
func (s *Service) RemoveIncoming(ctx context.Context, transactionID int64) error {
	return s.incoming.RemoveTransaction(ctx, transactionID)
}
