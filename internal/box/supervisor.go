package box

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/events"
	"github.com/slicebox/slicebox/internal/metrics"
)

// Supervisor owns the per-box workers and the periodic health pass: box
// online status refresh, stalled PROCESSING transaction demotion, and the
// engine gauges. PUSH boxes get a worker; POLL boxes are passive and are
// driven entirely by their peer.
type Supervisor struct {
	boxes    *db.BoxStore
	outgoing *db.OutgoingStore
	incoming *db.IncomingStore
	streamer *Streamer
	bus      events.Bus
	metrics  *metrics.Metrics

	interval     time.Duration
	pollInterval time.Duration
	timeout      time.Duration

	mu      sync.Mutex
	workers map[int64]*PushWorker

	sub    chan events.Event
	stopCh chan struct{}
	done   chan struct{}
}

// NewSupervisor creates the supervisor. interval is the health tick,
// pollInterval the worker tick, timeout the online/stall threshold.
func NewSupervisor(boxes *db.BoxStore, outgoing *db.OutgoingStore, incoming *db.IncomingStore, streamer *Streamer, bus events.Bus, m *metrics.Metrics, interval, pollInterval, timeout time.Duration) *Supervisor {
	return &Supervisor{
		boxes:        boxes,
		outgoing:     outgoing,
		incoming:     incoming,
		streamer:     streamer,
		bus:          bus,
		metrics:      m,
		interval:     interval,
		pollInterval: pollInterval,
		timeout:      timeout,
		workers:      make(map[int64]*PushWorker),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start spawns workers for all registered PUSH boxes and begins the health
// loop.
func (s *Supervisor) Start(ctx context.Context) error {
	boxes, err := s.boxes.List(ctx)
	if err != nil {
		return err
	}
	for _, b := range boxes {
		if b.SendMethod == db.MethodPush {
			s.spawn(b)
		}
	}
	s.sub = s.bus.Subscribe(events.BoxAdded{}.Type(), events.BoxDeleted{}.Type())
	go s.loop()
	log.WithField("workers", len(s.workers)).Info("box: supervisor started")
	return nil
}

// Stop ends the health loop and all workers.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.done
	s.bus.Unsubscribe(s.sub)
	s.mu.Lock()
	workers := make([]*PushWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[int64]*PushWorker)
	s.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	log.Info("box: supervisor stopped")
}

func (s *Supervisor) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			s.handle(ev)
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Supervisor) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch e := ev.(type) {
	case events.BoxAdded:
		b, err := s.boxes.Get(ctx, e.BoxID)
		if err != nil {
			log.WithError(err).WithField("id", e.BoxID).Error("box: load added box")
			return
		}
		if b.SendMethod == db.MethodPush {
			s.spawn(b)
		}
	case events.BoxDeleted:
		s.despawn(e.BoxID)
	}
}

func (s *Supervisor) spawn(b db.Box) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[b.ID]; ok {
		return
	}
	w := NewPushWorker(b, s.boxes, s.outgoing, s.streamer, s.metrics, s.pollInterval)
	s.workers[b.ID] = w
	w.Start()
}

func (s *Supervisor) despawn(boxID int64) {
	s.mu.Lock()
	w, ok := s.workers[boxID]
	delete(s.workers, boxID)
	s.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// refresh is the periodic health pass.
func (s *Supervisor) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	now := time.Now().UnixMilli()
	timeout := s.timeout.Milliseconds()

	if err := s.boxes.RefreshOnlineStatus(ctx, now, timeout); err != nil {
		log.WithError(err).Error("box: refresh online status")
	}
	demotedOut, err := s.outgoing.DemoteStalled(ctx, now, timeout)
	if err != nil {
		log.WithError(err).Error("box: demote stalled outgoing")
	}
	demotedIn, err := s.incoming.DemoteStalled(ctx, now, timeout)
	if err != nil {
		log.WithError(err).Error("box: demote stalled incoming")
	}
	if demotedOut+demotedIn > 0 {
		log.WithFields(log.Fields{
			"outgoing": demotedOut,
			"incoming": demotedIn,
		}).Warn("box: demoted stalled transactions to WAITING")
	}

	if s.metrics == nil {
		return
	}
	if boxes, err := s.boxes.List(ctx); err == nil {
		online := 0
		for _, b := range boxes {
			if b.Online {
				online++
			}
		}
		s.metrics.BoxesOnline.Set(float64(online))
	}
	if pending, err := s.outgoing.CountPending(ctx); err == nil {
		s.metrics.OutgoingPending.Set(float64(pending))
	}
}
