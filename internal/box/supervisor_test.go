package box

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/events"
)

func newSupervisor(env *testEnv) *Supervisor {
	return NewSupervisor(env.boxes, env.outgoing, env.incoming, env.streamer, env.bus, nil,
		time.Hour, time.Hour, time.Minute)
}

func (s *Supervisor) workerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func TestSupervisorSpawnsWorkersForPushBoxes(t *testing.T) {
	env := newTestEnv(t)
	env.addBox(t, "pusher", db.MethodPush, "http://there/api")
	env.addBox(t, "poller", db.MethodPoll, "")

	s := newSupervisor(env)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 1, s.workerCount())
}

func TestSupervisorFollowsBoxLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	s := newSupervisor(env)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	box := env.addBox(t, "pusher", db.MethodPush, "http://there/api")
	env.bus.Publish(events.BoxAdded{BoxID: box.ID})
	assert.Eventually(t, func() bool { return s.workerCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// poll boxes get no worker
	pollBox := env.addBox(t, "poller", db.MethodPoll, "")
	env.bus.Publish(events.BoxAdded{BoxID: pollBox.ID})

	env.bus.Publish(events.BoxDeleted{BoxID: box.ID})
	assert.Eventually(t, func() bool { return s.workerCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorRefreshDemotesStalledTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	box := env.addBox(t, "pusher", db.MethodPush, "http://there/api")

	tx, err := env.outgoing.InsertTransaction(ctx, db.OutgoingTransaction{
		BoxID:           box.ID,
		TotalImageCount: 1,
		Status:          db.StatusProcessing,
		Created:         1000,
		Updated:         1000,
	})
	require.NoError(t, err)

	s := newSupervisor(env)
	s.refresh()

	got, err := env.outgoing.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusWaiting, got.Status)
}
