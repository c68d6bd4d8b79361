package box

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/events"
)

func newAdminService(env *testEnv) *Service {
	return NewService(env.boxes, env.outgoing, env.incoming, env.bus, "http://here:5000/api")
}

func TestCreateConnection(t *testing.T) {
	env := newTestEnv(t)
	svc := newAdminService(env)
	ctx := context.Background()
	added := env.bus.Subscribe(events.BoxAdded{}.Type())

	box, err := svc.CreateConnection(ctx, "radiology")
	require.NoError(t, err)

	assert.Equal(t, db.MethodPoll, box.SendMethod)
	assert.Equal(t, "http://here:5000/api", box.BaseURL)
	assert.Len(t, box.Token, 32)
	assert.Equal(t, events.BoxAdded{BoxID: box.ID}, <-added)

	// tokens are unique per connection
	other, err := svc.CreateConnection(ctx, "cardiology")
	require.NoError(t, err)
	assert.NotEqual(t, box.Token, other.Token)
}

func TestAddRemoteBox(t *testing.T) {
	env := newTestEnv(t)
	svc := newAdminService(env)
	ctx := context.Background()

	box, err := svc.AddRemoteBox(ctx, "peer", "http://there:5000/api/", "abc123")
	require.NoError(t, err)
	assert.Equal(t, db.MethodPush, box.SendMethod)
	assert.Equal(t, "http://there:5000/api", box.BaseURL)
	assert.Equal(t, "abc123", box.Token)

	_, err = svc.AddRemoteBox(ctx, "broken", "", "abc123")
	assert.Error(t, err)
	_, err = svc.AddRemoteBox(ctx, "broken", "http://there:5000/api", "")
	assert.Error(t, err)
}

func TestRemoveBoxPublishesEvents(t *testing.T) {
	env := newTestEnv(t)
	svc := newAdminService(env)
	ctx := context.Background()

	box, err := svc.CreateConnection(ctx, "radiology")
	require.NoError(t, err)

	deleted := env.bus.Subscribe(events.BoxDeleted{}.Type())
	sources := env.bus.Subscribe(events.SourceDeleted{}.Type())

	require.NoError(t, svc.Remove(ctx, box.ID))

	assert.Equal(t, events.BoxDeleted{BoxID: box.ID}, <-deleted)
	src := (<-sources).(events.SourceDeleted)
	assert.Equal(t, events.Source{Kind: "box", ID: box.ID, Name: "radiology"}, src.Source)

	_, err = svc.Get(ctx, box.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSendImagesQueuesTransaction(t *testing.T) {
	env := newTestEnv(t)
	svc := newAdminService(env)
	ctx := context.Background()
	box := env.addBox(t, "peer", db.MethodPush, "http://there/api")

	tx, err := svc.SendImages(ctx, box.ID, []ImageTagValues{
		{ImageID: 10},
		{ImageID: 11, TagValues: []TagValue{{Tag: 0x00100010, Value: "Project^X"}}},
		{ImageID: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusWaiting, tx.Status)
	assert.EqualValues(t, 3, tx.TotalImageCount)
	assert.Equal(t, box.Name, tx.BoxName)

	images, err := svc.OutgoingImages(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.EqualValues(t, i+1, img.SequenceNumber)
	}

	values, err := env.outgoing.TagValuesForImage(ctx, images[1].ID)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "Project^X", values[0].Value)

	_, err = svc.SendImages(ctx, box.ID, nil)
	assert.Error(t, err)
	_, err = svc.SendImages(ctx, 999, []ImageTagValues{{ImageID: 1}})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestTransactionListings(t *testing.T) {
	env := newTestEnv(t)
	svc := newAdminService(env)
	ctx := context.Background()
	box := env.addBox(t, "peer", db.MethodPush, "http://there/api")

	tx, err := svc.SendImages(ctx, box.ID, []ImageTagValues{{ImageID: 1}})
	require.NoError(t, err)

	list, err := svc.ListOutgoing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tx.ID, list[0].ID)

	require.NoError(t, svc.RemoveOutgoing(ctx, tx.ID))
	list, err = svc.ListOutgoing(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	in, err := env.incoming.UpdateIncoming(ctx, box, 77, 1, 1, 5, false)
	require.NoError(t, err)
	inList, err := svc.ListIncoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, inList, 1)
	assert.Equal(t, in.ID, inList[0].ID)

	imgs, err := svc.IncomingImages(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, imgs, 1)

	require.NoError(t, svc.RemoveIncoming(ctx, in.ID))
	inList, err = svc.ListIncoming(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, inList)
}
