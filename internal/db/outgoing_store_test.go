package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTransaction(t *testing.T, s *OutgoingStore, boxID int64, name string, total int64, imageIDs ...int64) (OutgoingTransaction, []OutgoingImage) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.InsertTransaction(ctx, OutgoingTransaction{
		BoxID: boxID, BoxName: name, TotalImageCount: total, Status: StatusWaiting,
	})
	require.NoError(t, err)
	var images []OutgoingImage
	for i, imageID := range imageIDs {
		img, err := s.InsertImage(ctx, OutgoingImage{
			OutgoingTransactionID: tx.ID, ImageID: imageID, SequenceNumber: int64(i + 1),
		})
		require.NoError(t, err)
		images = append(images, img)
	}
	return tx, images
}

func TestNextTransactionImageOrdering(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	now := int64(1_000)
	withClock(t, &now)

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	first, firstImages := seedTransaction(t, s, b.ID, b.Name, 2, 10, 11)
	now += 1_000
	second, _ := seedTransaction(t, s, b.ID, b.Name, 1, 12)

	// oldest transaction first, lowest sequence number first
	ti, err := s.NextTransactionImage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, ti.Transaction.ID)
	assert.Equal(t, int64(1), ti.Image.SequenceNumber)

	_, err = s.MarkImageSent(ctx, first.ID, firstImages[0].ID)
	require.NoError(t, err)

	ti, err = s.NextTransactionImage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, ti.Transaction.ID)
	assert.Equal(t, int64(2), ti.Image.SequenceNumber)

	_, err = s.MarkImageSent(ctx, first.ID, firstImages[1].ID)
	require.NoError(t, err)

	// first transaction finished, second becomes the head of the queue
	ti, err = s.NextTransactionImage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, ti.Transaction.ID)
}

func TestNextTransactionImageSkipsTerminalStates(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	failed, _ := seedTransaction(t, s, b.ID, b.Name, 1, 20)
	require.NoError(t, s.SetStatus(ctx, failed.ID, StatusFailed))

	_, err := s.NextTransactionImage(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	live, _ := seedTransaction(t, s, b.ID, b.Name, 1, 21)
	ti, err := s.NextTransactionImage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, live.ID, ti.Transaction.ID)
}

func TestMarkImageSentIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	tx, images := seedTransaction(t, s, b.ID, b.Name, 2, 30, 31)

	got, err := s.MarkImageSent(ctx, tx.ID, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SentImageCount)
	assert.Equal(t, StatusProcessing, got.Status)

	// a duplicate ack of the same image must not inflate the count
	got, err = s.MarkImageSent(ctx, tx.ID, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SentImageCount)
	assert.Equal(t, StatusProcessing, got.Status)

	got, err = s.MarkImageSent(ctx, tx.ID, images[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SentImageCount)
	assert.Equal(t, StatusFinished, got.Status)
}

func TestInsertImageDuplicateSequenceConflicts(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	tx, _ := seedTransaction(t, s, b.ID, b.Name, 2, 40)

	_, err := s.InsertImage(ctx, OutgoingImage{
		OutgoingTransactionID: tx.ID, ImageID: 41, SequenceNumber: 1,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTagValuesForImage(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	_, images := seedTransaction(t, s, b.ID, b.Name, 1, 50)

	_, err := s.InsertTagValue(ctx, OutgoingTagValue{
		OutgoingImageID: images[0].ID, Tag: 0x00080080, Value: "Sent Hospital",
	})
	require.NoError(t, err)

	tvs, err := s.TagValuesForImage(ctx, images[0].ID)
	require.NoError(t, err)
	require.Len(t, tvs, 1)
	assert.Equal(t, uint32(0x00080080), tvs[0].Tag)
	assert.Equal(t, "Sent Hospital", tvs[0].Value)

	none, err := s.TagValuesForImage(ctx, 9999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDemoteStalledOutgoing(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	now := int64(10_000)
	withClock(t, &now)

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	stalled, _ := seedTransaction(t, s, b.ID, b.Name, 1, 60)
	require.NoError(t, s.SetStatus(ctx, stalled.ID, StatusProcessing))
	finished, _ := seedTransaction(t, s, b.ID, b.Name, 1, 61)
	require.NoError(t, s.SetStatus(ctx, finished.ID, StatusFinished))

	n, err := s.DemoteStalled(ctx, now+120_000, 60_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTransaction(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)

	// terminal states never transition
	got, err = s.GetTransaction(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
}

func TestCountPending(t *testing.T) {
	d := newTestDB(t)
	s := NewOutgoingStore(d)
	ctx := context.Background()

	b := insertTestBox(t, d, "target", "t1", MethodPush)
	seedTransaction(t, s, b.ID, b.Name, 1, 70)
	processing, _ := seedTransaction(t, s, b.ID, b.Name, 1, 71)
	require.NoError(t, s.SetStatus(ctx, processing.ID, StatusProcessing))
	done, _ := seedTransaction(t, s, b.ID, b.Name, 1, 72)
	require.NoError(t, s.SetStatus(ctx, done.ID, StatusFinished))

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
