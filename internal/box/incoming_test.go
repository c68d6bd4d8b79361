package box

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
)

func TestReceiveStoresImageAndTracksTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	box := env.addBox(t, "sender", db.MethodPoll, "")

	tx, err := env.receiver.Receive(ctx, box, 55, 1, 2, bytes.NewReader(testFile("10").encode()))
	require.NoError(t, err)
	assert.Equal(t, db.StatusProcessing, tx.Status)
	assert.EqualValues(t, 1, tx.ReceivedImageCount)
	assert.EqualValues(t, 1, tx.AddedImageCount)
	assert.EqualValues(t, 55, tx.OutgoingTransactionID)

	images, err := env.incoming.ImagesForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)

	// the stored file is intact and registered in metadata
	elems := env.storedElements(t, images[0].ImageID)
	assert.Equal(t, "Doe^John", elems.GetString(dicom.TagPatientName))
	img, err := env.meta.GetImage(ctx, images[0].ImageID)
	require.NoError(t, err)
	assert.Equal(t, testFile("10").SOPUID, img.SOPInstanceUID)

	tx, err = env.receiver.Receive(ctx, box, 55, 2, 2, bytes.NewReader(testFile("11").encode()))
	require.NoError(t, err)
	assert.Equal(t, db.StatusFinished, tx.Status)
	assert.EqualValues(t, 2, tx.ReceivedImageCount)
}

func TestReceiveReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	box := env.addBox(t, "sender", db.MethodPoll, "")
	data := testFile("20").encode()

	first, err := env.receiver.Receive(ctx, box, 9, 1, 2, bytes.NewReader(data))
	require.NoError(t, err)
	replay, err := env.receiver.Receive(ctx, box, 9, 1, 2, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.ReceivedImageCount, replay.ReceivedImageCount)
	assert.Equal(t, first.AddedImageCount, replay.AddedImageCount)

	images, err := env.incoming.ImagesForTransaction(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.True(t, images[0].Overwrite)
}

func TestReceiveRejectsUnacceptedContext(t *testing.T) {
	env := newTestEnv(t)
	receiver := NewIncomingService(env.incoming, env.keys, env.metaSvc, env.storage,
		[]dicom.ValidationContext{{SOPClassUID: "1.2.840.10008.5.1.4.1.1.4", TransferSyntaxUID: dicom.ExplicitVRLittleEndian}}, nil)
	box := env.addBox(t, "sender", db.MethodPoll, "")

	_, err := receiver.Receive(context.Background(), box, 1, 1, 1, bytes.NewReader(testFile("30").encode()))
	var verr *dicom.ValidationError
	require.ErrorAs(t, err, &verr)

	// nothing was recorded
	txs, err := env.incoming.ListTransactions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReceiveRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	box := env.addBox(t, "sender", db.MethodPoll, "")

	_, err := env.receiver.Receive(context.Background(), box, 1, 1, 1,
		bytes.NewReader([]byte("definitely not dicom")))
	require.Error(t, err)
}

func TestReceiveReverseAnonymizesWithMatchingKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	box := env.addBox(t, "sender", db.MethodPoll, "")

	// simulate the send side: issue a key, then receive the anonymized
	// rendition of the same image
	original := testFile("40")
	var origElems dicom.Elements
	origElems.Set(dicom.TagPatientName, dicom.VRPN, original.PatientName)
	origElems.Set(dicom.TagPatientID, dicom.VRLO, original.PatientID)
	origElems.Set(dicom.TagStudyInstanceUID, dicom.VRUI, original.StudyUID)
	origElems.Set(dicom.TagSeriesInstanceUID, dicom.VRUI, original.SeriesUID)
	origElems.Set(dicom.TagSOPInstanceUID, dicom.VRUI, original.SOPUID)
	key, err := env.keys.KeyForSend(ctx, origElems, 999)
	require.NoError(t, err)

	anon := patientFile{
		PatientName: key.AnonPatientName,
		PatientID:   key.AnonPatientID,
		StudyUID:    key.AnonStudyInstanceUID,
		SeriesUID:   key.AnonSeriesInstanceUID,
		SOPUID:      key.AnonSOPInstanceUID,
	}
	tx, err := env.receiver.Receive(ctx, box, 3, 1, 1, bytes.NewReader(anon.encode()))
	require.NoError(t, err)

	images, err := env.incoming.ImagesForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, images, 1)

	elems := env.storedElements(t, images[0].ImageID)
	assert.Equal(t, original.PatientName, elems.GetString(dicom.TagPatientName))
	assert.Equal(t, original.PatientID, elems.GetString(dicom.TagPatientID))
	assert.Equal(t, original.StudyUID, elems.GetString(dicom.TagStudyInstanceUID))
	assert.Equal(t, original.SeriesUID, elems.GetString(dicom.TagSeriesInstanceUID))

	// metadata indexes the restored identifiers
	img, err := env.meta.GetImage(ctx, images[0].ImageID)
	require.NoError(t, err)
	assert.Equal(t, anon.SOPUID, img.SOPInstanceUID)
}
