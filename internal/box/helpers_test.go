package box

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/slicebox/slicebox/internal/anonymization"
	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/events"
	"github.com/slicebox/slicebox/internal/metadata"
	"github.com/slicebox/slicebox/internal/storage"
)

// testEnv wires the transfer engine onto sqlite and a temp dir, the same
// assembly as the server main without the HTTP layer.
type testEnv struct {
	db       *db.DB
	boxes    *db.BoxStore
	outgoing *db.OutgoingStore
	incoming *db.IncomingStore
	meta     *db.MetadataStore
	keys     *anonymization.KeyService
	bus      *events.InProcessBus
	storage  storage.Storage
	streamer *Streamer
	receiver *IncomingService
	metaSvc  metadata.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	d, err := db.Open("sqlite3", "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(context.Background()))

	st, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	bus := events.NewInProcessBus()
	t.Cleanup(bus.Close)

	env := &testEnv{
		db:       d,
		boxes:    db.NewBoxStore(d),
		outgoing: db.NewOutgoingStore(d),
		incoming: db.NewIncomingStore(d),
		meta:     db.NewMetadataStore(d),
		bus:      bus,
		storage:  st,
	}
	env.keys = anonymization.NewKeyService(db.NewAnonymizationKeyStore(d), true)
	env.metaSvc = metadata.NewDBService(env.meta, bus)
	env.streamer = NewStreamer(st, env.keys, env.outgoing, dicom.BasicProfile(), nil)
	env.receiver = NewIncomingService(env.incoming, env.keys, env.metaSvc, st, nil, nil)
	return env
}

func (e *testEnv) addBox(t *testing.T, name string, method db.SendMethod, baseURL string) db.Box {
	t.Helper()
	box, err := e.boxes.Insert(context.Background(), db.Box{
		Name:       name,
		Token:      "token-" + name,
		BaseURL:    baseURL,
		SendMethod: method,
	})
	require.NoError(t, err)
	return box
}

// storeImage registers an image in metadata and writes its file, returning
// the metadata image id.
func (e *testEnv) storeImage(t *testing.T, data []byte) int64 {
	t.Helper()
	elems := parseFile(t, data)
	img, _, err := e.metaSvc.Add(context.Background(), &elems, dicom.ExplicitVRLittleEndian,
		events.Source{Kind: "user", Name: "test"})
	require.NoError(t, err)

	sink, err := e.storage.FileSink(e.storage.ImageName(img.ID))
	require.NoError(t, err)
	_, err = sink.Write(data)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	return img.ID
}

// queueImages inserts one outgoing transaction for the given metadata image
// ids, in order.
func (e *testEnv) queueImages(t *testing.T, boxID int64, imageIDs ...int64) db.OutgoingTransaction {
	t.Helper()
	ctx := context.Background()
	tx, err := e.outgoing.InsertTransaction(ctx, db.OutgoingTransaction{
		BoxID:           boxID,
		TotalImageCount: int64(len(imageIDs)),
		Status:          db.StatusWaiting,
	})
	require.NoError(t, err)
	for i, id := range imageIDs {
		_, err := e.outgoing.InsertImage(ctx, db.OutgoingImage{
			OutgoingTransactionID: tx.ID,
			ImageID:               id,
			SequenceNumber:        int64(i + 1),
		})
		require.NoError(t, err)
	}
	return tx
}

// rawElement encodes one explicit VR little endian element with a short
// length field.
func rawElement(tag uint32, vr dicom.VR, value string) []byte {
	pad := byte(' ')
	if vr == dicom.VRUI {
		pad = 0
	}
	v := []byte(value)
	if len(v)%2 == 1 {
		v = append(v, pad)
	}
	out := make([]byte, 8, 8+len(v))
	binary.LittleEndian.PutUint16(out[0:], uint16(tag>>16))
	binary.LittleEndian.PutUint16(out[2:], uint16(tag))
	copy(out[4:], string(vr))
	binary.LittleEndian.PutUint16(out[6:], uint16(len(v)))
	return append(out, v...)
}

type patientFile struct {
	PatientName string
	PatientID   string
	StudyUID    string
	SeriesUID   string
	SOPUID      string
}

const testSOPClass = "1.2.840.10008.5.1.4.1.1.2"

// encode renders a complete explicit VR little endian file with preamble and
// file meta group.
func (p patientFile) encode() []byte {
	var fmi []byte
	fmi = append(fmi, rawElement(0x00020002, dicom.VRUI, testSOPClass)...)
	fmi = append(fmi, rawElement(0x00020003, dicom.VRUI, p.SOPUID)...)
	fmi = append(fmi, rawElement(0x00020010, dicom.VRUI, dicom.ExplicitVRLittleEndian)...)

	out := make([]byte, 128)
	out = append(out, "DICM"...)
	glen := make([]byte, 12)
	binary.LittleEndian.PutUint16(glen[0:], 0x0002)
	binary.LittleEndian.PutUint16(glen[2:], 0x0000)
	copy(glen[4:], "UL")
	binary.LittleEndian.PutUint16(glen[6:], 4)
	binary.LittleEndian.PutUint32(glen[8:], uint32(len(fmi)))
	out = append(out, glen...)
	out = append(out, fmi...)

	out = append(out, rawElement(0x00080016, dicom.VRUI, testSOPClass)...)
	out = append(out, rawElement(0x00080018, dicom.VRUI, p.SOPUID)...)
	out = append(out, rawElement(0x00100010, dicom.VRPN, p.PatientName)...)
	out = append(out, rawElement(0x00100020, dicom.VRLO, p.PatientID)...)
	out = append(out, rawElement(0x00100040, dicom.VRCS, "M")...)
	out = append(out, rawElement(0x0020000D, dicom.VRUI, p.StudyUID)...)
	out = append(out, rawElement(0x0020000E, dicom.VRUI, p.SeriesUID)...)
	return out
}

func testFile(sopSuffix string) patientFile {
	return patientFile{
		PatientName: "Doe^John",
		PatientID:   "pid-1",
		StudyUID:    "1.2.826.0.1.3680043.8.498.2",
		SeriesUID:   "1.2.826.0.1.3680043.8.498.3",
		SOPUID:      "1.2.826.0.1.3680043.8.498." + sopSuffix,
	}
}

// parseFile collects all top level string attributes of a DICOM stream.
func parseFile(t *testing.T, data []byte) dicom.Elements {
	t.Helper()
	elems, err := dicom.Run(dicom.NewParser(bytes.NewReader(data)), io.Discard, nil)
	require.NoError(t, err)
	return elems
}

// storedElements reads the stored file of a metadata image back.
func (e *testEnv) storedElements(t *testing.T, imageID int64) dicom.Elements {
	t.Helper()
	src, err := e.storage.FileSource(imageID)
	require.NoError(t, err)
	defer src.Close()
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	return parseFile(t, data)
}
