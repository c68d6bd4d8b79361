package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/slicebox/slicebox/internal/anonymization"
	"github.com/slicebox/slicebox/internal/box"
	"github.com/slicebox/slicebox/internal/db"
	"github.com/slicebox/slicebox/internal/dicom"
	"github.com/slicebox/slicebox/internal/events"
	"github.com/slicebox/slicebox/internal/metadata"
	"github.com/slicebox/slicebox/internal/storage"
)

// testServer is a full node behind httptest: sqlite, temp dir storage and
// the real transfer services.
type testServer struct {
	*httptest.Server
	boxes    *db.BoxStore
	outgoing *db.OutgoingStore
	incoming *db.IncomingStore
	svc      *box.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	d, err := db.Open("sqlite3", "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(context.Background()))

	st, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	bus := events.NewInProcessBus()
	t.Cleanup(bus.Close)

	boxes := db.NewBoxStore(d)
	outgoing := db.NewOutgoingStore(d)
	incoming := db.NewIncomingStore(d)
	keys := anonymization.NewKeyService(db.NewAnonymizationKeyStore(d), true)
	metaSvc := metadata.NewDBService(db.NewMetadataStore(d), bus)

	streamer := box.NewStreamer(st, keys, outgoing, dicom.BasicProfile(), nil)
	poll := box.NewPollService(boxes, outgoing, streamer, nil)
	receiver := box.NewIncomingService(incoming, keys, metaSvc, st, nil, nil)
	svc := box.NewService(boxes, outgoing, incoming, bus, "http://here:5000/api")

	srv := NewServer("", boxes, svc, poll, receiver)
	ts := &testServer{
		Server:   httptest.NewServer(srv.Router()),
		boxes:    boxes,
		outgoing: outgoing,
		incoming: incoming,
		svc:      svc,
	}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) request(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// pollBox registers a POLL box and queues one single-image transaction
// for it, returning the box and the metadata image id.
func (ts *testServer) pollBox(t *testing.T) (db.Box, int64) {
	t.Helper()
	ctx := context.Background()
	b, err := ts.svc.CreateConnection(ctx, "peer")
	require.NoError(t, err)
	tx, err := ts.outgoing.InsertTransaction(ctx, db.OutgoingTransaction{
		BoxID: b.ID, TotalImageCount: 1, Status: db.StatusWaiting,
	})
	require.NoError(t, err)
	img, err := ts.outgoing.InsertImage(ctx, db.OutgoingImage{
		OutgoingTransactionID: tx.ID, ImageID: 42, SequenceNumber: 1,
	})
	require.NoError(t, err)
	return b, img.ImageID
}

func TestPeerEndpointsRequireToken(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/outgoing/poll", "/api/outgoing?transactionid=1&imageid=1"} {
		resp := ts.request(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp := ts.request(t, http.MethodGet, "/api/outgoing/poll?token=wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPollEmptyQueueReturns204(t *testing.T) {
	ts := newTestServer(t)
	b, err := ts.svc.CreateConnection(context.Background(), "peer")
	require.NoError(t, err)

	resp := ts.request(t, http.MethodGet, "/api/outgoing/poll?token="+b.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestPollDoneRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	b, _ := ts.pollBox(t)

	resp := ts.request(t, http.MethodGet, "/api/outgoing/poll?token="+b.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ti db.OutgoingTransactionImage
	decodeBody(t, resp, &ti)
	require.EqualValues(t, 1, ti.Image.SequenceNumber)

	payload, err := json.Marshal(ti)
	require.NoError(t, err)
	resp = ts.request(t, http.MethodPost, "/api/outgoing/done?token="+b.Token, bytes.NewReader(payload))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := ts.outgoing.GetTransaction(context.Background(), ti.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusFinished, got.Status)
}

func TestFailedEndpoint(t *testing.T) {
	ts := newTestServer(t)
	b, _ := ts.pollBox(t)

	resp := ts.request(t, http.MethodGet, "/api/outgoing/poll?token="+b.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ti db.OutgoingTransactionImage
	decodeBody(t, resp, &ti)

	body := fmt.Sprintf(`{"transactionId": %d, "message": "cannot process"}`, ti.Transaction.ID)
	resp = ts.request(t, http.MethodPost, "/api/outgoing/failed?token="+b.Token, bytes.NewReader([]byte(body)))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := ts.outgoing.GetTransaction(context.Background(), ti.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, db.StatusFailed, got.Status)

	// reporting a transaction of another box is a 404
	resp = ts.request(t, http.MethodPost, "/api/outgoing/failed?token="+b.Token,
		bytes.NewReader([]byte(`{"transactionId": 9999, "message": "x"}`)))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFetchUnknownWorkItemReturns404(t *testing.T) {
	ts := newTestServer(t)
	b, _ := ts.pollBox(t)

	resp := ts.request(t, http.MethodGet,
		"/api/outgoing?transactionid=9999&imageid=9999&token="+b.Token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIncomingEndpoint(t *testing.T) {
	ts := newTestServer(t)
	b, err := ts.svc.CreateConnection(context.Background(), "peer")
	require.NoError(t, err)

	resp := ts.request(t, http.MethodPost,
		"/api/incoming?transactionid=5&sequencenumber=1&totalimagecount=1&token="+b.Token,
		bytes.NewReader(testDicomBytes()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tx db.IncomingTransaction
	decodeBody(t, resp, &tx)
	require.Equal(t, db.StatusFinished, tx.Status)
	require.EqualValues(t, 5, tx.OutgoingTransactionID)

	// missing query parameters
	resp = ts.request(t, http.MethodPost, "/api/incoming?token="+b.Token, bytes.NewReader(testDicomBytes()))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// a permanently broken object gets a 4xx, not a retryable 5xx
	resp = ts.request(t, http.MethodPost,
		"/api/incoming?transactionid=6&sequencenumber=1&totalimagecount=1&token="+b.Token,
		bytes.NewReader([]byte("not dicom at all")))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBoxAdminLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodPost, "/api/boxes/createconnection",
		bytes.NewReader([]byte(`{"name": "radiology"}`)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created db.Box
	decodeBody(t, resp, &created)
	require.Equal(t, db.MethodPoll, created.SendMethod)
	require.NotEmpty(t, created.Token)

	resp = ts.request(t, http.MethodPost, "/api/boxes/connect",
		bytes.NewReader([]byte(`{"name": "remote", "baseUrl": "http://there/api", "token": "abc"}`)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// duplicate names conflict
	resp = ts.request(t, http.MethodPost, "/api/boxes/createconnection",
		bytes.NewReader([]byte(`{"name": "radiology"}`)))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/api/boxes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var boxes []db.Box
	decodeBody(t, resp, &boxes)
	require.Len(t, boxes, 2)

	resp = ts.request(t, http.MethodDelete, fmt.Sprintf("/api/boxes/%d", created.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.request(t, http.MethodDelete, fmt.Sprintf("/api/boxes/%d", created.ID), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendAndTransactionListings(t *testing.T) {
	ts := newTestServer(t)
	b, err := ts.svc.AddRemoteBox(context.Background(), "remote", "http://there/api", "abc")
	require.NoError(t, err)

	resp := ts.request(t, http.MethodPost, fmt.Sprintf("/api/boxes/%d/send", b.ID),
		bytes.NewReader([]byte(`[{"imageId": 1}, {"imageId": 2, "tagValues": [{"tag": 1048608, "value": "X"}]}]`)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tx db.OutgoingTransaction
	decodeBody(t, resp, &tx)
	require.EqualValues(t, 2, tx.TotalImageCount)

	resp = ts.request(t, http.MethodGet, "/api/transactions/outgoing", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var txs []db.OutgoingTransaction
	decodeBody(t, resp, &txs)
	require.Len(t, txs, 1)

	resp = ts.request(t, http.MethodGet, fmt.Sprintf("/api/transactions/outgoing/%d/images", tx.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var images []db.OutgoingImage
	decodeBody(t, resp, &images)
	require.Len(t, images, 2)

	resp = ts.request(t, http.MethodDelete, fmt.Sprintf("/api/transactions/outgoing/%d", tx.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// testDicomBytes renders a minimal explicit VR little endian object.
func testDicomBytes() []byte {
	element := func(tag uint32, vr, value string) []byte {
		v := []byte(value)
		if len(v)%2 == 1 {
			pad := byte(' ')
			if vr == "UI" {
				pad = 0
			}
			v = append(v, pad)
		}
		out := make([]byte, 8, 8+len(v))
		binary.LittleEndian.PutUint16(out[0:], uint16(tag>>16))
		binary.LittleEndian.PutUint16(out[2:], uint16(tag))
		copy(out[4:], vr)
		binary.LittleEndian.PutUint16(out[6:], uint16(len(v)))
		return append(out, v...)
	}

	const sopClass = "1.2.840.10008.5.1.4.1.1.2"
	const sopUID = "1.2.826.0.1.3680043.8.498.77"
	var fmi []byte
	fmi = append(fmi, element(0x00020002, "UI", sopClass)...)
	fmi = append(fmi, element(0x00020003, "UI", sopUID)...)
	fmi = append(fmi, element(0x00020010, "UI", dicom.ExplicitVRLittleEndian)...)

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

	out = append(out, element(0x00080016, "UI", sopClass)...)
	out = append(out, element(0x00080018, "UI", sopUID)...)
	out = append(out, element(0x00100010, "PN", "Doe^Jane")...)
	out = append(out, element(0x00100020, "LO", "pid-9")...)
	return out
}
