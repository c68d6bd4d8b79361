package db

import (
	"context"
	"database/sql"
	"fmt"
)

// OutgoingStore owns the outgoing transaction, image and tag value tables.
type OutgoingStore struct {
	db *DB
}

// NewOutgoingStore creates an outgoing store over db.
func NewOutgoingStore(db *DB) *OutgoingStore {
	return &OutgoingStore{db: db}
}

const outgoingTransactionColumns = "id, boxid, boxname, sentimagecount, totalimagecount, created, updated, status"

func scanOutgoingTransaction(row interface{ Scan(...interface{}) error }) (OutgoingTransaction, error) {
	var t OutgoingTransaction
	err := row.Scan(&t.ID, &t.BoxID, &t.BoxName, &t.SentImageCount, &t.TotalImageCount,
		&t.Created, &t.Updated, &t.Status)
	return t, mapError(err)
}

// InsertTransaction stores a new outgoing transaction in WAITING state.
// Zero timestamps are filled with the current time.
func (s *OutgoingStore) InsertTransaction(ctx context.Context, t OutgoingTransaction) (OutgoingTransaction, error) {
	if t.Created == 0 {
		t.Created = nowMillis()
	}
	if t.Updated == 0 {
		t.Updated = t.Created
	}
	id, err := s.db.insertReturningID(ctx, s.db.sql,
		`INSERT INTO outgoingtransactions
			(boxid, boxname, sentimagecount, totalimagecount, created, updated, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.BoxID, t.BoxName, t.SentImageCount, t.TotalImageCount, t.Created, t.Updated, t.Status)
	if err != nil {
		return OutgoingTransaction{}, fmt.Errorf("insert outgoing transaction: %w", err)
	}
	t.ID = id
	return t, nil
}

// InsertImage stores one image row of a transaction. Duplicate
// (transaction, sequence number) pairs yield ErrConflict.
func (s *OutgoingStore) InsertImage(ctx context.Context, img OutgoingImage) (OutgoingImage, error) {
	id, err := s.db.insertReturningID(ctx, s.db.sql,
		`INSERT INTO outgoingimages (outgoingtransactionid, imageid, sequencenumber, sent)
		 VALUES (?, ?, ?, ?)`,
		img.OutgoingTransactionID, img.ImageID, img.SequenceNumber, img.Sent)
	if err != nil {
		return OutgoingImage{}, fmt.Errorf("insert outgoing image: %w", err)
	}
	img.ID = id
	return img, nil
}

// InsertTagValue stores a forced attribute override for one outgoing image.
func (s *OutgoingStore) InsertTagValue(ctx context.Context, tv OutgoingTagValue) (OutgoingTagValue, error) {
	id, err := s.db.insertReturningID(ctx, s.db.sql,
		`INSERT INTO outgoingtagvalues (outgoingimageid, tag, value) VALUES (?, ?, ?)`,
		tv.OutgoingImageID, tv.Tag, tv.Value)
	if err != nil {
		return OutgoingTagValue{}, fmt.Errorf("insert outgoing tag value: %w", err)
	}
	tv.ID = id
	return tv, nil
}

// TagValuesForImage returns the forced overrides for one outgoing image.
func (s *OutgoingStore) TagValuesForImage(ctx context.Context, outgoingImageID int64) ([]OutgoingTagValue, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		s.db.rebind(`SELECT id, outgoingimageid, tag, value FROM outgoingtagvalues
			WHERE outgoingimageid = ? ORDER BY id`), outgoingImageID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var tvs []OutgoingTagValue
	for rows.Next() {
		var tv OutgoingTagValue
		if err := rows.Scan(&tv.ID, &tv.OutgoingImageID, &tv.Tag, &tv.Value); err != nil {
			return nil, mapError(err)
		}
		tvs = append(tvs, tv)
	}
	return tvs, rows.Err()
}

// NextTransactionImage returns the oldest unsent image for a box, skipping
// FAILED and FINISHED transactions. Ordering is total: transactions by
// creation time, images by sequence number, and duplicate sequence numbers
// are forbidden by schema. Returns ErrNotFound when the box queue is empty.
func (s *OutgoingStore) NextTransactionImage(ctx context.Context, boxID int64) (OutgoingTransactionImage, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(`
		SELECT t.id, t.boxid, t.boxname, t.sentimagecount, t.totalimagecount, t.created, t.updated, t.status,
		       i.id, i.outgoingtransactionid, i.imageid, i.sequencenumber, i.sent
		FROM outgoingtransactions t
		JOIN outgoingimages i ON i.outgoingtransactionid = t.id
		WHERE t.boxid = ? AND i.sent = ? AND t.status NOT IN (?, ?)
		ORDER BY t.created ASC, i.sequencenumber ASC
		LIMIT 1`),
		boxID, false, StatusFailed, StatusFinished)
	var ti OutgoingTransactionImage
	err := row.Scan(
		&ti.Transaction.ID, &ti.Transaction.BoxID, &ti.Transaction.BoxName,
		&ti.Transaction.SentImageCount, &ti.Transaction.TotalImageCount,
		&ti.Transaction.Created, &ti.Transaction.Updated, &ti.Transaction.Status,
		&ti.Image.ID, &ti.Image.OutgoingTransactionID, &ti.Image.ImageID,
		&ti.Image.SequenceNumber, &ti.Image.Sent)
	if err != nil {
		return OutgoingTransactionImage{}, mapError(err)
	}
	return ti, nil
}

// TransactionImage resolves a (transaction, image) pair for a given box,
// as referenced by the poll protocol. Returns ErrNotFound when the pair does
// not exist or belongs to another box.
func (s *OutgoingStore) TransactionImage(ctx context.Context, boxID, transactionID, imageID int64) (OutgoingTransactionImage, error) {
	row := s.db.sql.QueryRowContext(ctx, s.db.rebind(`
		SELECT t.id, t.boxid, t.boxname, t.sentimagecount, t.totalimagecount, t.created, t.updated, t.status,
		       i.id, i.outgoingtransactionid, i.imageid, i.sequencenumber, i.sent
		FROM outgoingtransactions t
		JOIN outgoingimages i ON i.outgoingtransactionid = t.id
		WHERE t.boxid = ? AND t.id = ? AND i.imageid = ?`),
		boxID, transactionID, imageID)
	var ti OutgoingTransactionImage
	err := row.Scan(
		&ti.Transaction.ID, &ti.Transaction.BoxID, &ti.Transaction.BoxName,
		&ti.Transaction.SentImageCount, &ti.Transaction.TotalImageCount,
		&ti.Transaction.Created, &ti.Transaction.Updated, &ti.Transaction.Status,
		&ti.Image.ID, &ti.Image.OutgoingTransactionID, &ti.Image.ImageID,
		&ti.Image.SequenceNumber, &ti.Image.Sent)
	if err != nil {
		return OutgoingTransactionImage{}, mapError(err)
	}
	return ti, nil
}

// MarkImageSent records a delivered image and advances its transaction, all
// in one database transaction. The sent count is recomputed from the image
// rows, which makes replayed acks idempotent, and the status flips to
// FINISHED exactly when every image is sent. A crash can therefore never
// leave "all images sent, status != FINISHED" behind.
func (s *OutgoingStore) MarkImageSent(ctx context.Context, transactionID, outgoingImageID int64) (OutgoingTransaction, error) {
	var out OutgoingTransaction
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.db.rebind(`UPDATE outgoingimages SET sent = ? WHERE id = ? AND outgoingtransactionid = ?`),
			true, outgoingImageID, transactionID); err != nil {
			return mapError(err)
		}
		var sent, total int64
		if err := tx.QueryRowContext(ctx, s.db.rebind(`
			SELECT (SELECT COUNT(*) FROM outgoingimages WHERE outgoingtransactionid = ? AND sent = ?),
			       totalimagecount
			FROM outgoingtransactions WHERE id = ?`),
			transactionID, true, transactionID).Scan(&sent, &total); err != nil {
			return mapError(err)
		}
		status := StatusProcessing
		if sent == total {
			status = StatusFinished
		}
		if _, err := tx.ExecContext(ctx, s.db.rebind(`
			UPDATE outgoingtransactions SET sentimagecount = ?, updated = ?, status = ?
			WHERE id = ?`),
			sent, nowMillis(), status, transactionID); err != nil {
			return mapError(err)
		}
		row := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT `+outgoingTransactionColumns+` FROM outgoingtransactions WHERE id = ?`), transactionID)
		var err error
		out, err = scanOutgoingTransaction(row)
		return err
	})
	return out, err
}

// SetStatus moves a transaction to the given state and stamps it.
func (s *OutgoingStore) SetStatus(ctx context.Context, transactionID int64, status TransactionStatus) error {
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`UPDATE outgoingtransactions SET status = ?, updated = ? WHERE id = ?`),
		status, nowMillis(), transactionID)
	return mapError(err)
}

// GetTransaction returns one transaction by id.
func (s *OutgoingStore) GetTransaction(ctx context.Context, id int64) (OutgoingTransaction, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+outgoingTransactionColumns+` FROM outgoingtransactions WHERE id = ?`), id)
	return scanOutgoingTransaction(row)
}

// ListTransactions returns transactions newest first.
func (s *OutgoingStore) ListTransactions(ctx context.Context, limit int64) ([]OutgoingTransaction, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		s.db.rebind(`SELECT `+outgoingTransactionColumns+` FROM outgoingtransactions
			ORDER BY created DESC LIMIT ?`), limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var ts []OutgoingTransaction
	for rows.Next() {
		t, err := scanOutgoingTransaction(rows)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// ImagesForTransaction returns a transaction's images in sequence order.
func (s *OutgoingStore) ImagesForTransaction(ctx context.Context, transactionID int64) ([]OutgoingImage, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		s.db.rebind(`SELECT id, outgoingtransactionid, imageid, sequencenumber, sent
			FROM outgoingimages WHERE outgoingtransactionid = ? ORDER BY sequencenumber`), transactionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var imgs []OutgoingImage
	for rows.Next() {
		var img OutgoingImage
		if err := rows.Scan(&img.ID, &img.OutgoingTransactionID, &img.ImageID,
			&img.SequenceNumber, &img.Sent); err != nil {
			return nil, mapError(err)
		}
		imgs = append(imgs, img)
	}
	return imgs, rows.Err()
}

// RemoveTransaction deletes a transaction; images and tag values cascade.
func (s *OutgoingStore) RemoveTransaction(ctx context.Context, transactionID int64) error {
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`DELETE FROM outgoingtransactions WHERE id = ?`), transactionID)
	return mapError(err)
}

// CountPending returns the number of transactions still waiting or in
// progress, for the engine's pending gauge.
func (s *OutgoingStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.sql.QueryRowContext(ctx, s.db.rebind(
		`SELECT COUNT(*) FROM outgoingtransactions WHERE status IN (?, ?)`),
		StatusWaiting, StatusProcessing).Scan(&n)
	return n, mapError(err)
}

// DemoteStalled moves PROCESSING transactions whose updated stamp is older
// than the timeout back to WAITING so the next worker loop retries them.
// FINISHED and FAILED are terminal and never transition.
func (s *OutgoingStore) DemoteStalled(ctx context.Context, now, timeoutMillis int64) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx, s.db.rebind(`
		UPDATE outgoingtransactions SET status = ?
		WHERE status = ? AND ? - updated > ?`),
		StatusWaiting, StatusProcessing, now, timeoutMillis)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
