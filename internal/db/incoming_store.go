package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IncomingStore owns the incoming transaction and image tables.
type IncomingStore struct {
	db *DB
}

// NewIncomingStore creates an incoming store over db.
func NewIncomingStore(db *DB) *IncomingStore {
	return &IncomingStore{db: db}
}

const incomingTransactionColumns = "id, boxid, boxname, outgoingtransactionid, receivedimagecount, addedimagecount, totalimagecount, created, updated, status"

func scanIncomingTransaction(row interface{ Scan(...interface{}) error }) (IncomingTransaction, error) {
	var t IncomingTransaction
	err := row.Scan(&t.ID, &t.BoxID, &t.BoxName, &t.OutgoingTransactionID,
		&t.ReceivedImageCount, &t.AddedImageCount, &t.TotalImageCount,
		&t.Created, &t.Updated, &t.Status)
	return t, mapError(err)
}

// UpdateIncoming records one received image. It upserts the transaction
// keyed by (box, remote transaction id), bumps the counters with a
// min(total, prev+1) clamp, upserts the image row keyed by (transaction,
// sequence number) and flips the status to FINISHED when every image has
// arrived. The whole step is one database transaction, and replaying the
// same (box, transaction, sequence number) ends in the same state as a
// single delivery.
func (s *IncomingStore) UpdateIncoming(ctx context.Context, box Box, outgoingTransactionID, sequenceNumber, totalImageCount, imageID int64, overwrite bool) (IncomingTransaction, error) {
	var out IncomingTransaction
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()

		row := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT `+incomingTransactionColumns+` FROM incomingtransactions
			 WHERE boxid = ? AND outgoingtransactionid = ?`),
			box.ID, outgoingTransactionID)
		t, err := scanIncomingTransaction(row)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			id, ierr := s.db.insertReturningID(ctx, tx,
				`INSERT INTO incomingtransactions
					(boxid, boxname, outgoingtransactionid, receivedimagecount, addedimagecount,
					 totalimagecount, created, updated, status)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				box.ID, box.Name, outgoingTransactionID, 0, 0, totalImageCount, now, now, StatusWaiting)
			if ierr != nil {
				return fmt.Errorf("insert incoming transaction: %w", ierr)
			}
			t = IncomingTransaction{
				ID: id, BoxID: box.ID, BoxName: box.Name,
				OutgoingTransactionID: outgoingTransactionID,
				TotalImageCount:       totalImageCount,
				Created:               now, Updated: now,
				Status: StatusWaiting,
			}
		default:
			return err
		}

		// Replays must not inflate the counters: a sequence number that is
		// already on file leaves both counts untouched.
		var seen int64
		if err := tx.QueryRowContext(ctx, s.db.rebind(
			`SELECT COUNT(*) FROM incomingimages WHERE incomingtransactionid = ? AND sequencenumber = ?`),
			t.ID, sequenceNumber).Scan(&seen); err != nil {
			return mapError(err)
		}

		received := t.ReceivedImageCount
		added := t.AddedImageCount
		if seen == 0 {
			received = min64(totalImageCount, received+1)
			if !overwrite {
				added = min64(totalImageCount, added+1)
			}
		}
		status := StatusProcessing
		if received == totalImageCount {
			status = StatusFinished
		}

		if _, err := tx.ExecContext(ctx, s.db.rebind(`
			UPDATE incomingtransactions
			SET receivedimagecount = ?, addedimagecount = ?, totalimagecount = ?, updated = ?, status = ?
			WHERE id = ?`),
			received, added, totalImageCount, now, status, t.ID); err != nil {
			return mapError(err)
		}

		if seen == 0 {
			if _, err := s.db.insertReturningID(ctx, tx,
				`INSERT INTO incomingimages (incomingtransactionid, imageid, sequencenumber, overwrite)
				 VALUES (?, ?, ?, ?)`,
				t.ID, imageID, sequenceNumber, overwrite); err != nil {
				return fmt.Errorf("insert incoming image: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, s.db.rebind(`
				UPDATE incomingimages SET imageid = ?, overwrite = ?
				WHERE incomingtransactionid = ? AND sequencenumber = ?`),
				imageID, overwrite, t.ID, sequenceNumber); err != nil {
				return mapError(err)
			}
		}

		t.ReceivedImageCount = received
		t.AddedImageCount = added
		t.TotalImageCount = totalImageCount
		t.Updated = now
		t.Status = status
		out = t
		return nil
	})
	return out, err
}

// GetTransaction returns one incoming transaction by id.
func (s *IncomingStore) GetTransaction(ctx context.Context, id int64) (IncomingTransaction, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+incomingTransactionColumns+` FROM incomingtransactions WHERE id = ?`), id)
	return scanIncomingTransaction(row)
}

// GetTransactionForBox returns the incoming transaction mirroring a remote
// outgoing transaction, or ErrNotFound.
func (s *IncomingStore) GetTransactionForBox(ctx context.Context, boxID, outgoingTransactionID int64) (IncomingTransaction, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+incomingTransactionColumns+` FROM incomingtransactions
			WHERE boxid = ? AND outgoingtransactionid = ?`), boxID, outgoingTransactionID)
	return scanIncomingTransaction(row)
}

// ListTransactions returns incoming transactions newest first.
func (s *IncomingStore) ListTransactions(ctx context.Context, limit int64) ([]IncomingTransaction, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		s.db.rebind(`SELECT `+incomingTransactionColumns+` FROM incomingtransactions
			ORDER BY created DESC LIMIT ?`), limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var ts []IncomingTransaction
	for rows.Next() {
		t, err := scanIncomingTransaction(rows)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// ImagesForTransaction returns a transaction's images in sequence order.
func (s *IncomingStore) ImagesForTransaction(ctx context.Context, transactionID int64) ([]IncomingImage, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		s.db.rebind(`SELECT id, incomingtransactionid, imageid, sequencenumber, overwrite
			FROM incomingimages WHERE incomingtransactionid = ? ORDER BY sequencenumber`), transactionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var imgs []IncomingImage
	for rows.Next() {
		var img IncomingImage
		if err := rows.Scan(&img.ID, &img.IncomingTransactionID, &img.ImageID,
			&img.SequenceNumber, &img.Overwrite); err != nil {
			return nil, mapError(err)
		}
		imgs = append(imgs, img)
	}
	return imgs, rows.Err()
}

// RemoveTransaction deletes a transaction; its image rows cascade.
func (s *IncomingStore) RemoveTransaction(ctx context.Context, transactionID int64) error {
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`DELETE FROM incomingtransactions WHERE id = ?`), transactionID)
	return mapError(err)
}

// DemoteStalled moves PROCESSING transactions older than the timeout back to
// WAITING, mirroring OutgoingStore.DemoteStalled.
func (s *IncomingStore) DemoteStalled(ctx context.Context, now, timeoutMillis int64) (int64, error) {
	res, err := s.db.sql.ExecContext(ctx, s.db.rebind(`
		UPDATE incomingtransactions SET status = ?
		WHERE status = ? AND ? - updated > ?`),
		StatusWaiting, StatusProcessing, now, timeoutMillis)
	if err != nil {
		return 0, mapError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
