package db

import (
	"context"
	"database/sql"
	"fmt"
)

// BoxStore owns the boxes table.
type BoxStore struct {
	db *DB
}

// NewBoxStore creates a box store over db.
func NewBoxStore(db *DB) *BoxStore {
	return &BoxStore{db: db}
}

const boxColumns = "id, name, token, baseurl, sendmethod, online, lastcontact"

func scanBox(row interface{ Scan(...interface{}) error }) (Box, error) {
	var b Box
	err := row.Scan(&b.ID, &b.Name, &b.Token, &b.BaseURL, &b.SendMethod, &b.Online, &b.LastContact)
	return b, mapError(err)
}

// Insert stores a new box and returns it with its generated id.
// A duplicate name yields ErrConflict.
func (s *BoxStore) Insert(ctx context.Context, box Box) (Box, error) {
	id, err := s.db.insertReturningID(ctx, s.db.sql,
		`INSERT INTO boxes (name, token, baseurl, sendmethod, online, lastcontact)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		box.Name, box.Token, box.BaseURL, box.SendMethod, box.Online, box.LastContact)
	if err != nil {
		return Box{}, fmt.Errorf("insert box %q: %w", box.Name, err)
	}
	box.ID = id
	return box, nil
}

// Get returns the box with the given id, or ErrNotFound.
func (s *BoxStore) Get(ctx context.Context, id int64) (Box, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+boxColumns+` FROM boxes WHERE id = ?`), id)
	return scanBox(row)
}

// GetByName returns the box with the given unique name, or ErrNotFound.
func (s *BoxStore) GetByName(ctx context.Context, name string) (Box, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+boxColumns+` FROM boxes WHERE name = ?`), name)
	return scanBox(row)
}

// GetByToken returns the box carrying the given token regardless of send
// method. Used to authenticate incoming pushes.
func (s *BoxStore) GetByToken(ctx context.Context, token string) (Box, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+boxColumns+` FROM boxes WHERE token = ?`), token)
	return scanBox(row)
}

// PollBoxByToken authenticates the poll protocol: only boxes set up for
// polling may drain the outgoing queue.
func (s *BoxStore) PollBoxByToken(ctx context.Context, token string) (Box, error) {
	row := s.db.sql.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+boxColumns+` FROM boxes WHERE token = ? AND sendmethod = ?`),
		token, MethodPoll)
	return scanBox(row)
}

// List returns all boxes ordered by id.
func (s *BoxStore) List(ctx context.Context) ([]Box, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT `+boxColumns+` FROM boxes ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var boxes []Box
	for rows.Next() {
		b, err := scanBox(rows)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

// UpdateOnline flips the derived online flag. Only successful contact stamps
// lastcontact; a failed push must not count as being heard from, or
// RefreshOnlineStatus would flip the box back online on the next tick.
func (s *BoxStore) UpdateOnline(ctx context.Context, id int64, online bool) error {
	if online {
		_, err := s.db.sql.ExecContext(ctx,
			s.db.rebind(`UPDATE boxes SET online = ?, lastcontact = ? WHERE id = ?`),
			online, nowMillis(), id)
		return mapError(err)
	}
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`UPDATE boxes SET online = ? WHERE id = ?`), online, id)
	return mapError(err)
}

// Touch stamps last contact without changing the online flag. Called when a
// poll box checks in.
func (s *BoxStore) Touch(ctx context.Context, id int64) error {
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`UPDATE boxes SET lastcontact = ? WHERE id = ?`),
		nowMillis(), id)
	return mapError(err)
}

// Delete removes a box and cascades its outgoing transactions (and through
// them their images and tag values).
func (s *BoxStore) Delete(ctx context.Context, id int64) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.db.rebind(`DELETE FROM outgoingtransactions WHERE boxid = ?`), id); err != nil {
			return mapError(err)
		}
		if _, err := tx.ExecContext(ctx,
			s.db.rebind(`DELETE FROM boxes WHERE id = ?`), id); err != nil {
			return mapError(err)
		}
		return nil
	})
}

// RefreshOnlineStatus recomputes the online flag for every box from its last
// contact time: a box is online iff it was heard from within timeoutMillis of
// now. Runs from the supervisor tick.
func (s *BoxStore) RefreshOnlineStatus(ctx context.Context, now, timeoutMillis int64) error {
	_, err := s.db.sql.ExecContext(ctx,
		s.db.rebind(`UPDATE boxes SET online = (lastcontact > 0 AND ? - lastcontact < ?)`),
		now, timeoutMillis)
	return mapError(err)
}
