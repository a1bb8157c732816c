package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tetherchat/tether/internal/model"
)

const offlineColumns = `id, optimistic_id, conversation_id, sender_id, sender_name,
	recipient_id, body, msg_type, status, retry_count, max_retries,
	failure_reason, created_at, updated_at`

// Enqueue persists an offline message in pending state.
func (db *DB) Enqueue(m *model.OfflineMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO offline_messages (`+offlineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, ?)`,
		m.ID, m.OptimisticID, m.ConversationID, m.SenderID, m.SenderName,
		m.RecipientID, m.Text, string(m.Type), m.MaxRetries, now, now)
	return err
}

// Get returns a single queued message by id, or nil if absent.
func (db *DB) Get(id string) (*model.OfflineMessage, error) {
	row := db.QueryRow(`SELECT `+offlineColumns+` FROM offline_messages WHERE id = ?`, id)
	m, err := scanOffline(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Pending returns messages awaiting a send attempt, oldest first.
func (db *DB) Pending() ([]model.OfflineMessage, error) {
	return db.listByStatus(string(model.OfflinePending))
}

// Failed returns messages that exhausted their retry budget.
func (db *DB) Failed() ([]model.OfflineMessage, error) {
	return db.listByStatus(string(model.OfflineFailed))
}

// All returns every queued message, oldest first.
func (db *DB) All() ([]model.OfflineMessage, error) {
	rows, err := db.Query(`SELECT ` + offlineColumns + ` FROM offline_messages ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectOffline(rows)
}

func (db *DB) listByStatus(status string) ([]model.OfflineMessage, error) {
	rows, err := db.Query(`
		SELECT `+offlineColumns+` FROM offline_messages
		WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	return collectOffline(rows)
}

// MarkSending claims a pending message for an attempt. The claim is
// atomic: only one caller can move a given row out of pending, so an
// immediate send and a periodic pass can never both attempt the same
// message. Returns false when the row was not pending.
func (db *DB) MarkSending(id string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE offline_messages SET status = 'sending', updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSent records a successful send.
func (db *DB) MarkSent(id string) error {
	return db.setStatus(id, model.OfflineSent, "")
}

// MarkRetry returns an in-flight message to pending after a retryable
// failure, incrementing its attempt count.
func (db *DB) MarkRetry(id, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE offline_messages
		SET status = 'pending', retry_count = retry_count + 1,
		    failure_reason = ?, updated_at = ?
		WHERE id = ?`, reason, now, id)
	return err
}

// MarkFailed records a permanent failure after retry exhaustion.
func (db *DB) MarkFailed(id, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE offline_messages
		SET status = 'failed', retry_count = retry_count + 1,
		    failure_reason = ?, updated_at = ?
		WHERE id = ?`, reason, now, id)
	return err
}

// Delete removes a queued message.
func (db *DB) Delete(id string) error {
	_, err := db.Exec(`DELETE FROM offline_messages WHERE id = ?`, id)
	return err
}

// RequeueFailed returns a failed message to pending with a fresh retry
// budget. Used by an explicit user-initiated retry.
func (db *DB) RequeueFailed(id string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE offline_messages
		SET status = 'pending', retry_count = 0, failure_reason = '', updated_at = ?
		WHERE id = ? AND status = 'failed'`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("requeue %s: no failed entry", id)
	}
	return nil
}

// ClearFailed removes every failed message, returning the count.
func (db *DB) ClearFailed() (int64, error) {
	res, err := db.Exec(`DELETE FROM offline_messages WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecoverInFlight returns messages stuck in sending state to pending.
// Called once on startup: a crash mid-send leaves rows in sending, and
// the attempt's outcome is unknown.
func (db *DB) RecoverInFlight() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE offline_messages SET status = 'pending', updated_at = ?
		WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) setStatus(id string, status model.OfflineStatus, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE offline_messages SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`, string(status), reason, now, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffline(row scanner) (*model.OfflineMessage, error) {
	var m model.OfflineMessage
	var msgType, status string
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.OptimisticID, &m.ConversationID, &m.SenderID,
		&m.SenderName, &m.RecipientID, &m.Text, &msgType, &status,
		&m.RetryCount, &m.MaxRetries, &m.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(msgType)
	m.Status = model.OfflineStatus(status)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	return &m, nil
}

func collectOffline(rows *sql.Rows) ([]model.OfflineMessage, error) {
	defer func() { _ = rows.Close() }()
	var out []model.OfflineMessage
	for rows.Next() {
		m, err := scanOffline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
