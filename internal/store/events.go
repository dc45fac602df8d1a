package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendEvent writes one audit row. data is marshaled to JSON; nil becomes
// an empty object. Append failures are the caller's to log; the event trail
// is observability, not control flow.
func (s *Store) AppendEvent(eventType string, actorID, subjectID *string, data any) (*Event, error) {
	payload := "{}"
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling event data: %w", err)
		}
		payload = string(b)
	}

	e := &Event{
		Type:      eventType,
		ActorID:   actorID,
		SubjectID: subjectID,
		Data:      payload,
		CreatedAt: time.Now().UTC(),
	}

	res, err := s.db.Exec(`
		INSERT INTO events (type, actor_id, subject_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Type, e.ActorID, e.SubjectID, e.Data, formatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	e.Seq, _ = res.LastInsertId()
	return e, nil
}

// RecentEvents returns the newest limit events.
func (s *Store) RecentEvents(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT seq, type, actor_id, subject_id, data, created_at
		FROM events ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var actorID, subjectID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.Type, &actorID, &subjectID, &e.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.ActorID = strPtr(actorID)
		e.SubjectID = strPtr(subjectID)
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}
