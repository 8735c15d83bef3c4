// Package store persists routed action outcomes and experience entries to
// sqlite. Writes go through a single background writer so callers on the
// dispatch path never block on disk; the queue drops on overflow.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/experience"
	"github.com/blockforge/swarmd/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	action_type TEXT NOT NULL,
	params      TEXT,
	success     INTEGER NOT NULL,
	error       TEXT,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_agent ON actions(agent_id, recorded_at);

CREATE TABLE IF NOT EXISTS experiences (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	action_type TEXT NOT NULL,
	goal        TEXT,
	success     INTEGER NOT NULL,
	reward      REAL NOT NULL,
	error       TEXT,
	logged_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_experiences_agent ON experiences(agent_id, logged_at);`

// DefaultQueueSize bounds the pending write queue.
const DefaultQueueSize = 1024

// ActionRecord is one persisted routing outcome.
type ActionRecord struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	ActionType string    `json:"action_type"`
	Params     string    `json:"params,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type writeOp struct {
	insert func(*sql.DB) error
	ack    chan struct{} // non-nil only for flush sentinels
}

// Store is the sqlite outcome archive. It implements the router's Sink and
// the experience buffer's Archiver.
type Store struct {
	db     *sql.DB
	queue  chan writeOp
	done   chan struct{}
	logger *zap.Logger
}

// Open opens (and if needed creates) the archive at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	s := &Store{
		db:     db,
		queue:  make(chan writeOp, DefaultQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for op := range s.queue {
		if op.ack != nil {
			close(op.ack)
			continue
		}
		if err := op.insert(s.db); err != nil {
			s.logger.Warn("archive write failed", zap.Error(err))
		}
	}
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	close(s.queue)
	<-s.done
	return s.db.Close()
}

// Flush blocks until every write queued before the call has been applied.
func (s *Store) Flush() {
	ack := make(chan struct{})
	select {
	case s.queue <- writeOp{ack: ack}:
		<-ack
	case <-s.done:
	}
}

func (s *Store) enqueue(insert func(*sql.DB) error) {
	select {
	case s.queue <- writeOp{insert: insert}:
	default:
		s.logger.Warn("archive queue full, record dropped")
	}
}

// Persist records one routed action outcome.
func (s *Store) Persist(action *protocol.Action, result protocol.Result) {
	params := ""
	if len(action.Params) > 0 {
		if raw, err := json.Marshal(action.Params); err == nil {
			params = string(raw)
		}
	}
	rec := ActionRecord{
		ID:         action.ID,
		AgentID:    action.AgentID,
		ActionType: string(action.Type),
		Params:     params,
		Success:    result.Success,
		Error:      result.Error,
		RecordedAt: time.Now().UTC(),
	}
	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO actions (id, agent_id, action_type, params, success, error, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET success = excluded.success, error = excluded.error, recorded_at = excluded.recorded_at`,
			rec.ID, rec.AgentID, rec.ActionType, rec.Params, rec.Success, rec.Error, rec.RecordedAt)
		return err
	})
}

// Archive records one experience entry.
func (s *Store) Archive(e experience.Entry) {
	s.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO experiences (id, agent_id, action_type, goal, success, reward, error, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			e.ID, e.AgentID, string(e.Action.Type), e.Goal, e.Success, e.Reward, e.Error, e.LoggedAt)
		return err
	})
}

// RecentActions returns the last n action records for one agent, newest
// first. agentID "" means all agents.
func (s *Store) RecentActions(agentID string, n int) ([]ActionRecord, error) {
	if n <= 0 {
		n = 50
	}
	query := `SELECT id, agent_id, action_type, params, success, error, recorded_at
		FROM actions WHERE (? = '' OR agent_id = ?)
		ORDER BY recorded_at DESC, id DESC LIMIT ?`
	rows, err := s.db.Query(query, agentID, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var params, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.ActionType, &params, &rec.Success, &errMsg, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		rec.Params = params.String
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Experiences returns the last n archived entries for one agent, newest
// first.
func (s *Store) Experiences(agentID string, n int) ([]experience.Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(`
		SELECT id, agent_id, action_type, goal, success, reward, error, logged_at
		FROM experiences WHERE agent_id = ?
		ORDER BY logged_at DESC, id DESC LIMIT ?`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer rows.Close()

	var out []experience.Entry
	for rows.Next() {
		var e experience.Entry
		var actionType string
		var goal, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.AgentID, &actionType, &goal, &e.Success, &e.Reward, &errMsg, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan experience row: %w", err)
		}
		e.Action = protocol.Action{ID: e.ID, Type: protocol.ActionType(actionType), AgentID: e.AgentID}
		e.Goal = goal.String
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns total and successful action counts for one agent.
func (s *Store) Counts(agentID string) (total, succeeded int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0) FROM actions WHERE agent_id = ?`,
		agentID).Scan(&total, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("count actions: %w", err)
	}
	return total, succeeded, nil
}
