package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voicecoach/pkg/types"
)

// Session is a persisted conversation. Messages is only populated by
// [Store.GetSession].
type Session struct {
	ID              string              `json:"id"`
	ScenarioID      string              `json:"scenario_id"`
	DurationSeconds int                 `json:"duration_seconds"`
	Status          types.SessionStatus `json:"status"`
	Mode            types.Mode          `json:"mode"`
	RefSessionID    string              `json:"ref_session_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	MessageCount    int                 `json:"messages_count"`
	Messages        []types.Message     `json:"messages,omitempty"`
}

// CreateResult is the outcome of [Store.CreateSession].
type CreateResult struct {
	SessionID string

	// MessagesCount is the number of messages submitted.
	MessagesCount int

	// MessagesErr is set when the session row was written but the message
	// insert failed. The session row is kept.
	MessagesErr error
}

// PendingSession describes an eagerly created session for the embedded
// variant.
type PendingSession struct {
	ScenarioID   string
	Mode         types.Mode
	RefSessionID string
}

// CreateSession writes a completed session and its messages.
//
// It fails with a validation error when scenarioID is empty or msgs is empty,
// and with a persistence error when the session row cannot be written. A
// failure of the message insert that follows is logged and reported through
// [CreateResult.MessagesErr]; the call still succeeds.
func (s *Store) CreateSession(ctx context.Context, scenarioID string, durationSeconds int, msgs []types.Message) (CreateResult, error) {
	const op = "create session"
	if scenarioID == "" {
		return CreateResult{}, types.Validation(op, "scenario_id is required")
	}
	if len(msgs) == 0 {
		return CreateResult{}, types.Validation(op, "messages must not be empty")
	}
	defer s.observe(ctx, "create_session", time.Now())

	id := uuid.New()
	const q = `
		INSERT INTO sessions (id, scenario_id, duration_seconds, status, mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`
	if _, err := s.pool.Exec(ctx, q, id, scenarioID, max(durationSeconds, 0), types.StatusCompleted, types.ModeStandard, s.now()); err != nil {
		slog.Error("store: create session failed", "scenario_id", scenarioID, "err", err)
		return CreateResult{}, types.Wrap(types.KindPersistence, op, err)
	}

	res := CreateResult{SessionID: id.String(), MessagesCount: len(msgs)}
	if err := s.insertMessages(ctx, id, msgs); err != nil {
		slog.Error("store: saving messages failed, session row kept",
			"session_id", res.SessionID, "messages", len(msgs), "err", err)
		res.MessagesErr = types.Wrap(types.KindPersistence, "insert messages", err)
	}
	return res, nil
}

// CreatePending writes an in-progress session for the embedded variant and
// returns its id. The transcript is appended later with
// [Store.AppendMessages].
func (s *Store) CreatePending(ctx context.Context, p PendingSession) (string, error) {
	const op = "create pending session"
	if p.ScenarioID == "" {
		return "", types.Validation(op, "scenario_id is required")
	}
	mode := p.Mode
	if mode == "" {
		mode = types.ModeStandard
	}
	var ref *uuid.UUID
	if p.RefSessionID != "" {
		r, err := uuid.Parse(p.RefSessionID)
		if err != nil {
			return "", types.Validation(op, fmt.Sprintf("ref_session_id %q is not a valid id", p.RefSessionID))
		}
		ref = &r
	}
	defer s.observe(ctx, "create_pending", time.Now())

	id := uuid.New()
	const q = `
		INSERT INTO sessions (id, scenario_id, duration_seconds, status, mode, ref_session_id, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $6)`
	if _, err := s.pool.Exec(ctx, q, id, p.ScenarioID, types.StatusInProgress, mode, ref, s.now()); err != nil {
		return "", types.Wrap(types.KindPersistence, op, err)
	}
	return id.String(), nil
}

// AppendMessages finalizes an existing session: it overwrites duration and
// status, then inserts msgs. Repeated calls overwrite the same fields again.
//
// An empty msgs is allowed and skips the insert. A failed status update is
// logged and the insert still runs. A session id that matches no row yields
// a not-found error; a failed insert yields a persistence error.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, durationSeconds int, msgs []types.Message) (int, error) {
	const op = "append messages"
	if sessionID == "" {
		return 0, types.Validation(op, "session_id is required")
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return 0, types.Validation(op, fmt.Sprintf("session_id %q is not a valid id", sessionID))
	}
	defer s.observe(ctx, "append_messages", time.Now())

	const q = `
		UPDATE sessions
		SET    duration_seconds = $2, status = $3, updated_at = $4
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, id, max(durationSeconds, 0), types.StatusCompleted, s.now())
	switch {
	case err != nil:
		slog.Error("store: updating session failed", "session_id", sessionID, "err", err)
	case tag.RowsAffected() == 0:
		return 0, types.NotFound(op, fmt.Sprintf("session %s does not exist", sessionID))
	}

	if len(msgs) == 0 {
		return 0, nil
	}
	if err := s.insertMessages(ctx, id, msgs); err != nil {
		slog.Error("store: saving messages failed", "session_id", sessionID, "messages", len(msgs), "err", err)
		return 0, types.Wrap(types.KindPersistence, op, err)
	}
	return len(msgs), nil
}

// insertMessages bulk-inserts msgs for sessionID with COPY, keeping their
// order through the serial id.
func (s *Store) insertMessages(ctx context.Context, sessionID uuid.UUID, msgs []types.Message) error {
	now := s.now()
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		rows[i] = []any{sessionID, string(m.Role), m.Content, ts}
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"messages"},
		[]string{"session_id", "role", "content", "timestamp"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}
	if int(n) != len(msgs) {
		return fmt.Errorf("copied %d of %d messages", n, len(msgs))
	}
	return nil
}

// GetSession returns a session with its full transcript.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	const op = "get session"
	uid, err := uuid.Parse(id)
	if err != nil {
		return Session{}, types.NotFound(op, fmt.Sprintf("session %q does not exist", id))
	}
	defer s.observe(ctx, "get_session", time.Now())

	const q = `
		SELECT id, scenario_id, duration_seconds, status, mode, ref_session_id, created_at
		FROM   sessions
		WHERE  id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, q, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, types.NotFound(op, fmt.Sprintf("session %s does not exist", id))
	}
	if err != nil {
		return Session{}, types.Wrap(types.KindPersistence, op, err)
	}

	const mq = `
		SELECT role, content, timestamp
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, mq, uid)
	if err != nil {
		return Session{}, types.Wrap(types.KindPersistence, op, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		var role string
		if err := row.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return types.Message{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return Session{}, types.Wrap(types.KindPersistence, op, err)
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	sess.Messages = msgs
	sess.MessageCount = len(msgs)
	return sess, nil
}

// ListSessions returns the most recent sessions, newest first, optionally
// filtered by scenario. limit <= 0 means 50.
func (s *Store) ListSessions(ctx context.Context, scenarioID string, limit int) ([]Session, error) {
	const op = "list sessions"
	if limit <= 0 {
		limit = 50
	}
	defer s.observe(ctx, "list_sessions", time.Now())

	const q = `
		SELECT s.id, s.scenario_id, s.duration_seconds, s.status, s.mode, s.ref_session_id, s.created_at,
		       (SELECT count(*) FROM messages m WHERE m.session_id = s.id)
		FROM   sessions s
		WHERE  ($1 = '' OR s.scenario_id = $1)
		ORDER  BY s.created_at DESC
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, scenarioID, limit)
	if err != nil {
		return nil, types.Wrap(types.KindPersistence, op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var (
			sess   Session
			id     uuid.UUID
			ref    *uuid.UUID
			status string
			mode   string
			count  int64
		)
		if err := row.Scan(&id, &sess.ScenarioID, &sess.DurationSeconds, &status, &mode, &ref, &sess.CreatedAt, &count); err != nil {
			return Session{}, err
		}
		sess.ID = id.String()
		sess.Status = types.SessionStatus(status)
		sess.Mode = types.Mode(mode)
		if ref != nil {
			sess.RefSessionID = ref.String()
		}
		sess.MessageCount = int(count)
		return sess, nil
	})
	if err != nil {
		return nil, types.Wrap(types.KindPersistence, op, err)
	}
	if out == nil {
		out = []Session{}
	}
	return out, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess   Session
		id     uuid.UUID
		ref    *uuid.UUID
		status string
		mode   string
	)
	if err := row.Scan(&id, &sess.ScenarioID, &sess.DurationSeconds, &status, &mode, &ref, &sess.CreatedAt); err != nil {
		return Session{}, err
	}
	sess.ID = id.String()
	sess.Status = types.SessionStatus(status)
	sess.Mode = types.Mode(mode)
	if ref != nil {
		sess.RefSessionID = ref.String()
	}
	return sess, nil
}
