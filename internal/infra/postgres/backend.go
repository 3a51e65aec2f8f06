package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"paper-quiz-service/internal/domain"
)

// ChangesChannel is the LISTEN/NOTIFY channel written by every transaction.
const ChangesChannel = "quiz_changes"

// Backend keeps the quiz document in Postgres (schema in migrations).
// Each write runs in one transaction that bumps quiz_state.version and
// issues pg_notify, so listeners only hear about committed changes.
type Backend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	sf     singleflight.Group
}

func NewBackend(pool *pgxpool.Pool, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{pool: pool, logger: logger}
}

func touch(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `UPDATE quiz_state SET version = version + 1, updated_at = now() WHERE id = 1`); err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, ChangesChannel); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// errUnchanged rolls back a write that turned out to change nothing, so no
// version bump or notification is issued.
var errUnchanged = errors.New("nothing to write")

func (b *Backend) write(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := b.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return touch(ctx, tx)
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Load reads the document in one read-only snapshot transaction. Loads of
// the same version share a query.
func (b *Backend) Load(ctx context.Context) (domain.Snapshot, error) {
	var version int64
	if err := b.pool.QueryRow(ctx, `SELECT version FROM quiz_state WHERE id = 1`).Scan(&version); err != nil {
		return domain.Snapshot{}, fmt.Errorf("read version: %w", err)
	}
	v, err, _ := b.sf.Do("load:"+strconv.FormatInt(version, 10), func() (interface{}, error) {
		return b.load(ctx)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

func (b *Backend) load(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{Assignments: map[string][]int{}}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := b.pool.BeginTxFunc(ctx, opts, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM quiz_state WHERE id = 1`).Scan(&status); err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		snap.Status = domain.Status(status)

		var err error
		if snap.Questions, err = loadQuestions(ctx, tx); err != nil {
			return err
		}
		if snap.Users, err = loadUsers(ctx, tx); err != nil {
			return err
		}
		return loadAssignments(ctx, tx, snap.Assignments)
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load quiz document: %w", err)
	}
	snap.Sort()
	return snap, nil
}

func loadQuestions(ctx context.Context, tx pgx.Tx) ([]domain.Question, error) {
	rows, err := tx.Query(ctx, `SELECT id, text, options, correct_answer, research_paper_id FROM questions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Question, 0)
	for rows.Next() {
		var (
			q   domain.Question
			raw []byte
		)
		if err := rows.Scan(&q.ID, &q.Text, &raw, &q.CorrectAnswer, &q.ResearchPaperID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %d: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func loadUsers(ctx context.Context, tx pgx.Tx) ([]domain.User, error) {
	rows, err := tx.Query(ctx, `SELECT id, quiz_id, name, research_paper_id, score, total_questions, completed, session_started, session_index, answers FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := make([]domain.User, 0)
	for rows.Next() {
		var (
			u       domain.User
			started *time.Time
			answers []byte
		)
		if err := rows.Scan(&u.ID, &u.QuizID, &u.Name, &u.ResearchPaperID, &u.Score, &u.TotalQuestions, &u.Completed, &started, &u.SessionIndex, &answers); err != nil {
			return nil, err
		}
		if started != nil {
			u.SessionStarted = *started
		}
		if len(answers) > 0 {
			if err := json.Unmarshal(answers, &u.Answers); err != nil {
				return nil, fmt.Errorf("decode answers of %s: %w", u.ID, err)
			}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func loadAssignments(ctx context.Context, tx pgx.Tx, into map[string][]int) error {
	rows, err := tx.Query(ctx, `SELECT user_id, question_ids FROM user_assignments`)
	if err != nil {
		return fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID string
			raw    []byte
			ids    []int
		)
		if err := rows.Scan(&userID, &raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("decode assignment of %s: %w", userID, err)
		}
		into[userID] = ids
	}
	return rows.Err()
}

// Watch holds one pooled connection in LISTEN mode. When the connection
// drops it reconnects with exponential backoff and emits a signal, since
// notifications may have been missed in between.
func (b *Backend) Watch(ctx context.Context) (<-chan struct{}, error) {
	conn, err := b.listen(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	signal := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(out)
		retry := backoff.NewExponentialBackOff()
		retry.MaxElapsedTime = 0
		for {
			err := b.follow(ctx, conn, signal)
			conn.Release()
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("change listener dropped", zap.Error(err))
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(retry.NextBackOff()):
				}
				if conn, err = b.listen(ctx); err == nil {
					break
				}
				b.logger.Warn("relisten failed", zap.Error(err))
			}
			retry.Reset()
			signal()
		}
	}()
	return out, nil
}

func (b *Backend) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

func (b *Backend) follow(ctx context.Context, conn *pgxpool.Conn, signal func()) error {
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		signal()
	}
}

func (b *Backend) SetStatus(ctx context.Context, from, to domain.Status) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE quiz_state SET status = $2 WHERE id = 1 AND status = $1`, string(from), string(to))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrInvalidTransition
		}
		return nil
	})
}

func (b *Backend) Reset(ctx context.Context) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE quiz_state SET status = $1 WHERE id = 1`, string(domain.StatusNotStarted)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE users SET score = NULL, total_questions = NULL, completed = FALSE, session_started = NULL, session_index = 0, answers = NULL`)
		return err
	})
}

func (b *Backend) PutQuestions(ctx context.Context, questions []domain.Question) error {
	batch := &pgx.Batch{}
	for _, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO questions (id, text, options, correct_answer, research_paper_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, options = EXCLUDED.options,
				correct_answer = EXCLUDED.correct_answer, research_paper_id = EXCLUDED.research_paper_id`,
			q.ID, q.Text, string(opts), q.CorrectAnswer, q.ResearchPaperID)
	}
	return b.write(ctx, func(tx pgx.Tx) error {
		return sendBatch(ctx, tx, batch)
	})
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return results.Close()
}

func (b *Backend) DeleteQuestion(ctx context.Context, id int) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM questions WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrQuestionNotFound
		}
		return nil
	})
}

func (b *Backend) ClearQuestions(ctx context.Context) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM questions`)
		return err
	})
}

func (b *Backend) PutUsers(ctx context.Context, users []domain.NewUser) ([]string, error) {
	assignments := make([]string, len(users))
	for i, nu := range users {
		ids := nu.QuestionIDs
		if ids == nil {
			ids = []int{}
		}
		encIDs, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		assignments[i] = string(encIDs)
	}

	var skipped []string
	err := b.write(ctx, func(tx pgx.Tx) error {
		skipped = nil
		batch := &pgx.Batch{}
		for i, nu := range users {
			u := nu.User
			tag, err := tx.Exec(ctx, `INSERT INTO users (id, quiz_id, name, research_paper_id)
				VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
				u.ID, u.QuizID, u.Name, u.ResearchPaperID)
			if err != nil {
				return fmt.Errorf("insert user %s: %w", u.ID, err)
			}
			if tag.RowsAffected() == 0 {
				skipped = append(skipped, u.ID)
				continue
			}
			batch.Queue(`INSERT INTO user_assignments (user_id, question_ids) VALUES ($1, $2)
				ON CONFLICT (user_id) DO NOTHING`, u.ID, assignments[i])
		}
		if batch.Len() == 0 {
			return errUnchanged
		}
		return sendBatch(ctx, tx, batch)
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

func (b *Backend) DeleteUser(ctx context.Context, id string) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrUserNotFound
		}
		return nil
	})
}

func (b *Backend) ClearUsers(ctx context.Context) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM users`)
		return err
	})
}

// rejectUpdate explains why a conditional user update touched no rows.
func rejectUpdate(ctx context.Context, tx pgx.Tx, userID string) error {
	var completed bool
	err := tx.QueryRow(ctx, `SELECT completed FROM users WHERE id = $1`, userID).Scan(&completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if completed {
		return domain.ErrAlreadyCompleted
	}
	return fmt.Errorf("update of user %s had no effect", userID)
}

func (b *Backend) ClaimSession(ctx context.Context, userID string, at time.Time) (domain.SessionClaim, error) {
	var (
		claim   domain.SessionClaim
		answers []byte
	)
	err := b.write(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `UPDATE users SET session_started = COALESCE(session_started, $2)
			WHERE id = $1 AND NOT completed RETURNING session_started, session_index, answers`,
			userID, at).Scan(&claim.StartedAt, &claim.Index, &answers)
		if errors.Is(err, pgx.ErrNoRows) {
			return rejectUpdate(ctx, tx, userID)
		}
		return err
	})
	if err != nil {
		return domain.SessionClaim{}, err
	}
	claim.Answers = domain.Answers{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &claim.Answers); err != nil {
			return domain.SessionClaim{}, fmt.Errorf("decode progress of %s: %w", userID, err)
		}
	}
	return claim, nil
}

// SaveProgress locks the user row and merges the progress in Go so the
// rules match the other backends.
func (b *Backend) SaveProgress(ctx context.Context, userID string, startedAt time.Time, index int, answers domain.Answers) error {
	return b.write(ctx, func(tx pgx.Tx) error {
		var (
			u       domain.User
			started *time.Time
			raw     []byte
		)
		err := tx.QueryRow(ctx, `SELECT completed, session_started, session_index, answers FROM users WHERE id = $1 FOR UPDATE`,
			userID).Scan(&u.Completed, &started, &u.SessionIndex, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if started != nil {
			u.SessionStarted = *started
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &u.Answers); err != nil {
				return fmt.Errorf("decode progress of %s: %w", userID, err)
			}
		}
		if !u.SaveProgress(startedAt, index, answers) {
			return errUnchanged
		}
		enc, err := json.Marshal(u.Answers)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE users SET session_index = $2, answers = $3 WHERE id = $1`, userID, u.SessionIndex, string(enc))
		return err
	})
}

func (b *Backend) CompleteUser(ctx context.Context, userID string, score, total int, answers domain.Answers) error {
	enc, err := json.Marshal(answers)
	if err != nil {
		return err
	}
	return b.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET score = $2, total_questions = $3, completed = TRUE, answers = $4
			WHERE id = $1 AND NOT completed`, userID, score, total, string(enc))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return rejectUpdate(ctx, tx, userID)
		}
		return nil
	})
}
