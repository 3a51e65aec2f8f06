package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"paper-quiz-service/internal/domain"
)

// maxTxAttempts bounds optimistic-lock retries when a watched key changes
// under a conditional write.
const maxTxAttempts = 16

// swapUser replaces one user's JSON only if it still equals the value the
// caller read, then bumps the version and announces the change.
//
//	KEYS: users hash, version, changes channel
//	ARGV: user id, expected JSON, new JSON
var swapUser = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('PUBLISH', KEYS[3], '1')
return 1
`)

// insertUsers adds users that are not stored yet together with their
// assignments and returns the ids that already existed.
//
//	KEYS: users hash, assignments hash, version, changes channel
//	ARGV: repeated (user id, user JSON, assignment JSON)
var insertUsers = redis.NewScript(`
local skipped = {}
local added = 0
for i = 1, #ARGV, 3 do
	if redis.call('HSETNX', KEYS[1], ARGV[i], ARGV[i + 1]) == 1 then
		redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 2])
		added = added + 1
	else
		table.insert(skipped, ARGV[i])
	end
end
if added > 0 then
	redis.call('INCR', KEYS[3])
	redis.call('PUBLISH', KEYS[4], '1')
end
return skipped
`)

// Backend stores the quiz document in Redis so several service instances
// can share it. Layout, under a configurable prefix:
//
//	{prefix}status       string  global status
//	{prefix}version      int     bumped by every write
//	{prefix}questions    hash    question id -> JSON
//	{prefix}users        hash    user id -> JSON
//	{prefix}assignments  hash    user id -> JSON array of question ids
//	{prefix}changes      channel one message per write
//
// Status changes and reset use WATCH/MULTI. Per-user updates are a
// compare-and-set script on the user's own hash field, so participants
// finishing at the same time do not conflict. Every write bumps the version
// and publishes on the changes channel atomically with the change.
type Backend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	sf     singleflight.Group
}

func NewBackend(client *redis.Client, prefix string, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, prefix: prefix, logger: logger}
}

func (b *Backend) key(name string) string { return b.prefix + name }

// Load reads the whole document. Concurrent loads of the same version share
// one round trip.
func (b *Backend) Load(ctx context.Context) (domain.Snapshot, error) {
	version, err := b.client.Get(ctx, b.key("version")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, fmt.Errorf("read version: %w", err)
	}
	v, err, _ := b.sf.Do("load:"+version, func() (interface{}, error) {
		return b.load(ctx)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

func (b *Backend) load(ctx context.Context) (domain.Snapshot, error) {
	var (
		status      *redis.StringCmd
		questions   *redis.MapStringStringCmd
		users       *redis.MapStringStringCmd
		assignments *redis.MapStringStringCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		status = pipe.Get(ctx, b.key("status"))
		questions = pipe.HGetAll(ctx, b.key("questions"))
		users = pipe.HGetAll(ctx, b.key("users"))
		assignments = pipe.HGetAll(ctx, b.key("assignments"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, fmt.Errorf("load quiz document: %w", err)
	}

	snap := domain.Snapshot{
		Status:      domain.StatusNotStarted,
		Questions:   make([]domain.Question, 0, len(questions.Val())),
		Users:       make([]domain.User, 0, len(users.Val())),
		Assignments: make(map[string][]int, len(assignments.Val())),
	}
	if s := domain.Status(status.Val()); s.Valid() {
		snap.Status = s
	}
	for id, raw := range questions.Val() {
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			b.logger.Warn("skipping undecodable question", zap.String("id", id), zap.Error(err))
			continue
		}
		snap.Questions = append(snap.Questions, q)
	}
	for id, raw := range users.Val() {
		var u domain.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			b.logger.Warn("skipping undecodable user", zap.String("id", id), zap.Error(err))
			continue
		}
		snap.Users = append(snap.Users, u)
	}
	for id, raw := range assignments.Val() {
		var ids []int
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			b.logger.Warn("skipping undecodable assignment", zap.String("user", id), zap.Error(err))
			continue
		}
		snap.Assignments[id] = ids
	}
	snap.Sort()
	return snap, nil
}

// Watch subscribes to the changes channel. The subscription is confirmed
// before Watch returns so no write after it is missed.
func (b *Backend) Watch(ctx context.Context) (<-chan struct{}, error) {
	pubsub := b.client.Subscribe(ctx, b.key("changes"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to changes: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// announce queues the version bump and change notification on a transaction.
func (b *Backend) announce(ctx context.Context, pipe redis.Pipeliner) {
	pipe.Incr(ctx, b.key("version"))
	pipe.Publish(ctx, b.key("changes"), "1")
}

func (b *Backend) write(ctx context.Context, fn func(pipe redis.Pipeliner)) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(pipe)
		b.announce(ctx, pipe)
		return nil
	})
	return err
}

// conditional runs fn under WATCH on keys, retrying when another client
// changed them first.
func (b *Backend) conditional(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := b.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		b.logger.Debug("optimistic lock lost, retrying", zap.Strings("keys", keys), zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("conditional write on %v: %w", keys, redis.TxFailedErr)
}

func (b *Backend) SetStatus(ctx context.Context, from, to domain.Status) error {
	key := b.key("status")
	return b.conditional(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current == "" {
			current = string(domain.StatusNotStarted)
		}
		if domain.Status(current) != from {
			return domain.ErrInvalidTransition
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, string(to), 0)
			b.announce(ctx, pipe)
			return nil
		})
		return err
	}, key)
}

func (b *Backend) Reset(ctx context.Context) error {
	usersKey := b.key("users")
	return b.conditional(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, usersKey).Result()
		if err != nil {
			return err
		}
		cleared := make(map[string]interface{}, len(raw))
		for id, data := range raw {
			var u domain.User
			if err := json.Unmarshal([]byte(data), &u); err != nil {
				return fmt.Errorf("decode user %s: %w", id, err)
			}
			enc, err := json.Marshal(u.ClearResult())
			if err != nil {
				return err
			}
			cleared[id] = enc
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.key("status"), string(domain.StatusNotStarted), 0)
			if len(cleared) > 0 {
				pipe.HSet(ctx, usersKey, cleared)
			}
			b.announce(ctx, pipe)
			return nil
		})
		return err
	}, usersKey, b.key("status"))
}

func (b *Backend) PutQuestions(ctx context.Context, questions []domain.Question) error {
	values := make(map[string]interface{}, len(questions))
	for _, q := range questions {
		enc, err := json.Marshal(q)
		if err != nil {
			return err
		}
		values[strconv.Itoa(q.ID)] = enc
	}
	return b.write(ctx, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, b.key("questions"), values)
	})
}

func (b *Backend) DeleteQuestion(ctx context.Context, id int) error {
	var deleted *redis.IntCmd
	err := b.write(ctx, func(pipe redis.Pipeliner) {
		deleted = pipe.HDel(ctx, b.key("questions"), strconv.Itoa(id))
	})
	if err != nil {
		return err
	}
	if deleted.Val() == 0 {
		return domain.ErrQuestionNotFound
	}
	return nil
}

func (b *Backend) ClearQuestions(ctx context.Context) error {
	return b.write(ctx, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, b.key("questions"))
	})
}

func (b *Backend) PutUsers(ctx context.Context, users []domain.NewUser) ([]string, error) {
	if len(users) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, 3*len(users))
	for _, nu := range users {
		enc, err := json.Marshal(nu.User)
		if err != nil {
			return nil, err
		}
		ids := nu.QuestionIDs
		if ids == nil {
			ids = []int{}
		}
		encIDs, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		args = append(args, nu.User.ID, string(enc), string(encIDs))
	}
	keys := []string{b.key("users"), b.key("assignments"), b.key("version"), b.key("changes")}
	skipped, err := insertUsers.Run(ctx, b.client, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("insert users: %w", err)
	}
	return skipped, nil
}

func (b *Backend) DeleteUser(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	err := b.write(ctx, func(pipe redis.Pipeliner) {
		deleted = pipe.HDel(ctx, b.key("users"), id)
		pipe.HDel(ctx, b.key("assignments"), id)
	})
	if err != nil {
		return err
	}
	if deleted.Val() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (b *Backend) ClearUsers(ctx context.Context) error {
	return b.write(ctx, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, b.key("users"), b.key("assignments"))
	})
}

// updateUser applies fn to one stored user and swaps the result in if
// nobody changed that user meanwhile. fn returning a nil user means no
// write is needed.
func (b *Backend) updateUser(ctx context.Context, userID string, fn func(u domain.User) (*domain.User, error)) error {
	usersKey := b.key("users")
	keys := []string{usersKey, b.key("version"), b.key("changes")}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		raw, err := b.client.HGet(ctx, usersKey, userID).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		var u domain.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return fmt.Errorf("decode user %s: %w", userID, err)
		}
		next, err := fn(u)
		if err != nil || next == nil {
			return err
		}
		enc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		swapped, err := swapUser.Run(ctx, b.client, keys, userID, raw, string(enc)).Int()
		if err != nil {
			return fmt.Errorf("update user %s: %w", userID, err)
		}
		if swapped == 1 {
			return nil
		}
		b.logger.Debug("user changed concurrently, retrying", zap.String("user", userID), zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("update user %s: %w", userID, redis.TxFailedErr)
}

func (b *Backend) ClaimSession(ctx context.Context, userID string, at time.Time) (domain.SessionClaim, error) {
	var claim domain.SessionClaim
	err := b.updateUser(ctx, userID, func(u domain.User) (*domain.User, error) {
		if u.Completed {
			return nil, domain.ErrAlreadyCompleted
		}
		if u.SessionStarted.IsZero() {
			u.SessionStarted = at
			claim = u.Claim()
			return &u, nil
		}
		claim = u.Claim()
		return nil, nil
	})
	if err != nil {
		return domain.SessionClaim{}, err
	}
	return claim, nil
}

func (b *Backend) SaveProgress(ctx context.Context, userID string, startedAt time.Time, index int, answers domain.Answers) error {
	return b.updateUser(ctx, userID, func(u domain.User) (*domain.User, error) {
		if !u.SaveProgress(startedAt, index, answers) {
			return nil, nil
		}
		return &u, nil
	})
}

func (b *Backend) CompleteUser(ctx context.Context, userID string, score, total int, answers domain.Answers) error {
	return b.updateUser(ctx, userID, func(u domain.User) (*domain.User, error) {
		if u.Completed {
			return nil, domain.ErrAlreadyCompleted
		}
		u.Score = &score
		u.TotalQuestions = &total
		u.Completed = true
		u.Answers = answers.Clone()
		return &u, nil
	})
}
