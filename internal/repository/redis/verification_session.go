package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/repository"
)

const defaultVerificationPrefix = "verif"

// createSessionScript claims the owner slot and writes the session in one step.
// The slot must be empty or still held by the session the caller superseded.
var createSessionScript = red.NewScript(`
local session_key = KEYS[1]
local owner_key = KEYS[2]
local due_key = KEYS[3]
local superseded = ARGV[1]
local session_id = ARGV[2]

local holder = redis.call("GET", owner_key)
if holder and holder ~= superseded then
  return 0
end
if redis.call("EXISTS", session_key) == 1 then
  return -1
end

redis.call("HSET", session_key, "data", ARGV[3], "version", ARGV[4])
redis.call("PEXPIRE", session_key, ARGV[5])
redis.call("SET", owner_key, session_id, "PX", ARGV[7])
redis.call("ZADD", due_key, ARGV[6], session_id)
return 1
`)

// updateSessionScript is the compare-and-set on the version field.
var updateSessionScript = red.NewScript(`
local session_key = KEYS[1]
local owner_key = KEYS[2]
local due_key = KEYS[3]
local session_id = ARGV[6]

local current = redis.call("HGET", session_key, "version")
if not current then
  return -1
end
if current ~= ARGV[1] then
  return 0
end

redis.call("HSET", session_key, "data", ARGV[3], "version", ARGV[2])
redis.call("PEXPIRE", session_key, ARGV[4])
if ARGV[5] == "" then
  redis.call("ZREM", due_key, session_id)
  if redis.call("GET", owner_key) == session_id then
    redis.call("DEL", owner_key)
  end
else
  redis.call("ZADD", due_key, ARGV[5], session_id)
end
return 1
`)

// VerificationSessionConfig tunes key layout and record lifetimes.
type VerificationSessionConfig struct {
	KeyPrefix string
	// Retention keeps terminal records readable for audit before Redis reclaims them.
	Retention time.Duration
	// ProcessingBudget is the evaluator timeout plus grace used to schedule stuck PROCESSING sessions.
	ProcessingBudget time.Duration
}

// VerificationSessionRepository stores verification sessions as Redis hashes guarded by Lua CAS scripts.
type VerificationSessionRepository struct {
	client *red.Client
	cfg    VerificationSessionConfig
	now    func() time.Time
}

// NewVerificationSessionRepository constructs the Redis-backed session store.
func NewVerificationSessionRepository(client *red.Client, cfg VerificationSessionConfig) *VerificationSessionRepository {
	cfg.KeyPrefix = strings.TrimSpace(cfg.KeyPrefix)
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultVerificationPrefix
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &VerificationSessionRepository{
		client: client,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used to compute key lifetimes.
func (r *VerificationSessionRepository) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

// Create writes a new session and claims its owner's active slot.
func (r *VerificationSessionRepository) Create(ctx context.Context, session domain.VerificationSession, supersededID string) error {
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.OwnerUserID) == "" {
		return fmt.Errorf("session id and owner are required")
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	now := r.now()
	ownerTTL := session.ExpiresAt.Sub(now)
	if ownerTTL < time.Millisecond {
		ownerTTL = time.Millisecond
	}

	result, err := createSessionScript.Run(ctx, r.client,
		[]string{r.sessionKey(session.ID), r.ownerKey(session.OwnerUserID), r.dueKey()},
		supersededID,
		session.ID,
		string(payload),
		strconv.FormatInt(session.Version, 10),
		r.recordTTL(session, now).Milliseconds(),
		r.dueScore(session),
		ownerTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis create session: %w", err)
	}

	switch result {
	case 1:
		return nil
	case 0:
		return repository.ErrVersionConflict
	default:
		return fmt.Errorf("session %s already exists: %w", session.ID, repository.ErrVersionConflict)
	}
}

// Get loads a session by id.
func (r *VerificationSessionRepository) Get(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	key := r.sessionKey(sessionID)
	if strings.TrimSpace(sessionID) == "" {
		return nil, repository.ErrNotFound
	}

	values, err := r.client.HMGet(ctx, key, "data", "version").Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget session: %w", err)
	}
	if len(values) != 2 || values[0] == nil {
		return nil, repository.ErrNotFound
	}

	raw, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected session payload type %T", values[0])
	}

	var session domain.VerificationSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if versionRaw, ok := values[1].(string); ok {
		version, parseErr := strconv.ParseInt(versionRaw, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("parse session version: %w", parseErr)
		}
		session.Version = version
	}
	if session.Steps == nil {
		session.Steps = make(map[domain.Step]domain.StepArtifact)
	}

	return &session, nil
}

// Update replaces the stored session when its version still equals expectedVersion.
func (r *VerificationSessionRepository) Update(ctx context.Context, session domain.VerificationSession, expectedVersion int64) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	due := ""
	if !session.State.IsTerminal() {
		due = r.dueScore(session)
	}

	result, err := updateSessionScript.Run(ctx, r.client,
		[]string{r.sessionKey(session.ID), r.ownerKey(session.OwnerUserID), r.dueKey()},
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(session.Version, 10),
		string(payload),
		r.recordTTL(session, r.now()).Milliseconds(),
		due,
		session.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis update session: %w", err)
	}

	switch result {
	case 1:
		return nil
	case 0:
		return repository.ErrVersionConflict
	default:
		return repository.ErrNotFound
	}
}

// ActiveForOwner returns the session currently holding the owner's slot.
// The session may be past its TTL if nothing has observed the expiry yet.
func (r *VerificationSessionRepository) ActiveForOwner(ctx context.Context, ownerUserID string) (*domain.VerificationSession, error) {
	if strings.TrimSpace(ownerUserID) == "" {
		return nil, repository.ErrNotFound
	}

	sessionID, err := r.client.Get(ctx, r.ownerKey(ownerUserID)).Result()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis get owner slot: %w", err)
	}

	return r.Get(ctx, sessionID)
}

// ListDue returns ids of non-terminal sessions whose deadline is at or before the cut-off.
func (r *VerificationSessionRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &red.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore due: %w", err)
	}

	return ids, nil
}

// Delete removes a session and its index entries. When the hash already expired the dangling
// due-set entry is still removed and ErrNotFound is returned.
func (r *VerificationSessionRepository) Delete(ctx context.Context, sessionID string) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) && strings.TrimSpace(sessionID) != "" {
			if zerr := r.client.ZRem(ctx, r.dueKey(), sessionID).Err(); zerr != nil {
				return fmt.Errorf("redis zrem dangling due entry: %w", zerr)
			}
		}
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(sessionID))
	pipe.ZRem(ctx, r.dueKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}

	holder, err := r.client.Get(ctx, r.ownerKey(session.OwnerUserID)).Result()
	if err != nil && !errors.Is(err, red.Nil) {
		return fmt.Errorf("redis get owner slot: %w", err)
	}
	if holder == sessionID {
		if err := r.client.Del(ctx, r.ownerKey(session.OwnerUserID)).Err(); err != nil {
			return fmt.Errorf("redis delete owner slot: %w", err)
		}
	}
	return nil
}

func (r *VerificationSessionRepository) recordTTL(session domain.VerificationSession, now time.Time) time.Duration {
	ttl := r.cfg.Retention
	if !session.State.IsTerminal() {
		ttl += session.ExpiresAt.Sub(now)
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *VerificationSessionRepository) dueScore(session domain.VerificationSession) string {
	return strconv.FormatInt(session.DeadlineAt(r.cfg.ProcessingBudget).UnixMilli(), 10)
}

func (r *VerificationSessionRepository) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.cfg.KeyPrefix, strings.TrimSpace(sessionID))
}

func (r *VerificationSessionRepository) ownerKey(ownerUserID string) string {
	return fmt.Sprintf("%s:owner:%s", r.cfg.KeyPrefix, strings.TrimSpace(ownerUserID))
}

func (r *VerificationSessionRepository) dueKey() string {
	return r.cfg.KeyPrefix + ":due"
}

var _ port.VerificationSessionStore = (*VerificationSessionRepository)(nil)
