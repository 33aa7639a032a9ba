// Package callstate is the shared, TTL-bound live state for calls: call hashes,
// owner indexes, rate-limit counters, alert locks, the alert broadcast channel
// and web-session records. Every mutation refreshes the entry's TTL so abandoned
// calls expire on their own.
package callstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callbridge/agent/internal/types"
)

var (
	ErrCallNotFound = errors.New("call not found")
)

const (
	DefaultCallTTL    = 2 * time.Hour
	DefaultRawTTL     = 2 * time.Hour
	DefaultSessionTTL = 24 * time.Hour
	DefaultLockTTL    = 5 * time.Minute

	maxRawEvents = 1000
)

// Hash fields of a call entry.
const (
	fieldID         = "call_id"
	fieldCallSID    = "call_sid"
	fieldOwner      = "owner"
	fieldOrigin     = "origin"
	fieldRecordID   = "record_id"
	fieldStartedAt  = "started_at"
	fieldLastActive = "last_activity"
	fieldState      = "state"
	fieldPartial    = "partial_transcript"
	fieldFinal      = "final_transcript"
	fieldAlert      = "alert_triggered"
)

type Options struct {
	Prefix     string
	CallTTL    time.Duration
	RawTTL     time.Duration
	SessionTTL time.Duration
	LockTTL    time.Duration
	Limits     map[LimitClass]Limit
	Logger     *zap.Logger
}

type Store struct {
	rdb        redis.UniversalClient
	prefix     string
	callTTL    time.Duration
	rawTTL     time.Duration
	sessionTTL time.Duration
	lockTTL    time.Duration
	limits     map[LimitClass]Limit
	log        *zap.Logger
	now        func() time.Time
}

func New(rdb redis.UniversalClient, opts Options) *Store {
	s := &Store{
		rdb:        rdb,
		prefix:     orDefault(opts.Prefix, "ec"),
		callTTL:    nzd(opts.CallTTL, DefaultCallTTL),
		rawTTL:     nzd(opts.RawTTL, DefaultRawTTL),
		sessionTTL: nzd(opts.SessionTTL, DefaultSessionTTL),
		lockTTL:    nzd(opts.LockTTL, DefaultLockTTL),
		limits:     DefaultLimits(),
		log:        zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if opts.Logger != nil {
		s.log = opts.Logger.Named("callstate")
	}
	for class, l := range opts.Limits {
		s.limits[class] = l
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) callKey(id string) string     { return s.prefix + ":call:" + id }
func (s *Store) rawKey(id string) string      { return s.prefix + ":call:" + id + ":chunks" }
func (s *Store) indexKey(owner string) string { return s.prefix + ":call_index:" + owner }
func (s *Store) lockKey(id string) string     { return s.prefix + ":lock:alert:" + id }
func (s *Store) sessionKey(id string) string  { return s.prefix + ":session:" + id }
func (s *Store) alertChannel() string         { return s.prefix + ":pubsub:alerts" }
func (s *Store) limitKey(c LimitClass, id string) string {
	return s.prefix + ":ratelimit:" + string(c) + ":" + id
}

// mutateScript writes fields onto an existing call hash and slides its TTL.
// Returns 0 without writing when the call is gone so ended calls are not resurrected.
var mutateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

func (s *Store) mutate(ctx context.Context, id string, kv ...string) error {
	args := make([]any, 0, len(kv)+3)
	args = append(args, s.callTTL.Milliseconds(), fieldLastActive, formatTime(s.now()))
	for _, v := range kv {
		args = append(args, v)
	}
	n, err := mutateScript.Run(ctx, s.rdb, []string{s.callKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("mutate call %s: %w", id, err)
	}
	if n == 0 {
		return ErrCallNotFound
	}
	return nil
}

// CreateCall initialises the call entry. Calling it again for a live call only
// refreshes the TTL and returns the existing snapshot.
func (s *Store) CreateCall(ctx context.Context, c types.Call) (types.Call, error) {
	if c.ID == "" {
		return types.Call{}, errors.New("call id required")
	}
	key := s.callKey(c.ID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return types.Call{}, fmt.Errorf("create call %s: %w", c.ID, err)
	}
	if n > 0 {
		if err := s.rdb.Expire(ctx, key, s.callTTL).Err(); err != nil {
			return types.Call{}, fmt.Errorf("create call %s: %w", c.ID, err)
		}
		return s.GetState(ctx, c.ID)
	}

	now := s.now()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	c.LastActivity = now
	if c.State == "" {
		c.State = types.StateIdle
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			fieldID, c.ID,
			fieldCallSID, c.CallSID,
			fieldOwner, c.Owner,
			fieldOrigin, c.Origin,
			fieldRecordID, strconv.FormatInt(c.RecordID, 10),
			fieldStartedAt, formatTime(c.StartedAt),
			fieldLastActive, formatTime(c.LastActivity),
			fieldState, string(c.State),
			fieldPartial, c.PartialTranscript,
			fieldFinal, c.FinalTranscript,
			fieldAlert, formatBool(c.AlertTriggered),
		)
		p.Expire(ctx, key, s.callTTL)
		if c.Owner != "" {
			p.SAdd(ctx, s.indexKey(c.Owner), c.ID)
		}
		return nil
	})
	if err != nil {
		return types.Call{}, fmt.Errorf("create call %s: %w", c.ID, err)
	}
	return c, nil
}

// SetRecordID links the live entry to its durable row.
func (s *Store) SetRecordID(ctx context.Context, id string, recordID int64) error {
	return s.mutate(ctx, id, fieldRecordID, strconv.FormatInt(recordID, 10))
}

func (s *Store) UpdatePartialTranscript(ctx context.Context, id, text string) error {
	return s.mutate(ctx, id, fieldPartial, text)
}

// AppendFinalTranscript appends one utterance, space-joined, and returns the full
// transcript. Read-append-write is last-writer-wins; a single owning session
// serialises all appends for a call.
func (s *Store) AppendFinalTranscript(ctx context.Context, id, utterance string) (string, error) {
	utterance = strings.TrimSpace(utterance)
	cur, err := s.rdb.HGet(ctx, s.callKey(id), fieldFinal).Result()
	if errors.Is(err, redis.Nil) {
		exists, xerr := s.rdb.Exists(ctx, s.callKey(id)).Result()
		if xerr != nil {
			return "", fmt.Errorf("append transcript %s: %w", id, xerr)
		}
		if exists == 0 {
			return "", ErrCallNotFound
		}
	} else if err != nil {
		return "", fmt.Errorf("append transcript %s: %w", id, err)
	}
	next := joinTranscript(cur, utterance)
	if err := s.mutate(ctx, id, fieldFinal, next, fieldPartial, ""); err != nil {
		return "", err
	}
	return next, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, st types.DialogueState) error {
	return s.mutate(ctx, id, fieldState, string(st))
}

func (s *Store) MarkAlert(ctx context.Context, id string) error {
	return s.mutate(ctx, id, fieldAlert, formatBool(true))
}

func (s *Store) GetState(ctx context.Context, id string) (types.Call, error) {
	m, err := s.rdb.HGetAll(ctx, s.callKey(id)).Result()
	if err != nil {
		return types.Call{}, fmt.Errorf("get call %s: %w", id, err)
	}
	if len(m) == 0 {
		return types.Call{}, ErrCallNotFound
	}
	return decodeCall(id, m), nil
}

// ListActiveForOwner returns the owner's live calls and prunes index members
// whose call entry has already expired.
func (s *Store) ListActiveForOwner(ctx context.Context, owner string) ([]types.Call, error) {
	idx := s.indexKey(owner)
	ids, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", owner, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.callKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", owner, err)
	}
	var (
		out   []types.Call
		stale []any
	)
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, decodeCall(ids[i], m))
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, idx, stale...).Err(); err != nil {
			return out, fmt.Errorf("prune index for %s: %w", owner, err)
		}
	}
	return out, nil
}

// EndCall deletes the live entry and its debug list and returns the last snapshot.
func (s *Store) EndCall(ctx context.Context, id string) (types.Call, error) {
	c, err := s.GetState(ctx, id)
	if err != nil {
		return types.Call{}, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.callKey(id), s.rawKey(id))
		if c.Owner != "" {
			p.SRem(ctx, s.indexKey(c.Owner), id)
		}
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("end call %s: %w", id, err)
	}
	ended := s.now()
	c.EndedAt = &ended
	return c, nil
}

// AppendRawEvent records a provider payload on the call's debug list.
func (s *Store) AppendRawEvent(ctx context.Context, id string, raw []byte) error {
	key := s.rawKey(id)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, maxRawEvents-1)
		p.Expire(ctx, key, s.rawTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append raw event %s: %w", id, err)
	}
	return nil
}

// RawEvents returns up to limit debug entries, newest first.
func (s *Store) RawEvents(ctx context.Context, id string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.rdb.LRange(ctx, s.rawKey(id), 0, limit-1).Result()
}

// CleanupStaleCalls walks every owner index and drops members whose call entry expired.
func (s *Store) CleanupStaleCalls(ctx context.Context) (int, error) {
	removed := 0
	iter := s.rdb.Scan(ctx, 0, s.prefix+":call_index:*", 100).Iterator()
	for iter.Next(ctx) {
		idx := iter.Val()
		ids, err := s.rdb.SMembers(ctx, idx).Result()
		if err != nil {
			return removed, fmt.Errorf("cleanup %s: %w", idx, err)
		}
		for _, id := range ids {
			n, err := s.rdb.Exists(ctx, s.callKey(id)).Result()
			if err != nil {
				return removed, fmt.Errorf("cleanup %s: %w", idx, err)
			}
			if n == 0 {
				if err := s.rdb.SRem(ctx, idx, id).Err(); err != nil {
					return removed, fmt.Errorf("cleanup %s: %w", idx, err)
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cleanup scan: %w", err)
	}
	return removed, nil
}

func decodeCall(id string, m map[string]string) types.Call {
	c := types.Call{
		ID:                orDefault(m[fieldID], id),
		CallSID:           m[fieldCallSID],
		Owner:             m[fieldOwner],
		Origin:            m[fieldOrigin],
		State:             types.DialogueState(orDefault(m[fieldState], string(types.StateIdle))),
		PartialTranscript: m[fieldPartial],
		FinalTranscript:   m[fieldFinal],
		AlertTriggered:    m[fieldAlert] == "1",
		StartedAt:         parseTime(m[fieldStartedAt]),
		LastActivity:      parseTime(m[fieldLastActive]),
	}
	c.RecordID, _ = strconv.ParseInt(m[fieldRecordID], 10, 64)
	return c
}

func joinTranscript(cur, utterance string) string {
	switch {
	case utterance == "":
		return cur
	case cur == "":
		return utterance
	default:
		return cur + " " + utterance
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nzd(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
