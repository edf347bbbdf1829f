package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the persisted session store contract. Get returns the session
// for a vehicle or false; Put with a nil session removes the entry.
// Implementations must degrade to "no resume" rather than fail: a missing
// or corrupt backing map reads as empty.
type Store interface {
	Get(ctx context.Context, userID, vehicleID string) (*Session, bool)
	Put(ctx context.Context, userID, vehicleID string, s *Session) error
	PutCAS(ctx context.Context, userID, vehicleID string, s *Session, ownerToken string) (bool, error)
}

// RedisStore keeps the whole vehicle->session map under one namespaced key
// per user. Reads and writes always cover the entire map; concurrent
// writers for different vehicles under the same user are last-writer-wins
// unless they go through PutCAS.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	casScript *redis.Script
}

// Lua script for compare-and-swap session writes. Refuses to replace or
// delete a session owned by a different token.
const luaSessionCAS = `
-- KEYS[1] = sessions map key
-- ARGV[1] = vehicle_id
-- ARGV[2] = owner_token
-- ARGV[3] = session JSON, or "" to delete
-- ARGV[4] = ttl_seconds

local key = KEYS[1]
local vehicle_id = ARGV[1]
local token = ARGV[2]
local payload = ARGV[3]
local ttl = tonumber(ARGV[4])

local sessions = {}
local raw = redis.call("GET", key)
if raw then
    local ok, decoded = pcall(cjson.decode, raw)
    if ok and type(decoded) == "table" then
        sessions = decoded
    end
end

local existing = sessions[vehicle_id]
if existing and existing["ownerToken"] and existing["ownerToken"] ~= token then
    return 0
end

if payload == "" then
    sessions[vehicle_id] = nil
else
    sessions[vehicle_id] = cjson.decode(payload)
end

if next(sessions) == nil then
    redis.call("DEL", key)
else
    redis.call("SET", key, cjson.encode(sessions), "EX", ttl)
end

return 1
`

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		casScript: redis.NewScript(luaSessionCAS),
	}
}

func (s *RedisStore) key(userID string) string {
	return "rently:checkout:sessions:" + userID
}

// Get returns the persisted session for a vehicle, or false.
// Storage errors and corrupt data read as "no session".
func (s *RedisStore) Get(ctx context.Context, userID, vehicleID string) (*Session, bool) {
	sessions := s.readAll(ctx, userID)
	sess, ok := sessions[vehicleID]
	if !ok {
		return nil, false
	}
	return &sess, true
}

// Put stores or removes (nil session) the entry for a vehicle.
// The whole map is rewritten; last writer wins.
func (s *RedisStore) Put(ctx context.Context, userID, vehicleID string, sess *Session) error {
	sessions := s.readAll(ctx, userID)

	if sess == nil {
		delete(sessions, vehicleID)
	} else {
		sessions[vehicleID] = *sess
	}

	key := s.key(userID)
	if len(sessions) == 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("session map delete error: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("session map marshal error: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session map set error: %w", err)
	}
	return nil
}

// PutCAS stores or removes the entry only if the existing session (if any)
// is owned by ownerToken. Returns false when another owner holds the slot.
func (s *RedisStore) PutCAS(ctx context.Context, userID, vehicleID string, sess *Session, ownerToken string) (bool, error) {
	payload := ""
	if sess != nil {
		data, err := json.Marshal(sess)
		if err != nil {
			return false, fmt.Errorf("session marshal error: %w", err)
		}
		payload = string(data)
	}

	result, err := s.casScript.Run(ctx, s.client,
		[]string{s.key(userID)},
		vehicleID,
		ownerToken,
		payload,
		int(s.ttl.Seconds()),
	).Result()
	if err != nil {
		return false, fmt.Errorf("session cas error: %w", err)
	}

	applied, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected session cas response: %v", result)
	}
	return applied == 1, nil
}

// readAll loads the full session map, treating every failure as empty
func (s *RedisStore) readAll(ctx context.Context, userID string) map[string]Session {
	sessions := make(map[string]Session)

	raw, err := s.client.Get(ctx, s.key(userID)).Result()
	if err != nil {
		return sessions
	}
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		return make(map[string]Session)
	}
	return sessions
}
