// Package presence keeps the cluster-wide mapping from user to live
// connection handles. Entries live in Redis and every mutation is an
// idempotent hash operation, so processes never coordinate with each other.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	redisutil "github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Handle identifies one live connection.
type Handle struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId,omitempty"`
	ProcessID    string `json:"processId"`
}

// StatusChange is published on the user_status channel.
type StatusChange struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

type Registry struct {
	client       redis.UniversalClient
	log          *zap.Logger
	keys         *redisutil.KeyBuilder
	statusKeys   *redisutil.KeyBuilder
	heartbeatTTL time.Duration
}

func NewRegistry(client redis.UniversalClient, log *zap.Logger, heartbeatTTL time.Duration) *Registry {
	if heartbeatTTL <= 0 {
		heartbeatTTL = redisutil.TTLProcessHeartbeat
	}
	return &Registry{
		client:       client,
		log:          log.With(zap.String("module", "presence")),
		keys:         redisutil.NewKeyBuilder(redisutil.NamespaceSession, redisutil.ContextPresence),
		statusKeys:   redisutil.NewKeyBuilder(redisutil.NamespaceSession, redisutil.ContextUser),
		heartbeatTTL: heartbeatTTL,
	}
}

func (r *Registry) handlesKey(userID string) string {
	return r.keys.BuildTagged("user", userID, "handles")
}

func (r *Registry) heartbeatKey(processID string) string {
	return r.keys.BuildTagged("process", processID, "alive")
}

// ownedKey indexes the handles registered by one process, so the process can
// reconcile them against the connections it really holds.
func (r *Registry) ownedKey(processID string) string {
	return r.keys.BuildTagged("process", processID, "handles")
}

func ownedMember(h Handle) string {
	return h.ConnectionID + ":" + h.UserID
}

func parseOwnedMember(member string) (connectionID, userID string, ok bool) {
	connectionID, userID, ok = strings.Cut(member, ":")
	return connectionID, userID, ok && connectionID != "" && userID != ""
}

func (r *Registry) statusKey(userID string) string {
	return r.statusKeys.BuildTagged("status", userID, "")
}

// Register adds h and returns the user's live connection count afterwards.
// Re-registering an existing handle leaves the count unchanged.
func (r *Registry) Register(ctx context.Context, h Handle) (int64, error) {
	if h.UserID == "" || h.ConnectionID == "" {
		return 0, fmt.Errorf("presence: handle requires user and connection ids")
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return 0, err
	}

	var count *redis.IntCmd
	key := r.handlesKey(h.UserID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, h.ConnectionID, raw)
		count = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("presence: register %s: %w", h.UserID, err)
	}

	if h.ProcessID != "" {
		if err := r.client.SAdd(ctx, r.ownedKey(h.ProcessID), ownedMember(h)).Err(); err != nil {
			r.log.Warn("Failed to index handle", zap.String("process_id", h.ProcessID), zap.Error(err))
		}
		if err := r.Heartbeat(ctx, h.ProcessID); err != nil {
			r.log.Warn("Failed to refresh process heartbeat", zap.String("process_id", h.ProcessID), zap.Error(err))
		}
	}
	return count.Val(), nil
}

// Unregister removes one handle and returns the remaining count. Removing a
// handle that is not present is a no-op.
func (r *Registry) Unregister(ctx context.Context, userID, connectionID string) (int64, error) {
	key := r.handlesKey(userID)
	var owner Handle
	if raw, err := r.client.HGet(ctx, key, connectionID).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &owner)
	}

	var count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, connectionID)
		count = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("presence: unregister %s: %w", userID, err)
	}

	if owner.ProcessID != "" {
		member := ownedMember(Handle{ConnectionID: connectionID, UserID: userID})
		if err := r.client.SRem(ctx, r.ownedKey(owner.ProcessID), member).Err(); err != nil {
			r.log.Warn("Failed to unindex handle", zap.String("process_id", owner.ProcessID), zap.Error(err))
		}
	}
	return count.Val(), nil
}

// Lookup returns the user's live handles. Handles owned by a process whose
// heartbeat has lapsed are pruned on the way out.
func (r *Registry) Lookup(ctx context.Context, userID string) ([]Handle, error) {
	key := r.handlesKey(userID)
	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: lookup %s: %w", userID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	handles := make([]Handle, 0, len(entries))
	processes := make(map[string]bool)
	for connID, raw := range entries {
		var h Handle
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			r.log.Warn("Dropping unreadable presence handle", zap.String("user_id", userID), zap.String("connection_id", connID), zap.Error(err))
			r.client.HDel(ctx, key, connID)
			continue
		}
		handles = append(handles, h)
		if h.ProcessID != "" {
			processes[h.ProcessID] = true
		}
	}

	alive, err := r.aliveProcesses(ctx, processes)
	if err != nil {
		// Without liveness data every handle is treated as live.
		r.log.Warn("Process liveness check failed", zap.Error(err))
		return handles, nil
	}

	live := handles[:0]
	var stale []string
	for _, h := range handles {
		if h.ProcessID == "" || alive[h.ProcessID] {
			live = append(live, h)
			continue
		}
		stale = append(stale, h.ConnectionID)
	}
	if len(stale) > 0 {
		if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
			r.log.Warn("Failed to prune stale handles", zap.String("user_id", userID), zap.Error(err))
		} else {
			r.log.Debug("Pruned stale handles", zap.String("user_id", userID), zap.Int("count", len(stale)))
		}
	}
	return live, nil
}

func (r *Registry) aliveProcesses(ctx context.Context, processes map[string]bool) (map[string]bool, error) {
	if len(processes) == 0 {
		return processes, nil
	}
	cmds := make(map[string]*redis.IntCmd, len(processes))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range processes {
			cmds[id] = pipe.Exists(ctx, r.heartbeatKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(cmds))
	for id, cmd := range cmds {
		alive[id] = cmd.Val() > 0
	}
	return alive, nil
}

// Status reports online iff the user has at least one live handle.
func (r *Registry) Status(ctx context.Context, userID string) (string, error) {
	handles, err := r.Lookup(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(handles) > 0 {
		return StatusOnline, nil
	}
	return StatusOffline, nil
}

// PublishStatus records the externally visible status and announces it on
// the user_status channel.
func (r *Registry) PublishStatus(ctx context.Context, userID, status string) error {
	change := StatusChange{UserID: userID, Status: status, ChangedAt: time.Now().UTC()}
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.statusKey(userID), status, redisutil.TTLUserStatus).Err(); err != nil {
		return fmt.Errorf("presence: set status %s: %w", userID, err)
	}
	if err := r.client.Publish(ctx, redisutil.ChannelUserStatus, raw).Err(); err != nil {
		return fmt.Errorf("presence: publish status %s: %w", userID, err)
	}
	return nil
}

// LastStatus returns the last published status, or offline if none is held.
func (r *Registry) LastStatus(ctx context.Context, userID string) (string, error) {
	status, err := r.client.Get(ctx, r.statusKey(userID)).Result()
	if err == redis.Nil {
		return StatusOffline, nil
	}
	return status, err
}

// Heartbeat marks processID as alive for the configured TTL. The handle index
// of the process outlives the heartbeat by one TTL.
func (r *Registry) Heartbeat(ctx context.Context, processID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.heartbeatKey(processID), time.Now().UTC().Unix(), r.heartbeatTTL)
		pipe.Expire(ctx, r.ownedKey(processID), 2*r.heartbeatTTL)
		return nil
	})
	return err
}

// Resync reconciles the handles registered by processID with the connections
// source reports. Live handles lost to a Redis failover are written back.
// Indexed handles without a live connection, including connections that
// closed while the write was in flight, are removed. The users left with no
// handle at all are returned.
//
// The index is read before the first snapshot, so a handle registered after
// that snapshot is never mistaken for a leftover.
func (r *Registry) Resync(ctx context.Context, processID string, source HandleSource) ([]string, error) {
	ownedKey := r.ownedKey(processID)
	owned, err := r.client.SMembers(ctx, ownedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: read index %s: %w", processID, err)
	}

	before := source()
	live := make(map[string]bool, len(before))
	if len(before) > 0 {
		_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, h := range before {
				raw, err := json.Marshal(h)
				if err != nil {
					return err
				}
				live[ownedMember(h)] = true
				pipe.HSet(ctx, r.handlesKey(h.UserID), h.ConnectionID, raw)
				pipe.SAdd(ctx, ownedKey, ownedMember(h))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("presence: resync %s: %w", processID, err)
		}
	}

	still := make(map[string]bool, len(before))
	for _, h := range source() {
		still[ownedMember(h)] = true
	}

	var stale []string
	for _, member := range owned {
		if !live[member] {
			stale = append(stale, member)
		}
	}
	for member := range live {
		if !still[member] {
			stale = append(stale, member)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	return r.dropOwned(ctx, processID, stale)
}

func (r *Registry) dropOwned(ctx context.Context, processID string, members []string) ([]string, error) {
	ownedKey := r.ownedKey(processID)
	removed := make(map[string]*redis.IntCmd, len(members))
	counts := make(map[string]*redis.IntCmd)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			pipe.SRem(ctx, ownedKey, member)
			connID, userID, ok := parseOwnedMember(member)
			if !ok {
				continue
			}
			removed[member] = pipe.HDel(ctx, r.handlesKey(userID), connID)
			counts[userID] = nil
		}
		for userID := range counts {
			counts[userID] = pipe.HLen(ctx, r.handlesKey(userID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence: drop stale handles %s: %w", processID, err)
	}

	// Only users whose handle this call actually deleted count as vacated;
	// a regular unregister already announced the others.
	vacated := make(map[string]bool)
	for member, cmd := range removed {
		_, userID, _ := parseOwnedMember(member)
		if cmd.Val() > 0 && counts[userID].Val() == 0 {
			vacated[userID] = true
		}
	}
	r.log.Info("Dropped stale handles", zap.String("process_id", processID), zap.Int("count", len(members)), zap.Int("vacated", len(vacated)))

	out := make([]string, 0, len(vacated))
	for userID := range vacated {
		out = append(out, userID)
	}
	return out, nil
}
