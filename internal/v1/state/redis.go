package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Key layout shared by every Redis-backed deployment. Changing these breaks
// mixed-version clusters, so they stay fixed:
//
//	ns:<name>                     -> meta (JSON)
//	ns:<name>:rooms               -> set<room>
//	ns:<name>:room:<room>         -> meta (JSON)
//	ns:<name>:room:<room>:members -> set<connection_id>
//	conn:<id>                     -> ClientInfo (JSON)
//	user:<id>:conns               -> set<connection_id>
//	instance:<id>:conns           -> set<connection_id>
func nsKey(name string) string              { return "ns:" + name }
func nsRoomsKey(name string) string         { return "ns:" + name + ":rooms" }
func roomKey(ns, room string) string        { return "ns:" + ns + ":room:" + room }
func roomMembersKey(ns, room string) string { return "ns:" + ns + ":room:" + room + ":members" }
func connKey(id string) string              { return "conn:" + id }
func userConnsKey(userID string) string     { return "user:" + userID + ":conns" }
func instanceConnsKey(id string) string     { return "instance:" + id + ":conns" }

const scanBatch = 256

// RedisStore keeps the registry in Redis so every instance shares one view.
// The client is injected; connection setup and lifecycle belong to the
// caller, which typically shares one client across subsystems.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AddNamespace(ctx context.Context, name string, meta Meta) error {
	if meta == nil {
		meta = Meta{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal namespace meta: %w", err)
	}
	// SETNX keeps the first writer's meta, so repeat adds are no-ops.
	if err := s.client.SetNX(ctx, nsKey(name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to add namespace %q: %w", name, err)
	}
	return nil
}

func (s *RedisStore) GetNamespace(ctx context.Context, name string) (Meta, bool, error) {
	data, err := s.client.Get(ctx, nsKey(name)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get namespace %q: %w", name, err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal namespace meta: %w", err)
	}
	return meta, true, nil
}

func (s *RedisStore) ListNamespaces(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, "ns:*")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		// Skip ns:<name>:rooms and ns:<name>:room:<room>:members rows.
		name := strings.TrimPrefix(key, "ns:")
		if !strings.Contains(name, ":") {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *RedisStore) RemoveNamespace(ctx context.Context, name string) error {
	count, err := s.client.SCard(ctx, nsRoomsKey(name)).Result()
	if err != nil {
		return fmt.Errorf("failed to count rooms in namespace %q: %w", name, err)
	}
	if count > 0 {
		return fmt.Errorf("namespace %q has %d rooms: %w", name, count, ErrNamespaceNotEmpty)
	}
	if err := s.client.Del(ctx, nsKey(name), nsRoomsKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to remove namespace %q: %w", name, err)
	}
	return nil
}

func (s *RedisStore) AddRoom(ctx context.Context, ns, room string, meta Meta) error {
	if meta == nil {
		meta = Meta{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal room meta: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, nsRoomsKey(ns), room)
		// SETNX keeps the first writer's meta, so repeat adds are no-ops.
		pipe.SetNX(ctx, roomKey(ns, room), data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add room %s/%s: %w", ns, room, err)
	}
	return nil
}

func (s *RedisStore) RemoveRoom(ctx context.Context, ns, room string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, nsRoomsKey(ns), room)
		pipe.Del(ctx, roomKey(ns, room), roomMembersKey(ns, room))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove room %s/%s: %w", ns, room, err)
	}
	return nil
}

func (s *RedisStore) GetRooms(ctx context.Context, ns string) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, nsRoomsKey(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get rooms in namespace %q: %w", ns, err)
	}
	return rooms, nil
}

func (s *RedisStore) RoomExists(ctx context.Context, ns, room string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, nsRoomsKey(ns), room).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room %s/%s: %w", ns, room, err)
	}
	return ok, nil
}

func (s *RedisStore) AddClient(ctx context.Context, info ClientInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal client info: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, connKey(info.ConnectionID), data, 0)
		pipe.SAdd(ctx, userConnsKey(info.UserID), info.ConnectionID)
		pipe.SAdd(ctx, instanceConnsKey(info.InstanceID), info.ConnectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add client %s: %w", info.ConnectionID, err)
	}
	return nil
}

func (s *RedisStore) RemoveClient(ctx context.Context, connectionID string) error {
	info, err := s.GetClient(ctx, connectionID)
	if err == ErrClientNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(connectionID))
		pipe.SRem(ctx, userConnsKey(info.UserID), connectionID)
		pipe.SRem(ctx, instanceConnsKey(info.InstanceID), connectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove client %s: %w", connectionID, err)
	}
	return nil
}

func (s *RedisStore) GetClient(ctx context.Context, connectionID string) (ClientInfo, error) {
	data, err := s.client.Get(ctx, connKey(connectionID)).Bytes()
	if err == redis.Nil {
		return ClientInfo{}, ErrClientNotFound
	}
	if err != nil {
		return ClientInfo{}, fmt.Errorf("failed to get client %s: %w", connectionID, err)
	}
	var info ClientInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ClientInfo{}, fmt.Errorf("failed to unmarshal client info: %w", err)
	}
	return info, nil
}

func (s *RedisStore) GetClientsByUser(ctx context.Context, userID string) ([]string, error) {
	conns, err := s.client.SMembers(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get connections for user %s: %w", userID, err)
	}
	return conns, nil
}

func (s *RedisStore) GetAllClients(ctx context.Context) ([]ClientInfo, error) {
	keys, err := s.scanKeys(ctx, "conn:*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch client rows: %w", err)
	}
	clients := make([]ClientInfo, 0, len(rows))
	for _, row := range rows {
		raw, ok := row.(string)
		if !ok {
			continue // row deleted between SCAN and MGET
		}
		var info ClientInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			continue
		}
		clients = append(clients, info)
	}
	return clients, nil
}

func (s *RedisStore) AddUserToRoom(ctx context.Context, ns, room, connectionID string) error {
	if err := s.client.SAdd(ctx, roomMembersKey(ns, room), connectionID).Err(); err != nil {
		return fmt.Errorf("failed to add %s to room %s/%s: %w", connectionID, ns, room, err)
	}
	return nil
}

func (s *RedisStore) RemoveUserFromRoom(ctx context.Context, ns, room, connectionID string) error {
	if err := s.client.SRem(ctx, roomMembersKey(ns, room), connectionID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from room %s/%s: %w", connectionID, ns, room, err)
	}
	return nil
}

func (s *RedisStore) GetClientsInRoom(ctx context.Context, ns, room string) ([]string, error) {
	members, err := s.client.SMembers(ctx, roomMembersKey(ns, room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members of room %s/%s: %w", ns, room, err)
	}
	return members, nil
}

func (s *RedisStore) GetUserRooms(ctx context.Context, ns, connectionID string) ([]string, error) {
	rooms, err := s.GetRooms(ctx, ns)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(rooms))
	for i, room := range rooms {
		cmds[i] = pipe.SIsMember(ctx, roomMembersKey(ns, room), connectionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check memberships for %s: %w", connectionID, err)
	}

	var joined []string
	for i, cmd := range cmds {
		if cmd.Val() {
			joined = append(joined, rooms[i])
		}
	}
	return joined, nil
}

func (s *RedisStore) IsMember(ctx context.Context, ns, room, connectionID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, roomMembersKey(ns, room), connectionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %s in %s/%s: %w", connectionID, ns, room, err)
	}
	return ok, nil
}

func (s *RedisStore) CountClientsInRoom(ctx context.Context, ns, room string) (int64, error) {
	count, err := s.client.SCard(ctx, roomMembersKey(ns, room)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count members of room %s/%s: %w", ns, room, err)
	}
	return count, nil
}

func (s *RedisStore) ClearInstanceData(ctx context.Context, instanceID string) error {
	conns, err := s.client.SMembers(ctx, instanceConnsKey(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list connections of instance %s: %w", instanceID, err)
	}
	if len(conns) == 0 {
		return s.client.Del(ctx, instanceConnsKey(instanceID)).Err()
	}

	memberKeys, err := s.scanKeys(ctx, "ns:*:room:*:members")
	if err != nil {
		return err
	}

	// Rows may already be gone after a partial earlier purge; every command
	// below is a no-op on missing data, which keeps the purge idempotent.
	connKeys := make([]string, len(conns))
	ids := make([]interface{}, len(conns))
	for i, id := range conns {
		connKeys[i] = connKey(id)
		ids[i] = id
	}

	rows, err := s.client.MGet(ctx, connKeys...).Result()
	if err != nil {
		return fmt.Errorf("failed to fetch instance client rows: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range memberKeys {
			pipe.SRem(ctx, key, ids...)
		}
		for _, row := range rows {
			raw, ok := row.(string)
			if !ok {
				continue
			}
			var info ClientInfo
			if err := json.Unmarshal([]byte(raw), &info); err != nil {
				continue
			}
			pipe.SRem(ctx, userConnsKey(info.UserID), info.ConnectionID)
		}
		pipe.Del(ctx, connKeys...)
		pipe.Del(ctx, instanceConnsKey(instanceID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear instance %s: %w", instanceID, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the injected client is shared and closed by its owner.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", pattern, err)
	}
	return keys, nil
}
