package state

import (
	"context"
	"sync"

	"k8s.io/utils/set"
)

// MemoryStore is the single-instance Store. Everything lives behind one
// RWMutex; per-key atomicity falls out of that.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]Meta
	rooms      map[string]set.Set[string]    // ns -> room names
	roomMeta   map[memberKey]Meta            // (ns, room) -> meta, first add wins
	members    map[memberKey]set.Set[string] // (ns, room) -> connection ids
	clients    map[string]ClientInfo         // connection id -> row
	userConns  map[string]set.Set[string]    // user id -> connection ids
	instConns  map[string]set.Set[string]    // instance id -> connection ids
}

type memberKey struct {
	ns   string
	room string
}

// NewMemoryStore returns an empty in-process membership registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]Meta),
		rooms:      make(map[string]set.Set[string]),
		roomMeta:   make(map[memberKey]Meta),
		members:    make(map[memberKey]set.Set[string]),
		clients:    make(map[string]ClientInfo),
		userConns:  make(map[string]set.Set[string]),
		instConns:  make(map[string]set.Set[string]),
	}
}

func (s *MemoryStore) AddNamespace(_ context.Context, name string, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[name]; ok {
		return nil
	}
	if meta == nil {
		meta = Meta{}
	}
	s.namespaces[name] = meta
	return nil
}

func (s *MemoryStore) GetNamespace(_ context.Context, name string) (Meta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.namespaces[name]
	return meta, ok, nil
}

func (s *MemoryStore) ListNamespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStore) RemoveNamespace(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rooms, ok := s.rooms[name]; ok && rooms.Len() > 0 {
		return ErrNamespaceNotEmpty
	}
	delete(s.namespaces, name)
	delete(s.rooms, name)
	return nil
}

func (s *MemoryStore) AddRoom(_ context.Context, ns, room string, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms, ok := s.rooms[ns]
	if !ok {
		rooms = set.New[string]()
		s.rooms[ns] = rooms
	}
	rooms.Insert(room)
	key := memberKey{ns, room}
	if _, ok := s.roomMeta[key]; !ok {
		if meta == nil {
			meta = Meta{}
		}
		s.roomMeta[key] = meta
	}
	return nil
}

func (s *MemoryStore) RemoveRoom(_ context.Context, ns, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rooms, ok := s.rooms[ns]; ok {
		rooms.Delete(room)
	}
	delete(s.roomMeta, memberKey{ns, room})
	delete(s.members, memberKey{ns, room})
	return nil
}

func (s *MemoryStore) GetRooms(_ context.Context, ns string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms, ok := s.rooms[ns]
	if !ok {
		return nil, nil
	}
	return rooms.UnsortedList(), nil
}

func (s *MemoryStore) RoomExists(_ context.Context, ns, room string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms, ok := s.rooms[ns]
	return ok && rooms.Has(room), nil
}

func (s *MemoryStore) AddClient(_ context.Context, info ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[info.ConnectionID] = info

	if conns, ok := s.userConns[info.UserID]; ok {
		conns.Insert(info.ConnectionID)
	} else {
		s.userConns[info.UserID] = set.New(info.ConnectionID)
	}
	if conns, ok := s.instConns[info.InstanceID]; ok {
		conns.Insert(info.ConnectionID)
	} else {
		s.instConns[info.InstanceID] = set.New(info.ConnectionID)
	}
	return nil
}

func (s *MemoryStore) RemoveClient(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeClientLocked(connectionID)
	return nil
}

// removeClientLocked drops the registry row and both indexes. Caller holds mu.
func (s *MemoryStore) removeClientLocked(connectionID string) {
	info, ok := s.clients[connectionID]
	if !ok {
		return
	}
	delete(s.clients, connectionID)

	if conns, ok := s.userConns[info.UserID]; ok {
		conns.Delete(connectionID)
		if conns.Len() == 0 {
			delete(s.userConns, info.UserID)
		}
	}
	if conns, ok := s.instConns[info.InstanceID]; ok {
		conns.Delete(connectionID)
		if conns.Len() == 0 {
			delete(s.instConns, info.InstanceID)
		}
	}
}

func (s *MemoryStore) GetClient(_ context.Context, connectionID string) (ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.clients[connectionID]
	if !ok {
		return ClientInfo{}, ErrClientNotFound
	}
	return info, nil
}

func (s *MemoryStore) GetClientsByUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns, ok := s.userConns[userID]
	if !ok {
		return nil, nil
	}
	return conns.UnsortedList(), nil
}

func (s *MemoryStore) GetAllClients(_ context.Context) ([]ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]ClientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		all = append(all, info)
	}
	return all, nil
}

func (s *MemoryStore) AddUserToRoom(_ context.Context, ns, room, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{ns, room}
	if members, ok := s.members[key]; ok {
		members.Insert(connectionID)
	} else {
		s.members[key] = set.New(connectionID)
	}
	return nil
}

func (s *MemoryStore) RemoveUserFromRoom(_ context.Context, ns, room, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMemberLocked(ns, room, connectionID)
	return nil
}

func (s *MemoryStore) removeMemberLocked(ns, room, connectionID string) {
	key := memberKey{ns, room}
	if members, ok := s.members[key]; ok {
		members.Delete(connectionID)
		if members.Len() == 0 {
			delete(s.members, key)
		}
	}
}

func (s *MemoryStore) GetClientsInRoom(_ context.Context, ns, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[memberKey{ns, room}]
	if !ok {
		return nil, nil
	}
	return members.UnsortedList(), nil
}

func (s *MemoryStore) GetUserRooms(_ context.Context, ns, connectionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rooms []string
	for key, members := range s.members {
		if key.ns == ns && members.Has(connectionID) {
			rooms = append(rooms, key.room)
		}
	}
	return rooms, nil
}

func (s *MemoryStore) IsMember(_ context.Context, ns, room, connectionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[memberKey{ns, room}]
	return ok && members.Has(connectionID), nil
}

func (s *MemoryStore) CountClientsInRoom(_ context.Context, ns, room string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[memberKey{ns, room}]
	if !ok {
		return 0, nil
	}
	return int64(members.Len()), nil
}

func (s *MemoryStore) ClearInstanceData(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.instConns[instanceID]
	if !ok {
		return nil
	}
	for connectionID := range conns {
		for key, members := range s.members {
			members.Delete(connectionID)
			if members.Len() == 0 {
				delete(s.members, key)
			}
		}
		s.removeClientLocked(connectionID)
	}
	delete(s.instConns, instanceID)
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
