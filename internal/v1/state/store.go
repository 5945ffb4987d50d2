// Package state holds the authoritative, cluster-wide membership registry:
// namespaces, rooms, room members, and the connection/user/instance indexes.
// Fan-out never flows through here; the store answers "who is where", the
// broker moves the bytes.
package state

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNamespaceNotEmpty marks a RemoveNamespace attempt against a
	// namespace that still has rooms. Callers must not retry it.
	ErrNamespaceNotEmpty = errors.New("namespace not empty")

	// ErrClientNotFound is returned when a connection id has no registry row.
	ErrClientNotFound = errors.New("client not found")
)

// Meta is the free-form attribute bag stored alongside a namespace.
type Meta map[string]string

// ClientInfo is one live connection's registry row. InstanceID tags the row
// so ClearInstanceData can purge everything a crashed or stopping instance
// left behind.
type ClientInfo struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Namespace    string `json:"namespace"`
	InstanceID   string `json:"instance_id"`
	ConnectedAt  int64  `json:"connected_at"`
}

// Store is the pluggable membership backend. All mutations are atomic per
// key and carry set semantics: repeating an add or remove is a no-op.
// Reads are monotonic on a single instance; cross-instance reads are
// eventually consistent.
type Store interface {
	// Namespace catalogue.
	AddNamespace(ctx context.Context, name string, meta Meta) error
	GetNamespace(ctx context.Context, name string) (Meta, bool, error)
	ListNamespaces(ctx context.Context) ([]string, error)
	// RemoveNamespace fails with ErrNamespaceNotEmpty while rooms remain.
	RemoveNamespace(ctx context.Context, name string) error

	// Room catalogue per namespace. Room meta is written first-add-wins,
	// like namespace meta.
	AddRoom(ctx context.Context, ns, room string, meta Meta) error
	RemoveRoom(ctx context.Context, ns, room string) error
	GetRooms(ctx context.Context, ns string) ([]string, error)
	RoomExists(ctx context.Context, ns, room string) (bool, error)

	// Connection registry and its per-user / per-instance indexes.
	AddClient(ctx context.Context, info ClientInfo) error
	RemoveClient(ctx context.Context, connectionID string) error
	GetClient(ctx context.Context, connectionID string) (ClientInfo, error)
	GetClientsByUser(ctx context.Context, userID string) ([]string, error)
	GetAllClients(ctx context.Context) ([]ClientInfo, error)

	// Room membership, keyed by connection id.
	AddUserToRoom(ctx context.Context, ns, room, connectionID string) error
	RemoveUserFromRoom(ctx context.Context, ns, room, connectionID string) error
	GetClientsInRoom(ctx context.Context, ns, room string) ([]string, error)
	GetUserRooms(ctx context.Context, ns, connectionID string) ([]string, error)
	IsMember(ctx context.Context, ns, room, connectionID string) (bool, error)
	CountClientsInRoom(ctx context.Context, ns, room string) (int64, error)

	// ClearInstanceData purges every row tagged with the given instance id.
	// Idempotent; used at graceful shutdown and for crash recovery.
	ClearInstanceData(ctx context.Context, instanceID string) error

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
	Close() error
}
