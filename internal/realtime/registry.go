package realtime

import (
	"slices"
	"strings"
	"sync"
)

// Conn is the outbound side of a live client connection.
type Conn interface {
	Send(Envelope) error
	Close() error
}

// Registry tracks authenticated connections indexed by user and by subscribed project.
// A connection is in the user index iff it is registered and in exactly one project
// bucket iff it is subscribed; no empty bucket is ever retained.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*registration
	byUser      map[string]map[string]struct{}
	byProject   map[string]map[string]struct{}
}

type registration struct {
	userID    string
	projectID string
	conn      Conn
}

type target struct {
	connectionID string
	conn         Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*registration),
		byUser:      make(map[string]map[string]struct{}),
		byProject:   make(map[string]map[string]struct{}),
	}
}

// Register marks a connection authenticated for userID. Registering a known id again
// replaces its owner and drops any project subscription.
func (r *Registry) Register(connectionID, userID string, conn Conn) bool {
	connectionID = strings.TrimSpace(connectionID)
	userID = strings.TrimSpace(userID)
	if connectionID == "" || userID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID)
	r.connections[connectionID] = &registration{userID: userID, conn: conn}
	addToBucket(r.byUser, userID, connectionID)
	return true
}

// Unregister removes the connection from both indices. Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connectionID)
}

// Join subscribes the connection to projectID, leaving any previous project first.
func (r *Registry) Join(connectionID, projectID string) bool {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	if entry.projectID != "" {
		removeFromBucket(r.byProject, entry.projectID, connectionID)
	}
	entry.projectID = projectID
	addToBucket(r.byProject, projectID, connectionID)
	return true
}

// Leave unsubscribes the connection when it is currently subscribed to projectID.
func (r *Registry) Leave(connectionID, projectID string) bool {
	projectID = strings.TrimSpace(projectID)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.connections[connectionID]
	if !ok || projectID == "" || entry.projectID != projectID {
		return false
	}
	removeFromBucket(r.byProject, projectID, connectionID)
	entry.projectID = ""
	return true
}

// ConnectionsForUser returns the sorted connection ids of the user.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// ConnectionsForProject returns the sorted connection ids subscribed to the project.
func (r *Registry) ConnectionsForProject(projectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byProject[projectID])
}

// IsUserInProject reports whether any connection of the user is subscribed to the project.
func (r *Registry) IsUserInProject(userID, projectID string) bool {
	if projectID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connectionID := range r.byUser[userID] {
		if r.connections[connectionID].projectID == projectID {
			return true
		}
	}
	return false
}

// SubscribedProject returns the project the connection is subscribed to.
func (r *Registry) SubscribedProject(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.connections[connectionID]
	if !ok || entry.projectID == "" {
		return "", false
	}
	return entry.projectID, true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) connsForUser(userID string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]target, 0, len(r.byUser[userID]))
	for connectionID := range r.byUser[userID] {
		targets = append(targets, target{connectionID: connectionID, conn: r.connections[connectionID].conn})
	}
	return targets
}

func (r *Registry) connsForUserInProject(userID, projectID string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]target, 0, len(r.byUser[userID]))
	for connectionID := range r.byUser[userID] {
		entry := r.connections[connectionID]
		if entry.projectID == projectID {
			targets = append(targets, target{connectionID: connectionID, conn: entry.conn})
		}
	}
	return targets
}

func (r *Registry) removeLocked(connectionID string) bool {
	entry, ok := r.connections[connectionID]
	if !ok {
		return false
	}
	if entry.projectID != "" {
		removeFromBucket(r.byProject, entry.projectID, connectionID)
	}
	removeFromBucket(r.byUser, entry.userID, connectionID)
	delete(r.connections, connectionID)
	return true
}

func addToBucket(index map[string]map[string]struct{}, key, connectionID string) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[string]struct{})
		index[key] = bucket
	}
	bucket[connectionID] = struct{}{}
}

func removeFromBucket(index map[string]map[string]struct{}, key, connectionID string) {
	bucket := index[key]
	if bucket == nil {
		return
	}
	delete(bucket, connectionID)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

func sortedKeys(bucket map[string]struct{}) []string {
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
