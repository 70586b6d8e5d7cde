package session

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry assigns monotonic, never-reused integer handles to Sessions, the
// way a CLI or FFI boundary would track them. Registry.Create returns the
// id of the Session it just inserted, not the id that will be assigned to
// the *next* one.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Create registers sess and returns its freshly assigned id.
func (r *Registry) Create(sess *Session) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.sessions[id] = sess
	return id
}

// Get looks up a previously created session by id.
func (r *Registry) Get(id int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "session %d", id)
	}
	return sess, nil
}

// Delete removes id from the registry, if present. It is not an error to
// delete an id that was never created or was already deleted.
func (r *Registry) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// defaultRegistry backs the package-level Create/Get/DeleteSession helpers,
// mirroring the single global session table a C-ABI driver exposes.
var defaultRegistry = NewRegistry()

// CreateSession registers sess in the default registry and returns its id.
func CreateSession(sess *Session) int64 {
	return defaultRegistry.Create(sess)
}

// GetSession looks up a session created via CreateSession.
func GetSession(id int64) (*Session, error) {
	return defaultRegistry.Get(id)
}

// DeleteSession removes a session from the default registry.
func DeleteSession(id int64) {
	defaultRegistry.Delete(id)
}
