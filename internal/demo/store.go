package demo

import (
	"errors"
	"sort"
	"sync"
)

// Store errors.
var (
	ErrUserExists = errors.New("user already exists")
	ErrStoreFull  = errors.New("user store is full")
)

// User is a stored user.
type User struct {
	Name  string   `json:"name"`
	Age   int64    `json:"age"`
	Email string   `json:"email"`
	Tags  []string `json:"tags,omitempty"`
}

// UserStore keeps users in memory, keyed by name.
type UserStore struct {
	mu       sync.RWMutex
	users    map[string]User
	capacity int
}

// NewUserStore creates a store holding at most capacity users. A
// non-positive capacity means unbounded.
func NewUserStore(capacity int) *UserStore {
	return &UserStore{users: make(map[string]User), capacity: capacity}
}

// Add stores u.
func (s *UserStore) Add(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Name]; ok {
		return ErrUserExists
	}
	if s.capacity > 0 && len(s.users) >= s.capacity {
		return ErrStoreFull
	}
	s.users[u.Name] = u
	return nil
}

// Get returns the user called name.
func (s *UserStore) Get(name string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	return u, ok
}

// List returns every user ordered by name.
func (s *UserStore) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users
}
