package matchmaking

import (
	"container/list"
	"sync"

	"github.com/lumenvid/signal-relay/internal/identity"
	"github.com/lumenvid/signal-relay/internal/metrics"
)

// Peer is the handle the service keeps for a live connection. The signaling
// layer implements it; the service itself never delivers to a peer, it only
// hands the handle back so the caller can deliver outside the lock.
type Peer interface {
	ID() string

	// Deliver enqueues an encoded frame for the peer without blocking.
	// It reports whether the frame was accepted.
	Deliver(frame []byte) bool
}

// Match is the result of a successful pairing.
type Match struct {
	RoomID string
	Peer   Peer
}

// Config configures a Service. The zero value is usable.
type Config struct {
	// MaxConnections caps the number of live connections. Zero means no cap.
	MaxConnections int

	Metrics *metrics.Metrics

	// NewUserID and NewRoomID override id generation, mainly for tests.
	NewUserID func() string
	NewRoomID func() string
}

func (c Config) newUserID() func() string {
	if c.NewUserID != nil {
		return c.NewUserID
	}
	return identity.NewUserID
}

func (c Config) newRoomID() func() string {
	if c.NewRoomID != nil {
		return c.NewRoomID
	}
	return identity.NewRoomID
}

// Service tracks live connections, the FIFO set of connections available for
// matching, and the rooms binding matched pairs.
type Service struct {
	cfg       Config
	newUserID func() string
	newRoomID func() string

	mu    sync.Mutex
	peers map[string]Peer   // connection id -> live peer
	users map[string]string // connection id -> user id

	// Availability is FIFO: waiting orders available connection ids oldest
	// first, waitingIndex makes membership checks and removal O(1).
	waiting      *list.List
	waitingIndex map[string]*list.Element

	roomOf map[string]string    // connection id -> room id
	rooms  map[string][2]string // room id -> member connection ids
}

func NewService(cfg Config) *Service {
	return &Service{
		cfg:          cfg,
		newUserID:    cfg.newUserID(),
		newRoomID:    cfg.newRoomID(),
		peers:        make(map[string]Peer),
		users:        make(map[string]string),
		waiting:      list.New(),
		waitingIndex: make(map[string]*list.Element),
		roomOf:       make(map[string]string),
		rooms:        make(map[string][2]string),
	}
}

// Register adds a live connection and marks it available for matching.
// It returns the user id assigned to the connection.
func (s *Service) Register(p Peer) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID()
	if _, ok := s.peers[id]; ok {
		return "", ErrAlreadyRegistered
	}
	if s.cfg.MaxConnections > 0 && len(s.peers) >= s.cfg.MaxConnections {
		s.cfg.Metrics.Inc(metrics.AcceptRejected)
		return "", ErrTooManyConnections
	}

	userID := s.newUserID()
	s.peers[id] = p
	s.users[id] = userID
	s.waitingIndex[id] = s.waiting.PushBack(id)
	s.cfg.Metrics.Inc(metrics.ConnectionsOpened)
	return userID, nil
}

// Unregister removes a connection, tearing down its room if it has one. The
// returned peer, when non-nil, is the room partner that should be told the
// session ended; it is returned at most once per room no matter how many
// times or in which order the members leave.
func (s *Service) Unregister(connID string) (notify Peer, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.peers[connID]; !live {
		return nil, false
	}

	delete(s.peers, connID)
	delete(s.users, connID)
	if el, waiting := s.waitingIndex[connID]; waiting {
		s.waiting.Remove(el)
		delete(s.waitingIndex, connID)
	}

	if roomID, inRoom := s.roomOf[connID]; inRoom {
		delete(s.roomOf, connID)
		if members, exists := s.rooms[roomID]; exists {
			// First member out deletes the room record; the survivor keeps a
			// dangling room id so its relays quietly go nowhere until it too
			// leaves.
			delete(s.rooms, roomID)
			other := members[0]
			if other == connID {
				other = members[1]
			}
			notify = s.peers[other]
		}
	}

	s.cfg.Metrics.Inc(metrics.ConnectionsClosed)
	return notify, true
}

// RequestMatch pairs the requester with the oldest other available
// connection. Pairing is atomic: both members leave the available set and
// enter the new room under one critical section.
func (s *Service) RequestMatch(connID string) (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, live := s.peers[connID]; !live {
		return Match{}, ErrNotRegistered
	}
	el, available := s.waitingIndex[connID]
	if !available {
		return Match{}, ErrNotAvailable
	}
	if s.waiting.Len() < 2 {
		s.cfg.Metrics.Inc(metrics.WaitingForPeer)
		return Match{}, ErrWaitingForPeer
	}

	s.waiting.Remove(el)
	delete(s.waitingIndex, connID)

	front := s.waiting.Front()
	otherID := s.waiting.Remove(front).(string)
	delete(s.waitingIndex, otherID)

	roomID := s.newRoomID()
	s.rooms[roomID] = [2]string{connID, otherID}
	s.roomOf[connID] = roomID
	s.roomOf[otherID] = roomID

	s.cfg.Metrics.Inc(metrics.MatchesMade)
	return Match{RoomID: roomID, Peer: s.peers[otherID]}, nil
}

// ResolvePeer looks up a live connection by id for target-addressed relays.
func (s *Service) ResolvePeer(targetID string) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[targetID]
	if !ok {
		s.cfg.Metrics.Inc(metrics.UnknownTarget)
		return nil, ErrUnknownTarget
	}
	return p, nil
}

// RoomPeer returns the other live member of connID's room, if any.
func (s *Service) RoomPeer(connID string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, inRoom := s.roomOf[connID]
	if !inRoom {
		return nil, false
	}
	members, exists := s.rooms[roomID]
	if !exists {
		return nil, false
	}
	other := members[0]
	if other == connID {
		other = members[1]
	}
	p, live := s.peers[other]
	return p, live
}

// UserID returns the user id assigned to a live connection.
func (s *Service) UserID(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.users[connID]
	return userID, ok
}

// IsAvailable reports whether a connection is live and unmatched.
func (s *Service) IsAvailable(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.waitingIndex[connID]
	return ok
}

// RoomID returns the room a connection is bound to, if the room still exists.
func (s *Service) RoomID(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, inRoom := s.roomOf[connID]
	if !inRoom {
		return "", false
	}
	_, exists := s.rooms[roomID]
	return roomID, exists
}

// AvailableCount returns the number of connections waiting for a match.
func (s *Service) AvailableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waiting.Len()
}

// ConnectionCount returns the number of live connections.
func (s *Service) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// RoomCount returns the number of rooms with both members still bound.
func (s *Service) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rooms)
}
