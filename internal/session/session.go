package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"school-chatbot/internal/helper"
	"school-chatbot/internal/models"
)

var ErrNotFound = errors.New("session not found")

// Session is the conversation of one browser. Only the latest answer's
// audio is kept.
type Session struct {
	ID        string           `json:"id"`
	Messages  []models.Message `json:"messages"`
	LastAudio []byte           `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
	LastSeen  time.Time        `json:"last_seen"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.LastAudio = slices.Clone(s.LastAudio)
	return &c
}

// Store keeps sessions in memory. Callers get copies; all changes go through
// the store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	welcome  string
	now      func() time.Time
}

// NewStore creates an empty store. welcome, when set, is the first assistant
// message of every new or reset session.
func NewStore(welcome string) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		welcome:  welcome,
		now:      time.Now,
	}
}

func (s *Store) greeting(now time.Time) []models.Message {
	if s.welcome == "" {
		return nil
	}
	return []models.Message{{Role: models.RoleAssistant, Text: s.welcome, CreatedAt: now}}
}

// GetOrCreate returns the session with id, or a fresh one when id is empty
// or unknown.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[id]; ok && id != "" {
		sess.LastSeen = now
		return sess.clone(), nil
	}

	newID, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:        newID,
		Messages:  s.greeting(now),
		CreatedAt: now,
		LastSeen:  now,
	}
	s.sessions[newID] = sess
	log.Debug().Str("session", newID).Msg("Created session")
	return sess.clone(), nil
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// Append adds messages to the end of the conversation.
func (s *Store) Append(id string, msgs ...models.Message) error {
	return s.update(id, func(sess *Session) {
		for _, msg := range msgs {
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = sess.LastSeen
			}
			sess.Messages = append(sess.Messages, msg)
		}
	})
}

// SetAudio replaces the session's audio; nil clears it.
func (s *Store) SetAudio(id string, audio []byte) error {
	return s.update(id, func(sess *Session) {
		sess.LastAudio = slices.Clone(audio)
	})
}

func (s *Store) Audio(id string) ([]byte, bool) {
	sess, ok := s.Get(id)
	if !ok || len(sess.LastAudio) == 0 {
		return nil, false
	}
	return sess.LastAudio, true
}

// Reset clears the conversation and the audio, keeping the session id.
func (s *Store) Reset(id string) error {
	return s.update(id, func(sess *Session) {
		sess.Messages = s.greeting(sess.LastSeen)
		sess.LastAudio = nil
	})
}

func (s *Store) update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastSeen = s.now()
	fn(sess)
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than ttl and returns how many went.
func (s *Store) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, sess := range s.sessions {
		if sess.LastSeen.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ttl); n > 0 {
				log.Info().Int("removed", n).Int("active", s.Len()).Msg("Swept idle sessions")
			}
		}
	}
}
