package recording

import (
	"context"
	"sync"

	"Murmur/internal/audio"
	"Murmur/pkg/errors"
)

// ErrSessionAlreadyOpen is returned when a surface already hosts a live session.
var ErrSessionAlreadyOpen = errors.New("recording: a session is already open on this surface")

// Surface is one place in the UI that can record (the story composer, the
// quick-reaction sheet). It hosts at most one live Session.
type Surface struct {
	mu     sync.Mutex
	name   string
	dev    audio.Recorder
	opts   []Option
	active *Session
}

func NewSurface(name string, dev audio.Recorder, opts ...Option) *Surface {
	return &Surface{name: name, dev: dev, opts: opts}
}

func (s *Surface) Name() string { return s.name }

// Open creates the surface's session. Opening a second one while the first
// is alive is a programming error and is rejected.
func (s *Surface) Open(opts ...Option) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrSessionAlreadyOpen.WithContext("surface", s.name)
	}

	all := append(append([]Option(nil), s.opts...), opts...)
	sess := NewSession(s.dev, all...)
	sess.onClose = func() { s.detach(sess) }
	s.active = sess
	return sess, nil
}

// Active returns the live session, if any.
func (s *Surface) Active() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != nil
}

// CloseActive closes the live session, e.g. when the user navigates back.
func (s *Surface) CloseActive(ctx context.Context) error {
	sess, ok := s.Active()
	if !ok {
		return nil
	}
	return sess.Close(ctx)
}

func (s *Surface) detach(sess *Session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}
