package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// DefaultRotationThreshold is the number of sends after which a session is
// closed and reopened.
const DefaultRotationThreshold = 10

// SessionState represents the state of the outbound channel session.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionOpen
)

// String returns a human-readable representation of the state.
func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "Closed"
	case SessionOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// CloseReason explains why a session left the Open state.
type CloseReason string

const (
	CloseThreshold  CloseReason = "threshold"
	CloseFailure    CloseReason = "failure"
	CloseEndOfInput CloseReason = "end_of_input"
)

// errInvalidTransition is returned by transitionTo for illegal moves.
var errInvalidTransition = errors.New("session: invalid transition")

// Session owns the lifecycle of the outbound channel: lazy open, bounded
// reuse, forced rotation on error and release on every exit path.
// It is not safe for concurrent use; the dispatch loop owns it exclusively.
type Session struct {
	dialer    ports.ChannelDialer
	threshold int
	logger    ports.Logger
	observer  Observer
	cooldown  *backoff

	state          SessionState
	channel        ports.Channel
	sends          int
	rotations      int
	pendingBackoff bool
}

// NewSession creates a closed session. A threshold below 1 falls back to
// DefaultRotationThreshold. A positive cooldown pauses before reopening
// after a failed send, doubling up to DefaultCooldownMax.
func NewSession(dialer ports.ChannelDialer, threshold int, logger ports.Logger, observer Observer, cooldown time.Duration) *Session {
	if threshold < 1 {
		threshold = DefaultRotationThreshold
	}
	if observer == nil {
		observer = BaseObserver{}
	}
	s := &Session{
		dialer:    dialer,
		threshold: threshold,
		logger:    logger,
		observer:  observer,
		state:     SessionClosed,
	}
	if cooldown > 0 {
		s.cooldown = newBackoff(cooldown, DefaultCooldownMax)
	}
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state
}

// SendsSinceRotation returns the number of successful sends on the live channel.
func (s *Session) SendsSinceRotation() int {
	return s.sends
}

// Rotations returns how many times the session was closed before the end
// of input, either at the threshold or after a failure.
func (s *Session) Rotations() int {
	return s.rotations
}

// Ensure opens the channel if the session is closed. A failure here is
// fatal to the run and is not retried.
func (s *Session) Ensure(ctx context.Context) error {
	if s.state == SessionOpen {
		return nil
	}

	if s.pendingBackoff {
		s.pendingBackoff = false
		if err := s.cooldown.Sleep(ctx); err != nil {
			return err
		}
	}

	ch, err := s.dialer.Open(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrConnection) && !errors.Is(err, domain.ErrAuth) {
			err = fmt.Errorf("%w: %v", domain.ErrConnection, err)
		}
		return err
	}

	s.channel = ch
	s.sends = 0
	_ = s.transitionTo(SessionOpen, "send pending")
	s.observer.OnSessionOpened()
	return nil
}

// Send transmits msg over the live channel, opening it first if needed.
// A send failure closes the session; reaching the threshold closes it too.
// Errors from the channel wrap domain.ErrSend.
func (s *Session) Send(ctx context.Context, msg ports.Message) error {
	if err := s.Ensure(ctx); err != nil {
		return err
	}

	if err := s.channel.Send(ctx, msg); err != nil {
		s.close(CloseFailure)
		s.pendingBackoff = s.cooldown != nil
		if !errors.Is(err, domain.ErrSend) {
			err = fmt.Errorf("%w: %v", domain.ErrSend, err)
		}
		return err
	}

	s.sends++
	s.cooldown.Reset()

	if s.sends >= s.threshold {
		s.close(CloseThreshold)
	}
	return nil
}

// Close releases the channel if it is open. It is idempotent.
func (s *Session) Close() {
	s.close(CloseEndOfInput)
}

func (s *Session) close(reason CloseReason) {
	if s.state != SessionOpen {
		return
	}

	// Best-effort: a broken channel often fails to quit cleanly.
	if err := s.channel.Close(); err != nil {
		s.logger.Debug("channel close failed", ports.Err(err), ports.String("reason", string(reason)))
	}

	sends := s.sends
	s.channel = nil
	s.sends = 0
	if reason != CloseEndOfInput {
		s.rotations++
	}
	_ = s.transitionTo(SessionClosed, string(reason))
	s.observer.OnSessionClosed(reason, sends)
}

// transitionTo validates and applies a state change.
func (s *Session) transitionTo(newState SessionState, reason string) error {
	oldState := s.state

	switch oldState {
	case SessionClosed:
		if newState != SessionOpen {
			return errInvalidTransition
		}
	case SessionOpen:
		if newState != SessionClosed {
			return errInvalidTransition
		}
	}

	s.state = newState
	s.logger.Debug("session transition",
		ports.String("from", oldState.String()),
		ports.String("to", newState.String()),
		ports.String("reason", reason),
	)
	return nil
}
