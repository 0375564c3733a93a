// Package session serializes access to an emulated card.
//
// A Card owns a runtime and a binary lock. Open blocks until the lock is free and returns
// a Session, which holds the lock until it is closed, either by its caller or by the idle
// watchdog. Only the holder of the lock talks to the runtime, so application code never
// runs concurrently.
//
//	c := session.NewCard(rt, logger)
//	s, err := c.Open(ctx, session.WithIdleTimeout(30*time.Second))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	client := iso7816.NewClient(s)
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/gregLibert/secure-element/pkg/card"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrTimeoutArmed is returned when an idle timeout is armed twice.
	ErrTimeoutArmed = errors.New("session: idle timeout already armed")
)

// Serial identifies a session. Serials increase monotonically across all cards.
type Serial = uint32

var counter atomix.Uint32

func nextSerial() Serial {
	return counter.Add(1)
}

// Card is an emulated card shared by concurrent callers.
type Card struct {
	rt     *card.Runtime
	lock   chan struct{}
	logger *slog.Logger
}

// NewCard wraps rt. A nil logger selects slog.Default().
func NewCard(rt *card.Runtime, logger *slog.Logger) *Card {
	if logger == nil {
		logger = slog.Default()
	}
	return &Card{rt: rt, lock: make(chan struct{}, 1), logger: logger}
}

// Runtime returns the underlying runtime. Callers must hold a session to use it.
func (c *Card) Runtime() *card.Runtime { return c.rt }

// Option configures a session at open time.
type Option func(*Session) error

// WithIdleTimeout arms the idle watchdog: a session without a successful command for d
// is reset and closed.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) error {
		return s.ArmIdleTimeout(d)
	}
}

// Open acquires the card. It blocks until the current session is closed or ctx is done.
func (c *Card) Open(ctx context.Context, opts ...Option) (*Session, error) {
	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s := &Session{
		card:   c,
		serial: nextSerial(),
		done:   make(chan struct{}),
	}
	s.logger = c.logger.With("session", s.serial)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	s.logger.Info("session open")
	return s, nil
}

// Session is exclusive access to a Card.
type Session struct {
	card   *Card
	serial Serial
	logger *slog.Logger

	closed atomix.Uint32
	done   chan struct{}

	// mu orders commands, resets and closing against the watchdog.
	mu    sync.Mutex
	idle  time.Duration
	timer *time.Timer
	// active is when the idle window last restarted.
	active time.Time
}

// Serial returns the session serial.
func (s *Session) Serial() Serial { return s.serial }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transmit processes one raw command and returns the raw response. It implements
// iso7816.Transmitter. A successful status re-arms the idle watchdog.
func (s *Session) Transmit(cmd []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return nil, ErrClosed
	}

	resp := s.card.rt.Process(cmd)
	if s.timer != nil && resp.Status.IsSuccess() {
		s.active = time.Now()
		s.timer.Reset(s.idle)
	}
	return resp.Bytes(), nil
}

// Reset resets the card: the selected application is deselected, an open transaction is
// aborted, transient memory is cleared and the secure channel is dropped.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	s.card.rt.Reset()
	return nil
}

// Close releases the card. Only the first call has an effect.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claim() {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.finish()
	s.logger.Info("session closed")
	return nil
}

// ArmIdleTimeout starts the idle watchdog. A session has at most one watchdog.
func (s *Session) ArmIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("session: invalid idle timeout %s", d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	if s.timer != nil {
		return ErrTimeoutArmed
	}
	s.idle = d
	s.active = time.Now()
	s.timer = time.AfterFunc(d, s.expire)
	return nil
}

// expire runs on the watchdog goroutine. It races with Close; claim picks the winner.
// A timer that fired while a command was running finds the window restarted, so it
// leaves the session open for the rest of the window.
func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	if left := s.idle - time.Since(s.active); left > 0 {
		s.timer.Reset(left)
		return
	}
	if !s.claim() {
		return
	}
	s.card.rt.Reset()
	s.finish()
	s.logger.Info("session expired", "idle", s.idle)
}

// claim reports whether the caller is the first to close the session.
func (s *Session) claim() bool {
	return s.closed.Add(1) == 1
}

// finish releases the card, then signals Done.
func (s *Session) finish() {
	<-s.card.lock
	close(s.done)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
