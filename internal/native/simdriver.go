package native

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownToken is returned by Simulator when a command names a token
// that was never opened or has since been deinitialized.
var ErrUnknownToken = errors.New("native: unknown session token")

// simSession is a Simulator's private record of one open session. All
// access is guarded by Simulator.mu.
type simSession struct {
	token       SessionToken
	chip        string
	sessionID   uint32
	sessionType uint8
	controlees  map[string][]byte
	rangingStop chan struct{}
}

// Simulator is a deterministic in-process stand-in for a real UCI
// transport to a UWBS, used in tests and as the daemon's driver.
// It follows the same shape as the teacher's packet receiver: commands are
// applied synchronously against local state, and every resulting
// notification is delivered back to the sink asynchronously on its own
// goroutine, matching a real transport's command/notification decoupling
// without any actual I/O.
type Simulator struct {
	mu       sync.Mutex
	sink     NotificationSink
	sessions map[SessionToken]*simSession

	rangingInterval time.Duration
	clock           atomic.Uint64
}

// mintToken derives a SessionToken from fresh uuid entropy truncated to
// the spec's integer token width, avoiding a predictable sequential
// counter a real UWBS would never produce.
func mintToken() SessionToken {
	id := uuid.New()
	return SessionToken(binary.BigEndian.Uint32(id[:4]))
}

// SimulatorConfig configures Simulator construction.
type SimulatorConfig struct {
	Sink            NotificationSink
	RangingInterval time.Duration
}

// NewSimulator constructs a Simulator bound to sink.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	interval := cfg.RangingInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Simulator{
		sink:            cfg.Sink,
		sessions:        make(map[SessionToken]*simSession),
		rangingInterval: interval,
	}
}

func (s *Simulator) get(token SessionToken) (*simSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	return sess, ok
}

// OpenSession implements Driver.
func (s *Simulator) OpenSession(_ context.Context, chip string, sessionID uint32, sessionType uint8) (SessionToken, error) {
	s.mu.Lock()
	token := mintToken()
	for _, exists := s.sessions[token]; exists; _, exists = s.sessions[token] {
		token = mintToken()
	}
	s.sessions[token] = &simSession{
		token:       token,
		chip:        chip,
		sessionID:   sessionID,
		sessionType: sessionType,
		controlees:  make(map[string][]byte),
	}
	s.mu.Unlock()
	go s.sink.OnSessionStatus(token, WireStateInit, "", false)
	return token, nil
}

// SetAppConfig implements Driver: it moves a session from Init to Idle.
func (s *Simulator) SetAppConfig(_ context.Context, token SessionToken, _ KVConfig) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	go s.sink.OnSessionStatus(token, WireStateIdle, "", false)
	return nil
}

// StartRanging implements Driver: it moves a session to Active and begins
// emitting synthetic ranging results for every current controlee until
// StopRanging or Deinit.
func (s *Simulator) StartRanging(_ context.Context, token SessionToken) error {
	sess, ok := s.get(token)
	if !ok {
		return ErrUnknownToken
	}
	s.mu.Lock()
	if sess.rangingStop != nil {
		close(sess.rangingStop)
	}
	stop := make(chan struct{})
	sess.rangingStop = stop
	s.mu.Unlock()

	go s.sink.OnSessionStatus(token, WireStateActive, "", false)
	go s.rangingLoop(token, stop)
	return nil
}

func (s *Simulator) rangingLoop(token SessionToken, stop chan struct{}) {
	ticker := time.NewTicker(s.rangingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sess, ok := s.get(token)
			if !ok {
				return
			}
			s.mu.Lock()
			addrs := make([][]byte, 0, len(sess.controlees))
			for _, addr := range sess.controlees {
				addrs = append(addrs, addr)
			}
			s.mu.Unlock()
			if len(addrs) == 0 {
				continue
			}
			report := RangeDataReport{Measurements: make([]RangeMeasurementReport, 0, len(addrs))}
			for _, addr := range addrs {
				report.Measurements = append(report.Measurements, RangeMeasurementReport{
					Address:    addr,
					StatusOK:   true,
					DistanceCm: deterministicDistance(addr),
					AoaDegrees: 0,
				})
			}
			s.sink.OnRangeData(token, report)
		}
	}
}

// deterministicDistance derives a repeatable fake distance from an
// address so simulator runs are reproducible across test invocations.
func deterministicDistance(addr []byte) uint32 {
	var sum uint32
	for _, b := range addr {
		sum = sum*31 + uint32(b)
	}
	return 50 + sum%200
}

// StopRanging implements Driver: it halts the ranging loop and reports the
// session back to Idle as a locally-requested stop.
func (s *Simulator) StopRanging(_ context.Context, token SessionToken) error {
	sess, ok := s.get(token)
	if !ok {
		return ErrUnknownToken
	}
	s.mu.Lock()
	if sess.rangingStop != nil {
		close(sess.rangingStop)
		sess.rangingStop = nil
	}
	s.mu.Unlock()
	go s.sink.OnSessionStatus(token, WireStateIdle, "state_change_with_session_management_commands", true)
	return nil
}

// Deinit implements Driver: it tears down the session record and reports
// DEINIT.
func (s *Simulator) Deinit(_ context.Context, token SessionToken) error {
	sess, ok := s.get(token)
	if !ok {
		return ErrUnknownToken
	}
	s.mu.Lock()
	if sess.rangingStop != nil {
		close(sess.rangingStop)
	}
	delete(s.sessions, token)
	s.mu.Unlock()
	go s.sink.OnSessionStatus(token, WireStateDeinit, "", false)
	return nil
}

// Reconfigure implements Driver as a no-op success: the simulator has no
// ranging-interval or round-usage state that would make a reconfigured
// value observable.
func (s *Simulator) Reconfigure(_ context.Context, token SessionToken, _ KVConfig) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	return nil
}

func addrKey(addr []byte) string { return hex.EncodeToString(addr) }

// AddControlee implements Driver.
func (s *Simulator) AddControlee(_ context.Context, token SessionToken, addr []byte) error {
	sess, ok := s.get(token)
	if !ok {
		return ErrUnknownToken
	}
	s.mu.Lock()
	sess.controlees[addrKey(addr)] = addr
	s.mu.Unlock()
	go s.sink.OnMulticastListUpdate(token, map[string]string{addrKey(addr): "ok"})
	return nil
}

// RemoveControlee implements Driver.
func (s *Simulator) RemoveControlee(_ context.Context, token SessionToken, addr []byte) error {
	sess, ok := s.get(token)
	if !ok {
		return ErrUnknownToken
	}
	s.mu.Lock()
	delete(sess.controlees, addrKey(addr))
	s.mu.Unlock()
	go s.sink.OnMulticastListUpdate(token, map[string]string{addrKey(addr): "ok"})
	return nil
}

// SendData implements Driver: it immediately acknowledges the send as
// successful.
func (s *Simulator) SendData(_ context.Context, token SessionToken, _ []byte, seq uint16, _ []byte) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	go s.sink.OnDataSendStatus(token, seq, true, "")
	return nil
}

// UpdateDtTagRangingRounds implements Driver as a no-op success.
func (s *Simulator) UpdateDtTagRangingRounds(_ context.Context, token SessionToken, _ []byte) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	return nil
}

// SetHybridControllerConfig implements Driver as a no-op success.
func (s *Simulator) SetHybridControllerConfig(_ context.Context, token SessionToken, _ KVConfig) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	return nil
}

// SetHybridControleeConfig implements Driver as a no-op success.
func (s *Simulator) SetHybridControleeConfig(_ context.Context, token SessionToken, _ KVConfig) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	return nil
}

// ConfigureDataTransferPhase implements Driver as a no-op success.
func (s *Simulator) ConfigureDataTransferPhase(_ context.Context, token SessionToken, _ KVConfig) error {
	if _, ok := s.get(token); !ok {
		return ErrUnknownToken
	}
	return nil
}

// QueryTimestamp implements Driver with a monotonically increasing logical
// clock rather than a wall-clock read, so simulator-driven tests are
// reproducible.
func (s *Simulator) QueryTimestamp(_ context.Context, token SessionToken) (uint64, error) {
	if _, ok := s.get(token); !ok {
		return 0, ErrUnknownToken
	}
	return s.clock.Add(1000), nil
}
