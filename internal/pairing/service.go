// Package pairing binds an anonymous device connection to a user.
//
// The handshake runs over the two WebSocket channels:
//  1. An admin asks for verification of a connected device
//  2. The device generates a 6-digit code, shows it, and reports it back
//  3. The code is kept in the verification store for its TTL (default 5 minutes)
//  4. The admin submits the code the user read off the device
//  5. On a match the code is consumed, a connection key is minted and the
//     device record is assigned to the user
//
// A code is redeemed at most once: the store Remove that returns true wins.
// Submissions for the same device are serialised.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/devlink/internal/metrics"
	"github.com/nextlevelbuilder/devlink/internal/store"
	"github.com/nextlevelbuilder/devlink/internal/verification"
)

const (
	// CodeLength is the number of digits in a verification code.
	CodeLength = 6
	// DefaultMaxAttempts is how many wrong codes an entry survives.
	DefaultMaxAttempts = 5
	// ConnectionKeyBytes is the entropy of a minted connection key.
	ConnectionKeyBytes = 16
)

// Presence reports whether a device currently holds a live connection.
type Presence interface {
	IsConnected(deviceID string) bool
}

// Result is what both parties learn about a successful verification.
type Result struct {
	DeviceID      string `json:"deviceId"`
	DeviceName    string `json:"deviceName"`
	ConnectionKey string `json:"connectionKey"`
	UserID        string `json:"-"`
}

// Config tunes a Service.
type Config struct {
	// TTL of a stored code; 0 means verification.DefaultTTL.
	TTL time.Duration
	// MaxAttempts wrong submissions before the code is discarded; 0 disables.
	MaxAttempts int
}

type deviceState struct {
	state    State
	attempts int
}

// Service runs the pairing state machine for every device.
type Service struct {
	codes    verification.Store
	devices  store.DeviceStore
	presence Presence

	ttl         time.Duration
	maxAttempts atomic.Int64

	locks *keyedMutex

	mu     sync.Mutex
	states map[string]*deviceState

	now     func() time.Time
	mintKey func() (string, error)
}

// NewService creates a pairing service. All collaborators are required.
func NewService(codes verification.Store, devices store.DeviceStore, presence Presence, cfg Config) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = verification.DefaultTTL
	}
	s := &Service{
		codes:    codes,
		devices:  devices,
		presence: presence,
		ttl:      ttl,
		locks:    newKeyedMutex(),
		states:   make(map[string]*deviceState),
		now:      time.Now,
		mintKey:  newConnectionKey,
	}
	s.maxAttempts.Store(int64(cfg.MaxAttempts))
	return s
}

// SetMaxAttempts updates the attempt limit for subsequent submissions.
func (s *Service) SetMaxAttempts(n int) {
	if n < 0 {
		n = 0
	}
	s.maxAttempts.Store(int64(n))
}

// TTL returns the lifetime given to stored codes.
func (s *Service) TTL() time.Duration { return s.ttl }

// State returns the current pairing state of a device.
func (s *Service) State(deviceID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[deviceID]; ok {
		return st.state
	}
	return StateIdle
}

// RequestVerification starts a handshake. The caller forwards the code
// request to the device when this returns nil.
func (s *Service) RequestVerification(ctx context.Context, deviceID string) error {
	if !s.presence.IsConnected(deviceID) {
		slog.Warn("pairing.request_rejected", "device", deviceID, "reason", "not_connected")
		return ErrNotConnected
	}
	s.transition(deviceID, StateVerificationRequested)
	slog.Info("pairing.requested", "device", deviceID)
	return nil
}

// StoreCode records the code a device generated, replacing any earlier one.
func (s *Service) StoreCode(ctx context.Context, deviceID, code string) error {
	if !validCode(code) {
		return ErrInvalidCode
	}

	unlock := s.locks.Lock(deviceID)
	defer unlock()

	entry := verification.Entry{
		DeviceID:  deviceID,
		Code:      code,
		CreatedAt: s.now(),
		TTL:       s.ttl,
	}
	if !s.codes.Set(ctx, deviceID, entry, s.ttl) {
		return ErrStoreUnavailable
	}

	s.mu.Lock()
	st := s.stateLocked(deviceID)
	st.state = StateCodeGenerated
	st.attempts = 0
	s.mu.Unlock()

	slog.Info("pairing.code_stored", "device", deviceID, "ttl", s.ttl)
	return nil
}

// Submit checks a code on behalf of userID and, on success, assigns the
// device to that user.
func (s *Service) Submit(ctx context.Context, deviceID, code, userID string) (*Result, error) {
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	res, err := s.submitLocked(ctx, deviceID, code, userID)
	if err != nil {
		metrics.PairingOutcomes.WithLabelValues(ErrorCode(err)).Inc()
		slog.Warn("pairing.submit_rejected", "device", deviceID, "user", userID, "error", err)
		return nil, err
	}
	metrics.PairingOutcomes.WithLabelValues("verified").Inc()
	slog.Info("pairing.verified", "device", deviceID, "user", userID, "key", truncateKey(res.ConnectionKey))
	return res, nil
}

func (s *Service) submitLocked(ctx context.Context, deviceID, code, userID string) (*Result, error) {
	if !s.presence.IsConnected(deviceID) {
		return nil, ErrNotConnected
	}

	s.transition(deviceID, StateCodeSubmitted)

	entry, ok := s.codes.Get(ctx, deviceID)
	if !ok {
		s.reject(deviceID, StateIdle)
		return nil, ErrCodeNotFound
	}

	if entry.Expired(s.now()) {
		s.codes.Remove(ctx, deviceID)
		s.reject(deviceID, StateIdle)
		return nil, ErrCodeExpired
	}

	if entry.Code != code {
		if s.recordFailure(deviceID) {
			s.codes.Remove(ctx, deviceID)
			s.reject(deviceID, StateIdle)
			return nil, ErrAttemptsExceeded
		}
		s.reject(deviceID, StateCodeGenerated)
		return nil, ErrCodeMismatch
	}

	if !s.codes.Remove(ctx, deviceID) {
		s.reject(deviceID, StateIdle)
		return nil, ErrCodeNotFound
	}

	key, err := s.mintKey()
	if err != nil {
		s.reject(deviceID, StateIdle)
		return nil, fmt.Errorf("%w: mint key: %v", ErrPersist, err)
	}

	rec, err := s.assign(ctx, deviceID, userID, key)
	if err != nil {
		s.reject(deviceID, StateIdle)
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.transition(deviceID, StateVerified)
	return &Result{
		DeviceID:      deviceID,
		DeviceName:    rec.Name,
		ConnectionKey: key,
		UserID:        userID,
	}, nil
}

// assign creates or updates the device record for a verified pairing.
func (s *Service) assign(ctx context.Context, deviceID, userID, key string) (*store.DeviceRecord, error) {
	now := s.now().UTC()
	rec, err := s.devices.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		rec = &store.DeviceRecord{
			DeviceID:      deviceID,
			Name:          store.DefaultDeviceName(deviceID),
			Status:        store.DeviceStatusConnected,
			UserID:        &userID,
			ConnectionKey: key,
			LastConnected: &now,
		}
		return rec, s.devices.Create(ctx, rec)
	}

	if rec.Claimed() && *rec.UserID != userID {
		slog.Warn("pairing.reassigned", "device", deviceID, "from", *rec.UserID, "to", userID)
	}
	rec.UserID = &userID
	rec.ConnectionKey = key
	rec.Status = store.DeviceStatusConnected
	rec.LastConnected = &now
	if rec.Name == "" {
		rec.Name = store.DefaultDeviceName(deviceID)
	}
	return rec, s.devices.Update(ctx, rec)
}

// DeviceDisconnected resets the device to Idle and drops any pending code.
func (s *Service) DeviceDisconnected(ctx context.Context, deviceID string) {
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	s.codes.Remove(ctx, deviceID)

	s.mu.Lock()
	delete(s.states, deviceID)
	s.mu.Unlock()
}

// recordFailure counts a wrong code and reports whether the limit is hit.
func (s *Service) recordFailure(deviceID string) bool {
	limit := int(s.maxAttempts.Load())

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(deviceID)
	st.attempts++
	if limit > 0 && st.attempts >= limit {
		st.attempts = 0
		return true
	}
	return false
}

func (s *Service) transition(deviceID string, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(deviceID)
	if st.state != to {
		slog.Debug("pairing.transition", "device", deviceID, "from", st.state, "to", to)
	}
	st.state = to
}

// reject passes through Rejected and settles in next.
func (s *Service) reject(deviceID string, next State) {
	s.transition(deviceID, StateRejected)
	s.transition(deviceID, next)
}

func (s *Service) stateLocked(deviceID string) *deviceState {
	st, ok := s.states[deviceID]
	if !ok {
		st = &deviceState{state: StateIdle}
		s.states[deviceID] = st
	}
	return st
}

func validCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func newConnectionKey() (string, error) {
	b := make([]byte, ConnectionKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func truncateKey(key string) string {
	if len(key) > 8 {
		return key[:8] + "..."
	}
	return key
}
