package credentials

import (
	"sync"
	"time"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
)

// refreshSafetySpan is subtracted from validity so a new token is derived
// before the previous one expires, mirroring the teacher's
// tokenUpdateSpan in iotservice.Client.putTokenContinuously.
const refreshSafetySpan = 10 * time.Minute

// Service derives a signed token for a peer's hub and refreshes it on a
// schedule until explicitly halted (spec §4.2, C2). Per the spec's open
// question on token rotation, Service only updates the credential it hands
// out on the next Current() call; it never reaches into live sessions.
type Service struct {
	cs       *ConnectionString
	uri      string
	validity time.Duration
	interval time.Duration
	logger   logging.Logger

	mu      sync.RWMutex
	current model.Credential

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewService builds a Service for cs, signing tokens for uri (typically
// cs.HostName) with the given validity, refreshed every interval.
// interval must be smaller than validity; the spec's defaults are one year
// and 360 days respectively.
func NewService(cs *ConnectionString, uri string, validity, interval time.Duration, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop
	}
	return &Service{
		cs:       cs,
		uri:      uri,
		validity: validity,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewStatic builds a Service around a pre-supplied shared secret used
// verbatim (spec §4.2's second credential kind). Start and Stop are no-ops:
// a static secret has no refresh schedule and never expires.
func NewStatic(secret string, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop
	}
	return &Service{
		logger:  logger,
		current: model.Credential{Kind: model.CredentialStaticSecret, Value: secret},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start derives the first token synchronously, then refreshes it on
// Service's interval in the background until Stop is called. For a static
// secret there is nothing to derive or schedule.
func (s *Service) Start() error {
	if s.cs == nil {
		return nil
	}
	if err := s.refresh(); err != nil {
		return err
	}
	s.started = true
	go s.loop()
	return nil
}

func (s *Service) loop() {
	defer close(s.done)

	wait := s.interval - refreshSafetySpan
	if wait <= 0 {
		wait = s.interval
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.refresh(); err != nil {
				s.logger.Errorf("credentials: refresh token: %s", err)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Service) refresh() error {
	now := time.Now()
	tok, err := s.cs.SignToken(s.uri, s.validity, now)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = model.Credential{
		Kind:       model.CredentialSignedToken,
		Value:      tok,
		IssuedAt:   now,
		ValidityMs: s.validity.Milliseconds(),
	}
	s.mu.Unlock()
	return nil
}

// Credential returns the most recently derived credential record.
func (s *Service) Credential() model.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Current returns the credential value to present on the wire. If the held
// credential's validity window has already elapsed (the refresh loop only
// fires on its own schedule), a fresh token is derived on demand.
func (s *Service) Current() string {
	cred := s.Credential()
	if !cred.Expired(time.Now()) {
		return cred.Value
	}
	if err := s.refresh(); err != nil {
		s.logger.Errorf("credentials: re-derive expired token: %s", err)
		return cred.Value
	}
	return s.Credential().Value
}

// Stop halts the refresh loop and waits for it to exit. It is a no-op if
// Start never launched one.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
