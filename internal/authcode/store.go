// Package authcode holds one-time login passcodes between issuance and
// exchange. Codes live in a time-indexed in-memory map with an explicit
// expiry sweep; the store is constructed at process start and torn down
// with Close; there is no package-level state.
package authcode

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const codeDigits = 6

type entry struct {
	code      string
	expiresAt time.Time
}

// Store issues and verifies single-use passcodes keyed by subject.
type Store struct {
	mu    sync.Mutex
	codes map[string]entry
	ttl   time.Duration
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewStore creates a passcode store. Codes expire after ttl; expired
// entries are swept every sweepEvery in the background.
func NewStore(ttl, sweepEvery time.Duration) *Store {
	s := &Store{
		codes: make(map[string]entry),
		ttl:   ttl,
		done:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop(sweepEvery)

	return s
}

// Issue mints a fresh passcode for subject, replacing any outstanding one.
func (s *Store) Issue(subject string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate passcode: %w", err)
	}

	s.mu.Lock()
	s.codes[subject] = entry{
		code:      code,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return code, nil
}

// Verify checks a passcode for subject. A successful verification consumes
// the code: a second attempt with the same code fails.
func (s *Store) Verify(subject, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[subject]
	if !ok {
		return false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.codes, subject)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(e.code), []byte(code)) != 1 {
		return false
	}

	delete(s.codes, subject)
	return true
}

// Close stops the sweep loop and drops all outstanding codes.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	s.codes = make(map[string]entry)
	s.mu.Unlock()
}

func (s *Store) sweepLoop(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for subject, e := range s.codes {
		if now.After(e.expiresAt) {
			delete(s.codes, subject)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept expired passcodes")
	}
}

func randomCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
