package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/auth"
)

const (
	securityDirName  = ".deployd"
	securityFileName = "security.json"

	defaultJWTExpiration = 24 * time.Hour
)

// Security is the persisted secret state in .deployd/security.json. The
// file is created with generated secrets on first run and kept mode 0600.
type Security struct {
	MasterKey         string `json:"masterKey"`
	JWTSecret         string `json:"jwtSecret"`
	JWTExpiration     string `json:"jwtExpiration"`
	AllowRegistration bool   `json:"allowRegistration"`
}

// SecurityManager owns the security file: reads at boot, serialized
// writes, and live access for the auth layer so key rotation through the
// admin API needs no restart.
type SecurityManager struct {
	path string
	log  *logrus.Logger

	mu      sync.RWMutex
	current Security
}

// LoadSecurity reads (or initializes) the security state under stateDir.
// MASTER_KEY and JWT_SECRET environment variables override the file
// without being written back. In production an explicit JWT_SECRET is
// required so tokens survive a redeploy.
func LoadSecurity(stateDir string, production bool, log *logrus.Logger) (*SecurityManager, error) {
	if log == nil {
		log = logrus.New()
	}
	m := &SecurityManager{
		path: filepath.Join(stateDir, securityDirName, securityFileName),
		log:  log,
	}

	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		if err := m.initialize(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("reading security file: %w", err)
	default:
		if err := json.Unmarshal(data, &m.current); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", m.path, err)
		}
	}

	if key := os.Getenv("MASTER_KEY"); key != "" {
		m.current.MasterKey = key
	}
	envSecret := os.Getenv("JWT_SECRET")
	if envSecret != "" {
		m.current.JWTSecret = envSecret
	}
	if production && envSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	if m.current.JWTExpiration == "" {
		m.current.JWTExpiration = defaultJWTExpiration.String()
	}
	if _, err := time.ParseDuration(m.current.JWTExpiration); err != nil {
		return nil, fmt.Errorf("invalid jwtExpiration %q", m.current.JWTExpiration)
	}
	return m, nil
}

// initialize generates fresh secrets and writes the first security file.
func (m *SecurityManager) initialize() error {
	masterKey, err := auth.GenerateKey(32)
	if err != nil {
		return err
	}
	jwtSecret, err := auth.GenerateKey(32)
	if err != nil {
		return err
	}
	m.current = Security{
		MasterKey:         masterKey,
		JWTSecret:         jwtSecret,
		JWTExpiration:     defaultJWTExpiration.String(),
		AllowRegistration: true,
	}
	if err := m.persist(); err != nil {
		return err
	}
	m.log.WithField("path", m.path).Info("generated initial security config; the master key is in the file")
	return nil
}

// persist must be called with the state to write already in m.current.
func (m *SecurityManager) persist() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", securityDirName, err)
	}
	data, err := json.MarshalIndent(m.current, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(m.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing security file: %w", err)
	}
	if err := os.Chmod(m.path, 0o600); err != nil {
		return fmt.Errorf("restricting security file mode: %w", err)
	}
	return nil
}

// MasterKey returns the active master key.
func (m *SecurityManager) MasterKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.MasterKey
}

// JWTSecret returns the token signing key.
func (m *SecurityManager) JWTSecret() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.JWTSecret
}

// JWTExpiration returns the token lifetime.
func (m *SecurityManager) JWTExpiration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, err := time.ParseDuration(m.current.JWTExpiration)
	if err != nil {
		return defaultJWTExpiration
	}
	return d
}

// AllowRegistration reports whether anonymous users may POST /users.
func (m *SecurityManager) AllowRegistration() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.AllowRegistration
}

// Snapshot returns a copy of the current state for the admin API.
func (m *SecurityManager) Snapshot() Security {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates and persists new security settings. Empty secret
// fields keep their current values, so the admin API can flip
// allowRegistration without re-submitting keys.
func (m *SecurityManager) Update(s Security) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.MasterKey == "" {
		s.MasterKey = m.current.MasterKey
	}
	if s.JWTSecret == "" {
		s.JWTSecret = m.current.JWTSecret
	}
	if s.JWTExpiration == "" {
		s.JWTExpiration = m.current.JWTExpiration
	}
	if _, err := time.ParseDuration(s.JWTExpiration); err != nil {
		return fmt.Errorf("invalid jwtExpiration %q", s.JWTExpiration)
	}
	prev := m.current
	m.current = s
	if err := m.persist(); err != nil {
		m.current = prev
		return err
	}
	return nil
}
