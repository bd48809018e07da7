// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcmturner/gokrb5/v8/config"

	"github.com/golang-auth/go-krbsession/internal/kdcnet"
)

// configTemplate is the per-session krb5 configuration. Each session
// gets its own file so that concurrent sessions against different
// realms never observe each other's settings.
const configTemplate = `[libdefaults]
  default_realm = %s
  default_ccache_name = FILE:%s

[realms]
  %s = {
    kdc = %s
  }
`

// Session is an isolated Kerberos authentication and secure-channel
// context. Each session owns a private configuration file and
// credential cache in the system temporary directory; nothing it does
// touches the user's regular Kerberos state.
//
// A Session is safe for use from multiple goroutines, although the
// underlying environment variables it manages are process-wide, so
// operations on distinct sessions are serialized internally.
type Session struct {
	mu sync.Mutex

	realm   string
	kdcAddr string

	configPath string
	cachePath  string

	cfg        *config.Config
	timeout    time.Duration
	logger     *slog.Logger
	credExpiry time.Time

	sec    secContext
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds each network exchange with the KDC. The default
// is 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithLogger directs the session's debug logging to l. By default
// nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// New creates a session that will authenticate against the given KDC
// and realm. kdcHost may carry an explicit port; the standard Kerberos
// port 88 is assumed otherwise.
//
// The session's private configuration and credential cache files are
// created immediately; call Close to remove them.
func New(kdcHost, realm string, opts ...Option) (*Session, error) {
	if kdcHost == "" {
		return nil, krbError(ErrContextInit, "creating session", fmt.Errorf("no KDC host supplied"))
	}
	if realm == "" {
		return nil, krbError(ErrContextInit, "creating session", fmt.Errorf("no realm supplied"))
	}

	s := &Session{
		realm:   realm,
		kdcAddr: withKrbPort(kdcHost),
		timeout: kdcnet.DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	id := uuid.NewString()
	s.configPath = filepath.Join(os.TempDir(), "krbsession-"+id+".conf")
	s.cachePath = filepath.Join(os.TempDir(), "krbsession-"+id+".ccache")

	scope := enterEnvScope(s.configPath, "FILE:"+s.cachePath)
	defer scope.exit()

	conf := fmt.Sprintf(configTemplate, s.realm, s.cachePath, s.realm, s.kdcAddr)
	if err := os.WriteFile(s.configPath, []byte(conf), 0600); err != nil {
		s.removeFiles()
		return nil, krbError(ErrConfigWrite, "writing session configuration", err)
	}

	f, err := os.OpenFile(s.cachePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		s.removeFiles()
		return nil, krbError(ErrCacheOpen, "creating credential cache", err)
	}
	f.Close()

	cfg, err := config.Load(krbConfFile())
	if err != nil {
		s.removeFiles()
		return nil, krbError(ErrContextInit, "loading session configuration", err)
	}
	s.cfg = cfg

	s.logger.Debug("session created",
		"realm", s.realm, "kdc", s.kdcAddr,
		"config", s.configPath, "ccache", s.cachePath)

	return s, nil
}

// Close tears the session down: the security context is discarded, the
// credential cache is destroyed and the session's private files are
// removed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.sec.close()
	s.removeFiles()
	s.credExpiry = time.Time{}

	s.logger.Debug("session closed", "realm", s.realm)

	return nil
}

// IsEstablished reports whether security context negotiation has
// completed.
func (s *Session) IsEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sec.state == stateEstablished
}

// ContextFlags returns the security services negotiated for the
// established context, or zero if negotiation has not completed.
func (s *Session) ContextFlags() (f ContextFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sec.state == stateEstablished {
		f = s.sec.flags
	}
	return
}

// Realm returns the realm the session was created for.
func (s *Session) Realm() string {
	return s.realm
}

func (s *Session) removeFiles() {
	// removal is best-effort; the files live under the temp dir
	if s.configPath != "" {
		os.Remove(s.configPath)
	}
	if s.cachePath != "" {
		os.Remove(s.cachePath)
	}
}

// enterScope brackets an operation with the session's environment
// settings in place.
func (s *Session) enterScope() *envScope {
	return enterEnvScope(s.configPath, "FILE:"+s.cachePath)
}

func withKrbPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}

	return net.JoinHostPort(host, "88")
}

func krbConfFile() string {
	cfgFile, ok := os.LookupEnv(envKrbConfig)
	if !ok {
		cfgFile = "/etc/krb5.conf"
	}

	return cfgFile
}

func krbCCFile() string {
	ccFile, ok := os.LookupEnv(envKrbCCName)
	if !ok {
		ccFile = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}

	return strings.TrimPrefix(ccFile, "FILE:")
}
