// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"os"
	"sync"
)

// Environment variables the Kerberos library reads for its configuration
// file and default credential cache.
const (
	envKrbConfig = "KRB5_CONFIG"
	envKrbCCName = "KRB5CCNAME"
)

// envMu serializes environment scopes across the whole process. The two
// variables are process-wide state, so only one scope may be active at a
// time; a second caller blocks here until the first scope exits.
var envMu sync.Mutex

// envScope temporarily points KRB5_CONFIG and KRB5CCNAME at one
// session's private files. The underlying library consults these
// variables rather than accepting the paths as parameters.
type envScope struct {
	prevConfig string
	prevCCName string
	hadConfig  bool
	hadCCName  bool
}

// enterEnvScope captures the current values of the two variables,
// replaces them, and returns the scope. The scope is not re-entrant:
// entering twice from the same goroutine deadlocks. Callers must
// arrange for exit to run on every path, normally with defer.
func enterEnvScope(configPath, ccName string) *envScope {
	envMu.Lock()

	s := &envScope{}
	s.prevConfig, s.hadConfig = os.LookupEnv(envKrbConfig)
	s.prevCCName, s.hadCCName = os.LookupEnv(envKrbCCName)

	os.Setenv(envKrbConfig, configPath)
	os.Setenv(envKrbCCName, ccName)

	return s
}

// exit restores the values captured on entry, unsetting variables that
// did not exist then, and releases the scope.
func (s *envScope) exit() {
	if s.hadConfig {
		os.Setenv(envKrbConfig, s.prevConfig)
	} else {
		os.Unsetenv(envKrbConfig)
	}

	if s.hadCCName {
		os.Setenv(envKrbCCName, s.prevCCName)
	} else {
		os.Unsetenv(envKrbCCName)
	}

	envMu.Unlock()
}
