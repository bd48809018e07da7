// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"os"
	"testing"
	"time"
)

func TestEnvScopeRestoresPriorValues(t *testing.T) {
	assert := NewAssert(t)

	t.Setenv(envKrbConfig, "/etc/krb5.conf.orig")
	t.Setenv(envKrbCCName, "FILE:/tmp/orig_cc")

	scope := enterEnvScope("/tmp/scope.conf", "FILE:/tmp/scope_cc")

	v, _ := os.LookupEnv(envKrbConfig)
	assert.Equal("/tmp/scope.conf", v)
	v, _ = os.LookupEnv(envKrbCCName)
	assert.Equal("FILE:/tmp/scope_cc", v)

	scope.exit()

	v, _ = os.LookupEnv(envKrbConfig)
	assert.Equal("/etc/krb5.conf.orig", v)
	v, _ = os.LookupEnv(envKrbCCName)
	assert.Equal("FILE:/tmp/orig_cc", v)
}

func TestEnvScopeUnsetsWhenPreviouslyUnset(t *testing.T) {
	assert := NewAssert(t)

	// t.Setenv records the original values for restoration, then we
	// clear them so the scope sees them as unset
	t.Setenv(envKrbConfig, "x")
	t.Setenv(envKrbCCName, "x")
	os.Unsetenv(envKrbConfig)
	os.Unsetenv(envKrbCCName)

	scope := enterEnvScope("/tmp/scope.conf", "FILE:/tmp/scope_cc")

	_, ok := os.LookupEnv(envKrbConfig)
	assert.True(ok)

	scope.exit()

	_, ok = os.LookupEnv(envKrbConfig)
	assert.False(ok)
	_, ok = os.LookupEnv(envKrbCCName)
	assert.False(ok)
}

func TestEnvScopeSerializes(t *testing.T) {
	assert := NewAssert(t)

	t.Setenv(envKrbConfig, "x")
	t.Setenv(envKrbCCName, "x")

	scope := enterEnvScope("/tmp/a.conf", "FILE:/tmp/a_cc")

	started := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		close(started)
		s2 := enterEnvScope("/tmp/b.conf", "FILE:/tmp/b_cc")
		close(entered)
		s2.exit()
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	// the second scope must not be able to enter until we exit
	select {
	case <-entered:
		t.Fatal("second scope entered while first was held")
	default:
	}

	scope.exit()
	<-entered

	v, _ := os.LookupEnv(envKrbConfig)
	assert.Equal("x", v)
}
