// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/messages"
)

// Sentinel errors identifying the failure classes of a session. They are
// matched with errors.Is; the error actually returned usually wraps one
// of these together with the translated native detail.
var (
	// ErrConfigWrite means the session's private configuration file
	// could not be written. Fatal to construction.
	ErrConfigWrite = errors.New("krbsession: cannot write session configuration")

	// ErrContextInit means the Kerberos library context could not be
	// initialized from the generated configuration. Fatal to
	// construction; files already written are removed first.
	ErrContextInit = errors.New("krbsession: cannot initialize Kerberos library context")

	// ErrCacheOpen means the session's private credential cache could
	// not be created. Fatal to construction.
	ErrCacheOpen = errors.New("krbsession: cannot open credential cache")

	// ErrInvalidPrincipal means a principal string could not be parsed.
	ErrInvalidPrincipal = errors.New("krbsession: invalid principal")

	// ErrKeytabNotFound means the supplied keytab path does not exist.
	ErrKeytabNotFound = errors.New("krbsession: keytab file not found")

	// ErrKdcUnreachable means the KDC could not be contacted.
	ErrKdcUnreachable = errors.New("krbsession: unable to reach the KDC")

	// ErrRealmUnresolvable means the realm could not be resolved to a KDC.
	ErrRealmUnresolvable = errors.New("krbsession: cannot resolve the realm")

	// ErrCredentialAcquisition covers failures obtaining initial
	// credentials that are not reachability or realm-resolution issues,
	// such as a wrong password or an unknown principal.
	ErrCredentialAcquisition = errors.New("krbsession: credential acquisition failed")

	// ErrCacheInit means the credential cache could not be initialized
	// for the authenticated principal.
	ErrCacheInit = errors.New("krbsession: credential cache initialization failed")

	// ErrCacheStore means storing credentials into the cache failed
	// after a successful acquisition.
	ErrCacheStore = errors.New("krbsession: storing credentials failed")

	// ErrNameImport means the target service name could not be imported.
	ErrNameImport = errors.New("krbsession: cannot import target service name")

	// ErrNegotiation means a security-context negotiation round failed.
	// The session should be abandoned; construct a new one to retry.
	ErrNegotiation = errors.New("krbsession: security context negotiation failed")

	// ErrContextNotEstablished means Wrap, WrapSigned or Unwrap was
	// called before negotiation completed.
	ErrContextNotEstablished = errors.New("krbsession: security context is not established")

	// ErrProtection means wrapping or unwrapping a message failed.
	ErrProtection = errors.New("krbsession: message protection failed")

	// ErrSessionClosed means the session has been torn down.
	ErrSessionClosed = errors.New("krbsession: session is closed")
)

// KrbStatusError is a failure reported by the Kerberos layer. It carries
// the operation that failed, the protocol error code (zero when the
// failure did not come from a KRB-ERROR message) and a human-readable
// explanation.
type KrbStatusError struct {
	Kind error  // one of the sentinel errors above
	Op   string // the failing operation, e.g. "requesting initial credentials"
	Code int32  // KRB-ERROR error code, or zero
	Text string // human-readable native message
	Err  error  // underlying cause, may be nil
}

func (e *KrbStatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (error code %d)", e.Op, e.Text, e.Code)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Text)
}

func (e *KrbStatusError) Unwrap() []error {
	var errs []error

	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// krbError builds a KrbStatusError from an arbitrary library failure.
func krbError(kind error, op string, err error) *KrbStatusError {
	return &KrbStatusError{Kind: kind, Op: op, Text: err.Error(), Err: err}
}

// translateKrbError turns a KRB-ERROR protocol message into a
// KrbStatusError, combining the registered description of the error
// code with the e-text supplied by the KDC.
func translateKrbError(kind error, op string, krbErr messages.KRBError) *KrbStatusError {
	text := errorcode.Lookup(krbErr.ErrorCode)
	if krbErr.EText != "" {
		text = text + ": " + krbErr.EText
	}

	return &KrbStatusError{
		Kind: kind,
		Op:   op,
		Code: krbErr.ErrorCode,
		Text: text,
		Err:  krbErr,
	}
}
