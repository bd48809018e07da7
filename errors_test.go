// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"errors"
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/messages"
)

func TestKrbStatusErrorFormatting(t *testing.T) {
	assert := NewAssert(t)

	err := &KrbStatusError{
		Kind: ErrCredentialAcquisition,
		Op:   "requesting initial credentials",
		Code: 6,
		Text: "CLIENT_NOT_FOUND",
	}

	assert.Contains(err.Error(), "requesting initial credentials")
	assert.Contains(err.Error(), "CLIENT_NOT_FOUND")
	assert.Contains(err.Error(), "error code 6")

	// codeless errors drop the numeric suffix
	err2 := &KrbStatusError{Kind: ErrConfigWrite, Op: "writing session configuration", Text: "disk full"}
	assert.NotContains(err2.Error(), "error code")
}

func TestKrbStatusErrorUnwrap(t *testing.T) {
	assert := NewAssert(t)

	cause := errors.New("root cause")
	err := krbError(ErrKdcUnreachable, "contacting KDC", cause)

	assert.ErrorIs(err, ErrKdcUnreachable)
	assert.ErrorIs(err, cause)
	assert.NotErrorIs(err, ErrRealmUnresolvable)

	var kse *KrbStatusError
	assert.True(errors.As(err, &kse))
	assert.Equal("contacting KDC", kse.Op)
}

func TestTranslateKrbError(t *testing.T) {
	assert := NewAssert(t)

	krbErr := messages.KRBError{
		ErrorCode: errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN,
		EText:     "no such user",
	}

	err := translateKrbError(ErrCredentialAcquisition, "requesting initial credentials", krbErr)

	assert.ErrorIs(err, ErrCredentialAcquisition)
	assert.Equal(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, err.Code)

	// the registered description and the KDC's e-text both appear
	assert.Contains(err.Text, errorcode.Lookup(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN))
	assert.Contains(err.Text, "no such user")

	// the protocol error remains reachable for callers that want it
	var inner messages.KRBError
	assert.True(errors.As(err, &inner))
	assert.Equal(krbErr.ErrorCode, inner.ErrorCode)
}

func TestKdcErrorKind(t *testing.T) {
	assert := NewAssert(t)

	assert.ErrorIs(kdcErrorKind(messages.KRBError{ErrorCode: errorcode.KDC_ERR_WRONG_REALM}), ErrRealmUnresolvable)
	assert.ErrorIs(kdcErrorKind(messages.KRBError{ErrorCode: errorcode.KDC_ERR_PREAUTH_FAILED}), ErrCredentialAcquisition)
}
