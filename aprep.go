// SPDX-License-Identifier: Apache-2.0

package krbsession

/*
 * Derived from github.com/jcmturner/gokrb5/v8/messages/APRep.go,
 * reduced to the decode half: a context initiator only ever receives
 * AP-REP messages, it never produces them.
 */

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/krberror"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// aPRep implements RFC 4120 KRB_AP_REP: https://tools.ietf.org/html/rfc4120#section-5.5.2.
type aPRep struct {
	PVNO    int                 `asn1:"explicit,tag:0"`
	MsgType int                 `asn1:"explicit,tag:1"`
	EncPart types.EncryptedData `asn1:"explicit,tag:2"`
}

// encAPRepPart is the encrypted part of KRB_AP_REP.
type encAPRepPart struct {
	CTime          time.Time           `asn1:"generalized,explicit,tag:0"`
	Cusec          int                 `asn1:"explicit,tag:1"`
	Subkey         types.EncryptionKey `asn1:"optional,explicit,tag:2"`
	SequenceNumber int64               `asn1:"optional,explicit,tag:3"`
}

func (a *aPRep) unmarshal(b []byte) error {
	du := fmt.Sprintf("application,explicit,tag:%v", asnAppTag.APREP)
	if _, err := asn1.UnmarshalWithParams(b, a, du); err != nil {
		return processUnmarshalReplyError(b, err)
	}

	if a.MsgType != msgtype.KRB_AP_REP {
		return krberror.NewErrorf(krberror.KRBMsgError,
			"message ID does not indicate a KRB_AP_REP. Expected: %v; Actual: %v",
			msgtype.KRB_AP_REP, a.MsgType)
	}

	return nil
}

// decryptEncPart decrypts and decodes the AP-REP payload under the
// ticket session key.
func (a *aPRep) decryptEncPart(sessionKey types.EncryptionKey) (encAPRepPart, error) {
	var encPart encAPRepPart

	decrypted, err := crypto.DecryptEncPart(a.EncPart, sessionKey, uint32(keyusage.AP_REP_ENCPART))
	if err != nil {
		return encPart, krberror.Errorf(err, krberror.DecryptingError, "error decrypting AP-REP enc-part")
	}

	if err := encPart.unmarshal(decrypted); err != nil {
		return encPart, krberror.Errorf(err, krberror.EncodingError, "error unmarshalling decrypted AP-REP enc-part")
	}

	return encPart, nil
}

func (a *encAPRepPart) unmarshal(b []byte) error {
	du := fmt.Sprintf("application,explicit,tag:%v", asnAppTag.EncAPRepPart)
	if _, err := asn1.UnmarshalWithParams(b, a, du); err != nil {
		return krberror.Errorf(err, krberror.EncodingError, "AP_REP unmarshal error")
	}

	return nil
}

// processUnmarshalReplyError recognizes the case where the acceptor
// answered with a KRB-ERROR instead of the expected message and
// surfaces it as such.
func processUnmarshalReplyError(b []byte, err error) error {
	if _, ok := err.(asn1.StructuralError); ok {
		var krbErr messages.KRBError
		if krbErr.Unmarshal(b) == nil {
			return krbErr
		}
	}

	return krberror.Errorf(err, krberror.EncodingError, "failed to unmarshal message")
}
