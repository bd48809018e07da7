// SPDX-License-Identifier: Apache-2.0

package krbsession

// Acceptor-side AP-REP construction, used by the negotiation tests to
// fabricate the replies a real acceptor would send.  Production code
// only decodes AP-REP messages (aprep.go).

import (
	"encoding/hex"
	"testing"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// mk_aprep encrypts encPart under sessionKey and wraps it in the
// KRB_AP_REP envelope.
func mk_aprep(t *testing.T, tkt messages.Ticket, sessionKey types.EncryptionKey, encPart encAPRepPart) []byte {
	m, err := asn1.Marshal(encPart)
	if err != nil {
		t.Fatalf("marshalling AP-REP enc-part: %v", err)
	}
	m = asn1tools.AddASNAppTag(m, asnAppTag.EncAPRepPart)

	ed, err := crypto.GetEncryptedData(m, sessionKey, uint32(keyusage.AP_REP_ENCPART), tkt.EncPart.KVNO)
	if err != nil {
		t.Fatalf("encrypting AP-REP enc-part: %v", err)
	}

	rep := aPRep{
		PVNO:    iana.PVNO,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: ed,
	}

	b, err := asn1.Marshal(rep)
	if err != nil {
		t.Fatalf("marshalling AP-REP: %v", err)
	}

	return asn1tools.AddASNAppTag(b, asnAppTag.APREP)
}

// mk_mech_token frames payload as a context-establishment token: mech
// OID, token ID, payload, all under the RFC 2743 application tag.
func mk_mech_token(t *testing.T, tokID string, payload []byte) []byte {
	b, err := asn1.Marshal(krb5MechOID())
	if err != nil {
		t.Fatalf("marshalling mech OID: %v", err)
	}

	tb, err := hex.DecodeString(tokID)
	if err != nil {
		t.Fatalf("decoding token ID: %v", err)
	}

	b = append(b, tb...)
	b = append(b, payload...)

	return asn1tools.AddASNAppTag(b, 0)
}
