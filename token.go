// SPDX-License-Identifier: Apache-2.0

package krbsession

/*
 * Derived from github.com/jcmturner/gokrb5/v8/spnego/krb5Token.go
 *
 * The modified version marshals the AP-REQ message an initiator sends
 * and decodes the AP-REP or KRB-ERROR it gets back; verification is
 * moved out.
 */

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/messages"
)

// GSSAPI KRB5 MechToken IDs.
const (
	tokIDKrbAPReq = "0100"
	tokIDKrbAPRep = "0200"
	tokIDKrbError = "0300"
)

// krb5MechOID is the Kerberos V5 mechanism OID, 1.2.840.113554.1.2.2.
func krb5MechOID() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
}

// krb5Token is the context-establishment token exchanged during
// negotiation: the mech OID plus a token ID plus one of AP-REQ, AP-REP
// or KRB-ERROR, wrapped in the RFC 2743 § 3.1 application tag.
type krb5Token struct {
	OID      asn1.ObjectIdentifier
	tokID    []byte
	APReq    *messages.APReq
	APRep    *aPRep
	KRBError *messages.KRBError
}

// marshal a krb5Token into a slice of bytes.  An initiator only ever
// sends AP-REQ tokens; the other token types arrive from the acceptor
// and are handled by unmarshal.
func (m *krb5Token) marshal() ([]byte, error) {
	if hex.EncodeToString(m.tokID) != tokIDKrbAPReq || m.APReq == nil {
		return nil, fmt.Errorf("krbsession: only AP-REQ context tokens can be sent")
	}

	tb, err := m.APReq.Marshal()
	if err != nil {
		return nil, fmt.Errorf("krbsession: error marshalling AP-REQ for MechToken: %v", err)
	}

	b, _ := asn1.Marshal(m.OID)
	b = append(b, m.tokID...)
	b = append(b, tb...)

	return asn1tools.AddASNAppTag(b, 0), nil
}

// unmarshal a krb5Token.
func (m *krb5Token) unmarshal(b []byte) error {
	m.APReq = nil
	m.APRep = nil
	m.KRBError = nil

	var oid asn1.ObjectIdentifier
	r, err := asn1.UnmarshalWithParams(b, &oid, fmt.Sprintf("application,explicit,tag:%v", 0))
	if err != nil {
		return fmt.Errorf("krbsession: error unmarshalling token OID: %v", err)
	}
	if !oid.Equal(krb5MechOID()) {
		return fmt.Errorf("krbsession: error unmarshalling token, OID is %s not %s", oid.String(), krb5MechOID().String())
	}
	m.OID = oid
	if len(r) < 2 {
		return fmt.Errorf("krbsession: context token too short")
	}
	m.tokID = r[0:2]
	switch hex.EncodeToString(m.tokID) {
	case tokIDKrbAPReq:
		var a messages.APReq
		err = a.Unmarshal(r[2:])
		if err != nil {
			return fmt.Errorf("krbsession: error unmarshalling token AP_REQ: %v", err)
		}
		m.APReq = &a
	case tokIDKrbAPRep:
		var a aPRep
		err = a.unmarshal(r[2:])
		if err != nil {
			return fmt.Errorf("krbsession: error unmarshalling token AP_REP: %v", err)
		}
		m.APRep = &a
	case tokIDKrbError:
		var a messages.KRBError
		err = a.Unmarshal(r[2:])
		if err != nil {
			return fmt.Errorf("krbsession: error unmarshalling token KRBError: %v", err)
		}
		m.KRBError = &a
	}
	return nil
}

// Create the GSSAPI checksum for the authenticator.  This isn't really
// a checksum, it is a way to carry GSSAPI level context information in
// the Kerberos AP-REQ message. See RFC 4121 § 4.1.1
func newAuthenticatorChksum(flags ContextFlag) []byte {
	// 24 octet minimum length, up to and including context-establishment flags
	a := make([]byte, 24)

	// 4-byte length of "channel binding" info, always 16 bytes
	binary.LittleEndian.PutUint32(a[:4], 16)

	// Octets 4..19: Channel binding info, left zero

	// Context-establishment flags
	binary.LittleEndian.PutUint32(a[20:24], uint32(flags))

	return a
}
