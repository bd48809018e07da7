// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-krbsession/ccache"
	"github.com/golang-auth/go-krbsession/internal/kdcnet"
)

// credentialKeyFunc derives the client key needed to answer a
// pre-authentication challenge, given the enctype the KDC asked for and
// the PA data carrying the salt.
type credentialKeyFunc func(etID int32, pas types.PADataSequence) (types.EncryptionKey, error)

// AuthenticateWithPassword obtains initial credentials for principal
// using password and stores them in the session's credential cache.
// principal may be "user", "user/instance" or "user@REALM"; a missing
// realm defaults to the session's realm.
func (s *Session) AuthenticateWithPassword(principal, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return krbError(ErrSessionClosed, "authenticating", errors.New("session is closed"))
	}

	cname, realm, err := s.parsePrincipal(principal)
	if err != nil {
		return err
	}

	creds := credentials.New(strings.Join(cname.NameString, "/"), realm)
	creds = creds.WithPassword(password)

	keyFn := func(etID int32, pas types.PADataSequence) (types.EncryptionKey, error) {
		key, _, err := crypto.GetKeyFromPassword(password, cname, realm, etID, pas)
		return key, err
	}

	scope := s.enterScope()
	defer scope.exit()

	return s.acquire(cname, realm, creds, keyFn)
}

// AuthenticateWithKeytab obtains initial credentials for principal
// using the keys in the keytab file at keytabPath and stores them in
// the session's credential cache.
func (s *Session) AuthenticateWithKeytab(principal, keytabPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return krbError(ErrSessionClosed, "authenticating", errors.New("session is closed"))
	}

	if _, err := os.Stat(keytabPath); err != nil {
		return krbError(ErrKeytabNotFound, "opening keytab", err)
	}

	cname, realm, err := s.parsePrincipal(principal)
	if err != nil {
		return err
	}

	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return krbError(ErrCredentialAcquisition, "loading keytab", err)
	}

	creds := credentials.New(strings.Join(cname.NameString, "/"), realm)
	creds = creds.WithKeytab(kt)

	keyFn := func(etID int32, pas types.PADataSequence) (types.EncryptionKey, error) {
		key, _, err := kt.GetEncryptionKey(cname, realm, 0, etID)
		return key, err
	}

	scope := s.enterScope()
	defer scope.exit()

	return s.acquire(cname, realm, creds, keyFn)
}

// acquire runs the AS exchange for cname and writes the resulting TGT
// into the session's credential cache, replacing any prior contents.
func (s *Session) acquire(cname types.PrincipalName, realm string, creds *credentials.Credentials, keyFn credentialKeyFunc) error {
	asReq, err := messages.NewASReqForTGT(realm, s.cfg, cname)
	if err != nil {
		return krbError(ErrCredentialAcquisition, "building initial credential request", err)
	}

	asRep, err := s.asExchange(&asReq, realm, keyFn)
	if err != nil {
		return err
	}

	if _, err := asRep.DecryptEncPart(creds); err != nil {
		return krbError(ErrCredentialAcquisition, "decrypting KDC reply", err)
	}

	if asRep.DecryptedEncPart.Nonce != asReq.ReqBody.Nonce {
		return krbError(ErrCredentialAcquisition, "verifying KDC reply",
			errors.New("nonce in reply does not match request"))
	}

	if err := s.storeCredentials(cname, realm, asRep); err != nil {
		return err
	}
	s.credExpiry = asRep.DecryptedEncPart.EndTime

	s.logger.Debug("credentials acquired",
		"principal", strings.Join(cname.NameString, "/")+"@"+realm,
		"expires", asRep.DecryptedEncPart.EndTime)

	return nil
}

// asExchange sends the AS-REQ and handles a pre-authentication
// challenge, returning the decoded AS-REP.
func (s *Session) asExchange(asReq *messages.ASReq, realm string, keyFn credentialKeyFunc) (messages.ASRep, error) {
	var asRep messages.ASRep

	resp, err := s.sendToKDC(asReq, realm)
	if err != nil {
		return asRep, err
	}

	if err := asRep.Unmarshal(resp); err == nil {
		return asRep, nil
	}

	var krbErr messages.KRBError
	if err := krbErr.Unmarshal(resp); err != nil {
		return asRep, krbError(ErrCredentialAcquisition, "parsing KDC reply", err)
	}

	if krbErr.ErrorCode != errorcode.KDC_ERR_PREAUTH_REQUIRED {
		return asRep, translateKrbError(kdcErrorKind(krbErr), "requesting initial credentials", krbErr)
	}

	// answer the pre-authentication challenge and try once more
	if err := addPreAuth(asReq, krbErr, keyFn); err != nil {
		return asRep, err
	}

	resp, err = s.sendToKDC(asReq, realm)
	if err != nil {
		return asRep, err
	}

	if err := asRep.Unmarshal(resp); err == nil {
		return asRep, nil
	}

	if err := krbErr.Unmarshal(resp); err != nil {
		return asRep, krbError(ErrCredentialAcquisition, "parsing KDC reply", err)
	}

	return asRep, translateKrbError(kdcErrorKind(krbErr), "requesting initial credentials", krbErr)
}

func (s *Session) sendToKDC(asReq *messages.ASReq, realm string) ([]byte, error) {
	b, err := asReq.Marshal()
	if err != nil {
		return nil, krbError(ErrCredentialAcquisition, "marshalling initial credential request", err)
	}

	addrs := s.kdcAddrs(realm)
	if len(addrs) == 0 {
		return nil, krbError(ErrRealmUnresolvable, "resolving realm",
			fmt.Errorf("no KDC defined for realm %q", realm))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := kdcnet.Exchange(ctx, addrs, s.timeout, b)
	if err != nil {
		return nil, krbError(ErrKdcUnreachable, "contacting KDC", err)
	}

	return resp, nil
}

// kdcAddrs returns the KDC addresses configured for realm.
func (s *Session) kdcAddrs(realm string) []string {
	for _, r := range s.cfg.Realms {
		if strings.EqualFold(r.Realm, realm) {
			return r.KDC
		}
	}

	return nil
}

// addPreAuth appends a PA-ENC-TIMESTAMP to the request, encrypted under
// the client key the KDC's challenge calls for.
func addPreAuth(asReq *messages.ASReq, krbErr messages.KRBError, keyFn credentialKeyFunc) error {
	const op = "answering pre-authentication challenge"

	var pas types.PADataSequence
	if len(krbErr.EData) > 0 {
		if err := pas.Unmarshal(krbErr.EData); err != nil {
			return krbError(ErrCredentialAcquisition, op, err)
		}
	}

	etID := preAuthEType(pas, asReq)

	key, err := keyFn(etID, pas)
	if err != nil {
		return krbError(ErrCredentialAcquisition, op, err)
	}

	paTS, err := types.GetPAEncTSEncAsnMarshalled()
	if err != nil {
		return krbError(ErrCredentialAcquisition, op, err)
	}

	encTS, err := crypto.GetEncryptedData(paTS, key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, 1)
	if err != nil {
		return krbError(ErrCredentialAcquisition, op, err)
	}

	pb, err := encTS.Marshal()
	if err != nil {
		return krbError(ErrCredentialAcquisition, op, err)
	}

	asReq.PAData = append(asReq.PAData, types.PAData{
		PADataType:  patype.PA_ENC_TIMESTAMP,
		PADataValue: pb,
	})

	return nil
}

// preAuthEType picks the enctype for the pre-authentication key: the
// KDC's ETYPE-INFO2 preference if it sent one, otherwise the first
// enctype we offered.
func preAuthEType(pas types.PADataSequence, asReq *messages.ASReq) int32 {
	for _, pa := range pas {
		if pa.PADataType != patype.PA_ETYPE_INFO2 {
			continue
		}
		var info types.ETypeInfo2
		if err := info.Unmarshal(pa.PADataValue); err != nil {
			continue
		}
		if len(info) > 0 {
			return info[0].EType
		}
	}

	if len(asReq.ReqBody.EType) > 0 {
		return asReq.ReqBody.EType[0]
	}

	return etypeID.AES256_CTS_HMAC_SHA1_96
}

// kdcErrorKind maps a KDC error code onto the session's failure
// classes.
func kdcErrorKind(krbErr messages.KRBError) error {
	switch krbErr.ErrorCode {
	case errorcode.KDC_ERR_WRONG_REALM:
		return ErrRealmUnresolvable
	default:
		return ErrCredentialAcquisition
	}
}

// storeCredentials initializes the cache for cname and stores the TGT.
func (s *Session) storeCredentials(cname types.PrincipalName, realm string, asRep messages.ASRep) error {
	tktBytes, err := asRep.Ticket.Marshal()
	if err != nil {
		return krbError(ErrCacheStore, "storing credentials", err)
	}

	enc := asRep.DecryptedEncPart
	client := ccache.Principal{
		NameType:   cname.NameType,
		Realm:      realm,
		Components: cname.NameString,
	}

	cc := ccache.New(client)
	cc.AddCredential(ccache.Credential{
		Client: client,
		Server: ccache.Principal{
			NameType:   enc.SName.NameType,
			Realm:      enc.SRealm,
			Components: enc.SName.NameString,
		},
		Key:         enc.Key,
		AuthTime:    enc.AuthTime,
		StartTime:   enc.StartTime,
		EndTime:     enc.EndTime,
		RenewTill:   enc.RenewTill,
		TicketFlags: ticketFlagBits(enc.Flags),
		Ticket:      tktBytes,
	})

	f, err := os.OpenFile(s.cachePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return krbError(ErrCacheInit, "initializing credential cache", err)
	}
	defer f.Close()

	if err := cc.Write(f); err != nil {
		return krbError(ErrCacheStore, "storing credentials", err)
	}

	return nil
}

// parsePrincipal splits "user", "user/instance" or "user@REALM" into a
// principal name and realm, defaulting to the session's realm.
func (s *Session) parsePrincipal(principal string) (types.PrincipalName, string, error) {
	badPrincipal := func(reason string) (types.PrincipalName, string, error) {
		return types.PrincipalName{}, "", krbError(ErrInvalidPrincipal, "parsing principal",
			fmt.Errorf("%s in %q", reason, principal))
	}

	if principal == "" {
		return badPrincipal("empty principal")
	}

	name := principal
	realm := s.realm
	if i := strings.IndexByte(principal, '@'); i >= 0 {
		name = principal[:i]
		realm = principal[i+1:]
		if name == "" {
			return badPrincipal("missing name")
		}
		if realm == "" {
			return badPrincipal("missing realm")
		}
		if strings.ContainsRune(realm, '@') {
			return badPrincipal("multiple realm separators")
		}
	}

	components := strings.Split(name, "/")
	for _, c := range components {
		if c == "" {
			return badPrincipal("empty name component")
		}
	}

	return types.PrincipalName{
		NameType:   nametype.KRB_NT_PRINCIPAL,
		NameString: components,
	}, realm, nil
}

// ticketFlagBits packs the ticket flags bit string into the 32-bit form
// used by the credential cache.
func ticketFlagBits(f asn1.BitString) uint32 {
	var v uint32
	for i, b := range f.Bytes {
		if i > 3 {
			break
		}
		v |= uint32(b) << (24 - 8*i)
	}

	return v
}
