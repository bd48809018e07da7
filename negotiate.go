// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	ianaflags "github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/krberror"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

type contextState int

const (
	stateUninitialized contextState = iota
	stateNegotiating
	stateEstablished
	stateFailed
)

// secContext holds the initiator side of a security context across
// negotiation rounds and into the established phase.
type secContext struct {
	state     contextState
	krbClient *client.Client
	service   string

	ticket         *messages.Ticket
	sessionKey     *types.EncryptionKey
	acceptorSubKey *types.EncryptionKey

	flags               ContextFlag
	ourSequenceNumber   uint64
	theirSequenceNumber uint64

	clientCTime time.Time
	clientCusec int
}

func (c *secContext) close() {
	if c.krbClient != nil {
		c.krbClient.Destroy()
	}
	*c = secContext{}
}

// Step advances security context negotiation with the named target
// service. target is a host-based service name of the form
// "service@host" (the SPN form "service/host" is also accepted).
//
// The first call ignores inputToken and produces the initial context
// token to send to the acceptor. Subsequent calls consume the
// acceptor's reply. completed is true once the context is established;
// any outputToken returned alongside it must still be delivered to the
// peer. A failed round leaves the context unusable.
func (s *Session) Step(target string, inputToken []byte) (outputToken []byte, completed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, krbError(ErrSessionClosed, "stepping security context", errors.New("session is closed"))
	}

	switch s.sec.state {
	case stateEstablished:
		return nil, false, krbError(ErrNegotiation, "stepping security context",
			errors.New("context already established, create a new session to renegotiate"))

	case stateFailed:
		return nil, false, krbError(ErrNegotiation, "stepping security context",
			errors.New("a previous negotiation round failed, create a new session"))

	case stateUninitialized:
		outputToken, err = s.initiate(target)
		if err != nil {
			s.sec.close()
			s.sec.state = stateFailed
			return nil, false, err
		}

		s.logger.Debug("negotiation started", "service", s.sec.service,
			"token_bytes", len(outputToken))

		return outputToken, false, nil

	default: // stateNegotiating
		if err = s.completeMutual(inputToken); err != nil {
			s.sec.close()
			s.sec.state = stateFailed
			return nil, false, err
		}

		s.logger.Debug("security context established", "service", s.sec.service,
			"flags", FlagList(s.sec.flags))

		return nil, true, nil
	}
}

// initiate obtains a service ticket for the target and builds the
// initial AP-REQ context token.
func (s *Session) initiate(target string) (tokenOut []byte, err error) {
	scope := s.enterScope()
	defer scope.exit()

	spn, err := importServiceName(target)
	if err != nil {
		return nil, err
	}

	s.sec = secContext{
		state:   stateNegotiating,
		service: spn,
		flags: ContextFlagMutual | ContextFlagConf | ContextFlagInteg |
			ContextFlagSequence | ContextFlagReplay,
	}

	if err := s.krbInit(spn); err != nil {
		return nil, err
	}

	apreq, err := s.getAPReqMessage()
	if err != nil {
		return nil, err
	}

	tb, _ := hex.DecodeString(tokIDKrbAPReq)
	gssToken := krb5Token{
		OID:   krb5MechOID(),
		tokID: tb,
		APReq: apreq,
	}

	tokenOut, err = gssToken.marshal()
	if err != nil {
		return nil, krbError(ErrNegotiation, "marshalling context token", err)
	}

	return tokenOut, nil
}

// completeMutual processes the acceptor's AP-REP and finishes
// establishing the context.
func (s *Session) completeMutual(tokenIn []byte) error {
	const op = "verifying mutual authentication"

	gssToken := krb5Token{}
	if err := gssToken.unmarshal(tokenIn); err != nil {
		return krbError(ErrNegotiation, op, gssFatal(errDefectiveToken, err))
	}

	if gssToken.KRBError != nil {
		return translateKrbError(ErrNegotiation, op, *gssToken.KRBError)
	}
	if gssToken.APRep == nil {
		return krbError(ErrNegotiation, op,
			gssFatal(errDefectiveToken, errors.New("expected an AP-REP from the acceptor")))
	}

	msg, err := gssToken.APRep.decryptEncPart(*s.sec.sessionKey)
	if err != nil {
		return krbError(ErrNegotiation, op, err)
	}

	// check the response has the same time values as the request
	// Note - we can't use time.Equal() as clientCTime has a monotonic
	// clock value which causes the equality to fail
	if !(msg.CTime.Unix() == s.sec.clientCTime.Unix() && msg.Cusec == s.sec.clientCusec) {
		return krbError(ErrNegotiation, op, errors.New("mutual authentication failed"))
	}

	// stash their sequence number and subkey for use in Wrap/Unwrap
	s.sec.theirSequenceNumber = uint64(msg.SequenceNumber)
	if msg.Subkey.KeyType != 0 {
		subkey := msg.Subkey
		s.sec.acceptorSubKey = &subkey
	}

	s.sec.state = stateEstablished

	return nil
}

// krbInit loads the session's credential cache and obtains a service
// ticket for the SPN.
func (s *Session) krbInit(spn string) error {
	ccache, err := credentials.LoadCCache(krbCCFile())
	if err != nil {
		return krbError(ErrNegotiation, "loading credential cache", err)
	}

	cl, err := client.NewFromCCache(ccache, s.cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return krbError(ErrNegotiation, "creating client from credential cache",
			gssFatal(errNoCred, err))
	}

	if err := cl.AffirmLogin(); err != nil {
		cl.Destroy()
		return krbError(ErrNegotiation, "checking TGT", gssFatal(errCredentialsExpired, err))
	}

	tkt, key, err := cl.GetServiceTicket(spn)
	if err != nil {
		cl.Destroy()
		kind := ErrNegotiation
		var kerr krberror.Krberror
		if errors.As(err, &kerr) && kerr.RootCause == krberror.NetworkingError {
			kind = ErrKdcUnreachable
		}
		return krbError(kind, fmt.Sprintf("getting service ticket for %q", spn), err)
	}

	s.sec.krbClient = cl
	s.sec.ticket, s.sec.sessionKey = &tkt, &key

	return nil
}

func (s *Session) getAPReqMessage() (*messages.APReq, error) {
	cl := s.sec.krbClient

	auth, err := types.NewAuthenticator(cl.Credentials.Domain(), cl.Credentials.CName())
	if err != nil {
		return nil, krbError(ErrNegotiation, "generating authenticator", err)
	}

	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  newAuthenticatorChksum(s.sec.flags),
	}

	apreq, err := messages.NewAPReq(*s.sec.ticket, *s.sec.sessionKey, auth)
	if err != nil {
		return nil, krbError(ErrNegotiation, "generating AP-REQ", err)
	}

	// mutual authentication is always requested
	types.SetFlag(&apreq.APOptions, ianaflags.APOptionMutualRequired)

	// stash the sequence number for use in Wrap
	s.sec.ourSequenceNumber = uint64(auth.SeqNumber)

	// stash the authenticator time values for the mutual auth check
	s.sec.clientCTime = auth.CTime
	s.sec.clientCusec = auth.Cusec

	return &apreq, nil
}

// importServiceName converts a host-based service name of the form
// "service@host" into the SPN form "service/host" used by Kerberos. A
// name already in SPN form is accepted unchanged.
func importServiceName(name string) (string, error) {
	if name == "" {
		return "", krbError(ErrNameImport, "importing service name",
			gssFatal(errBadName, errors.New("empty service name")))
	}

	if i := strings.IndexByte(name, '@'); i >= 0 {
		service, host := name[:i], name[i+1:]
		if service == "" || host == "" || strings.ContainsAny(host, "@/") {
			return "", krbError(ErrNameImport, "importing service name",
				gssFatal(errBadName, fmt.Errorf("malformed host-based service name %q", name)))
		}
		return service + "/" + host, nil
	}

	if i := strings.IndexByte(name, '/'); i > 0 && i < len(name)-1 {
		return name, nil
	}

	return "", krbError(ErrNameImport, "importing service name",
		gssFatal(errBadName, fmt.Errorf("service name %q is not of the form service@host", name)))
}
