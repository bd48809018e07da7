// SPDX-License-Identifier: Apache-2.0

package krbsession

import (
	"errors"
)

// Wrap seals msg for the peer: the payload is encrypted and bound to
// the context's sequence number. The context must be established.
func (s *Session) Wrap(msg []byte) ([]byte, error) {
	return s.wrap(msg, true)
}

// WrapSigned protects msg with an integrity checksum only; the payload
// itself travels in the clear. The context must be established.
func (s *Session) WrapSigned(msg []byte) ([]byte, error) {
	return s.wrap(msg, false)
}

func (s *Session) wrap(msg []byte, sealed bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.protectReady("wrapping message"); err != nil {
		return nil, err
	}

	wt, err := s.sec.newWrapToken(msg, sealed)
	if err != nil {
		return nil, krbError(ErrProtection, "wrapping message", err)
	}

	token, err := wt.Marshal()
	if err != nil {
		return nil, krbError(ErrProtection, "wrapping message", err)
	}

	return token, nil
}

// Unwrap verifies and removes the protection from a token received
// from the peer, returning the original message. Sealed tokens are
// decrypted; signed tokens have their checksum verified. The context
// must be established.
//
// A token that verifies but arrives out of order is still returned,
// along with an InfoStatus error matching InfoUnseqToken or
// InfoGapToken under errors.Is.
func (s *Session) Unwrap(token []byte) ([]byte, error) {
	const op = "unwrapping message"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.protectReady(op); err != nil {
		return nil, err
	}

	wt := wrapToken{}
	if err := wt.Unmarshal(token); err != nil {
		return nil, krbError(ErrProtection, op, gssFatal(errDefectiveToken, err))
	}

	key := s.sec.sessionKey
	if wt.Flags&tokenFlagAcceptorSubkey != 0 {
		if s.sec.acceptorSubKey == nil {
			return nil, krbError(ErrProtection, op,
				errors.New("acceptor subkey was not negotiated"))
		}
		key = s.sec.acceptorSubKey
	}

	// the peer is the acceptor; verify the token's integrity and
	// recover the unsealed / unsigned payload
	if _, err := wt.VerifyAndDecode(*key, true); err != nil {
		return nil, krbError(ErrProtection, op, gssFatal(errBadMic, err))
	}

	if s.sec.flags&ContextFlagSequence != 0 {
		if info := s.sec.checkRecvSequence(wt.SequenceNumber); info != 0 {
			return wt.Payload, gssInfo(info)
		}
	}

	return wt.Payload, nil
}

// MIC returns a detached integrity token over msg. The message itself
// is not carried in the token; transmit it separately and have the
// peer check it with the token. The context must be established.
func (s *Session) MIC(msg []byte) ([]byte, error) {
	const op = "signing message"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.protectReady(op); err != nil {
		return nil, err
	}

	mt := micToken{SequenceNumber: s.sec.ourSequenceNumber}

	key := s.sec.sessionKey
	if s.sec.acceptorSubKey != nil {
		key = s.sec.acceptorSubKey
		mt.Flags |= tokenFlagAcceptorSubkey
	}

	if err := mt.Sign(msg, *key); err != nil {
		return nil, krbError(ErrProtection, op, err)
	}

	token, err := mt.Marshal()
	if err != nil {
		return nil, krbError(ErrProtection, op, err)
	}
	s.sec.ourSequenceNumber++

	return token, nil
}

// VerifyMIC checks a detached integrity token received from the peer
// against msg. The context must be established.
//
// A token that verifies but arrives out of order yields an InfoStatus
// error matching InfoUnseqToken or InfoGapToken under errors.Is.
func (s *Session) VerifyMIC(msg, token []byte) error {
	const op = "verifying message signature"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.protectReady(op); err != nil {
		return err
	}

	mt := micToken{}
	if err := mt.Unmarshal(token); err != nil {
		return krbError(ErrProtection, op, gssFatal(errDefectiveToken, err))
	}

	key := s.sec.sessionKey
	if mt.Flags&tokenFlagAcceptorSubkey != 0 {
		if s.sec.acceptorSubKey == nil {
			return krbError(ErrProtection, op,
				errors.New("acceptor subkey was not negotiated"))
		}
		key = s.sec.acceptorSubKey
	}

	if err := mt.Verify(msg, *key, true); err != nil {
		return krbError(ErrProtection, op, gssFatal(errBadMic, err))
	}

	if s.sec.flags&ContextFlagSequence != 0 {
		if info := s.sec.checkRecvSequence(mt.SequenceNumber); info != 0 {
			return gssInfo(info)
		}
	}

	return nil
}

// checkRecvSequence compares a received token's sequence number
// against the next expected one. An exact match advances the
// expectation and returns 0; tokens already superseded report
// infoUnseqToken, and a jump ahead reports infoGapToken and resumes
// the sequence past the jump. See RFC 4121 § 4.2.5.
func (c *secContext) checkRecvSequence(seq uint64) InformationCode {
	switch {
	case seq == c.theirSequenceNumber:
		c.theirSequenceNumber++
		return 0
	case seq < c.theirSequenceNumber:
		return infoUnseqToken
	default:
		c.theirSequenceNumber = seq + 1
		return infoGapToken
	}
}

func (s *Session) protectReady(op string) error {
	if s.closed {
		return krbError(ErrSessionClosed, op, errors.New("session is closed"))
	}
	if s.sec.state != stateEstablished {
		return krbError(ErrContextNotEstablished, op, gssFatal(errNoContext,
			errors.New("complete negotiation before exchanging messages")))
	}

	return nil
}

// newWrapToken builds a protected token carrying payload, using the
// acceptor subkey when one was negotiated.
func (c *secContext) newWrapToken(payload []byte, sealed bool) (token wrapToken, err error) {
	var flags messageTokenFlag

	if sealed {
		flags |= tokenFlagSealed
	}

	// use the acceptor subkey if it was negotiated during auth
	key := c.sessionKey
	if c.acceptorSubKey != nil {
		key = c.acceptorSubKey
		flags |= tokenFlagAcceptorSubkey
	}

	token = wrapToken{
		Flags:          flags,
		SequenceNumber: c.ourSequenceNumber,
		Payload:        append([]byte(nil), payload...),
	}

	// encrypt or sign the payload, see RFC 4121 § 4.2.4
	if sealed {
		err = token.Seal(*key)
	} else {
		err = token.Sign(*key)
	}

	if err == nil {
		c.ourSequenceNumber++ // only bump the sequence number if everything is good
	}

	return
}
