// SPDX-License-Identifier: Apache-2.0

// Package krbsession provides isolated, per-instance Kerberos
// authentication and GSSAPI secure-channel sessions.
//
// A Session owns a private krb5 configuration file and credential cache,
// generated under the temporary-file area with a random per-session
// identifier, so that multiple sessions against different realms and
// KDCs can coexist in one process without sharing credential state.
// The underlying Kerberos library locates both files through the
// KRB5_CONFIG and KRB5CCNAME environment variables; every operation that
// touches the library therefore runs inside a process-wide environment
// scope that swaps the variables in and restores the previous values on
// exit.
//
// The usual lifecycle is:
//
//	sess, err := krbsession.New("kdc.example.com", "EXAMPLE.COM")
//	if err != nil { ... }
//	defer sess.Close()
//
//	err = sess.AuthenticateWithPassword("alice@EXAMPLE.COM", password)
//
//	var input []byte
//	for {
//		output, completed, err := sess.Step("HTTP@service.example.com", input)
//		if err != nil { ... }
//		if len(output) > 0 {
//			send(output)
//		}
//		if completed {
//			break
//		}
//		input = receive()
//	}
//
//	sealed, err := sess.Wrap(message)
//
// A Session is safe for use from multiple goroutines. Concurrent
// sessions are supported and are serialized only while the environment
// variables are swapped in.
package krbsession
