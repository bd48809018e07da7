// SPDX-License-Identifier: Apache-2.0

// krb5-session-client demonstrates the krbsession library against a
// GSSAPI acceptor reached over TCP. Context tokens and wrapped
// messages are framed with a 4-byte big-endian length prefix.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/term"

	krbsession "github.com/golang-auth/go-krbsession"
)

func main() {
	var (
		kdc       = flag.String("kdc", "", "KDC host (host or host:port)")
		realm     = flag.String("realm", "", "Kerberos realm")
		principal = flag.String("principal", "", "client principal, e.g. alice or alice@EXAMPLE.COM")
		keytabF   = flag.String("keytab", "", "authenticate with this keytab instead of a password")
		service   = flag.String("service", "", "target service, e.g. host@server.example.com")
		addr      = flag.String("addr", "", "acceptor address, host:port")
		message   = flag.String("message", "hello from krbsession", "message to wrap and send")
		debug     = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *kdc == "" || *realm == "" || *principal == "" || *service == "" || *addr == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*kdc, *realm, *principal, *keytabF, *service, *addr, *message, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "krb5-session-client: %v\n", err)
		os.Exit(1)
	}
}

func run(kdc, realm, principal, keytabF, service, addr, message string, debug bool) error {
	opts := []krbsession.Option{}
	if debug {
		opts = append(opts, krbsession.WithLogger(
			slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	}

	sess, err := krbsession.New(kdc, realm, opts...)
	if err != nil {
		return err
	}
	defer sess.Close()

	if keytabF != "" {
		err = sess.AuthenticateWithKeytab(principal, keytabF)
	} else {
		err = sess.AuthenticateWithPassword(principal, readPassword())
	}
	if err != nil {
		return err
	}

	if lt := sess.Lifetime(); lt.Status == krbsession.LifetimeAvailable {
		fmt.Printf("credentials valid until %s\n", lt.ExpiresAt.Format(time.RFC1123))
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drive the negotiation to completion, relaying tokens to and
	// from the acceptor.
	var inToken []byte
	for {
		outToken, completed, err := sess.Step(service, inToken)
		if err != nil {
			return err
		}
		if len(outToken) > 0 {
			if err := writeFrame(conn, outToken); err != nil {
				return err
			}
		}
		if completed {
			break
		}
		if inToken, err = readFrame(conn); err != nil {
			return err
		}
	}

	for _, f := range krbsession.FlagList(sess.ContextFlags()) {
		fmt.Printf("negotiated: %s\n", krbsession.FlagName(f))
	}

	wrapped, err := sess.Wrap([]byte(message))
	if err != nil {
		return err
	}
	if err := writeFrame(conn, wrapped); err != nil {
		return err
	}

	reply, err := readFrame(conn)
	if err != nil {
		return err
	}
	plain, err := sess.Unwrap(reply)
	if err != nil {
		return err
	}
	fmt.Printf("peer says: %s\n", plain)

	return nil
}

func readPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		passBytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return ""
		}
		return string(passBytes)
	}

	// not a terminal, read a line from stdin
	var pass string
	fmt.Fscanln(os.Stdin, &pass)
	return pass
}

func writeFrame(conn net.Conn, b []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(b)))
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	b := make([]byte, binary.BigEndian.Uint32(hdr))
	if _, err := io.ReadFull(conn, b); err != nil {
		return nil, err
	}
	return b, nil
}
