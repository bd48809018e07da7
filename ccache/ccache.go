// SPDX-License-Identifier: Apache-2.0

// Package ccache reads and writes MIT Kerberos credential cache files.
//
// The cache file is a binary big-endian format holding a default
// principal followed by any number of credentials. Version 4 (0x0504)
// is produced on write; versions 3 and 4 are accepted on read.
// Versions 1 and 2 use native byte order and are not supported.
package ccache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"
)

const (
	version3 = 0x0503
	version4 = 0x0504

	// maxFieldLen bounds any single length-prefixed field so a corrupt
	// length cannot trigger a huge allocation.
	maxFieldLen = 1 << 20
)

// Principal is a Kerberos principal as stored in the cache.
type Principal struct {
	NameType   int32
	Realm      string
	Components []string
}

// Credential is a single cache entry: a ticket plus the session key and
// validity times that accompany it.
type Credential struct {
	Client       Principal
	Server       Principal
	Key          types.EncryptionKey
	AuthTime     time.Time
	StartTime    time.Time
	EndTime      time.Time
	RenewTill    time.Time
	IsSKey       bool
	TicketFlags  uint32
	Ticket       []byte // DER-encoded Ticket
	SecondTicket []byte
}

// CCache is an in-memory credential cache.
type CCache struct {
	DefaultPrincipal Principal
	Credentials      []Credential
}

// New returns an empty cache for the given default principal.
func New(defaultPrincipal Principal) *CCache {
	return &CCache{DefaultPrincipal: defaultPrincipal}
}

// AddCredential appends a credential to the cache.
func (cc *CCache) AddCredential(cred Credential) {
	cc.Credentials = append(cc.Credentials, cred)
}

// Load reads a cache file from disk.
func Load(path string) (*CCache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credential cache: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads a cache from r.
func Parse(r io.Reader) (*CCache, error) {
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("reading cache version: %w", err)
	}
	if version != version3 && version != version4 {
		return nil, fmt.Errorf("unsupported credential cache version 0x%04x", version)
	}

	if version == version4 {
		// Skip the tagged header fields.
		var headerLen uint16
		if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
			return nil, fmt.Errorf("reading cache header: %w", err)
		}
		if _, err := io.CopyN(io.Discard, r, int64(headerLen)); err != nil {
			return nil, fmt.Errorf("reading cache header: %w", err)
		}
	}

	cc := &CCache{}

	princ, err := readPrincipal(r)
	if err != nil {
		return nil, fmt.Errorf("reading default principal: %w", err)
	}
	cc.DefaultPrincipal = princ

	for {
		cred, err := readCredential(r, version)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading credential: %w", err)
		}
		cc.Credentials = append(cc.Credentials, cred)
	}

	return cc, nil
}

// WriteFile writes the cache to path in version 4 format, truncating any
// existing file.
func (cc *CCache) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := cc.Write(&buf); err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0600)
}

// Write writes the cache to w in version 4 format.
func (cc *CCache) Write(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint16(version4)); err != nil {
		return err
	}

	// No tagged header fields.
	if err := binary.Write(w, binary.BigEndian, uint16(0)); err != nil {
		return err
	}

	if err := writePrincipal(w, cc.DefaultPrincipal); err != nil {
		return err
	}

	for i := range cc.Credentials {
		if err := writeCredential(w, &cc.Credentials[i]); err != nil {
			return err
		}
	}

	return nil
}

func readPrincipal(r io.Reader) (Principal, error) {
	var p Principal

	if err := binary.Read(r, binary.BigEndian, &p.NameType); err != nil {
		return p, err
	}

	var numComp uint32
	if err := binary.Read(r, binary.BigEndian, &numComp); err != nil {
		return p, err
	}

	realm, err := readData(r)
	if err != nil {
		return p, err
	}
	p.Realm = string(realm)

	p.Components = make([]string, numComp)
	for i := uint32(0); i < numComp; i++ {
		comp, err := readData(r)
		if err != nil {
			return p, err
		}
		p.Components[i] = string(comp)
	}

	return p, nil
}

func writePrincipal(w io.Writer, p Principal) error {
	if err := binary.Write(w, binary.BigEndian, p.NameType); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.Components))); err != nil {
		return err
	}
	if err := writeData(w, []byte(p.Realm)); err != nil {
		return err
	}
	for _, comp := range p.Components {
		if err := writeData(w, []byte(comp)); err != nil {
			return err
		}
	}

	return nil
}

func readCredential(r io.Reader, version uint16) (Credential, error) {
	var c Credential

	client, err := readPrincipal(r)
	if err != nil {
		return c, err
	}
	c.Client = client

	server, err := readPrincipal(r)
	if err != nil {
		return c, err
	}
	c.Server = server

	var keyType uint16
	if err := binary.Read(r, binary.BigEndian, &keyType); err != nil {
		return c, err
	}
	// Version 3 stores the enctype twice.
	if version == version3 {
		if err := binary.Read(r, binary.BigEndian, &keyType); err != nil {
			return c, err
		}
	}
	keyValue, err := readData(r)
	if err != nil {
		return c, err
	}
	c.Key = types.EncryptionKey{KeyType: int32(keyType), KeyValue: keyValue}

	times := make([]uint32, 4)
	for i := range times {
		if err := binary.Read(r, binary.BigEndian, &times[i]); err != nil {
			return c, err
		}
	}
	c.AuthTime = time.Unix(int64(times[0]), 0)
	c.StartTime = time.Unix(int64(times[1]), 0)
	c.EndTime = time.Unix(int64(times[2]), 0)
	c.RenewTill = time.Unix(int64(times[3]), 0)

	var isSKey uint8
	if err := binary.Read(r, binary.BigEndian, &isSKey); err != nil {
		return c, err
	}
	c.IsSKey = isSKey != 0

	if err := binary.Read(r, binary.BigEndian, &c.TicketFlags); err != nil {
		return c, err
	}

	// Addresses and authorization data are skipped.
	for i := 0; i < 2; i++ {
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return c, err
		}
		for j := uint32(0); j < count; j++ {
			var typ uint16
			if err := binary.Read(r, binary.BigEndian, &typ); err != nil {
				return c, err
			}
			if _, err := readData(r); err != nil {
				return c, err
			}
		}
	}

	c.Ticket, err = readData(r)
	if err != nil {
		return c, err
	}
	c.SecondTicket, err = readData(r)
	if err != nil {
		return c, err
	}

	return c, nil
}

func writeCredential(w io.Writer, c *Credential) error {
	if err := writePrincipal(w, c.Client); err != nil {
		return err
	}
	if err := writePrincipal(w, c.Server); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint16(c.Key.KeyType)); err != nil {
		return err
	}
	if err := writeData(w, c.Key.KeyValue); err != nil {
		return err
	}

	times := []uint32{
		unixOrZero(c.AuthTime),
		unixOrZero(c.StartTime),
		unixOrZero(c.EndTime),
		unixOrZero(c.RenewTill),
	}
	for _, t := range times {
		if err := binary.Write(w, binary.BigEndian, t); err != nil {
			return err
		}
	}

	var isSKey uint8
	if c.IsSKey {
		isSKey = 1
	}
	if err := binary.Write(w, binary.BigEndian, isSKey); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.TicketFlags); err != nil {
		return err
	}

	// No addresses, no authorization data.
	if err := binary.Write(w, binary.BigEndian, uint32(0)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(0)); err != nil {
		return err
	}

	if err := writeData(w, c.Ticket); err != nil {
		return err
	}

	return writeData(w, c.SecondTicket)
}

func unixOrZero(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}

	return uint32(t.Unix())
}

func readData(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds maximum %d", length, maxFieldLen)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

func writeData(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err := w.Write(data)

	return err
}
