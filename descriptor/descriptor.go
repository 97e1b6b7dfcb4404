// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements parsing of confidential output descriptors
// in the form
//
//	ct(BLINDING,elwpkh(XPUB[/path...][/*]))[#checksum]
//
// and the deterministic derivation of spending scripts, confidential
// addresses, and per-script blinding keys from them.  BLINDING is one of
//
//	slip77(<64 hex chars>)  a SLIP-0077 master blinding key
//	<64 hex chars>          a static private view key
//	bare(<66 hex chars>)    a bare public key, which cannot derive
//
// The bare variant parses, but has no secret to derive per-address blinding
// keys from, so any derivation against it fails with
// ErrUnsupportedBlinding.
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/vulpemventures/go-elements/payment"
	"github.com/vulpemventures/go-elements/slip77"

	"github.com/elementsuite/elwallet/netparams"
)

var (
	// ErrUnsupportedBlinding is returned when a descriptor's blinding-key
	// variant has no secret from which a per-address blinding key can be
	// derived.  This is a configuration error, surfaced on the first
	// derivation attempt.
	ErrUnsupportedBlinding = errors.New("descriptor blinding key variant " +
		"cannot derive per-address blinding keys")

	// ErrHardenedDerivation is returned when the descriptor's derivation
	// path contains a hardened step, which cannot be derived from an
	// extended public key.
	ErrHardenedDerivation = errors.New("hardened derivation from an " +
		"extended public key is not possible")
)

// blindingVariant enumerates the supported blinding-key specifiers.
type blindingVariant uint8

const (
	blindingSlip77 blindingVariant = iota
	blindingView
	blindingBare
)

// Descriptor is a parsed confidential output descriptor.  It is immutable
// after Parse and safe for concurrent use.
type Descriptor struct {
	raw     string
	net     *netparams.Params
	variant blindingVariant

	// master is the SLIP-0077 master blinding key, set only for the
	// slip77 variant.
	master *slip77.Slip77

	// view is the static private view key, set only for the view variant.
	view *btcec.PrivateKey

	xpub *hdkeychain.ExtendedKey

	// path holds the fixed derivation steps between the xpub and the
	// wildcard, e.g. [0] for .../0/*.  Empty when the xpub is followed
	// directly by the wildcard or by nothing at all.
	path []uint32
}

// Derived is the result of deriving a descriptor at one index.
type Derived struct {
	// Index is the derivation index the result was produced from.
	Index uint32

	// Script is the P2WPKH spending script.
	Script []byte

	// Address is the confidential (blech32) address encoding of Script
	// together with the blinding public key.
	Address string

	// BlindingPubKey is the blinding public key embedded in Address.
	BlindingPubKey *btcec.PublicKey
}

// Parse parses the string form of a confidential descriptor for the given
// network.  A trailing #checksum is accepted if it has the conventional
// 8-character length; its value is not verified.
func Parse(s string, net *netparams.Params) (*Descriptor, error) {
	if net == nil {
		return nil, errors.New("descriptor requires network parameters")
	}
	raw := s

	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		if len(s)-i-1 != 8 {
			return nil, fmt.Errorf("malformed checksum %q", s[i+1:])
		}
		s = s[:i]
	}

	if !strings.HasPrefix(s, "ct(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("not a ct() descriptor: %q", raw)
	}
	inner := s[len("ct(") : len(s)-1]

	// The blinding specifier is everything up to the comma that starts
	// the script expression.  The specifier itself may contain
	// parentheses (slip77(...), bare(...)), so find the comma at nesting
	// depth zero.
	sep := -1
	depth := 0
	for i, r := range inner {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				sep = i
			}
		}
		if sep >= 0 {
			break
		}
	}
	if sep < 0 {
		return nil, fmt.Errorf("missing script expression in %q", raw)
	}

	d := &Descriptor{raw: raw, net: net}
	if err := d.parseBlinding(inner[:sep]); err != nil {
		return nil, err
	}
	if err := d.parseScript(inner[sep+1:]); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) parseBlinding(s string) error {
	switch {
	case strings.HasPrefix(s, "slip77(") && strings.HasSuffix(s, ")"):
		keyHex := s[len("slip77(") : len(s)-1]
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("malformed slip77 master key %q", keyHex)
		}
		master, err := slip77.FromMasterKey(key)
		if err != nil {
			return fmt.Errorf("slip77 master key: %w", err)
		}
		d.variant = blindingSlip77
		d.master = master
		return nil

	case strings.HasPrefix(s, "bare(") && strings.HasSuffix(s, ")"):
		keyHex := s[len("bare(") : len(s)-1]
		if b, err := hex.DecodeString(keyHex); err != nil || len(b) != 33 {
			return fmt.Errorf("malformed bare blinding key %q", keyHex)
		}
		d.variant = blindingBare
		return nil

	default:
		b, err := hex.DecodeString(s)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("unrecognized blinding specifier %q", s)
		}
		priv, _ := btcec.PrivKeyFromBytes(b)
		d.variant = blindingView
		d.view = priv
		return nil
	}
}

func (d *Descriptor) parseScript(s string) error {
	if !strings.HasPrefix(s, "elwpkh(") || !strings.HasSuffix(s, ")") {
		return fmt.Errorf("unsupported script expression %q", s)
	}
	expr := s[len("elwpkh(") : len(s)-1]

	parts := strings.Split(expr, "/")
	xpub, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return fmt.Errorf("extended public key: %w", err)
	}
	if xpub.IsPrivate() {
		return errors.New("descriptor must use an extended public key")
	}
	d.xpub = xpub

	for i, seg := range parts[1:] {
		if seg == "*" {
			if i != len(parts[1:])-1 {
				return fmt.Errorf("wildcard must be the final "+
					"path element in %q", expr)
			}
			return nil
		}
		if strings.HasSuffix(seg, "'") || strings.HasSuffix(seg, "h") {
			return ErrHardenedDerivation
		}
		n, err := strconv.ParseUint(seg, 10, 32)
		if err != nil || n >= hdkeychain.HardenedKeyStart {
			return fmt.Errorf("bad derivation step %q", seg)
		}
		d.path = append(d.path, uint32(n))
	}
	return nil
}

// String returns the descriptor in its original string form.
func (d *Descriptor) String() string {
	return d.raw
}

// Network returns the network parameters the descriptor was parsed for.
func (d *Descriptor) Network() *netparams.Params {
	return d.net
}

// ID returns a stable identifier for the descriptor on its network,
// suitable for deriving per-wallet storage paths.  Distinct descriptors, or
// the same descriptor on distinct networks, produce distinct ids.
func (d *Descriptor) ID() string {
	sum := sha256.Sum256([]byte(d.raw + "@" + d.net.Name))
	return hex.EncodeToString(sum[:])
}

// pubKeyAt derives the spending public key for the given index.
func (d *Descriptor) pubKeyAt(index uint32) (*btcec.PublicKey, error) {
	key := d.xpub
	var err error
	for _, step := range d.path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive step %d: %w", step, err)
		}
	}
	key, err = key.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	return key.ECPubKey()
}

// ScriptAt derives the P2WPKH spending script for the given index.  It is a
// pure function of (descriptor, index) and does not require a derivable
// blinding key, so it works for all blinding variants.
func (d *Descriptor) ScriptAt(index uint32) ([]byte, error) {
	pub, err := d.pubKeyAt(index)
	if err != nil {
		return nil, err
	}
	script := make([]byte, 0, 22)
	script = append(script, 0x00, 0x14)
	script = append(script, btcutil.Hash160(pub.SerializeCompressed())...)
	return script, nil
}

// Derive derives the spending script and confidential address for the given
// index.  It fails with ErrUnsupportedBlinding for the bare variant, which
// has no way to produce a per-address blinding key.
func (d *Descriptor) Derive(index uint32) (*Derived, error) {
	pub, err := d.pubKeyAt(index)
	if err != nil {
		return nil, err
	}
	script := make([]byte, 0, 22)
	script = append(script, 0x00, 0x14)
	script = append(script, btcutil.Hash160(pub.SerializeCompressed())...)

	blindPriv, err := d.BlindingKey(script)
	if err != nil {
		return nil, err
	}
	blindPub := blindPriv.PubKey()
	blindPriv.Zero()

	pay := payment.FromPublicKey(pub, d.net.Network, blindPub)
	addr, err := pay.ConfidentialWitnessPubKeyHash()
	if err != nil {
		return nil, fmt.Errorf("confidential address: %w", err)
	}

	return &Derived{
		Index:          index,
		Script:         script,
		Address:        addr,
		BlindingPubKey: blindPub,
	}, nil
}

// BlindingKey resolves the blinding private key that applies to the given
// spending script.  The caller owns the returned key and should zero it
// after use.
func (d *Descriptor) BlindingKey(script []byte) (*btcec.PrivateKey, error) {
	switch d.variant {
	case blindingSlip77:
		priv, _, err := d.master.DeriveKey(script)
		if err != nil {
			return nil, fmt.Errorf("slip77 derive: %w", err)
		}
		return priv, nil

	case blindingView:
		// The static view key applies to every script.  Return a
		// copy so the caller can zero it freely.
		priv, _ := btcec.PrivKeyFromBytes(d.view.Serialize())
		return priv, nil

	default:
		return nil, ErrUnsupportedBlinding
	}
}
