// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// dynaFedBit is set in the header version when the block was produced under
// dynamic federations.  Such headers replace the legacy challenge/solution
// pair with serialized consensus parameter sets and a signblock witness.
const dynaFedBit = uint32(0x80000000)

// parseHeader decodes a consensus-serialized Elements block header.  The
// block hash covers everything up to, but not including, the block
// signature: the solution script for legacy headers, the signblock witness
// for dynamic-federations headers.  Since those trail all other fields, the
// hash is computed over the raw prefix that precedes them.
func parseHeader(raw []byte) (*BlockHeader, error) {
	r := bytes.NewReader(raw)

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("header version: %w", err)
	}

	var prev, merkle [32]byte
	if _, err := io.ReadFull(r, prev[:]); err != nil {
		return nil, fmt.Errorf("header prev hash: %w", err)
	}
	if _, err := io.ReadFull(r, merkle[:]); err != nil {
		return nil, fmt.Errorf("header merkle root: %w", err)
	}

	var timestamp, height uint32
	if err := binary.Read(r, binary.LittleEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("header time: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &height); err != nil {
		return nil, fmt.Errorf("header height: %w", err)
	}

	if version&dynaFedBit != 0 {
		// Current and proposed dynamic federation parameters are part
		// of the hashed portion.  The signblock witness that follows
		// them is not.
		for i := 0; i < 2; i++ {
			if err := skipDynaFedParams(r); err != nil {
				return nil, err
			}
		}
	} else {
		// The challenge script is hashed, the solution is not.
		if err := skipVarBytes(r); err != nil {
			return nil, fmt.Errorf("header challenge: %w", err)
		}
	}

	hashEnd := len(raw) - r.Len()
	prevHash, err := chainhash.NewHash(prev[:])
	if err != nil {
		return nil, err
	}

	return &BlockHeader{
		Height: height,
		Hash:   chainhash.DoubleHashH(raw[:hashEnd]),
		Prev:   *prevHash,
		Time:   time.Unix(int64(timestamp), 0),
	}, nil
}

// skipDynaFedParams advances r past one serialized dynamic-federation
// parameter entry.
func skipDynaFedParams(r *bytes.Reader) error {
	kind, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("dynafed params kind: %w", err)
	}
	switch kind {
	case 0:
		// Null entry.
		return nil

	case 1:
		// Compact: signblock script, witness limit, elided root.
		if err := skipVarBytes(r); err != nil {
			return fmt.Errorf("dynafed signblock script: %w", err)
		}
		if err := skipN(r, 4+32); err != nil {
			return fmt.Errorf("dynafed compact params: %w", err)
		}
		return nil

	case 2:
		// Full: signblock script, witness limit, fedpeg program,
		// fedpeg script, extension space.
		if err := skipVarBytes(r); err != nil {
			return fmt.Errorf("dynafed signblock script: %w", err)
		}
		if err := skipN(r, 4); err != nil {
			return fmt.Errorf("dynafed witness limit: %w", err)
		}
		for i := 0; i < 2; i++ {
			if err := skipVarBytes(r); err != nil {
				return fmt.Errorf("dynafed fedpeg field: %w", err)
			}
		}
		count, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return fmt.Errorf("dynafed extension count: %w", err)
		}
		for i := uint64(0); i < count; i++ {
			if err := skipVarBytes(r); err != nil {
				return fmt.Errorf("dynafed extension: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown dynafed params kind %d", kind)
	}
}

func skipVarBytes(r *bytes.Reader) error {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	return skipN(r, int64(n))
}

func skipN(r *bytes.Reader, n int64) error {
	if int64(r.Len()) < n {
		return io.ErrUnexpectedEOF
	}
	_, err := r.Seek(n, io.SeekCurrent)
	return err
}
