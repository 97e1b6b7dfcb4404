// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// buildLegacyHeader serializes a legacy (pre dynafed) header: the signblock
// challenge is part of the hashed prefix, the solution is not.
func buildLegacyHeader(t *testing.T, height uint32, prev [32]byte,
	timestamp uint32, challenge, solution []byte) (raw []byte, hashed int) {

	t.Helper()
	var buf bytes.Buffer
	var merkle [32]byte

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(0x20000000)))
	buf.Write(prev[:])
	buf.Write(merkle[:])
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, timestamp))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, height))

	require.NoError(t, wire.WriteVarInt(&buf, 0, uint64(len(challenge))))
	buf.Write(challenge)
	hashed = buf.Len()

	require.NoError(t, wire.WriteVarInt(&buf, 0, uint64(len(solution))))
	buf.Write(solution)
	return buf.Bytes(), hashed
}

func TestParseLegacyHeader(t *testing.T) {
	var prev [32]byte
	for i := range prev {
		prev[i] = byte(i)
	}
	challenge := []byte{0x51, 0x21, 0x03}
	solution := []byte{0x01, 0x02, 0x03, 0x04, 0x05}

	raw, hashed := buildLegacyHeader(t, 1234, prev, 1700000000,
		challenge, solution)

	h, err := parseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(1234), h.Height)
	require.Equal(t, int64(1700000000), h.Time.Unix())
	require.Equal(t, prev[:], h.Prev[:])

	// The block signature (the solution) is excluded from the hash.
	require.Equal(t, chainhash.DoubleHashH(raw[:hashed]), h.Hash)

	// A different solution does not change the block hash.
	raw2, _ := buildLegacyHeader(t, 1234, prev, 1700000000,
		challenge, []byte{0xff})
	h2, err := parseHeader(raw2)
	require.NoError(t, err)
	require.Equal(t, h.Hash, h2.Hash)

	// A different challenge does.
	raw3, _ := buildLegacyHeader(t, 1234, prev, 1700000000,
		[]byte{0x52}, solution)
	h3, err := parseHeader(raw3)
	require.NoError(t, err)
	require.NotEqual(t, h.Hash, h3.Hash)
}

func TestParseDynaFedHeader(t *testing.T) {
	var buf bytes.Buffer
	var prev, merkle, root [32]byte
	prev[0] = 0xaa

	require.NoError(t, binary.Write(&buf, binary.LittleEndian,
		uint32(0x20000000)|dynaFedBit))
	buf.Write(prev[:])
	buf.Write(merkle[:])
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(1700000123)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(77)))

	// Current params: compact entry with a one-byte signblock script.
	buf.WriteByte(1)
	require.NoError(t, wire.WriteVarInt(&buf, 0, 1))
	buf.WriteByte(0x51)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(100)))
	buf.Write(root[:])

	// Proposed params: null entry.
	buf.WriteByte(0)

	hashed := buf.Len()

	// Signblock witness, excluded from the hash.
	require.NoError(t, wire.WriteVarInt(&buf, 0, 3))
	buf.Write([]byte{1, 2, 3})

	raw := buf.Bytes()
	h, err := parseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(77), h.Height)
	require.Equal(t, prev[:], h.Prev[:])
	require.Equal(t, chainhash.DoubleHashH(raw[:hashed]), h.Hash)
}

func TestParseHeaderTruncated(t *testing.T) {
	var prev [32]byte
	raw, _ := buildLegacyHeader(t, 10, prev, 1700000000,
		[]byte{0x51}, []byte{0x01})

	// Cuts fall inside the version, prev hash, merkle root, time, height,
	// and challenge fields respectively.
	for _, cut := range []int{0, 3, 35, 67, 71, 75, 77} {
		_, err := parseHeader(raw[:cut])
		require.Error(t, err, "prefix length %d", cut)
	}
}
