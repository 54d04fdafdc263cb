/*
 * Copyright (c) 2021, TeaVPN2 Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type decodedFrame struct {
	packetType ClientPacketType
	payload    []byte
}

// collectFrames runs the reactor's decode loop over a fresh buffer fed
// with stream, in chunks of chunkSize bytes.
func collectFrames(t *testing.T, stream []byte, chunkSize int) ([]decodedFrame, int, bool) {

	var buf [PacketBufferSize]byte
	fill := 0
	corrupt := false
	var frames []decodedFrame

	for offset := 0; offset < len(stream); offset += chunkSize {
		end := offset + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		chunk := stream[offset:end]
		require.LessOrEqual(t, fill+len(chunk), PacketBufferSize)
		copy(buf[fill:], chunk)
		fill += len(chunk)

		fill, corrupt = drainFrames(buf[:], fill,
			func(packetType ClientPacketType, payload []byte) bool {
				frames = append(frames, decodedFrame{
					packetType: packetType,
					payload:    append([]byte(nil), payload...),
				})
				return true
			})
		if corrupt {
			fill = 0
			break
		}
	}

	return frames, fill, corrupt
}

func TestPacketRoundTrip(t *testing.T) {

	payloads := [][]byte{
		nil,
		{0x01},
		bytes.Repeat([]byte{0xA5}, 100),
		bytes.Repeat([]byte{0x00}, PacketPayloadMax),
	}

	for _, payload := range payloads {
		var wire [PacketBufferSize]byte
		size := putPacket(wire[:], uint8(ClientPacketIfaceData), payload)
		require.Equal(t, PacketHeaderSize+len(payload), size)

		frames, fill, corrupt := collectFrames(t, wire[:size], size)
		require.False(t, corrupt)
		require.Equal(t, 0, fill)
		require.Len(t, frames, 1)
		require.Equal(t, ClientPacketIfaceData, frames[0].packetType)
		require.Equal(t, len(payload), len(frames[0].payload))
		require.Equal(t, []byte(payload), append([]byte(nil), frames[0].payload...))
	}
}

func TestPacketDecodeByteAtATime(t *testing.T) {

	// A stream of three frames must decode identically whether it
	// arrives all at once or one byte at a time.

	var stream []byte
	var scratch [PacketBufferSize]byte

	expected := []decodedFrame{
		{ClientPacketHello, []byte{}},
		{ClientPacketAuth, bytes.Repeat([]byte{0x42}, AuthPayloadSize)},
		{ClientPacketIfaceData, []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}
	for _, frame := range expected {
		size := putPacket(scratch[:], uint8(frame.packetType), frame.payload)
		stream = append(stream, scratch[:size]...)
	}

	for _, chunkSize := range []int{1, 2, 3, 7, len(stream)} {
		frames, fill, corrupt := collectFrames(t, stream, chunkSize)
		require.False(t, corrupt, "chunk size %d", chunkSize)
		require.Equal(t, 0, fill, "chunk size %d", chunkSize)
		require.Len(t, frames, len(expected), "chunk size %d", chunkSize)
		for i := range expected {
			require.Equal(t, expected[i].packetType, frames[i].packetType)
			require.Equal(t,
				append([]byte(nil), expected[i].payload...),
				frames[i].payload)
		}
	}
}

func TestPacketDecodeNeedMore(t *testing.T) {

	var wire [PacketBufferSize]byte
	size := putPacket(wire[:], uint8(ClientPacketIfaceData), []byte{1, 2, 3, 4, 5})

	// Header not yet complete.
	_, _, _, result := peekFrame(wire[:], 3)
	require.Equal(t, decodeNeedMore, result)

	// Header complete, payload not.
	_, _, _, result = peekFrame(wire[:], size-1)
	require.Equal(t, decodeNeedMore, result)

	packetType, payload, consumed, result := peekFrame(wire[:], size)
	require.Equal(t, decodeFrame, result)
	require.Equal(t, ClientPacketIfaceData, packetType)
	require.Equal(t, size, consumed)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, payload)
}

func TestPacketDecodeCorruptLength(t *testing.T) {

	// 04 00 FF FF: length 65535 exceeds the payload cap. The decoder
	// reports corruption without consuming a frame and without
	// attempting resynchronization.

	buf := []byte{0x04, 0x00, 0xFF, 0xFF}
	_, _, _, result := peekFrame(buf, len(buf))
	require.Equal(t, decodeCorrupt, result)

	// Corruption after a good frame: the good frame decodes, then the
	// corrupt header stops the drain with corrupt set.
	var stream []byte
	var scratch [PacketBufferSize]byte
	size := putPacket(scratch[:], uint8(ClientPacketHello), nil)
	stream = append(stream, scratch[:size]...)
	stream = append(stream, buf...)

	frames, fill, corrupt := collectFrames(t, stream, len(stream))
	require.True(t, corrupt)
	require.Equal(t, 0, fill)
	require.Len(t, frames, 1)
	require.Equal(t, ClientPacketHello, frames[0].packetType)
}

func TestBannerMarshal(t *testing.T) {

	var payload [BannerPayloadSize]byte
	size := marshalBanner(payload[:], &serverBanner)
	require.Equal(t, BannerPayloadSize, size)
	require.Equal(t,
		[]byte{0, 0, 1, 0, 0, 1, 0, 0, 1},
		payload[:])
}

func TestAuthPayloadParse(t *testing.T) {

	payload := make([]byte, AuthPayloadSize)
	copy(payload, "alice\x00garbage-after-nul")
	copy(payload[AuthUsernameSize:], "p\x00")

	username, password, err := parseAuthPayload(payload)
	require.NoError(t, err)
	require.Equal(t, "alice", username)
	require.Equal(t, "p", password)

	// Unterminated fields are terminated at field end by the server.
	for i := range payload {
		payload[i] = 'x'
	}
	username, password, err = parseAuthPayload(payload)
	require.NoError(t, err)
	require.Equal(t, AuthUsernameSize-1, len(username))
	require.Equal(t, AuthPasswordSize-1, len(password))

	_, _, err = parseAuthPayload(payload[:AuthPayloadSize-1])
	require.Error(t, err)
}

func TestIfaceCfgMarshalRoundTrip(t *testing.T) {

	cfg := IfaceCfg{
		Dev:     "teavpn2-srv",
		IPv4:    "10.8.8.2",
		Netmask: "255.255.255.0",
		MTU:     1480,
	}

	var payload [IfaceCfgPayloadSize]byte
	size := marshalIfaceCfg(payload[:], &cfg)
	require.Equal(t, IfaceCfgPayloadSize, size)
	require.Equal(t, 50, size)

	decoded, err := unmarshalIfaceCfg(payload[:])
	require.NoError(t, err)
	require.Equal(t, cfg, decoded)

	_, err = unmarshalIfaceCfg(payload[:size-1])
	require.Error(t, err)
}
