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
	"encoding/binary"

	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
)

// Wire framing, both directions:
//
//	+--------+--------+-----------------+----------------------+
//	| type   | pad    | length (u16 BE) | payload              |
//	| 1 byte | 1 byte | 2 bytes         | length bytes, <=4096 |
//	+--------+--------+-----------------+----------------------+
//
// All other multi-byte payload fields are little-endian.
const (
	PacketHeaderSize = 4
	PacketPayloadMax = 4096
	PacketBufferSize = PacketHeaderSize + PacketPayloadMax
)

// ClientPacketType enumerates client-to-server frame types.
type ClientPacketType uint8

const (
	ClientPacketHello     ClientPacketType = 0
	ClientPacketAuth      ClientPacketType = 1
	ClientPacketIfaceAck  ClientPacketType = 2
	ClientPacketIfaceFail ClientPacketType = 3
	ClientPacketIfaceData ClientPacketType = 4
	ClientPacketReqSync   ClientPacketType = 5
	ClientPacketClose     ClientPacketType = 6
)

// ServerPacketType enumerates server-to-client frame types.
type ServerPacketType uint8

const (
	ServerPacketBanner     ServerPacketType = 0
	ServerPacketAuthOK     ServerPacketType = 1
	ServerPacketAuthReject ServerPacketType = 2
	ServerPacketData       ServerPacketType = 3
	ServerPacketClose      ServerPacketType = 4
)

// putPacket encodes one frame into dst and returns the total number of
// bytes written. dst must have room for PacketHeaderSize+len(payload)
// bytes; the caller bounds payload at PacketPayloadMax.
func putPacket(dst []byte, packetType uint8, payload []byte) int {
	dst[0] = packetType
	dst[1] = 0
	binary.BigEndian.PutUint16(dst[2:4], uint16(len(payload)))
	copy(dst[PacketHeaderSize:], payload)
	return PacketHeaderSize + len(payload)
}

type decodeResult int

const (
	// decodeNeedMore indicates the buffer holds no complete frame;
	// accumulated bytes must be preserved.
	decodeNeedMore decodeResult = iota

	// decodeFrame indicates one frame was decoded.
	decodeFrame

	// decodeCorrupt indicates the header carries a length exceeding
	// PacketPayloadMax; the whole buffer must be discarded without
	// resynchronization.
	decodeCorrupt
)

// peekFrame examines the valid prefix buf[:fill] and attempts to decode
// one frame. On decodeFrame, payload aliases buf and consumed is the
// total frame size; the caller must finish with the payload before
// compacting the buffer.
func peekFrame(buf []byte, fill int) (ClientPacketType, []byte, int, decodeResult) {

	if fill < PacketHeaderSize {
		return 0, nil, 0, decodeNeedMore
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length > PacketPayloadMax {
		return 0, nil, 0, decodeCorrupt
	}

	consumed := PacketHeaderSize + length
	if consumed > fill {
		return 0, nil, 0, decodeNeedMore
	}

	return ClientPacketType(buf[0]), buf[PacketHeaderSize:consumed], consumed, decodeFrame
}

// drainFrames decodes every complete frame in buf[:fill], invoking
// handle for each and compacting the tail to the buffer head between
// frames. handle returns false to stop processing, which the caller
// uses when a frame terminates the connection.
//
// The returned fill is the residual valid prefix. corrupt reports that
// a corrupt-length header was seen; the residue is discarded (fill 0)
// and no resynchronization is attempted.
func drainFrames(
	buf []byte,
	fill int,
	handle func(packetType ClientPacketType, payload []byte) bool) (int, bool) {

	for {
		packetType, payload, consumed, result := peekFrame(buf, fill)

		switch result {

		case decodeNeedMore:
			return fill, false

		case decodeCorrupt:
			return 0, true

		case decodeFrame:
			proceed := handle(packetType, payload)
			tail := fill - consumed
			if tail > 0 {
				copy(buf, buf[consumed:fill])
			}
			fill = tail
			if !proceed {
				return fill, false
			}
		}
	}
}

// VersionTriple is one protocol version number in the banner.
type VersionTriple struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// Banner carries the server's current, minimum-compatible, and
// maximum-compatible protocol versions.
type Banner struct {
	Cur VersionTriple
	Min VersionTriple
	Max VersionTriple
}

const BannerPayloadSize = 9

// serverBanner is the banner sent on HELLO. Compatibility negotiation
// semantics are not defined yet, so all three triples are pinned.
var serverBanner = Banner{
	Cur: VersionTriple{0, 0, 1},
	Min: VersionTriple{0, 0, 1},
	Max: VersionTriple{0, 0, 1},
}

func marshalBanner(dst []byte, banner *Banner) int {
	dst[0] = banner.Cur.Major
	dst[1] = banner.Cur.Minor
	dst[2] = banner.Cur.Patch
	dst[3] = banner.Min.Major
	dst[4] = banner.Min.Minor
	dst[5] = banner.Min.Patch
	dst[6] = banner.Max.Major
	dst[7] = banner.Max.Minor
	dst[8] = banner.Max.Patch
	return BannerPayloadSize
}

// Auth payload layout: username[64] + password[64], both NUL-terminated
// texts. The server forces termination before inspection.
const (
	AuthUsernameSize = 64
	AuthPasswordSize = 64
	AuthPayloadSize  = AuthUsernameSize + AuthPasswordSize
)

func parseAuthPayload(payload []byte) (string, string, error) {

	if len(payload) != AuthPayloadSize {
		return "", "", errors.Tracef(
			"invalid auth payload length: %d", len(payload))
	}

	username := cstring(payload[:AuthUsernameSize])
	password := cstring(payload[AuthUsernameSize:AuthPayloadSize])
	return username, password, nil
}

// cstring returns the text before the first NUL, forcing termination at
// the end of the field.
func cstring(field []byte) string {
	index := bytes.IndexByte(field[:len(field)-1], 0)
	if index == -1 {
		index = len(field) - 1
	}
	return string(field[:index])
}

// IfaceCfg is the interface assignment delivered in AUTH_OK. Wire
// layout: dev[16] + ipv4[16] + netmask[16], NUL-padded texts, then
// mtu u16 LE.
type IfaceCfg struct {
	Dev     string
	IPv4    string
	Netmask string
	MTU     uint16
}

const (
	ifaceCfgTextSize    = 16
	IfaceCfgPayloadSize = 3*ifaceCfgTextSize + 2
)

func marshalIfaceCfg(dst []byte, cfg *IfaceCfg) int {
	putText := func(offset int, text string) {
		field := dst[offset : offset+ifaceCfgTextSize]
		for i := range field {
			field[i] = 0
		}
		copy(field[:ifaceCfgTextSize-1], text)
	}
	putText(0, cfg.Dev)
	putText(ifaceCfgTextSize, cfg.IPv4)
	putText(2*ifaceCfgTextSize, cfg.Netmask)
	binary.LittleEndian.PutUint16(dst[3*ifaceCfgTextSize:], cfg.MTU)
	return IfaceCfgPayloadSize
}

func unmarshalIfaceCfg(payload []byte) (IfaceCfg, error) {

	if len(payload) != IfaceCfgPayloadSize {
		return IfaceCfg{}, errors.Tracef(
			"invalid iface config payload length: %d", len(payload))
	}

	return IfaceCfg{
		Dev:     cstring(payload[:ifaceCfgTextSize]),
		IPv4:    cstring(payload[ifaceCfgTextSize : 2*ifaceCfgTextSize]),
		Netmask: cstring(payload[2*ifaceCfgTextSize : 3*ifaceCfgTextSize]),
		MTU:     binary.LittleEndian.Uint16(payload[3*ifaceCfgTextSize:]),
	}, nil
}
