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
	"fmt"
	"net"
	"sync/atomic"
)

// clientState is the connection-state progression of one client slot.
type clientState uint8

const (
	stateNew clientState = iota
	stateEstablished
	stateAuthenticated
	stateDisconnected
)

func (state clientState) String() string {
	switch state {
	case stateNew:
		return "NEW"
	case stateEstablished:
		return "ESTABLISHED"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateDisconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// maxClientErrors is the per-client error budget. The charge that
// pushes the count past this ceiling forces a disconnect.
const maxClientErrors = 10

// maxUsernameLen bounds the username text stored in a slot.
const maxUsernameLen = 255

// clientSlot is the per-connection state. Each slot is exclusively
// owned by the reactor that accepted the connection. The counters are
// atomic so they can be read from outside the owning reactor.
type clientSlot struct {
	inUse           bool
	isConnected     bool
	isAuthenticated bool
	state           clientState

	username string
	srcIP    string
	srcPort  uint16
	srcAddr  *net.TCPAddr

	// fd is the connection descriptor, -1 while the slot is free.
	fd int

	// slotIdx equals the slot's index in the client array whenever the
	// slot is in use.
	slotIdx uint16

	// owner is the index of the reactor that accepted the connection.
	owner int

	errCount  atomic.Uint32
	sendCount atomic.Uint32
	recvCount atomic.Uint32

	// recvFill is the valid prefix length of recvBuf.
	recvFill uint16
	recvBuf  [PacketBufferSize]byte
}

// reset returns the slot to its free state. slotIdx is preserved; the
// error count is cleared on the next accept, not here, so a recycled
// slot's last budget remains observable until reuse.
func (client *clientSlot) reset() {
	client.inUse = false
	client.isConnected = false
	client.isAuthenticated = false
	client.state = stateDisconnected
	client.fd = -1
	client.recvFill = 0
	client.sendCount.Store(0)
	client.recvCount.Store(0)
	client.username = "_"
}

// setUsername stores the peer-supplied username, truncated to the
// slot's fixed capacity.
func (client *clientSlot) setUsername(username string) {
	if len(username) > maxUsernameLen {
		username = username[:maxUsernameLen]
	}
	client.username = username
}

// chargeError charges one error against the slot's budget and reports
// whether the budget is exceeded.
func (client *clientSlot) chargeError() bool {
	return client.errCount.Add(1) > maxClientErrors
}

// String renders the client's peer identity for log lines.
func (client *clientSlot) String() string {
	return fmt.Sprintf("%s:%d (%s)", client.srcIP, client.srcPort, client.username)
}
