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
	"net"
	"sync"
	"sync/atomic"

	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
	"github.com/TeaInside/teavpn2-go/teavpn2/common/tun"
	"golang.org/x/sys/unix"
)

const pollTimeoutMs = 5000

// Poll set layout, per reactor: the listener (reactor 0 only), the tun
// queue, the wake pipe, then one entry per client slot. A disabled
// entry has fd -1, which poll skips.
const (
	pollIdxListen = 0
	pollIdxTun    = 1
	pollIdxPipe   = 2
	pollIdxClient = 3
)

// tcpServer bridges a TCP listener and a tun device. It owns the
// client slot array and the free-slot stack; each client slot is
// exclusively owned by the reactor that accepted its connection.
type tcpServer struct {
	config   *Config
	auth     Authenticator
	listenFD int

	clients   []clientSlot
	freeStack *slotStack
	reactors  []*reactor

	// trAssign round-robins accepted connections across reactors;
	// onlineReactors counts reactors currently in their event loop.
	trAssign       atomic.Uint32
	onlineReactors atomic.Int32

	stop      atomic.Bool
	stopOnce  sync.Once
	waitGroup sync.WaitGroup

	errMutex sync.Mutex
	err      error
}

// newTCPServer allocates the client slot array, the free stack, and
// one reactor shell (with its wake pipe) per configured thread. The
// tun devices and the listener are attached afterwards, so allocation
// failures surface before any kernel interface is touched.
func newTCPServer(config *Config, auth Authenticator) (*tcpServer, error) {

	maxConn := config.Sock.MaxConn

	server := &tcpServer{
		config:    config,
		auth:      auth,
		listenFD:  -1,
		clients:   make([]clientSlot, maxConn),
		freeStack: newSlotStack(uint16(maxConn)),
	}

	for i := range server.clients {
		client := &server.clients[i]
		client.slotIdx = uint16(i)
		client.fd = -1
		client.username = "_"
		client.state = stateDisconnected
	}

	for i := 0; i < config.Sys.Thread; i++ {
		reactor, err := newReactor(server, i)
		if err != nil {
			for _, r := range server.reactors {
				r.closePipe()
			}
			return nil, errors.Trace(err)
		}
		server.reactors = append(server.reactors, reactor)
	}

	return server, nil
}

// attachTransport installs one tun queue per reactor and the listener
// (on reactor 0) into the poll sets. Must be called before run.
func (server *tcpServer) attachTransport(
	devices []*tun.Device, listenFD int) error {

	if len(devices) != len(server.reactors) {
		return errors.Tracef(
			"have %d tun devices for %d reactors",
			len(devices), len(server.reactors))
	}

	server.listenFD = listenFD

	readable := int16(unix.POLLIN | unix.POLLPRI)

	for i, reactor := range server.reactors {
		reactor.device = devices[i]
		reactor.pollFDs[pollIdxTun].Fd = int32(devices[i].FD())
		reactor.pollFDs[pollIdxTun].Events = readable
		if i == 0 {
			reactor.pollFDs[pollIdxListen].Fd = int32(listenFD)
			reactor.pollFDs[pollIdxListen].Events = readable
		}
	}

	return nil
}

// run blocks until every reactor has exited. Reactors exit when the
// stop flag is observed, within one poll timeout at the latest.
func (server *tcpServer) run() error {

	log.WithTraceFields(LogFields{
		"bind_addr": server.config.Sock.BindAddr,
		"bind_port": server.config.Sock.BindPort,
		"max_conn":  server.config.Sock.MaxConn,
		"reactors":  len(server.reactors),
	}).Info("initialization sequence completed")

	for _, rct := range server.reactors {
		server.waitGroup.Add(1)
		go func(r *reactor) {
			defer server.waitGroup.Done()
			r.run()
		}(rct)
	}

	server.waitGroup.Wait()

	server.errMutex.Lock()
	defer server.errMutex.Unlock()
	return server.err
}

// shutdown sets the stop flag and wakes every reactor through its
// pipe. Safe to call from any goroutine, multiple times.
func (server *tcpServer) shutdown(reason error) {
	server.stopOnce.Do(func() {
		if reason != nil {
			server.errMutex.Lock()
			server.err = reason
			server.errMutex.Unlock()
		}
		server.stop.Store(true)
		for _, reactor := range server.reactors {
			reactor.wake()
		}
	})
}

// close releases everything the server owns: remaining client
// connections, then the wake pipes. Must be called after run returns.
// Idempotent with respect to already-closed descriptors.
func (server *tcpServer) close() {
	for i := range server.clients {
		client := &server.clients[i]
		if client.inUse && client.fd != -1 {
			log.WithTraceFields(LogFields{
				"client": client.String(),
			}).Debug("closing client connection")
			unix.Close(client.fd)
			client.reset()
			server.freeStack.push(client.slotIdx)
		}
	}
	for _, reactor := range server.reactors {
		reactor.closePipe()
	}
}

// numClients returns the number of slots currently in use.
func (server *tcpServer) numClients() int {
	return server.config.Sock.MaxConn - server.freeStack.free()
}

// reactor is one event loop: a poll set over the listener (reactor 0),
// one tun queue, a wake pipe, and the client connections this reactor
// owns.
type reactor struct {
	server *tcpServer
	idx    int
	device *tun.Device

	pipeReadFD  int
	pipeWriteFD int

	pollFDs []unix.PollFd

	// inbox carries slot indices accepted by reactor 0 and assigned to
	// this reactor; a wake pipe byte follows every handoff.
	inboxMutex sync.Mutex
	inbox      []uint16

	// sendBuf holds one outbound frame; tunBuf holds one tun datagram
	// with room for the frame header so broadcasts need no copy.
	sendBuf [PacketBufferSize]byte
	tunBuf  [PacketBufferSize]byte
}

func newReactor(server *tcpServer, idx int) (*reactor, error) {

	var pipeFDs [2]int
	err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return nil, errors.Trace(err)
	}

	reactor := &reactor{
		server:      server,
		idx:         idx,
		pipeReadFD:  pipeFDs[0],
		pipeWriteFD: pipeFDs[1],
		pollFDs:     make([]unix.PollFd, pollIdxClient+server.config.Sock.MaxConn),
	}

	for i := range reactor.pollFDs {
		reactor.pollFDs[i].Fd = -1
	}
	reactor.pollFDs[pollIdxPipe].Fd = int32(pipeFDs[0])
	reactor.pollFDs[pollIdxPipe].Events = int16(unix.POLLIN | unix.POLLPRI)

	return reactor, nil
}

func (r *reactor) wake() {
	var b [1]byte
	// A full pipe already guarantees a pending wakeup.
	unix.Write(r.pipeWriteFD, b[:])
}

func (r *reactor) closePipe() {
	if r.pipeReadFD != -1 {
		unix.Close(r.pipeReadFD)
		r.pipeReadFD = -1
	}
	if r.pipeWriteFD != -1 {
		unix.Close(r.pipeWriteFD)
		r.pipeWriteFD = -1
	}
}

func (r *reactor) run() {

	r.server.onlineReactors.Add(1)
	defer r.server.onlineReactors.Add(-1)

	const readableEvents = unix.POLLIN | unix.POLLPRI
	const errorEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

	for {
		if r.server.stop.Load() {
			return
		}

		_, err := unix.Poll(r.pollFDs, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			r.server.shutdown(errors.Trace(err))
			return
		}

		if r.server.stop.Load() {
			return
		}

		if r.idx == 0 {
			revents := r.pollFDs[pollIdxListen].Revents
			if revents&readableEvents != 0 {
				r.acceptConnections()
			} else if revents&errorEvents != 0 {
				r.server.shutdown(errors.TraceNew("listener poll error"))
				return
			}
		}

		revents := r.pollFDs[pollIdxTun].Revents
		if revents&readableEvents != 0 {
			r.handleTunRead()
		} else if revents&errorEvents != 0 {
			r.server.shutdown(errors.TraceNew("tun poll error"))
			return
		}

		if r.pollFDs[pollIdxPipe].Revents&readableEvents != 0 {
			r.drainWake()
		}

		for i := 0; i < r.server.config.Sock.MaxConn; i++ {
			revents := r.pollFDs[pollIdxClient+i].Revents
			if revents == 0 {
				continue
			}
			client := &r.server.clients[i]
			if !client.inUse || client.owner != r.idx {
				continue
			}
			if revents&readableEvents != 0 {
				r.handleClient(client)
			} else if revents&errorEvents != 0 {
				log.WithTraceFields(LogFields{
					"client": client.String(),
				}).Debug("client socket error")
				r.closeClient(client)
			}
		}
	}
}

// acceptConnections drains the listener. Runs on reactor 0 only.
func (r *reactor) acceptConnections() {

	for {
		fd, sa, err := unix.Accept4(
			r.server.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Warning("accept failed")
			return
		}

		sa4, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			unix.Close(fd)
			continue
		}
		srcIP := net.IP(sa4.Addr[:]).String()
		srcPort := uint16(sa4.Port)

		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Warning("set TCP_NODELAY failed")
		}

		idx, ok := r.server.freeStack.pop()
		if !ok {
			log.WithTraceFields(LogFields{
				"src_ip":   srcIP,
				"src_port": srcPort,
			}).Warning("client slot is full, dropping connection")
			unix.Close(fd)
			continue
		}

		owner := 0
		numReactors := len(r.server.reactors)
		if numReactors > 1 {
			owner = int(r.server.trAssign.Add(1)-1) % numReactors
		}

		client := &r.server.clients[idx]
		client.inUse = true
		client.isConnected = true
		client.isAuthenticated = false
		client.state = stateNew
		client.fd = fd
		client.owner = owner
		client.errCount.Store(0)
		client.sendCount.Store(0)
		client.recvCount.Store(0)
		client.recvFill = 0
		client.username = "_"
		client.srcIP = srcIP
		client.srcPort = srcPort
		client.srcAddr = &net.TCPAddr{
			IP:   net.IP(sa4.Addr[:]),
			Port: int(srcPort),
		}

		if owner == r.idx {
			r.installClient(client)
		} else {
			r.server.reactors[owner].handoff(idx)
		}

		log.WithTraceFields(LogFields{
			"src_ip":   srcIP,
			"src_port": srcPort,
			"slot":     idx,
			"reactor":  owner,
		}).Info("new connection")
	}
}

// handoff assigns an accepted connection to this reactor. Called by
// reactor 0; the inbox mutex publishes the slot fields written on the
// accept path.
func (r *reactor) handoff(idx uint16) {
	r.inboxMutex.Lock()
	r.inbox = append(r.inbox, idx)
	r.inboxMutex.Unlock()
	r.wake()
}

func (r *reactor) installClient(client *clientSlot) {
	entry := &r.pollFDs[pollIdxClient+int(client.slotIdx)]
	entry.Fd = int32(client.fd)
	entry.Events = unix.POLLIN | unix.POLLPRI
}

// drainWake consumes pending wake bytes and installs any handed-off
// connections.
func (r *reactor) drainWake() {

	var buf [64]byte
	for {
		_, err := unix.Read(r.pipeReadFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		break
	}

	r.inboxMutex.Lock()
	pending := r.inbox
	r.inbox = nil
	r.inboxMutex.Unlock()

	for _, idx := range pending {
		r.installClient(&r.server.clients[idx])
	}
}

// handleClient reads from the connection into the slot's sliding
// buffer and feeds every complete frame to the state machine.
func (r *reactor) handleClient(client *clientSlot) {

	for {
		n, err := unix.Read(client.fd, client.recvBuf[client.recvFill:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			log.WithTraceFields(LogFields{
				"client": client.String(),
				"error":  err,
			}).Debug("recv failed")
			r.closeClient(client)
			return
		}
		if n == 0 {
			log.WithTraceFields(LogFields{
				"client": client.String(),
			}).Info("peer closed its connection")
			r.closeClient(client)
			return
		}
		client.recvCount.Add(1)
		client.recvFill += uint16(n)
		break
	}

	closing := false
	fill, corrupt := drainFrames(
		client.recvBuf[:], int(client.recvFill),
		func(packetType ClientPacketType, payload []byte) bool {
			keepOpen := r.handleFrame(client, packetType, payload)
			if !keepOpen {
				closing = true
			}
			return keepOpen
		})

	if closing {
		r.closeClient(client)
		return
	}

	if corrupt {
		// Corrupt length: drop the buffer, no resync, charge the
		// budget.
		log.WithTraceFields(LogFields{
			"client": client.String(),
		}).Warning("invalid packet length, discarding buffer")
		client.recvFill = 0
		if client.chargeError() {
			r.closeClient(client)
		}
		return
	}

	client.recvFill = uint16(fill)
}

// handleFrame advances the client state machine for one decoded frame.
// Returns false when the connection must be closed.
func (r *reactor) handleFrame(
	client *clientSlot,
	packetType ClientPacketType,
	payload []byte) bool {

	switch packetType {

	case ClientPacketHello:
		if client.state != stateNew {
			return true
		}
		client.state = stateEstablished
		var banner [BannerPayloadSize]byte
		marshalBanner(banner[:], &serverBanner)
		return r.sendToClient(client, ServerPacketBanner, banner[:])

	case ClientPacketAuth:
		if client.state == stateNew {
			// Must hello before auth.
			return false
		}
		if client.isAuthenticated {
			return true
		}
		return r.handleAuth(client, payload)

	case ClientPacketIfaceData:
		if client.state != stateAuthenticated {
			return false
		}
		err := r.device.WritePacket(payload)
		if err != nil {
			// Best-effort: a datagram the kernel rejects is lost, the
			// connection stays up.
			log.WithTraceFields(LogFields{
				"client": client.String(),
				"error":  err,
			}).Warning("tun write failed")
		}
		return true

	case ClientPacketClose:
		log.WithTraceFields(LogFields{
			"client": client.String(),
		}).Info("client requested close")
		return false

	case ClientPacketIfaceAck, ClientPacketIfaceFail, ClientPacketReqSync:
		// Defined codes with no server-side action yet.
		return client.isAuthenticated

	default:
		log.WithTraceFields(LogFields{
			"client": client.String(),
			"type":   uint8(packetType),
		}).Debug("invalid packet type")
		if !client.isAuthenticated {
			return false
		}
		return !client.chargeError()
	}
}

func (r *reactor) handleAuth(client *clientSlot, payload []byte) bool {

	username, password, err := parseAuthPayload(payload)
	if err != nil {
		log.WithTraceFields(LogFields{
			"client": client.String(),
			"error":  err,
		}).Debug("malformed auth payload")
		r.sendToClient(client, ServerPacketAuthReject, nil)
		return false
	}

	client.setUsername(username)

	log.WithTraceFields(LogFields{
		"client": client.String(),
	}).Info("received authentication")

	assignment, err := r.server.auth.Authenticate(username, password)
	if err != nil {
		if err != ErrAuthRejected {
			log.WithTraceFields(LogFields{
				"client": client.String(),
				"error":  err,
			}).Error("authenticator failed")
		}
		log.WithTraceFields(LogFields{
			"client": client.String(),
		}).Info("authentication failed")
		r.sendToClient(client, ServerPacketAuthReject, nil)
		return false
	}

	var ifacePayload [IfaceCfgPayloadSize]byte
	marshalIfaceCfg(ifacePayload[:], assignment)

	if !r.sendToClient(client, ServerPacketAuthOK, ifacePayload[:]) {
		log.WithTraceFields(LogFields{
			"client": client.String(),
		}).Warning("authentication reply failed")
		r.sendToClient(client, ServerPacketAuthReject, nil)
		return false
	}

	client.isAuthenticated = true
	client.state = stateAuthenticated

	log.WithTraceFields(LogFields{
		"client":  client.String(),
		"ipv4":    assignment.IPv4,
		"netmask": assignment.Netmask,
	}).Info("authentication success, assigned address")

	return true
}

// handleTunRead reads one datagram from this reactor's tun queue and
// broadcasts it, in slot-index order, to every authenticated client
// this reactor owns. A recipient's send failure charges that
// recipient's budget and does not abort the broadcast.
func (r *reactor) handleTunRead() {

	n, err := r.device.ReadPacket(r.tunBuf[PacketHeaderSize:])
	if err != nil {
		r.server.shutdown(errors.TraceMsg(err, "tun read failed"))
		return
	}
	if n == 0 {
		return
	}

	r.tunBuf[0] = uint8(ServerPacketData)
	r.tunBuf[1] = 0
	r.tunBuf[2] = uint8(n >> 8)
	r.tunBuf[3] = uint8(n)
	frame := r.tunBuf[:PacketHeaderSize+n]

	// The poll set is owner-local, so walking it touches only slots
	// this reactor owns.
	for i := 0; i < r.server.config.Sock.MaxConn; i++ {
		if r.pollFDs[pollIdxClient+i].Fd == -1 {
			continue
		}
		client := &r.server.clients[i]
		if client.state != stateAuthenticated {
			continue
		}
		if !r.sendFrame(client, frame) &&
			client.errCount.Load() > maxClientErrors {
			r.closeClient(client)
		}
	}
}

// sendToClient encodes one frame into the reactor's send buffer and
// writes it out.
func (r *reactor) sendToClient(
	client *clientSlot,
	packetType ServerPacketType,
	payload []byte) bool {

	size := putPacket(r.sendBuf[:], uint8(packetType), payload)
	return r.sendFrame(client, r.sendBuf[:size])
}

// sendFrame writes one encoded frame. Anything but a full write is an
// error charged against the client's budget; the transport retries are
// TCP's business, not ours.
func (r *reactor) sendFrame(client *clientSlot, frame []byte) bool {

	for {
		n, err := unix.Write(client.fd, frame)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n != len(frame) {
			client.chargeError()
			log.WithTraceFields(LogFields{
				"client": client.String(),
				"error":  err,
				"wrote":  n,
			}).Debug("send failed")
			return false
		}
		client.sendCount.Add(1)
		return true
	}
}

// closeClient terminates a connection. The order is load-bearing:
// close the descriptor, disable the poll entry, reset the slot, then
// return the index to the free stack.
func (r *reactor) closeClient(client *clientSlot) {

	log.WithTraceFields(LogFields{
		"client": client.String(),
	}).Info("closing connection")

	unix.Close(client.fd)
	r.pollFDs[pollIdxClient+int(client.slotIdx)].Fd = -1
	client.reset()
	r.server.freeStack.push(client.slotIdx)
}
