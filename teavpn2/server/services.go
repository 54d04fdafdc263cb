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

/*

Package server implements the TeaVPN2 server core: a readiness-driven
event loop that terminates client transport connections, authenticates
each peer, and bridges authenticated traffic between those connections
and a kernel tun interface.

*/
package server

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
	"github.com/TeaInside/teavpn2-go/teavpn2/common/tun"
	"golang.org/x/sys/unix"
)

// RunServices validates the configuration, initializes logging, brings
// up the tun interface and the listener, and runs the server until an
// os signal or a fatal error stops it. Resources are released in
// reverse bring-up order.
func RunServices(config *Config) error {

	err := config.Validate()
	if err != nil {
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		return errors.Trace(err)
	}

	if config.Sock.Type != SockTypeTCP {
		return errors.Tracef(
			"socket type %q is not supported by this server core",
			config.Sock.Type)
	}

	auth := NewFileAuthenticator(
		config.Sys.DataDir,
		IfaceCfg{
			Dev:     config.Iface.Dev,
			Netmask: config.Iface.IPv4Netmask,
			MTU:     uint16(config.Iface.MTU),
		})

	// Bring-up order: slot pool and wake pipes, then the tun
	// interface, then the listener. Tear-down below runs in exact
	// reverse.

	server, err := newTCPServer(config, auth)
	if err != nil {
		return errors.Trace(err)
	}

	// One tun queue per reactor; multi-queue is a kernel capability of
	// the same interface name.

	multiQueue := config.Sys.Thread > 1

	var devices []*tun.Device
	closeDevices := func() {
		for i := len(devices) - 1; i >= 0; i-- {
			devices[i].Close()
		}
	}

	for i := 0; i < config.Sys.Thread; i++ {
		device, err := tun.OpenTun(config.Iface.Dev, multiQueue)
		if err != nil {
			closeDevices()
			server.close()
			return errors.Trace(err)
		}
		devices = append(devices, device)
	}

	log.WithTraceFields(LogFields{
		"dev":    devices[0].Name(),
		"queues": len(devices),
	}).Info("created virtual network interface")

	provisioner, err := tun.NewNetProvisioner(CommonLogger(log))
	if err != nil {
		closeDevices()
		server.close()
		return errors.Trace(err)
	}

	ifInfo := &tun.IfInfo{
		Dev:                devices[0].Name(),
		IPv4:               config.Iface.IPv4,
		IPv4Netmask:        config.Iface.IPv4Netmask,
		IPv4Pub:            config.Iface.IPv4Pub,
		IPv4DefaultGateway: config.Iface.IPv4DefaultGateway,
		MTU:                config.Iface.MTU,
	}

	if !provisioner.BringUp(ifInfo) {
		closeDevices()
		server.close()
		return errors.TraceNew("cannot bring up virtual network interface")
	}

	listenFD, err := openListener(&config.Sock)
	if err != nil {
		provisioner.BringDown(ifInfo)
		closeDevices()
		server.close()
		return errors.Trace(err)
	}

	log.WithTraceFields(LogFields{
		"bind_addr": config.Sock.BindAddr,
		"bind_port": config.Sock.BindPort,
	}).Info("listening")

	err = server.attachTransport(devices, listenFD)
	if err != nil {
		unix.Close(listenFD)
		provisioner.BringDown(ifInfo)
		closeDevices()
		server.close()
		return errors.Trace(err)
	}

	// An OS signal triggers an orderly shutdown, observed by every
	// reactor within one poll timeout via its wake pipe.
	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(
		systemStopSignal,
		os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig, ok := <-systemStopSignal
		if !ok {
			return
		}
		log.WithTraceFields(LogFields{"signal": sig.String()}).Info("shutdown signal")
		server.shutdown(nil)
	}()

	runErr := server.run()

	signal.Stop(systemStopSignal)
	close(systemStopSignal)

	unix.Close(listenFD)
	provisioner.BringDown(ifInfo)
	closeDevices()
	server.close()

	log.WithTrace().Info("server stopped")

	return runErr
}

// openListener creates the non-blocking IPv4 listener with
// SO_REUSEADDR set.
func openListener(config *SockConfig) (int, error) {

	fd, err := unix.Socket(
		unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		0)
	if err != nil {
		return -1, errors.Trace(err)
	}

	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		unix.Close(fd)
		return -1, errors.Trace(err)
	}

	ip := net.ParseIP(config.BindAddr)
	if ip != nil {
		ip = ip.To4()
	}
	if ip == nil {
		unix.Close(fd)
		return -1, errors.Tracef("invalid bind address: %q", config.BindAddr)
	}

	var addr [4]byte
	copy(addr[:], ip)

	err = unix.Bind(fd, &unix.SockaddrInet4{
		Port: int(config.BindPort),
		Addr: addr,
	})
	if err != nil {
		unix.Close(fd)
		return -1, errors.Trace(err)
	}

	err = unix.Listen(fd, config.Backlog)
	if err != nil {
		unix.Close(fd)
		return -1, errors.Trace(err)
	}

	return fd, nil
}
