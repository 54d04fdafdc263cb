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

Package tun provides the kernel virtual network interface used by the
server data plane, along with the external provisioning commands that
bring the interface up and down.

A Device wraps a tun file descriptor in non-blocking mode. The kernel
delivers and accepts whole IP datagrams on the descriptor, so one read
is one packet and one write is one packet. The descriptor is exposed so
the server reactor can install it in its poll set; ReadPacket and
WritePacket are expected to be called only after the reactor observes
readiness, and report would-block conditions instead of blocking.

*/
package tun

import (
	"sync/atomic"

	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
	"golang.org/x/sys/unix"
)

// Requires process to run as root or have CAP_NET_ADMIN.
const tunDevicePath = "/dev/net/tun"

// On Android the clone device is located at /dev/tun.
const tunDevicePathFallback = "/dev/tun"

// Device is a tun virtual network interface handle. A Device is owned by
// a single reactor; only Close may be called from another goroutine.
type Device struct {
	closed int32
	name   string
	fd     int
}

// OpenTun creates a tun device with the given interface name. The
// descriptor is set to non-blocking and close-on-exec. When multiQueue
// is set, the device is opened with IFF_MULTI_QUEUE so additional
// queues for the same interface name may be opened by further OpenTun
// calls; the kernel distributes inbound datagrams across the queues.
func OpenTun(name string, multiQueue bool) (*Device, error) {

	if name == "" || len(name) >= unix.IFNAMSIZ {
		return nil, errors.Tracef("invalid tun device name: %q", name)
	}

	fd, err := unix.Open(tunDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err == unix.ENOENT {
		fd, err = unix.Open(tunDevicePathFallback, unix.O_RDWR|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Using IFF_NO_PI, so packets have no size/flags header. This does
	// mean that if the MTU is changed after the tun device is
	// initialized, packets could be truncated when read.

	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if multiQueue {
		flags |= unix.IFF_MULTI_QUEUE
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(err)
	}
	ifr.SetUint16(flags)

	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(err)
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(err)
	}

	return &Device{
		name: ifr.Name(),
		fd:   fd,
	}, nil
}

// NewDeviceFromFD wraps an existing descriptor, which must already be
// non-blocking and must preserve datagram boundaries. This is used to
// exercise the data plane against a stand-in for a real tun device.
func NewDeviceFromFD(fd int, name string) *Device {
	return &Device{
		name: name,
		fd:   fd,
	}
}

// Name returns the interface name the kernel assigned to the device.
func (device *Device) Name() string {
	return device.name
}

// FD returns the device descriptor for readiness polling, or -1 after
// Close.
func (device *Device) FD() int {
	if atomic.LoadInt32(&device.closed) != 0 {
		return -1
	}
	return device.fd
}

// ReadPacket reads one whole IP datagram into buf and returns its
// length. When the device has no datagram ready, ReadPacket returns
// (0, nil). The buffer must be sized to the device MTU or larger, or
// the datagram is truncated.
func (device *Device) ReadPacket(buf []byte) (int, error) {

	if atomic.LoadInt32(&device.closed) != 0 {
		return 0, errors.TraceNew("device is closed")
	}

	for {
		n, err := unix.Read(device.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		if err != nil {
			return 0, errors.Trace(err)
		}
		return n, nil
	}
}

// WritePacket writes one whole IP datagram to the device. A datagram
// the kernel cannot accept immediately is dropped, mirroring the loss
// semantics of a congested physical interface.
func (device *Device) WritePacket(packet []byte) error {

	if atomic.LoadInt32(&device.closed) != 0 {
		return errors.TraceNew("device is closed")
	}

	for {
		_, err := unix.Write(device.fd, packet)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		return nil
	}
}

// Close releases the device descriptor. Close is idempotent.
func (device *Device) Close() error {
	if !atomic.CompareAndSwapInt32(&device.closed, 0, 1) {
		return nil
	}
	err := unix.Close(device.fd)
	device.fd = -1
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
