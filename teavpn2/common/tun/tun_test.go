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

package tun

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newDatagramPair returns a Device over one end of a non-blocking
// datagram socketpair and the raw peer descriptor.
func newDatagramPair(t *testing.T) (*Device, int) {
	fds, err := unix.Socketpair(
		unix.AF_UNIX,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		0)
	require.NoError(t, err)

	device := NewDeviceFromFD(fds[0], "tun-test")
	t.Cleanup(func() {
		device.Close()
		unix.Close(fds[1])
	})
	return device, fds[1]
}

func TestDeviceReadWouldBlock(t *testing.T) {

	device, _ := newDatagramPair(t)

	buf := make([]byte, 2048)
	n, err := device.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDeviceReadWholeDatagrams(t *testing.T) {

	device, peer := newDatagramPair(t)

	first := []byte{1, 2, 3, 4}
	second := []byte{5, 6}
	_, err := unix.Write(peer, first)
	require.NoError(t, err)
	_, err = unix.Write(peer, second)
	require.NoError(t, err)

	buf := make([]byte, 2048)

	n, err := device.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, first, buf[:n])

	n, err = device.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, second, buf[:n])

	n, err = device.ReadPacket(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDeviceWritePacket(t *testing.T) {

	device, peer := newDatagramPair(t)

	packet := []byte{0x45, 0, 0, 20}
	require.NoError(t, device.WritePacket(packet))

	buf := make([]byte, 2048)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	require.Equal(t, packet, buf[:n])
}

func TestDeviceCloseIdempotent(t *testing.T) {

	device, _ := newDatagramPair(t)

	require.NoError(t, device.Close())
	require.NoError(t, device.Close())
	require.Equal(t, -1, device.FD())

	buf := make([]byte, 16)
	_, err := device.ReadPacket(buf)
	require.Error(t, err)
	require.Error(t, device.WritePacket(buf))
}
