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
)

func TestIPv4AddrCIDR(t *testing.T) {

	cases := []struct {
		ipv4      string
		netmask   string
		addrCIDR  string
		broadcast string
	}{
		{"10.7.7.1", "255.255.255.0", "10.7.7.1/24", "10.7.7.255"},
		{"10.7.7.1", "255.255.0.0", "10.7.7.1/16", "10.7.255.255"},
		{"192.168.1.10", "255.255.255.252", "192.168.1.10/30", "192.168.1.11"},
		{"172.16.5.9", "255.255.255.255", "172.16.5.9/32", "172.16.5.9"},
	}

	for _, c := range cases {
		addrCIDR, broadcast, err := ipv4AddrCIDR(c.ipv4, c.netmask)
		require.NoError(t, err, "%s/%s", c.ipv4, c.netmask)
		require.Equal(t, c.addrCIDR, addrCIDR)
		require.Equal(t, c.broadcast, broadcast)
	}

	for _, c := range []struct{ ipv4, netmask string }{
		{"10.7.7", "255.255.255.0"},
		{"10.7.7.1", "255.0.255.0"},
		{"10.7.7.1", "garbage"},
		{"fe80::1", "255.255.255.0"},
	} {
		_, _, err := ipv4AddrCIDR(c.ipv4, c.netmask)
		require.Error(t, err, "%s/%s", c.ipv4, c.netmask)
	}
}

func TestParseDefaultGateway(t *testing.T) {

	routes := "default via 192.168.1.1 dev eth0 proto dhcp metric 100\n" +
		"10.7.7.0/24 dev teavpn2 proto kernel scope link src 10.7.7.1\n"

	gateway, err := parseDefaultGateway(routes)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1", gateway)

	_, err = parseDefaultGateway("10.7.7.0/24 dev teavpn2 scope link\n")
	require.Error(t, err)

	_, err = parseDefaultGateway("")
	require.Error(t, err)
}
