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
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/TeaInside/teavpn2-go/teavpn2/common"
	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
	"golang.org/x/sys/unix"
)

// IfInfo describes the network identity assigned to a tun interface.
type IfInfo struct {

	// Dev is the interface name, at most 15 characters.
	Dev string

	// IPv4 and IPv4Netmask are dotted-quad texts.
	IPv4        string
	IPv4Netmask string

	// IPv4Pub is the public IP address of the VPN endpoint. When set,
	// BringUp pins a host route to it via the pre-existing default
	// gateway so the tunnel's own traffic is not routed into the
	// tunnel.
	IPv4Pub string

	// IPv4DefaultGateway is the in-tunnel gateway. When set together
	// with IPv4Pub, BringUp installs the split-default routes
	// 0.0.0.0/1 and 128.0.0.0/1 via it.
	IPv4DefaultGateway string

	MTU int
}

// Provisioner brings a tun interface up and down. The server core only
// depends on this pair of boolean calls so it can be exercised against
// a stub.
type Provisioner interface {
	BringUp(info *IfInfo) bool
	BringDown(info *IfInfo) bool
}

// ipCommandPaths are the candidate locations of the "ip" executable,
// including the Termux prefix on Android.
var ipCommandPaths = []string{
	"/bin/ip",
	"/sbin/ip",
	"/usr/bin/ip",
	"/usr/sbin/ip",
	"/usr/local/bin/ip",
	"/usr/local/sbin/ip",
	"/data/data/com.termux/files/usr/bin/ip",
}

// NetProvisioner configures tun interfaces by invoking the "ip"
// executable.
type NetProvisioner struct {
	logger common.Logger
	ipPath string
}

// NewNetProvisioner locates the "ip" executable and returns a
// Provisioner that uses it.
func NewNetProvisioner(logger common.Logger) (*NetProvisioner, error) {

	ipPath, err := findIPCommand()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &NetProvisioner{
		logger: logger,
		ipPath: ipPath,
	}, nil
}

func findIPCommand() (string, error) {
	for _, path := range ipCommandPaths {
		err := unix.Access(path, unix.R_OK|unix.X_OK)
		if err == nil {
			return path, nil
		}
	}
	return "", errors.TraceNew("cannot find ip executable")
}

// BringUp assigns the address and MTU to the interface, sets the link
// up, and installs the tunnel routes. Returns false on any failure.
func (p *NetProvisioner) BringUp(info *IfInfo) bool {
	return p.toggle(info, true)
}

// BringDown reverses BringUp. Individual command failures are logged
// and skipped so teardown proceeds as far as possible; BringDown
// returns false when any command failed.
func (p *NetProvisioner) BringDown(info *IfInfo) bool {
	return p.toggle(info, false)
}

func (p *NetProvisioner) toggle(info *IfInfo, up bool) bool {

	addrCIDR, broadcast, err := ipv4AddrCIDR(info.IPv4, info.IPv4Netmask)
	if err != nil {
		p.logger.WithTraceFields(
			common.LogFields{"error": err}).Error("invalid interface address")
		return false
	}

	linkState := "down"
	addrAction := "delete"
	routeAction := "delete"
	if up {
		linkState = "up"
		addrAction = "add"
		routeAction = "add"
	}

	ok := true

	run := func(args ...string) bool {
		err := runCommand(p.logger, p.ipPath, args...)
		if err != nil {
			p.logger.WithTraceFields(
				common.LogFields{"error": err}).Error("ip command failed")
			ok = false
			// On the way up the remaining commands depend on the
			// failed one; on the way down keep going.
			return up
		}
		return false
	}

	if run("link", "set", "dev", info.Dev, linkState,
		"mtu", strconv.Itoa(info.MTU)) {
		return false
	}

	if run("addr", addrAction, "dev", info.Dev,
		addrCIDR, "broadcast", broadcast) {
		return false
	}

	if info.IPv4Pub != "" {

		gateway, err := p.defaultGateway()
		if err != nil {
			p.logger.WithTraceFields(
				common.LogFields{"error": err}).Error("cannot find default gateway")
			return false
		}

		if run("route", routeAction, info.IPv4Pub+"/32", "via", gateway) {
			return false
		}

		if info.IPv4DefaultGateway != "" {

			// Split-default routes cover the full IPv4 space with two
			// more-specific entries, leaving the host default route
			// intact.

			if run("route", routeAction, "0.0.0.0/1",
				"via", info.IPv4DefaultGateway) {
				return false
			}
			if run("route", routeAction, "128.0.0.0/1",
				"via", info.IPv4DefaultGateway) {
				return false
			}
		}
	}

	return ok
}

func (p *NetProvisioner) defaultGateway() (string, error) {

	output, err := exec.Command(p.ipPath, "route", "show").CombinedOutput()
	if err != nil {
		return "", errors.Trace(err)
	}

	gateway, err := parseDefaultGateway(string(output))
	if err != nil {
		return "", errors.Trace(err)
	}
	return gateway, nil
}

// parseDefaultGateway extracts the gateway address from "ip route show"
// output.
func parseDefaultGateway(routes string) (string, error) {
	for _, line := range strings.Split(routes, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "default" && fields[1] == "via" {
			return fields[2], nil
		}
	}
	return "", errors.TraceNew("no default route")
}

// ipv4AddrCIDR converts a dotted-quad address/netmask pair into the
// "address/prefix" form used by "ip addr", along with the subnet
// broadcast address.
func ipv4AddrCIDR(ipv4, netmask string) (string, string, error) {

	ip := net.ParseIP(ipv4)
	if ip == nil || ip.To4() == nil {
		return "", "", errors.Tracef("invalid IPv4 address: %q", ipv4)
	}

	maskIP := net.ParseIP(netmask)
	if maskIP == nil || maskIP.To4() == nil {
		return "", "", errors.Tracef("invalid IPv4 netmask: %q", netmask)
	}

	mask := net.IPMask(maskIP.To4())
	prefixLen, bits := mask.Size()
	if bits != 32 {
		return "", "", errors.Tracef("invalid IPv4 netmask: %q", netmask)
	}

	addr := binary.BigEndian.Uint32(ip.To4())
	maskBits := binary.BigEndian.Uint32(maskIP.To4())

	network := addr & maskBits
	broadcast := network | ^maskBits

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], broadcast)

	return fmt.Sprintf("%s/%d", ipv4, prefixLen),
		net.IP(b[:]).String(),
		nil
}

func runCommand(logger common.Logger, name string, args ...string) error {

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()

	logger.WithTraceFields(common.LogFields{
		"command": name,
		"args":    args,
		"output":  string(output),
		"error":   err,
	}).Debug("exec")

	if err != nil {
		err := fmt.Errorf("command %s %+v failed with %s", name, args, string(output))
		return errors.Trace(err)
	}
	return nil
}
