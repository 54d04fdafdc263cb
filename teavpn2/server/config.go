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
	"encoding/json"
	"net"

	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
)

const (
	SockTypeTCP = "tcp"
	SockTypeUDP = "udp"
)

// Defaults applied by LoadConfig for fields left unset.
const (
	DefaultDev         = "teavpn2"
	DefaultMTU         = 1500
	DefaultIPv4        = "10.7.7.1"
	DefaultIPv4Netmask = "255.255.255.0"
	DefaultBindAddr    = "0.0.0.0"
	DefaultBindPort    = 55555
	DefaultMaxConn     = 10
	DefaultBacklog     = 5
)

// SysConfig holds process-level settings.
type SysConfig struct {

	// ConfigFile is the path the configuration was loaded from. Set
	// by the command entrypoint, not by the file itself.
	ConfigFile string `json:"-"`

	// DataDir is the directory holding server data, including the
	// per-user credential files under "users/".
	DataDir string `json:"data_dir"`

	// Verbose raises the log level; 0 logs at the configured
	// LogLevel, higher values force debug logging.
	Verbose int `json:"verbose"`

	// Thread is the number of reactors to run. Values above 1 enable
	// the multi-queue tun variant.
	Thread int `json:"thread"`
}

// SockConfig holds the listener settings.
type SockConfig struct {

	// Type selects the transport, "tcp" or "udp". Only "tcp" is
	// currently served.
	Type string `json:"type"`

	BindAddr string `json:"bind_addr"`
	BindPort uint16 `json:"bind_port"`

	// MaxConn is the client slot pool capacity, in [1, 65535].
	MaxConn int `json:"max_conn"`

	Backlog int `json:"backlog"`

	// UseEncryption is parsed and retained; it is not sent to clients,
	// and the data plane forwards cleartext frames regardless.
	UseEncryption bool `json:"use_encryption"`

	// SSLCert and SSLPrivKey are the TLS material paths. Parsed and
	// retained; the core listener does not consume them.
	SSLCert    string `json:"ssl_cert"`
	SSLPrivKey string `json:"ssl_priv_key"`
}

// IfaceConfig holds the tun interface settings.
type IfaceConfig struct {

	// Dev is the tun interface name, at most 15 characters.
	Dev string `json:"dev"`

	MTU int `json:"mtu"`

	IPv4        string `json:"ipv4"`
	IPv4Netmask string `json:"ipv4_netmask"`

	// IPv4Pub, when set, is the public address of this server; the
	// provisioner pins a host route to it so tunnel transport traffic
	// is not routed into the tunnel.
	IPv4Pub string `json:"ipv4_pub"`

	// IPv4DefaultGateway, when set together with IPv4Pub, is the
	// in-tunnel gateway for the split-default routes.
	IPv4DefaultGateway string `json:"ipv4_default_gateway"`
}

// Config specifies the configuration and behavior of a TeaVPN2 server.
// Read-only after load.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string `json:"log_level"`

	// LogFilename specifies the path of the file to log to. When
	// blank, logs are written to stderr.
	LogFilename string `json:"log_filename"`

	Sys   SysConfig   `json:"sys"`
	Sock  SockConfig  `json:"sock"`
	Iface IfaceConfig `json:"iface"`
}

// DefaultConfig returns a Config populated with the documented
// defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Sys: SysConfig{
			Thread: 1,
		},
		Sock: SockConfig{
			Type:          SockTypeTCP,
			BindAddr:      DefaultBindAddr,
			BindPort:      DefaultBindPort,
			MaxConn:       DefaultMaxConn,
			Backlog:       DefaultBacklog,
			UseEncryption: true,
		},
		Iface: IfaceConfig{
			Dev:         DefaultDev,
			MTU:         DefaultMTU,
			IPv4:        DefaultIPv4,
			IPv4Netmask: DefaultIPv4Netmask,
		},
	}
}

// LoadConfig parses and validates a JSON configuration, applying
// defaults for unset fields.
func LoadConfig(configJSON []byte) (*Config, error) {

	config := DefaultConfig()

	err := json.Unmarshal(configJSON, config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = config.Validate()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return config, nil
}

// Validate checks field ranges. It is called by LoadConfig and again by
// RunServices for configurations assembled from flags.
func (config *Config) Validate() error {

	if config.Sock.Type != SockTypeTCP && config.Sock.Type != SockTypeUDP {
		return errors.Tracef("invalid socket type: %q", config.Sock.Type)
	}

	if config.Sock.MaxConn < 1 || config.Sock.MaxConn > 65535 {
		return errors.Tracef("max_conn out of range: %d", config.Sock.MaxConn)
	}

	if config.Sock.Backlog < 1 {
		return errors.Tracef("invalid backlog: %d", config.Sock.Backlog)
	}

	if net.ParseIP(config.Sock.BindAddr) == nil {
		return errors.Tracef("invalid bind address: %q", config.Sock.BindAddr)
	}

	if config.Iface.Dev == "" || len(config.Iface.Dev) > 15 {
		return errors.Tracef("invalid device name: %q", config.Iface.Dev)
	}

	if config.Iface.MTU < 576 || config.Iface.MTU > PacketPayloadMax {
		return errors.Tracef("mtu out of range: %d", config.Iface.MTU)
	}

	ip := net.ParseIP(config.Iface.IPv4)
	if ip == nil || ip.To4() == nil {
		return errors.Tracef("invalid interface ipv4: %q", config.Iface.IPv4)
	}

	mask := net.ParseIP(config.Iface.IPv4Netmask)
	if mask == nil || mask.To4() == nil {
		return errors.Tracef(
			"invalid interface netmask: %q", config.Iface.IPv4Netmask)
	}

	if config.Sys.Thread < 1 {
		return errors.Tracef("invalid thread count: %d", config.Sys.Thread)
	}

	return nil
}
