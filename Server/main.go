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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/TeaInside/teavpn2-go/teavpn2/server"
)

func main() {

	args := os.Args[1:]

	if len(args) < 1 || args[0] != "server" {
		fmt.Fprintf(os.Stderr, "usage: %s server [options]\n", os.Args[0])
		os.Exit(1)
	}

	flags := flag.NewFlagSet("server", flag.ExitOnError)

	configFile := flags.String("config", "", "configuration file")
	dataDir := flags.String("data-dir", "", "data directory")
	verbose := flags.Int("verbose", 0, "verbosity level")
	thread := flags.Int("thread", 0, "number of reactors")
	logFile := flags.String("log-file", "", "log file (default stderr)")

	sockType := flags.String("sock-type", "", "socket type (tcp or udp)")
	bindAddr := flags.String("bind-addr", "", "bind address")
	bindPort := flags.Int("bind-port", 0, "bind port")
	maxConn := flags.Int("max-conn", 0, "max connections")
	backlog := flags.Int("backlog", 0, "listen backlog")
	disableEncryption := flags.Bool("disable-encryption", false, "disable encryption")
	sslCert := flags.String("ssl-cert", "", "TLS certificate file")
	sslPrivKey := flags.String("ssl-priv-key", "", "TLS private key file")

	dev := flags.String("dev", "", "virtual network interface name")
	mtu := flags.Int("mtu", 0, "interface MTU")
	ipv4 := flags.String("ipv4", "", "interface IPv4 address")
	ipv4Netmask := flags.String("ipv4-netmask", "", "interface IPv4 netmask")

	flags.Parse(args[1:])

	config := server.DefaultConfig()

	if *configFile != "" {
		contents, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading configuration file: %s\n", err)
			os.Exit(1)
		}
		config, err = server.LoadConfig(contents)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error parsing configuration file: %s\n", err)
			os.Exit(1)
		}
		config.Sys.ConfigFile = *configFile
	}

	// Flags set on the command line override the configuration file.
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			config.Sys.DataDir = *dataDir
		case "verbose":
			config.Sys.Verbose = *verbose
		case "thread":
			config.Sys.Thread = *thread
		case "log-file":
			config.LogFilename = *logFile
		case "sock-type":
			config.Sock.Type = *sockType
		case "bind-addr":
			config.Sock.BindAddr = *bindAddr
		case "bind-port":
			config.Sock.BindPort = uint16(*bindPort)
		case "max-conn":
			config.Sock.MaxConn = *maxConn
		case "backlog":
			config.Sock.Backlog = *backlog
		case "disable-encryption":
			config.Sock.UseEncryption = !*disableEncryption
		case "ssl-cert":
			config.Sock.SSLCert = *sslCert
		case "ssl-priv-key":
			config.Sock.SSLPrivKey = *sslPrivKey
		case "dev":
			config.Iface.Dev = *dev
		case "mtu":
			config.Iface.MTU = *mtu
		case "ipv4":
			config.Iface.IPv4 = *ipv4
		case "ipv4-netmask":
			config.Iface.IPv4Netmask = *ipv4Netmask
		}
	})

	err := server.RunServices(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %s\n", err)
		os.Exit(1)
	}
}
