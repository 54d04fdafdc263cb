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
	"crypto/subtle"
	"encoding/json"
	std_errors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/TeaInside/teavpn2-go/teavpn2/common/errors"
	lrucache "github.com/cognusion/go-cache-lru"
)

// ErrAuthRejected is returned by an Authenticator when the credentials
// are not accepted. Any other error is an authenticator failure and is
// also treated as a rejection by the caller, after logging.
var ErrAuthRejected = std_errors.New("authentication rejected")

// Authenticator validates client credentials and returns the interface
// assignment the client is to configure locally.
//
// Authenticate may block; the reactor serializes handlers, so
// implementations are expected to complete within milliseconds.
type Authenticator interface {
	Authenticate(username, password string) (*IfaceCfg, error)
}

const (
	userRecordCacheTTL     = 1 * time.Minute
	userRecordCacheCleanup = 5 * time.Minute
	userRecordCacheEntries = 1024
)

// userRecord is the on-disk credential file format, one JSON file per
// user at ${data_dir}/users/<username>.json.
type userRecord struct {
	Password string `json:"password"`
	Iface    struct {
		Dev     string `json:"dev"`
		IPv4    string `json:"ipv4"`
		Netmask string `json:"netmask"`
		MTU     uint16 `json:"mtu"`
	} `json:"iface"`
}

// FileAuthenticator reads per-user credential files under the
// configured data directory. Parsed records are held in an LRU cache
// with a short TTL so repeated reconnects don't hit the disk, while
// credential file edits still take effect within a minute.
type FileAuthenticator struct {
	usersDir string
	defaults IfaceCfg
	cache    *lrucache.Cache
}

// NewFileAuthenticator returns a FileAuthenticator rooted at
// ${dataDir}/users. The defaults fill iface assignment fields a user
// record omits; the assigned IPv4 address must always come from the
// record.
func NewFileAuthenticator(dataDir string, defaults IfaceCfg) *FileAuthenticator {
	return &FileAuthenticator{
		usersDir: filepath.Join(dataDir, "users"),
		defaults: defaults,
		cache: lrucache.NewWithLRU(
			userRecordCacheTTL, userRecordCacheCleanup, userRecordCacheEntries),
	}
}

// Authenticate implements the Authenticator interface.
func (auth *FileAuthenticator) Authenticate(
	username, password string) (*IfaceCfg, error) {

	if !validUsername(username) {
		return nil, ErrAuthRejected
	}

	record, err := auth.loadUserRecord(username)
	if err != nil {
		if std_errors.Is(err, os.ErrNotExist) {
			return nil, ErrAuthRejected
		}
		return nil, errors.Trace(err)
	}

	if subtle.ConstantTimeCompare(
		[]byte(record.Password), []byte(password)) != 1 {
		return nil, ErrAuthRejected
	}

	if record.Iface.IPv4 == "" {
		return nil, errors.Tracef("user %q has no assigned address", username)
	}

	assignment := &IfaceCfg{
		Dev:     record.Iface.Dev,
		IPv4:    record.Iface.IPv4,
		Netmask: record.Iface.Netmask,
		MTU:     record.Iface.MTU,
	}
	if assignment.Dev == "" {
		assignment.Dev = auth.defaults.Dev
	}
	if assignment.Netmask == "" {
		assignment.Netmask = auth.defaults.Netmask
	}
	if assignment.MTU == 0 {
		assignment.MTU = auth.defaults.MTU
	}

	return assignment, nil
}

func (auth *FileAuthenticator) loadUserRecord(username string) (*userRecord, error) {

	cached, ok := auth.cache.Get(username)
	if ok {
		return cached.(*userRecord), nil
	}

	contents, err := os.ReadFile(
		filepath.Join(auth.usersDir, username+".json"))
	if err != nil {
		return nil, errors.Trace(err)
	}

	record := new(userRecord)
	err = json.Unmarshal(contents, record)
	if err != nil {
		return nil, errors.Trace(err)
	}

	auth.cache.Set(username, record, lrucache.DefaultExpiration)

	return record, nil
}

// validUsername bounds the username to the wire field capacity and to
// characters that cannot escape the users directory.
func validUsername(username string) bool {
	if len(username) == 0 || len(username) >= AuthUsernameSize {
		return false
	}
	if username[0] == '.' || username[0] == '-' {
		return false
	}
	for i := 0; i < len(username); i++ {
		c := username[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
