// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sockaddr decodes the raw socket addresses attached to capture
// events. The layout is the Linux kernel's struct sockaddr_in/sockaddr_in6:
// a host-order family followed by a network-order port.
package sockaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrUnsupportedAddressFamily is returned for families other than IPv4/IPv6.
var ErrUnsupportedAddressFamily = errors.New("unsupported address family")

// ErrShortAddress is returned when the buffer is too small for its family.
var ErrShortAddress = errors.New("short socket address")

const (
	sizeofSockaddrInet4 = 16
	sizeofSockaddrInet6 = 28
)

// Addr is a decoded remote endpoint.
type Addr struct {
	IP   string
	Port uint16
}

// String renders the address as host:port.
func (a Addr) String() string {
	if a.IP == "" {
		return ""
	}
	ip, err := netip.ParseAddr(a.IP)
	if err != nil {
		return fmt.Sprintf("%s:%d", a.IP, a.Port)
	}
	return netip.AddrPortFrom(ip, a.Port).String()
}

// Family returns the address family stored in raw, or 0 if raw is too short.
func Family(raw []byte) uint16 {
	if len(raw) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(raw[0:2])
}

// Decode converts a raw sockaddr into an (ip, port) pair.
func Decode(raw []byte) (Addr, error) {
	switch family := Family(raw); family {
	case familyInet:
		if len(raw) < sizeofSockaddrInet4 {
			return Addr{}, fmt.Errorf("%w: %d bytes for AF_INET", ErrShortAddress, len(raw))
		}
		ip := netip.AddrFrom4([4]byte(raw[4:8]))
		return Addr{IP: ip.String(), Port: binary.BigEndian.Uint16(raw[2:4])}, nil

	case familyInet6:
		if len(raw) < sizeofSockaddrInet6 {
			return Addr{}, fmt.Errorf("%w: %d bytes for AF_INET6", ErrShortAddress, len(raw))
		}
		// sin6_flowinfo occupies raw[4:8].
		ip := netip.AddrFrom16([16]byte(raw[8:24]))
		return Addr{IP: ip.String(), Port: binary.BigEndian.Uint16(raw[2:4])}, nil

	default:
		return Addr{}, fmt.Errorf("%w: %d", ErrUnsupportedAddressFamily, family)
	}
}

// EncodeInet4 builds a raw AF_INET sockaddr. Used by replay tooling and tests.
func EncodeInet4(ip [4]byte, port uint16) []byte {
	raw := make([]byte, sizeofSockaddrInet4)
	binary.LittleEndian.PutUint16(raw[0:2], familyInet)
	binary.BigEndian.PutUint16(raw[2:4], port)
	copy(raw[4:8], ip[:])
	return raw
}

// EncodeInet6 builds a raw AF_INET6 sockaddr.
func EncodeInet6(ip [16]byte, port uint16) []byte {
	raw := make([]byte, sizeofSockaddrInet6)
	binary.LittleEndian.PutUint16(raw[0:2], familyInet6)
	binary.BigEndian.PutUint16(raw[2:4], port)
	copy(raw[8:24], ip[:])
	return raw
}
