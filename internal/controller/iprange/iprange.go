// Package iprange expands the target expressions accepted by discovery
// requests: single addresses, CIDR blocks and dash ranges.
package iprange

import (
	"fmt"
	"net"
	"strings"
)

// MaxAddresses caps a single expansion. A /16 is the largest block a
// discovery job will fan out; anything bigger is a typo or abuse.
const MaxAddresses = 65536

// Parse expands an expression into individual IPv4 addresses.
// Accepted forms:
//
//	192.0.2.7
//	192.0.2.0/24
//	192.0.2.10-192.0.2.20
//	192.0.2.10-20
func Parse(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty ip range")
	}
	switch {
	case strings.Contains(expr, "/"):
		return parseCIDR(expr)
	case strings.Contains(expr, "-"):
		return parseDash(expr)
	default:
		ip := net.ParseIP(expr)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid ip address %q", expr)
		}
		return []string{ip.To4().String()}, nil
	}
}

func parseCIDR(expr string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cidr %q: %w", expr, err)
	}
	base := ipNet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("only ipv4 ranges are supported: %q", expr)
	}
	ones, bits := ipNet.Mask.Size()
	total := 1 << (bits - ones)
	if total > MaxAddresses {
		return nil, fmt.Errorf("range %q expands to %d addresses, limit is %d", expr, total, MaxAddresses)
	}
	start := ipv4ToUint(base)
	// Hosts only. A /31 or /32 has no network/broadcast pair to skip.
	first, last := start, start+uint32(total)-1
	if total > 2 {
		first++
		last--
	}
	ips := make([]string, 0, last-first+1)
	for u := first; u <= last; u++ {
		ips = append(ips, uintToIPv4(u).String())
	}
	return ips, nil
}

func parseDash(expr string) ([]string, error) {
	parts := strings.SplitN(expr, "-", 2)
	startIP := net.ParseIP(strings.TrimSpace(parts[0]))
	if startIP == nil || startIP.To4() == nil {
		return nil, fmt.Errorf("invalid range start in %q", expr)
	}
	start := ipv4ToUint(startIP.To4())

	endStr := strings.TrimSpace(parts[1])
	var end uint32
	if endIP := net.ParseIP(endStr); endIP != nil && endIP.To4() != nil {
		end = ipv4ToUint(endIP.To4())
	} else if !strings.Contains(endStr, ".") {
		// Short form: only the last octet.
		var octet int
		if _, err := fmt.Sscanf(endStr, "%d", &octet); err != nil || octet < 0 || octet > 255 {
			return nil, fmt.Errorf("invalid range end in %q", expr)
		}
		end = start&0xffffff00 | uint32(octet)
	} else {
		return nil, fmt.Errorf("invalid range end in %q", expr)
	}

	if end < start {
		return nil, fmt.Errorf("range end precedes start in %q", expr)
	}
	if end-start+1 > MaxAddresses {
		return nil, fmt.Errorf("range %q expands to %d addresses, limit is %d", expr, end-start+1, MaxAddresses)
	}
	ips := make([]string, 0, end-start+1)
	for u := start; u <= end; u++ {
		ips = append(ips, uintToIPv4(u).String())
	}
	return ips, nil
}

// Distribute deals addresses round-robin across n workers, preserving
// order within each share.
func Distribute(ips []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	if n > len(ips) {
		n = len(ips)
	}
	shares := make([][]string, n)
	for i, ip := range ips {
		shares[i%n] = append(shares[i%n], ip)
	}
	return shares
}

func ipv4ToUint(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uintToIPv4(u uint32) net.IP {
	return net.IPv4(byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}
