package engine

import (
	"net"
	"strings"
)

// Scan types. A full scan sweeps the configured default port list; a
// directed scan probes exactly the ports given at submission.
const (
	ScanTypeFull     = "full"
	ScanTypeDirected = "directed"
)

// ValidateScanType checks the scan type label.
func ValidateScanType(scanType string) error {
	switch scanType {
	case ScanTypeFull, ScanTypeDirected:
		return nil
	}
	return newValidationError("unsupported scan type %q (want %q or %q)", scanType, ScanTypeFull, ScanTypeDirected)
}

// ValidateTarget accepts a single IPv4/IPv6 address, a CIDR network, or an
// RFC 1123 hostname. Catch-all networks (/0) are rejected.
func ValidateTarget(target string) error {
	if target == "" {
		return newValidationError("target must not be empty")
	}
	if ip := net.ParseIP(target); ip != nil {
		return nil
	}
	if _, network, err := net.ParseCIDR(target); err == nil {
		if ones, _ := network.Mask.Size(); ones == 0 {
			return newValidationError("target network %q is too broad", target)
		}
		return nil
	}
	if isHostname(target) {
		return nil
	}
	return newValidationError("invalid target %q: not an IP address, CIDR network, or hostname", target)
}

// ValidatePorts enforces the port rules per scan type: directed scans carry
// at least one port, full scans carry none, and every port is in 1..65535.
func ValidatePorts(scanType string, ports []int) error {
	switch scanType {
	case ScanTypeDirected:
		if len(ports) == 0 {
			return newValidationError("directed scan requires at least one port")
		}
	case ScanTypeFull:
		if len(ports) > 0 {
			return newValidationError("full scan must not specify ports")
		}
	}
	for _, port := range ports {
		if port < 1 || port > 65535 {
			return newValidationError("port %d is out of range (1-65535)", port)
		}
	}
	return nil
}

// isHostname implements the RFC 1123 shape: dot-separated labels of at most
// 63 alphanumeric-or-hyphen characters, no label starting or ending with a
// hyphen, 253 characters total.
func isHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			ch := label[i]
			switch {
			case ch >= 'a' && ch <= 'z':
			case ch >= 'A' && ch <= 'Z':
			case ch >= '0' && ch <= '9':
			case ch == '-':
			default:
				return false
			}
		}
	}
	return true
}
