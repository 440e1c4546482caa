package internal

import (
	"fmt"
	"net"
)

// SegmentClass is the isolation class of a network segment.
type SegmentClass string

// Segment classes and default address blocks for the test topology. The
// blocks sit in RFC 1918 space and must not overlap each other or any
// network the host routes to.
const (
	// SegmentPublic is a segment with simulated public routing (peers on it
	// are directly reachable).
	SegmentPublic SegmentClass = "public"

	// SegmentPrivate is an internal segment behind address translation; no
	// external routing.
	SegmentPrivate SegmentClass = "private"

	// DefaultPublicSubnet is the default address block for the simulated
	// public segment.
	DefaultPublicSubnet = "10.90.0.0/24"

	// DefaultNATASubnet is the default address block for the first private
	// segment.
	DefaultNATASubnet = "10.91.0.0/24"

	// DefaultNATBSubnet is the default address block for the second private
	// segment.
	DefaultNATBSubnet = "10.92.0.0/24"
)

// ValidateSubnet checks that a CIDR address block is parseable.
func ValidateSubnet(cidr string) error {
	if cidr == "" {
		return fmt.Errorf("address block must not be empty")
	}
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("invalid address block %q: %w", cidr, err)
	}
	return nil
}

// parseBlocks parses segment CIDRs into networks, skipping none: callers
// validate topologies before use, so a parse failure here is a bug.
func parseBlocks(segments []NetworkSegment) ([]*net.IPNet, error) {
	blocks := make([]*net.IPNet, 0, len(segments))
	for _, seg := range segments {
		_, block, err := net.ParseCIDR(seg.CIDR)
		if err != nil {
			return nil, fmt.Errorf("segment %q: invalid address block %q: %w", seg.Name, seg.CIDR, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// addressWithinBlocks reports whether ip falls inside any declared block.
// Loopback and unspecified addresses are treated as in-topology: they are
// the instance talking to itself, not external traffic.
func addressWithinBlocks(ip net.IP, blocks []*net.IPNet) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	for _, block := range blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
