package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// clientIDSeparator splits the parts of a composite client id.
const clientIDSeparator = "@@@"

// macPattern is the canonical lower-case colon-hex MAC form.
var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// ClientID is a parsed composite device client id.
type ClientID struct {
	Raw        string // full id as presented by the device
	GroupID    string
	MAC        string // canonical aa:bb:cc:dd:ee:ff
	MACSegment string // MAC part as it appeared in Raw
	InstanceID string // empty for the two-part form
}

// ParseClientID splits and validates group@@@mac[@@@uuid].
//
// Underscores in the MAC segment are read as colons and the result is
// lower-cased before validation.
func ParseClientID(raw string) (ClientID, error) {
	parts := strings.Split(raw, clientIDSeparator)
	if len(parts) != 2 && len(parts) != 3 {
		return ClientID{}, fmt.Errorf("%w: %q has %d parts", ErrInvalidClientID, raw, len(parts))
	}

	mac := NormalizeMAC(parts[1])
	if !IsValidMAC(mac) {
		return ClientID{}, fmt.Errorf("%w: %q", ErrInvalidMAC, parts[1])
	}

	id := ClientID{
		Raw:        raw,
		GroupID:    parts[0],
		MAC:        mac,
		MACSegment: parts[1],
	}
	if len(parts) == 3 {
		id.InstanceID = parts[2]
	}
	return id, nil
}

// NormalizeMAC converts a device MAC segment to canonical form.
func NormalizeMAC(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ":"))
}

// IsValidMAC reports whether mac is in canonical colon-hex form.
func IsValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// Signed reports whether the id is the three-part form that requires credentials.
func (c ClientID) Signed() bool {
	return c.InstanceID != ""
}

// ReplyTopic is where the direct binding publishes to this device.
func (c ClientID) ReplyTopic() string {
	return "devices/p2p/" + c.MACSegment
}

// CompactMAC returns the MAC without separators, as used in room names.
func (c ClientID) CompactMAC() string {
	return strings.ReplaceAll(c.MAC, ":", "")
}
