package topology

import (
	"fmt"
	"regexp"
	"strings"
)

var nodeHashRe = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)

// NormalizeNodeHash coerces a decoder-reported path hash (string or number)
// into canonical two-hex-digit upper-case form, or "" when it is not one.
func NormalizeNodeHash(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		n := int(v)
		if float64(n) != v || n < 0 || n > 0xFF {
			return ""
		}
		return fmt.Sprintf("%02X", n)
	case int:
		if v < 0 || v > 0xFF {
			return ""
		}
		return fmt.Sprintf("%02X", v)
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s = s[2:]
		}
		if len(s) == 1 {
			s = "0" + s
		}
		if !nodeHashRe.MatchString(s) {
			return ""
		}
		return strings.ToUpper(s)
	}
	return ""
}

// NodeHashFromDeviceID returns the two-hex-digit prefix used inside path
// headers, or "" for ids that do not start with one.
func NodeHashFromDeviceID(deviceID string) string {
	if len(deviceID) < 2 {
		return ""
	}
	return NormalizeNodeHash(deviceID[:2])
}
