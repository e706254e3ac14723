package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// WWN is a 64-bit world-wide name (port or node name).
type WWN uint64

// String formats the name as eight colon-separated hex octets.
func (w WWN) String() string {
	var sb strings.Builder
	for i := 7; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02x", uint8(w>>(uint(i)*8)))
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}

// ParseWWN parses "20:00:00:25:b5:00:00:01", "20000025b5000001" or
// "0x20000025b5000001".
func ParseWWN(s string) (WWN, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if strings.Contains(raw, ":") {
		parts := strings.Split(raw, ":")
		if len(parts) != 8 {
			return 0, fmt.Errorf("invalid WWN %q: want 8 octets", s)
		}
		raw = strings.Join(parts, "")
		for _, p := range parts {
			if len(p) != 2 {
				return 0, fmt.Errorf("invalid WWN %q: bad octet %q", s, p)
			}
		}
	}
	if len(raw) == 0 || len(raw) > 16 {
		return 0, fmt.Errorf("invalid WWN %q", s)
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid WWN %q: %w", s, err)
	}
	return WWN(v), nil
}

// MarshalText implements encoding.TextMarshaler.
func (w WWN) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *WWN) UnmarshalText(b []byte) error {
	v, err := ParseWWN(string(b))
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// FormatFID renders a 24-bit port address.
func FormatFID(fid uint32) string {
	return fmt.Sprintf("%06x", fid&0xffffff)
}
