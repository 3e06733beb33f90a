package utils

import (
	"fmt"
	"strings"
)

func BoolToString(b bool) string {
	if b {
		return "connected"
	}
	return "disconnected"
}

// FormatDataForLog renders a raw serial frame for the log: printable text is
// quoted with control bytes escaped, relay frames ([ ... ]) are decoded and
// anything else falls back to hex.
func FormatDataForLog(data []byte) string {
	if len(data) == 0 {
		return "no data"
	}

	if isRelayFrame(data) {
		return fmt.Sprintf("%s (%d bytes)", DecodeRelayFrame(data), len(data))
	}

	var b strings.Builder
	printable := 0
	for _, c := range data {
		switch {
		case c >= 32 && c <= 126:
			b.WriteByte(c)
			printable++
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		default:
			fmt.Fprintf(&b, `\x%02X`, c)
		}
	}

	if printable == 0 {
		return fmt.Sprintf("%s (%d bytes)", hexBytes(data), len(data))
	}
	return fmt.Sprintf("%q (%d bytes)", b.String(), len(data))
}

func isRelayFrame(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x5B && data[len(data)-1] == 0x5D && data[1] < 0x20
}

// DecodeRelayFrame describes a relay switch command or acknowledgment.
func DecodeRelayFrame(data []byte) string {
	body := data[1 : len(data)-1]
	switch {
	case len(body) == 1 && body[0] == 0x01:
		return "relay status request"
	case len(body) == 4 && body[0] == 0x11:
		return fmt.Sprintf("relay set channel=%s state=%s", string(body[1:3]), string(body[3:4]))
	case len(body) == 3 && body[0] == 0x11:
		return fmt.Sprintf("relay set channel=%d state=%d", body[1], body[2])
	case len(data) == 5:
		states := make([]string, len(body))
		for i, s := range body {
			if s == 0x01 {
				states[i] = "on"
			} else {
				states[i] = "off"
			}
		}
		return fmt.Sprintf("relay ack {%s}", strings.Join(states, ", "))
	default:
		return "relay frame " + hexBytes(data)
	}
}

func hexBytes(data []byte) string {
	hexStr := make([]string, len(data))
	for i, c := range data {
		hexStr[i] = fmt.Sprintf("0x%02X", c)
	}
	return fmt.Sprintf("[%s]", strings.Join(hexStr, " "))
}
