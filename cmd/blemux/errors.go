package main

import (
	"fmt"
	"strings"
)

// FormatUserError renders an error for end users: known setup failures carry
// a hint, everything else prints as-is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "failed to open BLE device"):
		return fmt.Sprintf("%s\n(is a Bluetooth adapter present, and does the process have permission to use it?)", msg)
	case strings.Contains(msg, "service registration failed"):
		return fmt.Sprintf("%s\n(another process may already be serving a GATT application on this adapter)", msg)
	default:
		return msg
	}
}
