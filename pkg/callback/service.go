package callback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const servicePrefix = "forward-"

var (
	// ErrMalformedService is returned for service names that are not
	// "forward-<proto>-<port>".
	ErrMalformedService = errors.New("malformed service name")

	// ErrMalformedClientID is returned for client ids not produced by
	// EncodeClientID.
	ErrMalformedClientID = errors.New("malformed client id")
)

// ServiceName returns the engine service name for a rule.
func ServiceName(protocol string, port int) string {
	return fmt.Sprintf("%s%s-%d", servicePrefix, protocol, port)
}

// ParseServiceName extracts the protocol and port from
// "forward-<proto>-<port>".
func ParseServiceName(name string) (string, int, error) {
	rest, ok := strings.CutPrefix(name, servicePrefix)
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedService, name)
	}
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedService, name)
	}
	proto := rest[:i]
	port, err := strconv.Atoi(rest[i+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedService, name)
	}
	switch proto {
	case "tcp", "udp":
	default:
		return "", 0, fmt.Errorf("%w: unknown protocol in %q", ErrMalformedService, name)
	}
	return proto, port, nil
}

// EncodeClientID returns the opaque id handed to the engine on admission.
func EncodeClientID(userID, ruleID int64) string {
	return fmt.Sprintf("u:%d:r:%d", userID, ruleID)
}

// ParseClientID reverses EncodeClientID.
func ParseClientID(id string) (userID, ruleID int64, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 || parts[0] != "u" || parts[2] != "r" {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedClientID, id)
	}
	userID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedClientID, id)
	}
	ruleID, err = strconv.ParseInt(parts[3], 10, 64)
	if err != nil || ruleID <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedClientID, id)
	}
	return userID, ruleID, nil
}
