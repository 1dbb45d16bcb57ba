package transport

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// ErrNoPorts is returned when port enumeration finds nothing to use.
var ErrNoPorts = errors.New("no serial ports found")

// listPorts is swapped out in tests.
var listPorts = serial.GetPortsList

// ListPorts returns the serial device paths present on this host, sorted,
// minus anything in exclude.
func ListPorts(exclude []string) ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var out []string
	for _, p := range ports {
		if slices.Contains(exclude, p) {
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// DefaultPort picks the port to use when the configuration names none.
// Exactly one candidate must exist; zero or several is a configuration
// error listing what was found.
func DefaultPort(exclude []string) (string, error) {
	ports, err := ListPorts(exclude)
	if err != nil {
		return "", err
	}
	switch len(ports) {
	case 0:
		return "", ErrNoPorts
	case 1:
		return ports[0], nil
	default:
		return "", fmt.Errorf("several serial ports available, pick one explicitly: %s",
			strings.Join(ports, ", "))
	}
}
