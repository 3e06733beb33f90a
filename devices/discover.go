package devices

import (
	"sort"
	"strconv"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo is one serial port seen by the OS.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          uint16 `json:"vid"`
	PID          uint16 `json:"pid"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// PortLister returns the ports currently present.
type PortLister func() ([]PortInfo, error)

// ListPorts enumerates serial ports with their USB identity. When the
// detailed enumerator is not supported it falls back to bare names.
func ListPorts() ([]PortInfo, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err == nil && len(detailed) > 0 {
		ports := make([]PortInfo, 0, len(detailed))
		for _, p := range detailed {
			ports = append(ports, PortInfo{
				Name:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          parseHexID(p.VID),
				PID:          parseHexID(p.PID),
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
		sortPorts(ports)
		return ports, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, listErr
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	sortPorts(ports)
	return ports, nil
}

// PortNames returns just the names of ports.
func PortNames(ports []PortInfo) []string {
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	return names
}

func parseHexID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
