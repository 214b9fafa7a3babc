package link

import (
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Overridable in tests.
var (
	detailedPorts = enumerator.GetDetailedPortsList
	portNames     = serial.GetPortsList
)

// PortInfo describes one serial device.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Enumerate lists the serial devices present. Enumeration failures are
// logged and yield whatever could be found, possibly nothing.
func (m *Manager) Enumerate() []PortInfo {
	var out []PortInfo

	details, err := detailedPorts()
	if err == nil {
		for _, p := range details {
			out = append(out, PortInfo{
				Name:         p.Name,
				IsUSB:        p.IsUSB,
				VID:          p.VID,
				PID:          p.PID,
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
	} else {
		m.log.Warn().Err(err).Msg("detailed port enumeration failed, falling back to names")
		names, err := portNames()
		if err != nil {
			m.log.Warn().Err(err).Msg("port enumeration failed")
		}
		for _, n := range names {
			out = append(out, PortInfo{Name: n})
		}
	}

	if m.cfg.Demo {
		out = append(out, PortInfo{Name: DemoDevice, Product: "Simulated CanSat"})
	}
	return out
}
