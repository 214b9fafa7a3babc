package telemetry

import (
	"strconv"
)

// Delimiter separates columns on the wire and in CSV artifacts.
const Delimiter = ','

// FieldCount is the number of named columns in a telemetry row.
const FieldCount = 20

// Record holds one decoded CanSat telemetry row.
// Field order matches the wire format and the CSV header.
type Record struct {
	TeamID       int     `json:"teamId"`
	MissionTime  string  `json:"missionTime"` // UTC hh:mm:ss
	PacketCount  int     `json:"packetCount"`
	Mode         string  `json:"mode"`         // F = flight, S = simulation
	State        string  `json:"state"`        // e.g. ASCENT, DESCENT, LANDED
	Altitude     float64 `json:"altitude"`     // m above launch site, 0.1
	HSDeployed   string  `json:"hsDeployed"`   // P or N
	PCDeployed   string  `json:"pcDeployed"`   // C or N
	MastRaised   string  `json:"mastRaised"`   // M or N
	Temperature  float64 `json:"temperature"`  // °C, 0.1
	Pressure     float64 `json:"pressure"`     // kPa, 0.1
	Voltage      float64 `json:"voltage"`      // V, 0.1
	GPSTime      string  `json:"gpsTime"`      // UTC
	GPSAltitude  float64 `json:"gpsAltitude"`  // m MSL, 0.1
	GPSLatitude  float64 `json:"gpsLatitude"`  // decimal degrees, 0.0001
	GPSLongitude float64 `json:"gpsLongitude"` // decimal degrees, 0.0001
	GPSSats      int     `json:"gpsSats"`
	TiltX        float64 `json:"tiltX"` // degrees, 0.01
	TiltY        float64 `json:"tiltY"` // degrees, 0.01
	CmdEcho      string  `json:"cmdEcho"`

	// Optional carries any columns sent after CMD_ECHO.
	Optional []string `json:"optional,omitempty"`
}

// Header names the CSV columns, in wire order.
var Header = []string{
	"TEAM_ID", "MISSION_TIME", "PACKET_COUNT", "MODE", "STATE",
	"ALTITUDE", "HS_DEPLOYED", "PC_DEPLOYED", "MAST_RAISED",
	"TEMPERATURE", "PRESSURE", "VOLTAGE",
	"GPS_TIME", "GPS_ALTITUDE", "GPS_LATITUDE", "GPS_LONGITUDE", "GPS_SATS",
	"TILT_X", "TILT_Y", "CMD_ECHO",
}

// Format renders r as a CSV row using the fixed per-field precision.
func Format(r Record) []string {
	return []string{
		strconv.Itoa(r.TeamID),
		r.MissionTime,
		strconv.Itoa(r.PacketCount),
		r.Mode,
		r.State,
		fixed(r.Altitude, 1),
		r.HSDeployed,
		r.PCDeployed,
		r.MastRaised,
		fixed(r.Temperature, 1),
		fixed(r.Pressure, 1),
		fixed(r.Voltage, 1),
		r.GPSTime,
		fixed(r.GPSAltitude, 1),
		fixed(r.GPSLatitude, 4),
		fixed(r.GPSLongitude, 4),
		strconv.Itoa(r.GPSSats),
		fixed(r.TiltX, 2),
		fixed(r.TiltY, 2),
		r.CmdEcho,
	}
}

func fixed(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
