package proto

import "fmt"

// MsgID identifies a protocol message inside the wrapper header.
//
// Downlink (DL) is cloud server to device, uplink (UL) is device to server.
type MsgID uint8

const (
	// SET_MODE sets the thermostat mode (auto/holiday/party/off...). DL initiated.
	MsgSetMode MsgID = 0x02
	// PROGRAM carries one day of the weekly schedule. UL/DL initiated.
	MsgProgram MsgID = 0x0a
	// SET_T3/T2/T1 set the preset temperatures, in 0.1 degC units. DL initiated.
	MsgSetT3 MsgID = 0x0b
	MsgSetT2 MsgID = 0x0c
	MsgSetT1 MsgID = 0x0d
	// SET_ADVANCE enables/disables advance (1 = advance). DL initiated.
	MsgSetAdvance MsgID = 0x12
	// SWVERSION requests/reports the device software version. UL/DL initiated.
	MsgSWVersion MsgID = 0x15
	// SET_CURVE sets the temperature curve (OpenTherm only). DL initiated.
	MsgSetCurve MsgID = 0x16
	// SET_MIN/MAX_HEAT_SETP set the heating setpoint bounds, in 0.1 degC
	// units (OpenTherm only). DL initiated.
	MsgSetMinHeatSetp MsgID = 0x17
	MsgSetMaxHeatSetp MsgID = 0x18
	// SET_UNITS selects degC (0) or degF (1). DL initiated.
	MsgSetUnits MsgID = 0x19
	// SET_SEASON selects heating (1 = winter) or cooling. DL initiated.
	MsgSetSeason MsgID = 0x1a
	// SET_SENSOR_INFLUENCE sets the sensor influence in degC (OpenTherm
	// only). DL initiated.
	MsgSetSensorInfluence MsgID = 0x1b
	// REFRESH purpose unknown; the device answers it. DL initiated.
	MsgRefresh MsgID = 0x1d
	// OUTSIDE_TEMP selects where the outside temperature comes from:
	// 0 = none, 1 = boiler, 2 = web (OpenTherm only). DL initiated.
	MsgOutsideTemp MsgID = 0x20
	// PING purpose unknown; sent periodically by the device. UL initiated.
	MsgPing MsgID = 0x22
	// STATUS is the periodic (~40s) device status report. UL initiated.
	MsgStatus MsgID = 0x24
	// DEVICE_TIME appears to carry only a daylight-saving flag (1 = DST).
	// DL initiated.
	MsgDeviceTime MsgID = 0x29
	// PROG_END is sent by the device after the last PROGRAM of a batch.
	// UL initiated.
	MsgProgEnd MsgID = 0x2a
	// GET_PROG triggers the device to send every daily program for one
	// thermostat. DL initiated.
	MsgGetProg MsgID = 0x2b
)

func (m MsgID) String() string {
	switch m {
	case MsgSetMode:
		return "SET_MODE"
	case MsgProgram:
		return "PROGRAM"
	case MsgSetT3:
		return "SET_T3"
	case MsgSetT2:
		return "SET_T2"
	case MsgSetT1:
		return "SET_T1"
	case MsgSetAdvance:
		return "SET_ADVANCE"
	case MsgSWVersion:
		return "SWVERSION"
	case MsgSetCurve:
		return "SET_CURVE"
	case MsgSetMinHeatSetp:
		return "SET_MIN_HEAT_SETP"
	case MsgSetMaxHeatSetp:
		return "SET_MAX_HEAT_SETP"
	case MsgSetUnits:
		return "SET_UNITS"
	case MsgSetSeason:
		return "SET_SEASON"
	case MsgSetSensorInfluence:
		return "SET_SENSOR_INFLUENCE"
	case MsgRefresh:
		return "REFRESH"
	case MsgOutsideTemp:
		return "OUTSIDE_TEMP"
	case MsgPing:
		return "PING"
	case MsgStatus:
		return "STATUS"
	case MsgDeviceTime:
		return "DEVICE_TIME"
	case MsgProgEnd:
		return "PROG_END"
	case MsgGetProg:
		return "GET_PROG"
	default:
		return fmt.Sprintf("UNKNOWN_ID(0x%02x)", uint8(m))
	}
}

// IsSet reports whether m belongs to the SET family of scalar writes.
func (m MsgID) IsSet() bool {
	return m.SetValueWidth() != 0
}

// SetValueWidth returns the wire width in bytes of the value field for a
// SET-family message: 2 for the temperature setpoints, 1 for the remaining
// scalar settings, 0 if m is not a SET message.
func (m MsgID) SetValueWidth() int {
	switch m {
	case MsgSetT1, MsgSetT2, MsgSetT3, MsgSetMinHeatSetp, MsgSetMaxHeatSetp:
		return 2
	case MsgSetMode, MsgSetAdvance, MsgSetCurve, MsgSetUnits, MsgSetSeason, MsgSetSensorInfluence:
		return 1
	default:
		return 0
	}
}
