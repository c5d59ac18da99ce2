package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/phuslu/log"
)

const (
	loginMessage      byte = 0x01
	locationMessage   byte = 0x12
	statusInformation byte = 0x13 //heartbeat
	alarmMessage      byte = 0x16
)

var (
	errBadFrame    = errors.New("bad frame")
	errBadChecksum = errors.New("bad checksum")
	errBadLogin    = errors.New("bad login payload")
)

// battery level byte tops out at 6 on this device family
const maxVoltageLevel = 6

type gpsMessage struct {
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	SatCount   int
	Positioned bool
}

type statusInfo struct {
	EngineDisc bool
	Charging   bool
	AlarmCode  int
	Voltage    int
	GSMSignal  int
}

func (s *statusInfo) MarshalObject(e *log.Entry) {
	e.Int("voltage", s.Voltage).Int("signal", s.GSMSignal).Bool("engine_disc", s.EngineDisc).Bool("charging", s.Charging)
}

// parseLoginIMEI unpacks the 8-byte nibble-packed identifier. The leading
// nibble is padding, the remaining 15 nibbles are the decimal digits.
func parseLoginIMEI(d []byte) (string, error) {
	if len(d) < 8 {
		return "", errBadLogin
	}
	s := hex.EncodeToString(d[:8])
	for i := 1; i < 16; i++ {
		if s[i] > '9' {
			return "", errBadLogin
		}
	}
	return s[1:], nil
}

func bcd(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}

// parseGPSMessage decodes the location payload: 6-byte BCD datetime,
// satellite count byte, two 4-byte big-endian coordinates at minutes*30000
// scale, speed byte, flags byte carrying hemisphere and fix-state bits.
func parseGPSMessage(d []byte) (gpsMessage, error) {
	m := gpsMessage{}
	if len(d) < 17 {
		return m, errBadFrame
	}
	for i := 0; i < 6; i++ {
		if d[i]>>4 > 9 || d[i]&0x0f > 9 {
			return m, errBadFrame
		}
	}
	m.Timestamp = time.Date(bcd(d[0])+2000, time.Month(bcd(d[1])), bcd(d[2]), bcd(d[3]), bcd(d[4]), bcd(d[5]), 0, time.UTC)
	m.SatCount = int(d[6] & 0x0F)
	lat := float64(binary.BigEndian.Uint32(d[7:11])) / 1800000
	lon := float64(binary.BigEndian.Uint32(d[11:15])) / 1800000
	isNorth := d[16]&0b00000100 != 0
	isWest := d[16]&0b00001000 != 0
	if isNorth {
		m.Latitude = lat
	} else {
		m.Latitude = 0 - lat
	}
	if isWest {
		m.Longitude = 0 - lon
	} else {
		m.Longitude = lon
	}
	m.Positioned = d[16]&0b00010000 != 0
	return m, nil
}

func parseStatusInformation(d []byte) (statusInfo, error) {
	m := statusInfo{}
	if len(d) < 3 {
		return m, errBadFrame
	}
	m.EngineDisc = d[0]&0b10000000 != 0
	m.AlarmCode = int(d[0]&0b00111000) >> 3
	m.Charging = d[0]&0b00000100 != 0
	m.Voltage = int(d[1])
	m.GSMSignal = int(d[2])
	return m, nil
}

// batteryPercent maps the raw voltage level onto 0-100.
func batteryPercent(voltage int) int {
	if voltage > maxVoltageLevel {
		voltage = maxVoltageLevel
	}
	return voltage * 100 / maxVoltageLevel
}
