package crc16

// Table holds the lookup table and parameters of one reflected CRC16 variant.
type Table struct {
	entries [256]uint16
	init    uint16
	xorout  uint16
}

// X25 is CRC-16/X-25: poly 0x1021 reflected, init 0xFFFF, final xor 0xFFFF.
// This is the variant observed on GT06-family tracker traffic.
var X25 = makeTable(0x8408, 0xFFFF, 0xFFFF)

func makeTable(poly, init, xorout uint16) *Table {
	t := &Table{init: init, xorout: xorout}
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		t.entries[i] = crc
	}
	return t
}

func Checksum(tab *Table, data []byte) uint16 {
	crc := tab.init
	for _, b := range data {
		crc = (crc >> 8) ^ tab.entries[byte(crc)^b]
	}
	return crc ^ tab.xorout
}
