package gt06

import (
	"encoding/binary"
	"fmt"
	"io"

	"nuha.dev/trackserver/internal/server/conn"
	"nuha.dev/trackserver/internal/util/crc16"
)

// Message is one decoded frame. Buffer is reused across reads; Payload
// aliases into it and is only valid until the next readMessage call.
type Message struct {
	Extended bool
	Protocol byte
	Length   int
	Serial   int
	Payload  []byte
	Buffer   []byte
}

func readMessage(c *conn.Conn, msg *Message) error {
	var length int       //length field
	var var_buf []byte   //start of variable length data
	var frame_length int //from the start marker, including trailer 0x0d 0x0a
	var crc_from int     //offset the checksum covers from

	if len(msg.Buffer) < 4 {
		return fmt.Errorf("buffer too small")
	}

	_, err := io.ReadFull(c, msg.Buffer[:4])
	if err != nil {
		return err
	}
	if msg.Buffer[0] == 0x78 && msg.Buffer[1] == 0x78 {
		length = int(msg.Buffer[2])
		var_buf = msg.Buffer[3:]
		frame_length = length + 5
		crc_from = 2
		msg.Extended = false
	} else if msg.Buffer[0] == 0x79 && msg.Buffer[1] == 0x79 {
		length = int(binary.BigEndian.Uint16(msg.Buffer[2:4]))
		var_buf = msg.Buffer[4:]
		frame_length = length + 6
		crc_from = 2
		msg.Extended = true
	} else {
		return errBadFrame
	}
	msg.Length = frame_length

	if length < 5 || len(msg.Buffer) < frame_length {
		return errBadFrame
	}

	_, err = io.ReadFull(c, msg.Buffer[4:frame_length])
	if err != nil {
		return err
	}

	if msg.Buffer[frame_length-2] != 0x0D || msg.Buffer[frame_length-1] != 0x0A {
		return errBadFrame
	}

	want := binary.BigEndian.Uint16(msg.Buffer[frame_length-4 : frame_length-2])
	if crc16.Checksum(crc16.X25, msg.Buffer[crc_from:frame_length-4]) != want {
		return errBadChecksum
	}

	msg.Protocol = var_buf[0]
	msg.Payload = var_buf[1 : length-4]
	msg.Serial = int(binary.BigEndian.Uint16(var_buf[length-4 : length-2]))
	return nil
}

func newFrame(protocol byte, payload []byte, serial int) []byte {
	lp := len(payload)
	lf := lp + 10
	frame := make([]byte, lf)
	frame[0] = 0x78
	frame[1] = 0x78
	frame[2] = byte(lp + 5)
	frame[3] = protocol
	copy(frame[4:], payload)
	binary.BigEndian.PutUint16(frame[lf-6:lf-4], uint16(serial))
	crc := crc16.Checksum(crc16.X25, frame[2:lf-4])
	binary.BigEndian.PutUint16(frame[lf-4:lf-2], crc)
	frame[lf-2] = 0x0d
	frame[lf-1] = 0x0a
	return frame
}
