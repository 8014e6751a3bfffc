// Package protocol implements the slave side of the EC133's Modbus RTU
// exchange: decoding single-register function 16 requests and encoding the
// acknowledgement or exception reply. The device simulator answers with it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// Modbus function codes.
const (
	FuncCodeWriteMultipleRegisters = 0x10

	// exceptionFlag is set on the function code of an exception response.
	exceptionFlag = 0x80
)

// Frame sizes of a single-register write multiple registers exchange.
const (
	// WriteRequestSize is address, function, start, quantity, byte count,
	// one register and the CRC.
	WriteRequestSize = 1 + 1 + 2 + 2 + 1 + 2 + 2

	// WriteResponseSize is address, function, start, quantity and the CRC.
	WriteResponseSize = 1 + 1 + 2 + 2 + 2

	// ExceptionResponseSize is address, function, exception code and the CRC.
	ExceptionResponseSize = 1 + 1 + 1 + 2
)

// Protocol errors.
var (
	ErrShortFrame        = errors.New("modbus: frame too short")
	ErrCRCMismatch       = errors.New("modbus: crc mismatch")
	ErrUnexpectedRequest = errors.New("modbus: unexpected request")
)

// WriteRequest is one register write addressed to a slave.
type WriteRequest struct {
	SlaveID  byte
	Register uint16
	Value    uint16
}

// FrameBuilder decodes requests and encodes replies.
type FrameBuilder struct {
	crcTable *crc16.Table
}

// NewFrameBuilder creates a new frame builder instance.
func NewFrameBuilder() *FrameBuilder {
	// CRC-16/MODBUS: poly 0x8005 reflected, init 0xFFFF
	table := crc16.MakeTable(crc16.CRC16_MODBUS)

	return &FrameBuilder{
		crcTable: table,
	}
}

// Checksum returns the Modbus CRC of data.
func (fb *FrameBuilder) Checksum(data []byte) uint16 {
	return crc16.Checksum(data, fb.crcTable)
}

// DecodeWriteRequest parses a function 16 single-register request.
func (fb *FrameBuilder) DecodeWriteRequest(frame []byte) (WriteRequest, error) {
	if len(frame) < WriteRequestSize {
		return WriteRequest{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	frame = frame[:WriteRequestSize]
	if err := fb.checkCRC(frame); err != nil {
		return WriteRequest{}, err
	}
	if frame[1] != FuncCodeWriteMultipleRegisters || binary.BigEndian.Uint16(frame[4:6]) != 1 || frame[6] != 2 {
		return WriteRequest{}, fmt.Errorf("%w: function 0x%02X is not a single-register write", ErrUnexpectedRequest, frame[1])
	}

	return WriteRequest{
		SlaveID:  frame[0],
		Register: binary.BigEndian.Uint16(frame[2:4]),
		Value:    binary.BigEndian.Uint16(frame[7:9]),
	}, nil
}

// EncodeWriteResponse builds the slave's acknowledgement for req.
func (fb *FrameBuilder) EncodeWriteResponse(req WriteRequest) []byte {
	frame := make([]byte, 0, WriteResponseSize)
	frame = append(frame, req.SlaveID, FuncCodeWriteMultipleRegisters)
	frame = binary.BigEndian.AppendUint16(frame, req.Register)
	frame = binary.BigEndian.AppendUint16(frame, 1)
	return fb.appendCRC(frame)
}

// EncodeException builds an exception response for the given function.
func (fb *FrameBuilder) EncodeException(slaveID, function, code byte) []byte {
	return fb.appendCRC([]byte{slaveID, function | exceptionFlag, code})
}

// appendCRC appends the CRC low byte first, as RTU requires.
func (fb *FrameBuilder) appendCRC(frame []byte) []byte {
	crc := fb.Checksum(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

func (fb *FrameBuilder) checkCRC(frame []byte) error {
	n := len(frame)
	got := uint16(frame[n-2]) | uint16(frame[n-1])<<8
	if want := fb.Checksum(frame[:n-2]); got != want {
		return fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrCRCMismatch, got, want)
	}
	return nil
}
