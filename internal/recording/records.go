package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const frameHeaderSize = 16

// writeRecord writes a length-prefixed payload.
func writeRecord(w io.Writer, payload []byte) error {
	if len(payload) > maxRecordSize {
		return fmt.Errorf("record too large: %d bytes (max %d)", len(payload), maxRecordSize)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	return nil
}

// readRecord reads one length-prefixed payload. It returns io.EOF only at a
// clean record boundary; a truncated record is ErrCorruptRecord.
func readRecord(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated length prefix", ErrCorruptRecord)
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("%w: record length %d exceeds %d", ErrCorruptRecord, n, maxRecordSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload (%d bytes expected)", ErrCorruptRecord, n)
		}
		return nil, err
	}
	return payload, nil
}

func encodeFrame(f Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Data))
	binary.LittleEndian.PutUint64(buf[0:8], f.Sequence)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.Timestamp.Nanoseconds()))
	copy(buf[frameHeaderSize:], f.Data)
	return buf
}

func decodeFrame(payload []byte) (Frame, error) {
	if len(payload) < frameHeaderSize {
		return Frame{}, fmt.Errorf("%w: frame record of %d bytes", ErrCorruptRecord, len(payload))
	}
	return Frame{
		Sequence:  binary.LittleEndian.Uint64(payload[0:8]),
		Timestamp: time.Duration(int64(binary.LittleEndian.Uint64(payload[8:16]))),
		Data:      payload[frameHeaderSize:],
	}, nil
}
