package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/sensorgw/internal/types"
	"github.com/xtxerr/sensorgw/internal/wire"
)

// Record payload format (little-endian):
//   - reading count (4 bytes)
//   - count wire records of wire.RecordSize bytes each

// encodeReadings encodes readings into one record payload.
func encodeReadings(readings []types.Reading) []byte {
	buf := make([]byte, 4+len(readings)*wire.RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(readings)))
	for i, r := range readings {
		off := 4 + i*wire.RecordSize
		wire.Encode(buf[off:off+wire.RecordSize], r)
	}
	return buf
}

// decodeReadings decodes one record payload.
func decodeReadings(data []byte) ([]types.Reading, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for reading count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if want := 4 + count*wire.RecordSize; len(data) != want {
		return nil, fmt.Errorf("payload size %d does not match %d readings", len(data), count)
	}

	readings := make([]types.Reading, count)
	for i := range readings {
		off := 4 + i*wire.RecordSize
		readings[i] = wire.Decode(data[off : off+wire.RecordSize])
	}
	return readings, nil
}
