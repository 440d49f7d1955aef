package gpumetrics

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// buildV1Content1 encodes a minimal decodeV1Content1 payload (spec.md §4.5's
// oldest/smallest layout), zero-padded out to the schema's declared
// structure_size so Decode's length check is satisfied.
func buildV1Content1(t *testing.T) []byte {
	t.Helper()

	buf := &bytes.Buffer{}

	write := func(v any) {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, v))
	}

	write(uint16(96)) // structure_size
	buf.WriteByte(FormatRevision1)
	buf.WriteByte(1) // content_revision

	write(uint16(45))  // TempEdge
	write(uint16(50))  // TempHotspot
	write(uint16(40))  // TempMem
	write(uint16(60))  // TempVrGfx
	write(uint16(55))  // TempVrSoc
	write(uint16(58))  // TempVrMem
	write(uint16(80))  // AverageGfxActivity
	write(uint16(20))  // AverageMemActivity
	write(uint16(150)) // AverageSocketPowerW
	write(uint16(1500)) // AverageGfxClockMHz
	write(uint16(1200)) // AverageSocClockMHz
	write(uint16(1000)) // AverageUMCClockMHz
	write(uint32(0x1))  // ThrottleStatusCompact
	write(uint16(3000)) // CurrentFanSpeedRPM
	write(uint16(16))   // PCIeLinkWidth
	write(uint16(160))  // PCIeLinkSpeed
	write(uint64(123456)) // GfxActivityAccumulator
	write(uint64(654321)) // MemActivityAccumulator
	write(uint64(999))    // FirmwareTimestamp

	padded := make([]byte, 96)
	copy(padded, buf.Bytes())

	return padded
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrUnexpectedSize))
}

func TestDecodeHeaderUnknownFormatRevision(t *testing.T) {
	b := make([]byte, headerSize)
	b[2] = 9 // unknown format_revision

	_, err := DecodeHeader(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrUnexpectedData))
}

func TestDecodeV1Content1(t *testing.T) {
	b := buildV1Content1(t)

	m, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, uint16(45), m.TempEdge)
	assert.Equal(t, uint16(80), m.AverageGfxActivity)
	assert.Equal(t, uint32(0x1), m.ThrottleStatusCompact)
	assert.Equal(t, uint64(123456), m.GfxActivityAccumulator)
	assert.Equal(t, uint64(999), m.FirmwareTimestamp)

	// Fields decodeV1Content1 never populates stay at their sentinel.
	assert.Equal(t, sentinelU16, m.TempHBM[0])
	assert.Equal(t, sentinelU16, m.InstantGfxActivity)
	assert.Equal(t, sentinelU32, m.ThrottleStatusVrTemp)
	assert.Equal(t, sentinelU16, m.PartitionGfxActivity[0])
}

func TestDecodeUnsupportedContentRevision(t *testing.T) {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(b[0:2], 96)
	b[2] = FormatRevision1
	b[3] = 200 // no such content revision

	_, err := Decode(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotSupported))
}

func TestDecodeStructureSizeMismatch(t *testing.T) {
	b := buildV1Content1(t)
	binary.LittleEndian.PutUint16(b[0:2], 97) // wrong structure_size

	_, err := Decode(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrUnexpectedSize))
}

func TestDecodeBlobShorterThanSchema(t *testing.T) {
	b := buildV1Content1(t)[:50]

	_, err := Decode(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrUnexpectedSize))
}
