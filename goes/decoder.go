// Package goes decodes GOES pseudo-binary sensor payloads.
//
// Supported formats are named "fp2_N": rows of N values, each value
// encoded as three pseudo-binary characters carrying six data bits each.
// An FP2 value packs a sign bit, a two-bit negative decimal exponent, and
// a fifteen-bit mantissa.
package goes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pipeline"
)

const bytesPerValue = 3

var exponents = [4]float64{1, 10, 100, 1000}

// Decoder decodes fixed-width FP2 rows.
type Decoder struct {
	format       string
	valuesPerRow int
}

// NewDecoder creates a decoder for an "fp2_N" format name.
func NewDecoder(format string) (*Decoder, error) {
	name, count, ok := strings.Cut(format, "_")
	if !ok || name != "fp2" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported decode format %q", format),
			"goes", "NewDecoder", "parse format name")
	}
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid column count in format %q", format),
			"goes", "NewDecoder", "parse column count")
	}
	return &Decoder{format: format, valuesPerRow: n}, nil
}

// Decode converts a pseudo-binary buffer into rows of scalars. The buffer
// must hold a whole number of rows.
func (d *Decoder) Decode(_ context.Context, data []byte) ([][]float64, error) {
	if len(data)%bytesPerValue != 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload length %d is not a multiple of %d", len(data), bytesPerValue),
			"Decoder", "Decode", "check payload length")
	}

	total := len(data) / bytesPerValue
	if total%d.valuesPerRow != 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%d values do not fill rows of %d", total, d.valuesPerRow),
			"Decoder", "Decode", "check row alignment")
	}

	rows := make([][]float64, 0, total/d.valuesPerRow)
	for offset := 0; offset < len(data); offset += bytesPerValue * d.valuesPerRow {
		row := make([]float64, d.valuesPerRow)
		for i := range row {
			p := offset + i*bytesPerValue
			row[i] = decodeFP2(data[p], data[p+1], data[p+2])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeFP2 unpacks one value from three pseudo-binary characters. Only
// the low six bits of each character carry data.
func decodeFP2(a, b, c byte) float64 {
	hi := a & 0x3F
	mantissa := int(hi&0x07)<<12 | int(b&0x3F)<<6 | int(c&0x3F)
	value := float64(mantissa) / exponents[(hi&0x18)>>3]
	if hi&0x20 != 0 {
		return -value
	}
	return value
}

// Factory constructs decoders per rule decode format.
type Factory struct{}

// New implements pipeline.DecoderFactory.
func (Factory) New(format string) (pipeline.Decoder, error) {
	return NewDecoder(format)
}
