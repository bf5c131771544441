package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	ref := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	refMs := ref.UnixMilli()

	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"rfc3339", "2020-01-01T00:00:00Z", refMs},
		{"rfc3339 offset", "2020-01-01T01:00:00+01:00", refMs},
		{"no zone", "2020-01-01T00:00:00", refMs},
		{"seconds int64", int64(1577836800), refMs},
		{"millis int64", refMs, refMs},
		{"seconds float", float64(1577836800), refMs},
		{"numeric string", "1577836800", refMs},
		{"time.Time", ref, refMs},
		{"garbage", "not-a-time", 0},
		{"unsupported type", struct{}{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ms := Now()
	assert.Equal(t, ms, ToUnixMs(FromUnixMs(ms)))
}

func TestZeroValues(t *testing.T) {
	assert.True(t, IsZero(0))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "", Format(0))
	assert.Equal(t, int64(0), Add(0, time.Hour))
	assert.Equal(t, int64(0), Sub(0, time.Hour))
}

func TestAddSub(t *testing.T) {
	ms := Parse("2020-01-01T00:00:00Z")
	assert.Equal(t, ms+600_000, Add(ms, 10*time.Minute))
	assert.Equal(t, ms-600_000, Sub(ms, 10*time.Minute))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Now()))
	assert.Error(t, Validate(-1))
	assert.Error(t, Validate(33000000000000000))
}

func TestParseStrict(t *testing.T) {
	ms, err := ParseStrict("2020-01-01T00:00:00Z")
	assert.NoError(t, err)
	assert.Equal(t, Parse("2020-01-01T00:00:00Z"), ms)

	for _, input := range []any{"not-a-time", "", nil, 0} {
		_, err := ParseStrict(input)
		assert.Error(t, err, "input %v", input)
	}
}
