package timeedit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(value string) int64 {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func TestEdit(t *testing.T) {
	tests := []struct {
		name string
		spec string
		in   string
		want string
	}{
		{name: "start of hour", spec: "so_h", in: "2020-06-15T13:42:17Z", want: "2020-06-15T13:00:00Z"},
		{name: "start of day", spec: "so_d", in: "2020-06-15T13:42:17Z", want: "2020-06-15T00:00:00Z"},
		{name: "start of month", spec: "so_M", in: "2020-06-15T13:42:17Z", want: "2020-06-01T00:00:00Z"},
		{name: "start of year", spec: "so_y", in: "2020-06-15T13:42:17Z", want: "2020-01-01T00:00:00Z"},
		{name: "start of minute", spec: "so_m", in: "2020-06-15T13:42:17Z", want: "2020-06-15T13:42:00Z"},
		{name: "start of week lands on sunday", spec: "so_w", in: "2020-06-17T13:42:17Z", want: "2020-06-14T00:00:00Z"},
		{name: "add hours", spec: "ad_8_h", in: "2020-06-15T13:00:00Z", want: "2020-06-15T21:00:00Z"},
		{name: "subtract day", spec: "su_1_d", in: "2020-06-15T13:00:00Z", want: "2020-06-14T13:00:00Z"},
		{name: "piped edits apply in order", spec: "so_d|ad_8_h", in: "2020-06-15T13:42:17Z", want: "2020-06-15T08:00:00Z"},
		{name: "subtract months crosses year", spec: "su_7_M", in: "2020-03-01T00:00:00Z", want: "2019-08-01T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, ms(tt.want), e.Edit(ms(tt.in)))
		})
	}
}

func TestNewRejectsBadSpecs(t *testing.T) {
	for _, spec := range []string{"", "so_x", "ad_h", "ad_-1_h", "ad_1_q", "xx_1_h", "so_h|bogus"} {
		t.Run(spec, func(t *testing.T) {
			_, err := New(spec)
			assert.Error(t, err)
		})
	}
}
