package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRecordRange(t *testing.T) {
	cases := []struct {
		name    string
		lat     float64
		lon     float64
		wantErr bool
	}{
		{"valid", 55.1, 25.9, false},
		{"sentinel zero", 0, 0, false},
		{"lat too high", 91, 0, true},
		{"lon too low", 0, -181, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewRecord("dev1", ProtocolTeltonika, "codec_8E", time.Now(), c.lat, c.lon)
			if c.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSetHeadingDropsOutOfRange(t *testing.T) {
	r, err := NewRecord("dev1", ProtocolTeltonika, "codec_8E", time.Now(), 0, 0)
	require.NoError(t, err)

	r.SetHeading(400)
	require.Nil(t, r.Heading, "expected heading to be dropped")

	r.SetHeading(90)
	require.NotNil(t, r.Heading)
	require.Equal(t, 90.0, *r.Heading)
}

func TestSetSpeedRejectsNegative(t *testing.T) {
	r, err := NewRecord("dev1", ProtocolTeltonika, "codec_8E", time.Now(), 0, 0)
	require.NoError(t, err)

	r.SetSpeed(-5)
	require.Nil(t, r.Speed, "expected speed to stay nil for negative input")

	r.SetSpeed(42)
	require.NotNil(t, r.Speed)
	require.Equal(t, 42.0, *r.Speed)
}

func TestRequiresIOElements(t *testing.T) {
	require.True(t, RequiresIOElements(ProtocolTFMS90, "TE"), "TE must require io_elements")
	require.False(t, RequiresIOElements(ProtocolTFMS90, "HB"), "HB must not require io_elements")
	require.False(t, RequiresIOElements(ProtocolTeltonika, "TE"), "teltonika records never require io_elements regardless of type")
}
