package decoder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshmap-go/internal/common/config"
)

func testAdapter(t *testing.T, run func(ctx context.Context, name string, args ...string) ([]byte, error)) *Adapter {
	t.Helper()
	cfg := config.LoadFrom(func(string) string { return "" })
	a := New(cfg)
	a.scriptPath = t.TempDir() + "/decode.mjs"
	a.run = run
	return a
}

func TestDecodeSuccess(t *testing.T) {
	a := testAdapter(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		switch {
		case len(args) > 0 && args[0] == "-v":
			return []byte("v20.0.0"), nil
		case len(args) > 0 && args[0] == "--input-type=module":
			return []byte(""), nil
		case len(args) > 0 && strings.HasSuffix(args[0], ".mjs"):
			return []byte(`{"ok":true,"payloadType":8,"messageHash":"AB12CD34",` +
				`"location":{"lat":423601000,"lon":-710589000,"name":"node-1","pubkey":"FFEE"},` +
				`"pathHashes":["3f","A0"],"snrValues":[7.5,-1.25]}`), nil
		}
		return nil, errors.New("unexpected invocation")
	})

	lat, lon, pubkey, name, meta := a.Decode("deadbeef")
	require.NotNil(t, lat)
	require.NotNil(t, lon)
	assert.InDelta(t, 42.3601, *lat, 1e-9)
	assert.InDelta(t, -71.0589, *lon, 1e-9)
	assert.Equal(t, "FFEE", pubkey)
	assert.Equal(t, "node-1", name)
	assert.True(t, meta.Ok)
	require.NotNil(t, meta.PayloadType)
	assert.Equal(t, 8, *meta.PayloadType)
	assert.Equal(t, "AB12CD34", meta.MessageHash)
	assert.Equal(t, []float64{7.5, -1.25}, meta.SNRValues)
}

func TestDecodeNoLocation(t *testing.T) {
	a := testAdapter(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`{"ok":true,"payloadType":2,"location":{"lat":null,"lon":null,"pubkey":"AA55"}}`), nil
	})

	lat, lon, pubkey, _, meta := a.Decode("deadbeef")
	assert.Nil(t, lat)
	assert.Nil(t, lon)
	assert.Equal(t, "AA55", pubkey)
	assert.True(t, meta.Ok)
	assert.Equal(t, "decoded_no_location", meta.Note)
}

func TestDecodeBadOutput(t *testing.T) {
	testCases := []struct {
		name      string
		output    string
		wantError string
	}{
		{
			name:      "empty_output",
			output:    "",
			wantError: "empty_decoder_output",
		},
		{
			name:      "not_json",
			output:    "SyntaxError: unexpected token",
			wantError: "decoder_output_not_json",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := testAdapter(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return []byte(tc.output), nil
			})
			lat, _, _, _, meta := a.Decode("deadbeef")
			assert.Nil(t, lat)
			assert.False(t, meta.Ok)
			assert.Equal(t, tc.wantError, meta.Error)
		})
	}
}

func TestUnavailabilityIsSticky(t *testing.T) {
	calls := 0
	a := testAdapter(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return nil, errors.New("node: command not found")
	})

	for i := 0; i < 3; i++ {
		_, _, _, _, meta := a.Decode("deadbeef")
		assert.Equal(t, "node_decoder_unavailable", meta.Error)
	}
	// Only the first probe touches the runner.
	assert.Equal(t, 1, calls)

	_, _, unavailable := a.Status()
	assert.True(t, unavailable)
}

func TestDisabledAdapter(t *testing.T) {
	cfg := config.LoadFrom(func(key string) string {
		if key == "DECODE_WITH_NODE" {
			return "false"
		}
		return ""
	})
	a := New(cfg)
	a.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("runner must not be invoked when disabled")
		return nil, nil
	}

	start := time.Now()
	_, _, _, _, meta := a.Decode("deadbeef")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "node_decoder_unavailable", meta.Error)
}
