// Package decoder bridges to the external mesh-frame decoder, an npm package
// invoked through a node subprocess. The adapter is initialized lazily on
// first use and remembers a failed initialization so a missing decoder costs
// one probe, not one process spawn per message.
package decoder

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/common/logging"
	"meshmap-go/internal/geo"
)

// Location is the decoder's view of an embedded position report.
type Location struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Name   string   `json:"name"`
	Pubkey string   `json:"pubkey"`
}

// Meta carries everything the external decoder reports about one frame.
type Meta struct {
	Ok             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	PayloadType    *int      `json:"payloadType"`
	RouteType      *int      `json:"routeType"`
	MessageHash    string    `json:"messageHash"`
	Location       *Location `json:"location"`
	Role           string    `json:"role"`
	DeviceRole     *int      `json:"deviceRole"`
	DeviceRoleName string    `json:"deviceRoleName"`
	PathHashes     []any     `json:"pathHashes"`
	SNRValues      []float64 `json:"snrValues"`
	Path           []any     `json:"path"`
	PathLength     *int      `json:"pathLength"`
	Note           string    `json:"note,omitempty"`
	Output         string    `json:"output,omitempty"`
}

const helperScript = `#!/usr/bin/env node
import { MeshCoreDecoder, getDeviceRoleName } from '@michaelhart/meshcore-decoder';

const hex = (process.argv[2] || '').trim();

function pickLocation(decodedPacket) {
  const payloadDecoded = decodedPacket?.payload?.decoded ?? null;
  const payloadRoot = decodedPacket?.payload ?? null;
  const appData = payloadDecoded?.appData ?? payloadDecoded?.appdata ?? payloadRoot?.appData ?? payloadRoot?.appdata ?? null;
  const loc = appData?.location ?? payloadDecoded?.location ?? payloadRoot?.location ?? null;
  const lat = loc?.latitude ?? loc?.lat ?? null;
  const lon = loc?.longitude ?? loc?.lon ?? null;
  const name = appData?.name ?? payloadDecoded?.name ?? payloadRoot?.name ?? null;
  const pubkey =
    payloadDecoded?.publicKey ?? payloadDecoded?.publickey ??
    payloadRoot?.publicKey ?? payloadRoot?.publickey ??
    decodedPacket?.publicKey ?? decodedPacket?.publickey ?? null;
  return { lat, lon, name, pubkey };
}

try {
  const decoded = MeshCoreDecoder.decode(hex);
  const loc = pickLocation(decoded);
  const payloadDecoded = decoded?.payload?.decoded ?? decoded?.payload ?? null;
  const payloadRoot = decoded?.payload ?? null;
  const appData = payloadDecoded?.appData ?? payloadDecoded?.appdata ?? payloadRoot?.appData ?? payloadRoot?.appdata ?? null;
  const deviceRole = appData?.deviceRole ?? payloadDecoded?.deviceRole ?? payloadRoot?.deviceRole ?? null;
  const deviceRoleName = typeof deviceRole === 'number' ? getDeviceRoleName(deviceRole) : null;
  const role = appData?.role ?? payloadDecoded?.role ?? payloadRoot?.role ?? deviceRoleName ?? null;
  console.log(JSON.stringify({
    ok: true,
    payloadType: decoded?.payloadType ?? null,
    routeType: decoded?.routeType ?? null,
    messageHash: decoded?.messageHash ?? null,
    location: loc,
    role,
    deviceRole,
    deviceRoleName,
    pathHashes: payloadDecoded?.pathHashes ?? null,
    snrValues: payloadDecoded?.snrValues ?? null,
    path: decoded?.path ?? null,
    pathLength: decoded?.pathLength ?? null,
  }));
} catch (e) {
  console.log(JSON.stringify({ ok: false, error: String(e) }));
}
`

// Adapter invokes the node helper with a bounded per-call timeout.
type Adapter struct {
	enabled    bool
	timeout    time.Duration
	scriptPath string

	mu          sync.Mutex
	ready       bool
	unavailable bool

	// run is swapped out in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(cfg *config.Config) *Adapter {
	return &Adapter{
		enabled:    cfg.DecodeWithNode,
		timeout:    cfg.NodeDecodeTimeout,
		scriptPath: filepath.Join(os.TempDir(), "meshframe_decode.mjs"),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Status reports the lazy-init flags for /stats.
func (a *Adapter) Status() (enabled, ready, unavailable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, a.ready, a.unavailable
}

// ensure probes for node and the decoder package once, then writes the helper
// script. A failed probe is sticky.
func (a *Adapter) ensure() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		return false
	}
	if a.ready {
		return true
	}
	if a.unavailable {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if _, err := a.run(ctx, "node", "-v"); err != nil {
		a.unavailable = true
		logging.Log(logging.Info, "node not found, frame decoding disabled")
		return false
	}
	if _, err := a.run(ctx, "node", "--input-type=module", "-e", "import('@michaelhart/meshcore-decoder')"); err != nil {
		a.unavailable = true
		logging.Log(logging.Info, "meshcore decoder package not available, frame decoding disabled")
		return false
	}
	if err := os.WriteFile(a.scriptPath, []byte(helperScript), 0o755); err != nil {
		a.unavailable = true
		logging.Log(logging.Error, "failed writing decoder helper: %v", err)
		return false
	}

	a.ready = true
	logging.Log(logging.Info, "node decoder ready")
	return true
}

// Decode hands a hex frame to the external decoder. Coordinates are returned
// only when the frame carried a valid location.
func (a *Adapter) Decode(hexFrame string) (lat, lon *float64, pubkey, name string, meta Meta) {
	if !a.ensure() {
		return nil, nil, "", "", Meta{Ok: false, Error: "node_decoder_unavailable"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	out, err := a.run(ctx, "node", a.scriptPath, hexFrame)
	if err != nil {
		return nil, nil, "", "", Meta{Ok: false, Error: err.Error()}
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return nil, nil, "", "", Meta{Ok: false, Error: "empty_decoder_output"}
	}
	if err := json.Unmarshal([]byte(text), &meta); err != nil {
		return nil, nil, "", "", Meta{Ok: false, Error: "decoder_output_not_json", Output: text}
	}
	if !meta.Ok {
		return nil, nil, "", "", meta
	}

	if meta.Location != nil {
		pubkey = meta.Location.Pubkey
		name = meta.Location.Name
		if meta.Location.Lat != nil && meta.Location.Lon != nil {
			if la, lo, ok := geo.Normalize(*meta.Location.Lat, *meta.Location.Lon); ok {
				return &la, &lo, pubkey, name, meta
			}
		}
	}
	meta.Note = "decoded_no_location"
	return nil, nil, pubkey, name, meta
}
