package config

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HistoryEdgeSampleLimit bounds the recent-sample ring kept per history edge.
const HistoryEdgeSampleLimit = 3

// Config carries every runtime option. Values come from environment variables
// with documented defaults; an optional YAML file (CONFIG_FILE) may seed the
// connection and map framing sections, env always wins.
type Config struct {
	MQTTHost      string
	MQTTPort      int
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopics    []string
	MQTTTLS       bool
	MQTTInsecure  bool
	MQTTCACert    string
	MQTTTransport string
	MQTTWSPath    string
	MQTTClientID  string

	HTTPAddr string

	StateDir          string
	StateFile         string
	DeviceRolesFile   string
	StateSaveInterval time.Duration

	DeviceTTL        time.Duration
	TrailLen         int
	RouteTTL         time.Duration
	MessageOriginTTL time.Duration
	HeatTTL          time.Duration

	RoutePayloadTypes map[int]struct{}
	RoutePathMaxLen   int

	HistoryEnabled         bool
	HistoryWindow          time.Duration
	HistoryMaxSegments     int
	HistoryFile            string
	HistoryPayloadTypes    map[int]struct{}
	HistoryAllowedModes    map[string]struct{}
	HistoryCompactInterval time.Duration

	MQTTOnline          time.Duration
	SeenBroadcastMin    time.Duration
	OnlineTopicSuffixes []string
	OnlineForceNames    map[string]struct{}

	DebugPayload      bool
	DebugPayloadMax   int
	DebugLastMax      int
	DebugStatusMax    int
	PayloadPreviewMax int

	DecodeWithNode    bool
	NodeDecodeTimeout time.Duration

	DirectCoordsMode      string
	DirectCoordsRegexRaw  string
	DirectCoordsTopicRE   *regexp.Regexp
	DirectCoordsAllowZero bool

	MapStartLat  float64
	MapStartLon  float64
	MapStartZoom float64
	MapRadiusKM  float64

	ProdMode  bool
	ProdToken string

	LOSElevationURL     string
	LOSSampleMin        int
	LOSSampleMax        int
	LOSSampleStepMeters int
	LOSPeaksMax         int
	ElevationCacheTTL   time.Duration

	CoverageAPIURL string
}

// fileConfig mirrors the optional YAML seed file.
type fileConfig struct {
	MQTT struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Topics   string `yaml:"topics"`
	} `yaml:"mqtt"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Map struct {
		StartLat  *float64 `yaml:"startLat"`
		StartLon  *float64 `yaml:"startLon"`
		StartZoom *float64 `yaml:"startZoom"`
		RadiusKM  *float64 `yaml:"radiusKm"`
	} `yaml:"map"`
}

// Load builds a Config from the process environment.
func Load() *Config {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config using the supplied environment lookup. Invalid
// numeric values fall back to their defaults rather than failing startup.
func LoadFrom(getenv func(string) string) *Config {
	seed := loadSeedFile(getenv("CONFIG_FILE"))

	stateDir := envStr(getenv, "STATE_DIR", "/data")
	routeTypes := envIntSet(getenv, "ROUTE_PAYLOAD_TYPES", "8,9,2,5,4")

	cfg := &Config{
		MQTTHost:      envStr(getenv, "MQTT_HOST", strOr(seed.MQTT.Host, "localhost")),
		MQTTPort:      envInt(getenv, "MQTT_PORT", intOr(seed.MQTT.Port, 1883)),
		MQTTUsername:  envStr(getenv, "MQTT_USERNAME", seed.MQTT.Username),
		MQTTPassword:  envStr(getenv, "MQTT_PASSWORD", seed.MQTT.Password),
		MQTTTopics:    splitList(envStr(getenv, "MQTT_TOPIC", strOr(seed.MQTT.Topics, "meshcore/#"))),
		MQTTTLS:       envBool(getenv, "MQTT_TLS", false),
		MQTTInsecure:  envBool(getenv, "MQTT_TLS_INSECURE", false),
		MQTTCACert:    envStr(getenv, "MQTT_CA_CERT", ""),
		MQTTTransport: strings.ToLower(strings.TrimSpace(envStr(getenv, "MQTT_TRANSPORT", "tcp"))),
		MQTTWSPath:    envStr(getenv, "MQTT_WS_PATH", "/mqtt"),
		MQTTClientID:  envStr(getenv, "MQTT_CLIENT_ID", ""),

		HTTPAddr: envStr(getenv, "HTTP_ADDR", strOr(seed.HTTP.Addr, ":8080")),

		StateDir:          stateDir,
		StateFile:         envStr(getenv, "STATE_FILE", stateDir+"/state.json"),
		DeviceRolesFile:   envStr(getenv, "DEVICE_ROLES_FILE", stateDir+"/device_roles.json"),
		StateSaveInterval: envSeconds(getenv, "STATE_SAVE_INTERVAL", 5),

		DeviceTTL:        envSeconds(getenv, "DEVICE_TTL_SECONDS", 300),
		TrailLen:         envInt(getenv, "TRAIL_LEN", 30),
		RouteTTL:         envSeconds(getenv, "ROUTE_TTL_SECONDS", 120),
		MessageOriginTTL: envSeconds(getenv, "MESSAGE_ORIGIN_TTL_SECONDS", 300),
		HeatTTL:          envSeconds(getenv, "HEAT_TTL_SECONDS", 600),

		RoutePayloadTypes: routeTypes,
		RoutePathMaxLen:   envInt(getenv, "ROUTE_PATH_MAX_LEN", 16),

		HistoryEnabled:         envBool(getenv, "ROUTE_HISTORY_ENABLED", true),
		HistoryWindow:          time.Duration(envFloat(getenv, "ROUTE_HISTORY_HOURS", 24) * float64(time.Hour)),
		HistoryMaxSegments:     envInt(getenv, "ROUTE_HISTORY_MAX_SEGMENTS", 40000),
		HistoryFile:            envStr(getenv, "ROUTE_HISTORY_FILE", stateDir+"/route_history.jsonl"),
		HistoryPayloadTypes:    envIntSetDefault(getenv, "ROUTE_HISTORY_PAYLOAD_TYPES", routeTypes),
		HistoryAllowedModes:    envStrSet(getenv, "ROUTE_HISTORY_ALLOWED_MODES", "path"),
		HistoryCompactInterval: envSeconds(getenv, "ROUTE_HISTORY_COMPACT_INTERVAL", 120),

		MQTTOnline:          envSeconds(getenv, "MQTT_ONLINE_SECONDS", 300),
		SeenBroadcastMin:    envSeconds(getenv, "MQTT_SEEN_BROADCAST_MIN_SECONDS", 5),
		OnlineTopicSuffixes: splitList(envStr(getenv, "MQTT_ONLINE_TOPIC_SUFFIXES", "/status,/internal")),
		OnlineForceNames:    lowerSet(splitList(envStr(getenv, "MQTT_ONLINE_FORCE_NAMES", ""))),

		DebugPayload:      envBool(getenv, "DEBUG_PAYLOAD", false),
		DebugPayloadMax:   envInt(getenv, "DEBUG_PAYLOAD_MAX", 400),
		DebugLastMax:      envInt(getenv, "DEBUG_LAST_MAX", 50),
		DebugStatusMax:    envInt(getenv, "DEBUG_STATUS_MAX", 50),
		PayloadPreviewMax: envInt(getenv, "PAYLOAD_PREVIEW_MAX", 800),

		DecodeWithNode:    envBool(getenv, "DECODE_WITH_NODE", true),
		NodeDecodeTimeout: time.Duration(envFloat(getenv, "NODE_DECODE_TIMEOUT_SECONDS", 2.0) * float64(time.Second)),

		DirectCoordsMode:      strings.ToLower(strings.TrimSpace(envStr(getenv, "DIRECT_COORDS_MODE", "topic"))),
		DirectCoordsRegexRaw:  envStr(getenv, "DIRECT_COORDS_TOPIC_REGEX", "(position|location|gps|coords)"),
		DirectCoordsAllowZero: envBool(getenv, "DIRECT_COORDS_ALLOW_ZERO", false),

		MapStartLat:  envFloat(getenv, "MAP_START_LAT", floatOr(seed.Map.StartLat, 42.3601)),
		MapStartLon:  envFloat(getenv, "MAP_START_LON", floatOr(seed.Map.StartLon, -71.1500)),
		MapStartZoom: envFloat(getenv, "MAP_START_ZOOM", floatOr(seed.Map.StartZoom, 10)),
		MapRadiusKM:  envFloat(getenv, "MAP_RADIUS_KM", floatOr(seed.Map.RadiusKM, 0)),

		ProdMode:  envBool(getenv, "PROD_MODE", false),
		ProdToken: strings.TrimSpace(envStr(getenv, "PROD_TOKEN", "")),

		LOSElevationURL:     envStr(getenv, "LOS_ELEVATION_URL", "https://api.opentopodata.org/v1/srtm90m"),
		LOSSampleMin:        envInt(getenv, "LOS_SAMPLE_MIN", 10),
		LOSSampleMax:        envInt(getenv, "LOS_SAMPLE_MAX", 80),
		LOSSampleStepMeters: envInt(getenv, "LOS_SAMPLE_STEP_METERS", 250),
		LOSPeaksMax:         envInt(getenv, "LOS_PEAKS_MAX", 4),
		ElevationCacheTTL:   envSeconds(getenv, "ELEVATION_CACHE_TTL", 21600),

		CoverageAPIURL: strings.TrimSpace(envStr(getenv, "COVERAGE_API_URL", "")),
	}

	if cfg.MapRadiusKM < 0 {
		cfg.MapRadiusKM = 0
	}
	if cfg.MQTTTransport != "websockets" {
		cfg.MQTTTransport = "tcp"
	}
	// An invalid regex disables topic gating rather than killing startup.
	if re, err := regexp.Compile("(?i)" + cfg.DirectCoordsRegexRaw); err == nil {
		cfg.DirectCoordsTopicRE = re
	}
	return cfg
}

// RoleOverrides reads the device-role override file. Missing or malformed
// files yield an empty map.
func (c *Config) RoleOverrides() map[string]string {
	out := map[string]string{}
	if c.DeviceRolesFile == "" {
		return out
	}
	raw, err := os.ReadFile(c.DeviceRolesFile)
	if err != nil {
		return out
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return out
	}
	for k, v := range data {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// OnlineSuffixMatch reports whether the topic ends with one of the
// online-marking suffixes.
func (c *Config) OnlineSuffixMatch(topic string) bool {
	for _, s := range c.OnlineTopicSuffixes {
		if s != "" && strings.HasSuffix(topic, s) {
			return true
		}
	}
	return false
}

// ForcedOnline reports whether a display name is pinned online by config.
func (c *Config) ForcedOnline(name string) bool {
	if name == "" {
		return false
	}
	_, ok := c.OnlineForceNames[strings.ToLower(name)]
	return ok
}

func loadSeedFile(path string) fileConfig {
	var seed fileConfig
	if path == "" {
		return seed
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed
	}
	_ = yaml.Unmarshal(raw, &seed)
	return seed
}

func envStr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(getenv func(string) string, key string, fallback float64) float64 {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(getenv func(string) string, key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(getenv(key)))
	if v == "" {
		return fallback
	}
	return v == "true"
}

func envSeconds(getenv func(string) string, key string, fallback float64) time.Duration {
	return time.Duration(envFloat(getenv, key, fallback) * float64(time.Second))
}

func envIntSet(getenv func(string) string, key, fallback string) map[int]struct{} {
	out := map[int]struct{}{}
	for _, part := range splitList(envStr(getenv, key, fallback)) {
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out[n] = struct{}{}
	}
	return out
}

func envIntSetDefault(getenv func(string) string, key string, fallback map[int]struct{}) map[int]struct{} {
	if strings.TrimSpace(getenv(key)) == "" {
		return fallback
	}
	return envIntSet(getenv, key, "")
}

func envStrSet(getenv func(string) string, key, fallback string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range splitList(envStr(getenv, key, fallback)) {
		out[part] = struct{}{}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lowerSet(items []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range items {
		out[strings.ToLower(s)] = struct{}{}
	}
	return out
}

func strOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func floatOr(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}
