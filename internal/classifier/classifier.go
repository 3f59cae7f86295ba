// Package classifier turns one MQTT frame into a normalized device update.
// Classification is best-effort and never fails hard: every outcome is a
// tagged Result, parse failures included.
package classifier

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"meshmap-go/internal/common/config"
	"meshmap-go/internal/decoder"
	"meshmap-go/internal/geo"
)

// Result tags, first-success order.
const (
	TagDirectJSON           = "direct_json"
	TagDirectTextJSON       = "direct_text_json"
	TagDirectTextJSONBase64 = "direct_text_json_base64"
	TagDirectText           = "direct_text"
	TagDecoded              = "decoded"
	TagDecodedNoLocation    = "decoded_no_location"
	TagDecodeFailed         = "decode_failed"
	TagJSONNoPacketBlob     = "json_no_packet_blob"
	TagDirectBlocked        = "direct_blocked"
	TagDirectZeroCoords     = "direct_zero_coords"
	TagNoCoords             = "no_coords"
	TagUnknown              = "unknown"
)

// DeviceUpdate is the normalized output of a successful classification.
type DeviceUpdate struct {
	DeviceID string   `json:"device_id"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Ts       float64  `json:"ts"`
	Heading  *float64 `json:"heading"`
	Speed    *float64 `json:"speed"`
	RSSI     *float64 `json:"rssi"`
	SNR      *float64 `json:"snr"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	RawTopic string   `json:"raw_topic,omitempty"`
}

// Result is the debug record accompanying every classification.
type Result struct {
	Tag           string        `json:"result"`
	FoundPath     string        `json:"found_path,omitempty"`
	FoundHint     string        `json:"found_hint,omitempty"`
	DecoderMeta   *decoder.Meta `json:"decoder_meta,omitempty"`
	JSONKeys      []string      `json:"json_keys,omitempty"`
	ParseError    string        `json:"parse_error,omitempty"`
	OriginID      string        `json:"origin_id,omitempty"`
	DeviceName    string        `json:"device_name,omitempty"`
	DeviceRole    string        `json:"device_role,omitempty"`
	DecodedPubkey string        `json:"decoded_pubkey,omitempty"`
	PacketHash    string        `json:"packet_hash,omitempty"`
	Direction     string        `json:"direction,omitempty"`
	PacketType    string        `json:"packet_type,omitempty"`
}

var (
	reLatLon = regexp.MustCompile(
		`(?i)\blat(?:itude)?\b\s*[:=]?\s*(-?\d+(?:\.\d+)?)\s*[, ]+\s*\b(?:lon|lng|longitude)\b\s*[:=]?\s*(-?\d+(?:\.\d+)?)`)
	reTwoFloats  = regexp.MustCompile(`(-?\d{1,2}\.\d+)\s*[,\s]+\s*(-?\d{1,3}\.\d+)`)
	reBase64Like = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
	reHex        = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

var latKeys = []string{"lat", "latitude"}
var lonKeys = []string{"lon", "lng", "longitude"}

// likelyPacketKeys are tried first when hunting for an opaque frame blob.
var likelyPacketKeys = []string{
	"hex", "raw", "packet", "packet_hex", "frame", "data", "payload",
	"mesh_packet", "meshcore_packet", "rx_packet", "bytes", "packet_bytes",
}

var nameKeys = []string{
	"name", "device_name", "deviceName", "node_name", "nodeName",
	"display_name", "displayName", "callsign", "label",
}

var roleKeys = []string{
	"role", "device_role", "deviceRole", "node_role", "nodeRole",
	"node_type", "nodeType", "device_type", "deviceType", "class", "profile",
}

var locationHintKeys = map[string]struct{}{
	"location": {}, "gps": {}, "position": {}, "coords": {},
	"coordinate": {}, "geo": {}, "geolocation": {}, "latlon": {},
}

type Classifier struct {
	cfg *config.Config
	dec *decoder.Adapter
	now func() time.Time
}

func New(cfg *config.Config, dec *decoder.Adapter) *Classifier {
	return &Classifier{cfg: cfg, dec: dec, now: time.Now}
}

// SetClock overrides the timestamp source for tests.
func (c *Classifier) SetClock(now func() time.Time) { c.now = now }

func (c *Classifier) nowTs() float64 {
	return float64(c.now().UnixNano()) / float64(time.Second)
}

// Classify unwraps one MQTT frame. The returned update is nil when no usable
// coordinates were found; the Result tag says why.
func (c *Classifier) Classify(topic string, payload []byte) (*DeviceUpdate, Result) {
	res := Result{Tag: TagNoCoords}

	text := strings.TrimSpace(strings.ToValidUTF8(string(payload), ""))

	var obj any
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			res.ParseError = err.Error()
			obj = nil
		} else if m, ok := obj.(map[string]any); ok {
			res.JSONKeys = sortedKeys(m, 50)
			res.OriginID = stringField(m, "origin_id", "originId")
			res.DeviceName = extractDeviceName(m, topic)
			res.DeviceRole = extractDeviceRole(m)
			res.Direction = stringField(m, "direction")
			res.PacketHash = stringField(m, "hash", "message_hash", "messageHash")
			res.PacketType = stringField(m, "packet_type", "packetType", "type")
		}
	}

	if obj != nil {
		if upd, done := c.classifyJSON(topic, obj, &res); done {
			return upd, res
		}
		return nil, res
	}

	if text != "" {
		if upd, done := c.classifyText(topic, text, &res); done {
			return upd, res
		}
	}

	if isProbablyBinary(payload) && len(payload) >= 10 {
		res.FoundPath = "payload_bytes"
		res.FoundHint = "raw_bytes"
		return c.decodeFrame(topic, nil, hex.EncodeToString(payload), &res), res
	}

	return nil, res
}

// classifyJSON handles structured payloads: direct coordinates, coordinate
// text inside string leaves, then packet blob hunting. done=false only when
// the object yielded nothing at all (callers fall through to binary).
func (c *Classifier) classifyJSON(topic string, obj any, res *Result) (*DeviceUpdate, bool) {
	m, _ := obj.(map[string]any)

	if lat, lon, ok := findLatLonInJSON(obj); ok {
		if !c.directAllowed(topic, obj) {
			res.Tag = TagDirectBlocked
			return nil, true
		}
		if !c.cfg.DirectCoordsAllowZero && geo.Zero(lat, lon) {
			res.Tag = TagDirectZeroCoords
			return nil, true
		}
		res.Tag = TagDirectJSON
		upd := &DeviceUpdate{
			DeviceID: extractDeviceID(m, topic, ""),
			Lat:      lat,
			Lon:      lon,
			Ts:       c.nowTs(),
			Heading:  floatField(m, "heading"),
			Speed:    floatField(m, "speed"),
			RSSI:     floatField(m, "rssi"),
			SNR:      floatField(m, "snr"),
			Role:     res.DeviceRole,
		}
		if tv := floatField(m, "ts", "time", "timestamp"); tv != nil {
			upd.Ts = *tv
		}
		return upd, true
	}

	for _, s := range stringsFromJSON(obj) {
		if lat, lon, ok := findLatLonInText(s); ok {
			return c.directTextUpdate(topic, obj, m, lat, lon, TagDirectTextJSON, res), true
		}
		if decoded := maybeBase64Text(s); decoded != "" {
			if lat, lon, ok := findLatLonInText(decoded); ok {
				return c.directTextUpdate(topic, obj, m, lat, lon, TagDirectTextJSONBase64, res), true
			}
		}
	}

	hexStr, where, hint := findPacketBlob(obj, "root")
	res.FoundPath = where
	res.FoundHint = hint
	if hexStr != "" {
		return c.decodeFrame(topic, m, hexStr, res), true
	}

	res.Tag = TagJSONNoPacketBlob
	return nil, true
}

func (c *Classifier) directTextUpdate(topic string, obj any, m map[string]any, lat, lon float64, tag string, res *Result) *DeviceUpdate {
	if !c.directAllowed(topic, obj) {
		res.Tag = TagDirectBlocked
		return nil
	}
	if !c.cfg.DirectCoordsAllowZero && geo.Zero(lat, lon) {
		res.Tag = TagDirectZeroCoords
		return nil
	}
	res.Tag = tag
	return &DeviceUpdate{
		DeviceID: extractDeviceID(m, topic, ""),
		Lat:      lat,
		Lon:      lon,
		Ts:       c.nowTs(),
		Role:     res.DeviceRole,
	}
}

// classifyText handles non-JSON UTF-8 payloads.
func (c *Classifier) classifyText(topic, text string, res *Result) (*DeviceUpdate, bool) {
	if lat, lon, ok := findLatLonInText(text); ok {
		if !c.directAllowed(topic, nil) {
			res.Tag = TagDirectBlocked
			return nil, true
		}
		if !c.cfg.DirectCoordsAllowZero && geo.Zero(lat, lon) {
			res.Tag = TagDirectZeroCoords
			return nil, true
		}
		res.Tag = TagDirectText
		return &DeviceUpdate{
			DeviceID: extractDeviceID(nil, topic, ""),
			Lat:      lat,
			Lon:      lon,
			Ts:       c.nowTs(),
			Role:     res.DeviceRole,
		}, true
	}

	if looksLikeHex(text) {
		res.FoundPath = "payload"
		res.FoundHint = "hex"
		return c.decodeFrame(topic, nil, strings.TrimSpace(text), res), true
	}

	if b64hex := tryBase64ToHex(text); b64hex != "" {
		res.FoundPath = "payload"
		res.FoundHint = "base64"
		return c.decodeFrame(topic, nil, b64hex, res), true
	}

	return nil, false
}

// decodeFrame hands a hex frame to the decoder adapter and folds the outcome
// into the result.
func (c *Classifier) decodeFrame(topic string, m map[string]any, hexStr string, res *Result) *DeviceUpdate {
	lat, lon, pubkey, name, meta := c.dec.Decode(hexStr)
	res.DecodedPubkey = pubkey
	res.DecoderMeta = &meta
	applyMetaRole(res, &meta)

	if lat != nil && lon != nil {
		res.Tag = TagDecoded
		return &DeviceUpdate{
			DeviceID: extractDeviceID(m, topic, pubkey),
			Lat:      *lat,
			Lon:      *lon,
			Ts:       c.nowTs(),
			RSSI:     floatField(m, "rssi"),
			SNR:      floatField(m, "snr"),
			Name:     name,
			Role:     res.DeviceRole,
		}
	}
	if meta.Ok {
		res.Tag = TagDecodedNoLocation
	} else {
		res.Tag = TagDecodeFailed
	}
	return nil
}

// directAllowed applies the direct-coordinate gating mode.
func (c *Classifier) directAllowed(topic string, obj any) bool {
	switch c.cfg.DirectCoordsMode {
	case "off":
		return false
	case "any":
		return true
	case "topic", "strict":
		if c.cfg.DirectCoordsTopicRE != nil && c.cfg.DirectCoordsTopicRE.MatchString(topic) {
			return true
		}
		if c.cfg.DirectCoordsMode == "topic" {
			return false
		}
		return hasLocationHints(obj)
	}
	return true
}

func hasLocationHints(obj any) bool {
	switch v := obj.(type) {
	case map[string]any:
		for k, val := range v {
			if _, ok := locationHintKeys[strings.ToLower(k)]; ok {
				return true
			}
			switch val.(type) {
			case map[string]any, []any:
				if hasLocationHints(val) {
					return true
				}
			}
		}
	case []any:
		for _, val := range v {
			if hasLocationHints(val) {
				return true
			}
		}
	}
	return false
}

// findLatLonInJSON walks objects and lists looking for lat/lon key pairs.
// Keys are visited in sorted order so repeated classification is stable.
func findLatLonInJSON(obj any) (float64, float64, bool) {
	switch v := obj.(type) {
	case map[string]any:
		var lat, lon any
		for _, k := range latKeys {
			if val, ok := v[k]; ok {
				lat = val
				break
			}
		}
		for _, k := range lonKeys {
			if val, ok := v[k]; ok {
				lon = val
				break
			}
		}
		if lat != nil && lon != nil {
			if la, ok1 := asFloat(lat); ok1 {
				if lo, ok2 := asFloat(lon); ok2 {
					if la2, lo2, ok := geo.Normalize(la, lo); ok {
						return la2, lo2, true
					}
				}
			}
		}
		for _, k := range sortedKeys(v, -1) {
			if la, lo, ok := findLatLonInJSON(v[k]); ok {
				return la, lo, ok
			}
		}
	case []any:
		for _, item := range v {
			if la, lo, ok := findLatLonInJSON(item); ok {
				return la, lo, ok
			}
		}
	}
	return 0, 0, false
}

// stringsFromJSON collects all string leaves, object keys sorted.
func stringsFromJSON(obj any) []string {
	var out []string
	switch v := obj.(type) {
	case string:
		out = append(out, v)
	case map[string]any:
		for _, k := range sortedKeys(v, -1) {
			out = append(out, stringsFromJSON(v[k])...)
		}
	case []any:
		for _, item := range v {
			out = append(out, stringsFromJSON(item)...)
		}
	}
	return out
}

func findLatLonInText(text string) (float64, float64, bool) {
	if m := reLatLon.FindStringSubmatch(text); m != nil {
		if lat, lon, ok := normalizePair(m[1], m[2]); ok {
			return lat, lon, true
		}
	}
	for _, m := range reTwoFloats.FindAllStringSubmatch(text, -1) {
		if lat, lon, ok := normalizePair(m[1], m[2]); ok {
			return lat, lon, true
		}
	}
	return 0, 0, false
}

func normalizePair(latStr, lonStr string) (float64, float64, bool) {
	lat, ok1 := asFloat(latStr)
	lon, ok2 := asFloat(lonStr)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return geo.Normalize(lat, lon)
}

func maybeBase64Text(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 24 || !reBase64Like.MatchString(s) {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(raw), "")
}

func looksLikeHex(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 20 && len(s)%2 == 0 && reHex.MatchString(s)
}

func tryBase64ToHex(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 24 || !strings.ContainsAny(s, "+/=") {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) < 10 {
		return ""
	}
	return hex.EncodeToString(raw)
}

func isProbablyBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	n := len(data)
	if n > 200 {
		n = 200
	}
	printable := 0
	for _, b := range data[:n] {
		if (b >= 32 && b <= 126) || b == 9 || b == 10 || b == 13 {
			printable++
		}
	}
	return float64(printable)/float64(n) < 0.6
}

// SafePreview renders a payload as printable text truncated to max runes.
func SafePreview(data []byte, max int) string {
	text := strings.ToValidUTF8(string(data), "�")
	if utf8.RuneCountInString(text) > max {
		runes := []rune(text)
		return string(runes[:max]) + "..."
	}
	return text
}

// findPacketBlob hunts for an opaque frame inside a JSON value: long even hex
// strings, base64 blobs of at least 10 bytes, or integer byte lists.
func findPacketBlob(obj any, path string) (hexStr, where, hint string) {
	switch v := obj.(type) {
	case string:
		if looksLikeHex(v) {
			return strings.TrimSpace(v), path, "hex"
		}
		if b64 := tryBase64ToHex(v); b64 != "" {
			return b64, path, "base64"
		}
	case []any:
		if raw, ok := intListBytes(v); ok {
			return hex.EncodeToString(raw), path, "list[int]"
		}
		for idx, item := range v {
			if h, w, hn := findPacketBlob(item, path+"["+strconv.Itoa(idx)+"]"); h != "" {
				return h, w, hn
			}
		}
	case map[string]any:
		for _, k := range packetKeyOrder(v) {
			sub := path + "." + k
			if h, w, hn := findPacketBlob(v[k], sub); h != "" {
				return h, w, hn
			}
		}
	}
	return "", "", ""
}

// packetKeyOrder puts well-known packet keys first, everything else sorted.
func packetKeyOrder(m map[string]any) []string {
	var likely, rest []string
	for _, k := range likelyPacketKeys {
		if _, ok := m[k]; ok {
			likely = append(likely, k)
		}
	}
	likelySet := map[string]struct{}{}
	for _, k := range likely {
		likelySet[k] = struct{}{}
	}
	for k := range m {
		if _, ok := likelySet[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(likely, rest...)
}

func intListBytes(v []any) ([]byte, bool) {
	if len(v) < 10 {
		return nil, false
	}
	out := make([]byte, 0, len(v))
	for _, item := range v {
		f, ok := item.(float64)
		if !ok || f != float64(int(f)) || f < 0 || f > 255 {
			return nil, false
		}
		out = append(out, byte(int(f)))
	}
	return out, true
}

// extractDeviceID resolves the publishing device with the documented
// precedence: decoder pubkey, JSON ids, JWT publickey, topic.
func extractDeviceID(m map[string]any, topic, decodedPubkey string) string {
	if decodedPubkey != "" {
		return decodedPubkey
	}
	if m != nil {
		if id := stringField(m, "device_id", "id", "from", "origin_id"); id != "" {
			return id
		}
		if jwt, ok := m["jwt_payload"].(map[string]any); ok {
			if pk := stringField(jwt, "publickey"); pk != "" {
				return pk
			}
		}
	}
	if id := DeviceIDFromTopic(topic); id != "" {
		return id
	}
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}

// DeviceIDFromTopic extracts the device id from position 3 of a
// meshcore/<group>/<device_id>/<suffix> topic.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[0] == "meshcore" {
		return parts[2]
	}
	return ""
}

func extractDeviceName(m map[string]any, topic string) string {
	for _, key := range nameKeys {
		if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if strings.HasSuffix(topic, "/status") {
		if v, ok := m["origin"].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func extractDeviceRole(m map[string]any) string {
	for _, key := range roleKeys {
		if v, ok := m[key].(string); ok {
			if role := NormalizeRole(v); role != "" {
				return role
			}
		}
	}
	return ""
}

// NormalizeRole maps free-form role strings onto the canonical set.
func NormalizeRole(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return ""
	}
	switch {
	case strings.Contains(s, "repeater"), s == "repeat", s == "relay":
		return "repeater"
	case strings.Contains(s, "companion"), strings.Contains(s, "chat node"), strings.Contains(s, "chatnode"), s == "chat":
		return "companion"
	case strings.Contains(s, "room"):
		return "room"
	}
	return ""
}

// applyMetaRole folds the decoder's role report into the result when the JSON
// path did not already yield one.
func applyMetaRole(res *Result, meta *decoder.Meta) {
	if res.DeviceRole != "" || meta == nil {
		return
	}
	roleValue := meta.Role
	if roleValue == "" {
		roleValue = meta.DeviceRoleName
	}
	if roleValue == "" && meta.DeviceRole != nil {
		switch *meta.DeviceRole {
		case 1:
			roleValue = "companion"
		case 2:
			roleValue = "repeater"
		case 3:
			roleValue = "room"
		}
	}
	if role := NormalizeRole(roleValue); role != "" {
		res.DeviceRole = role
	}
}

func sortedKeys(m map[string]any, limit int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func floatField(m map[string]any, keys ...string) *float64 {
	if m == nil {
		return nil
	}
	for _, k := range keys {
		if f, ok := asFloat(m[k]); ok {
			return &f
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
