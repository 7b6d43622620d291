package utils

import (
	"strings"

	ua "github.com/mssola/user_agent"
)

// DeviceInfo is what the booking audit trail keeps about a caller's client
type DeviceInfo struct {
	DeviceType string `json:"device_type"` // mobile, tablet, desktop, unknown
	OS         string `json:"os"`
	Browser    string `json:"browser"`
	Platform   string `json:"platform"` // android, ios, windows, mac, linux
	IsBot      bool   `json:"is_bot"`
}

var tabletMarkers = []string{"ipad", "tablet", "kindle", "nexus 7", "nexus 9", "nexus 10", "sm-t"}

// platforms is checked in order; the first OS name match wins
var platforms = []struct{ marker, platform string }{
	{"android", "android"},
	{"iphone os", "ios"},
	{"ios", "ios"},
	{"cpu os", "ios"},
	{"windows", "windows"},
	{"mac os x", "mac"},
	{"macos", "mac"},
	{"chrome os", "chromeos"},
	{"linux", "linux"},
	{"ubuntu", "linux"},
}

// ParseUserAgent extracts device information from a User-Agent header.
// Rider apps send their own agent strings, so anything the parser does not
// recognise is reported as unknown rather than guessed.
func ParseUserAgent(userAgent string) DeviceInfo {
	if strings.TrimSpace(userAgent) == "" {
		return DeviceInfo{DeviceType: "unknown", OS: "Unknown", Browser: "Unknown", Platform: "unknown"}
	}

	parser := ua.New(userAgent)
	info := DeviceInfo{
		DeviceType: "desktop",
		OS:         "Unknown",
		Browser:    "Unknown",
		Platform:   "unknown",
		IsBot:      parser.Bot(),
	}

	if os := parser.OSInfo(); os.Name != "" {
		info.OS = strings.TrimSpace(os.Name + " " + os.Version)
		lower := strings.ToLower(os.Name)
		for _, p := range platforms {
			if strings.Contains(lower, p.marker) {
				info.Platform = p.platform
				break
			}
		}
	}
	switch parser.Platform() {
	case "iPhone", "iPad", "iPod":
		info.Platform = "ios"
	}
	if name, _ := parser.Browser(); name != "" {
		info.Browser = name
	}

	if parser.Mobile() {
		info.DeviceType = "mobile"
		lower := strings.ToLower(userAgent)
		for _, marker := range tabletMarkers {
			if strings.Contains(lower, marker) {
				info.DeviceType = "tablet"
				break
			}
		}
	}
	return info
}

// Fields flattens the device info for JSONB audit metadata
func (d DeviceInfo) Fields() map[string]interface{} {
	return map[string]interface{}{
		"device_type": d.DeviceType,
		"os":          d.OS,
		"browser":     d.Browser,
		"platform":    d.Platform,
		"is_bot":      d.IsBot,
	}
}
