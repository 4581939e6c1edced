package connection

import "strings"

// detectDevice classifies a user-agent-like string into a coarse device
// class. Only the mobile/non-mobile split feeds continuity decisions; the
// class itself is carried for logging and analytics.
func detectDevice(userAgent string) (class string, isMobile bool) {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown", false
	case strings.Contains(ua, "ipad"),
		strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return "tablet", true
	case strings.Contains(ua, "iphone"),
		strings.Contains(ua, "ipod"),
		strings.Contains(ua, "android"),
		strings.Contains(ua, "mobile"):
		return "phone", true
	default:
		return "desktop", false
	}
}

// parseNetworkType maps transport-supplied metadata onto a known network
// type, defaulting to unknown.
func parseNetworkType(raw string) NetworkType {
	switch NetworkType(strings.ToLower(strings.TrimSpace(raw))) {
	case NetworkWifi:
		return NetworkWifi
	case NetworkCellular:
		return NetworkCellular
	case NetworkUnstable:
		return NetworkUnstable
	default:
		return NetworkUnknown
	}
}

// Transport-level close phrases produced by brief app backgrounding on
// mobile clients. Anything else is treated as an explicit or manual
// disconnect and transitions immediately.
var backgroundingReasons = map[string]bool{
	"transport close": true,
	"transport error": true,
	"ping timeout":    true,
}

func isBackgroundingReason(reason string) bool {
	return backgroundingReasons[strings.ToLower(strings.TrimSpace(reason))]
}
