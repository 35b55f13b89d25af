package types

import (
	"net/url"
	"strconv"
	"strings"
)

// TabID is the small integer handle the controller hands out for a browser
// page target. Values are reused once the tab they referred to has closed.
type TabID int

func (id TabID) String() string { return strconv.Itoa(int(id)) }

// TabInfo holds metadata about a live browser tab.
type TabInfo struct {
	TabID    TabID  `json:"tab_id"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Origin   string `json:"origin,omitempty"` // empty for non-network pages
}

// TabState joins tab metadata with its override session state.
type TabState struct {
	TabInfo
	Attached   bool   `json:"attached"`
	TimezoneID string `json:"timezone_id,omitempty"`
}

// OriginOf returns scheme://host[:port] for http and https URLs. The second
// return value is false for anything that is not network-addressable.
func OriginOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
