package mm

import "encoding/json"

// Wire shapes for the upstream matchmaking protocol (spec.md §6). These
// ride inside transport data envelopes as JSON bodies.

// byteArray marshals as a JSON array of byte values ([98,111,...]) rather
// than Go's default base64 string encoding for []byte, matching the
// upstream protocol's connectCode wire shape.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

type createTicketRequest struct {
	Type string `json:"type"`
	User struct {
		UID     string `json:"uid"`
		PlayKey string `json:"playKey"`
	} `json:"user"`
	Search struct {
		Mode        int       `json:"mode"`
		ConnectCode byteArray `json:"connectCode"`
	} `json:"search"`
	AppVersion   string `json:"appVersion"`
	IPAddressLAN string `json:"ipAddressLan"`
}

type createTicketResponse struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

type player struct {
	ConnectCode string `json:"connectCode"`
	IPAddress   string `json:"ipAddress"`
	DisplayName string `json:"displayName"`
}

type getTicketResponse struct {
	Type          string   `json:"type"`
	Error         string   `json:"error,omitempty"`
	LatestVersion string   `json:"latestVersion,omitempty"`
	Players       []player `json:"players"`
}

// directModeMatchmaking selects direct-connect-code matchmaking on the
// upstream service, spec.md §4.1 step 6.
const directModeMatchmaking = 2
