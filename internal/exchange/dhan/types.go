package dhan

import (
	"net/url"

	"depthfeed/internal/exchange"
)

const (
	// DefaultFeedURL is the 20-level depth endpoint
	DefaultFeedURL = "wss://depth-api-feed.dhan.co/twentydepth"

	// DefaultAuthType is the authType query value sent with the token
	DefaultAuthType = "2"
)

// Request codes
const (
	RequestCodeDisconnect     = 12
	RequestCodeSubscribeDepth = 23
)

// SubscribeRequest is the JSON request sent once after connect
type SubscribeRequest struct {
	RequestCode     int                   `json:"RequestCode"`
	InstrumentCount int                   `json:"InstrumentCount"`
	InstrumentList  []exchange.Instrument `json:"InstrumentList"`
}

// DisconnectRequest asks the feed to drop this connection
type DisconnectRequest struct {
	RequestCode int `json:"RequestCode"`
}

// NewSubscribeRequest builds a 20-depth subscription for instruments
func NewSubscribeRequest(instruments []exchange.Instrument) SubscribeRequest {
	list := make([]exchange.Instrument, len(instruments))
	copy(list, instruments)
	return SubscribeRequest{
		RequestCode:     RequestCodeSubscribeDepth,
		InstrumentCount: len(list),
		InstrumentList:  list,
	}
}

// FeedURL appends the credentials to base. Token and client id are passed through as given.
func FeedURL(base, token, clientID, authType string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("clientId", clientID)
	q.Set("authType", authType)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange segment codes as carried in the packet header
var segmentNames = map[int8]string{
	0: "IDX_I",
	1: "NSE_EQ",
	2: "NSE_FNO",
	3: "NSE_CURRENCY",
	4: "BSE_EQ",
	5: "MCX_COMM",
	7: "BSE_CURRENCY",
	8: "BSE_FNO",
}

// SegmentName maps a header segment code to its request name
func SegmentName(code int8) string {
	if name, ok := segmentNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}
