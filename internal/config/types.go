package config

import "time"

// Subprotocol names accepted in transport.subprotocol.
const (
	SubprotocolJSON     = "json"
	SubprotocolProtobuf = "protobuf"
)

// ValidSubprotocols lists the accepted transport.subprotocol values.
var ValidSubprotocols = map[string]bool{
	SubprotocolJSON:     true,
	SubprotocolProtobuf: true,
}

// ValidLevels lists the accepted logging.level values.
var ValidLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// DefaultRetryLadder retries 1s, 5s, 15s and 60s after a failure.
var DefaultRetryLadder = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}
