package transport

// Websocket subprotocols understood by client and server.
const (
	SubprotocolJSON     = "json.hzwatch.v1"
	SubprotocolProtobuf = "protobuf.hzwatch.v1"
)

// Subprotocols lists the supported subprotocols in preference order.
var Subprotocols = []string{SubprotocolProtobuf, SubprotocolJSON}

// Request types.
const (
	RequestQuery           = "query"
	RequestSubscribe       = "subscribe"
	RequestStore           = "store"
	RequestReplace         = "replace"
	RequestRemove          = "remove"
	RequestEndSubscription = "end_subscription"
)

// MethodUnauthenticated is the only handshake method supported.
const MethodUnauthenticated = "unauthenticated"

// Request is a client to server frame. Request id 0 is the handshake.
type Request struct {
	RequestID int64           `json:"request_id"`
	Type      string          `json:"type,omitempty"`
	Method    string          `json:"method,omitempty"`
	Options   *RequestOptions `json:"options,omitempty"`
}

// RequestOptions carries the collection and the term of a request.
type RequestOptions struct {
	Collection     string     `json:"collection,omitempty"`
	Find           Document   `json:"find,omitempty"`
	FindAll        []Document `json:"find_all,omitempty"`
	Data           []Document `json:"data,omitempty"`
	IncludeInitial bool       `json:"include_initial,omitempty"`
	IncludeStates  bool       `json:"include_states,omitempty"`
	IncludeTypes   bool       `json:"include_types,omitempty"`
}

// Response is a server to client frame.
type Response struct {
	RequestID int64      `json:"request_id"`
	Data      []Document `json:"data,omitempty"`
	State     string     `json:"state,omitempty"`
	Error     string     `json:"error,omitempty"`
	Token     string     `json:"token,omitempty"`
	ID        string     `json:"id,omitempty"`
}

// ParseRawChange reads a change document as sent by a raw subscription.
func ParseRawChange(doc Document) RawChange {
	rc := RawChange{}
	rc.Type, _ = doc["type"].(string)
	rc.State, _ = doc["state"].(string)
	rc.OldVal, _ = doc["old_val"].(map[string]any)
	rc.NewVal, _ = doc["new_val"].(map[string]any)
	return rc
}

// ChangeDocument is the inverse of ParseRawChange.
func ChangeDocument(rc RawChange) Document {
	doc := Document{"type": rc.Type}
	if rc.OldVal != nil {
		doc["old_val"] = rc.OldVal
	}
	if rc.NewVal != nil {
		doc["new_val"] = rc.NewVal
	}
	if rc.State != "" {
		doc["state"] = rc.State
	}
	return doc
}

func handshakeRequest() *Request {
	return &Request{RequestID: 0, Method: MethodUnauthenticated}
}
