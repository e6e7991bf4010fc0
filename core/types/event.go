package types

// Event represents a structured state change recorded by the node. Attributes
// hold string-encoded payload fields so events can be serialized for RPC and
// websocket consumers without extra schema plumbing.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
