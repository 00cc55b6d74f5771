package engine

// WriteRequest is an ad-hoc write to a PLC address.
type WriteRequest struct {
	Address string
	Type    string // S7 type name, empty to derive from the address
	Value   interface{}
}

// PublisherInfo describes one configured publisher.
type PublisherInfo struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
	Sent    int64  `json:"sent,omitempty"`   // kafka only
	Failed  int64  `json:"failed,omitempty"` // kafka only
}
