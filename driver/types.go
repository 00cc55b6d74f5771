package driver

// TagValue holds the result of a read in a protocol-neutral form.
type TagValue struct {
	Name     string      // Address as requested
	DataType uint16      // Native type code
	TypeName string      // Human-readable type name
	Value    interface{} // Decoded Go value
	Bytes    []byte      // Original raw bytes (native byte order)
	Error    error       // Per-tag error (nil if successful)
}

// DeviceInfo contains information about the connected PLC.
type DeviceInfo struct {
	Vendor       string
	Model        string
	Version      string
	SerialNumber string
	Description  string
}
