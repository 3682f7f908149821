package model

// FieldSource says where a measurement category's value should come from:
// a specific device pinned by serial number, or the best automatically
// available one. The zero value is Auto.
type FieldSource struct {
	serial string
}

// Auto selects the first device with a non-nil value for the field.
func Auto() FieldSource { return FieldSource{} }

// Pinned selects the device with the given serial number.
func Pinned(serial string) FieldSource { return FieldSource{serial: serial} }

// IsAuto reports whether the source is automatic.
func (f FieldSource) IsAuto() bool { return f.serial == "" }

// Serial returns the pinned serial number; ok is false for Auto.
func (f FieldSource) Serial() (serial string, ok bool) {
	return f.serial, f.serial != ""
}

// FieldSources maps each measurement category to its source. Categories
// not listed here (timestamp, precip type, battery, report interval) are
// metadata and always follow the resolver's metadata source.
type FieldSources struct {
	Temperature FieldSource
	Humidity    FieldSource
	Pressure    FieldSource
	Wind        FieldSource
	Light       FieldSource
	Rain        FieldSource
	Lightning   FieldSource
}
