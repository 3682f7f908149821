package model

// Pointer-preserving unit normalizers. Decoders call these so observations
// always carry SI units; nil passes through so missing readings stay nil.

// CelsiusToKelvin converts °C to K.
func CelsiusToKelvin(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v + 273.15)
}

// HPaToPa converts hPa (millibars) to Pascals.
func HPaToPa(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v * 100)
}

// PctToRatio converts a percentage to a 0..1 ratio.
func PctToRatio(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v / 100)
}

// KmToM converts kilometers to meters.
func KmToM(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v * 1000)
}

// MmToM converts millimeters to meters.
func MmToM(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v / 1000)
}

// MmPerHourToMPerHour converts a rain rate in mm/h to m/h.
func MmPerHourToMPerHour(v *float64) *float64 {
	return MmToM(v)
}
