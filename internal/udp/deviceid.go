package udp

import (
	"hash/fnv"
	"strconv"
)

// DeviceID resolves a serial number to a numeric device ID using a
// three-tier fallback, so every frame yields a usable ID even for
// malformed serials:
//
//  1. the configured serial→ID map (populated from the station's device
//     list at connect time),
//  2. the trailing numeric suffix of the serial ("AR-00001234" → 1234),
//  3. FNV-1a 32-bit over the serial string, masked to 31 bits.
//
// The hash tier is pinned to FNV-1a so a given serial maps to the same ID
// across restarts; observation caches are keyed by this derived ID.
func (d *Decoder) DeviceID(serial string) int {
	d.mu.RLock()
	id, ok := d.serialToID[serial]
	d.mu.RUnlock()
	if ok {
		return id
	}
	if n, ok := trailingDigits(serial); ok {
		return n
	}
	return hashSerial(serial)
}

func trailingDigits(s string) (int, bool) {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		// Digit run too long for an int; fall through to the hash tier.
		return 0, false
	}
	return n, true
}

func hashSerial(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() & 0x7fffffff)
}
