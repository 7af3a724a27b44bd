package h264

// NAL unit types, table 7-1 of ISO/IEC 14496-10
const (
	NALUNonIDR = 1
	NALUIDR    = 5
	NALUSEI    = 6
	NALUSPS    = 7
	NALUPPS    = 8
	NALUAUD    = 9
	// rfc6184 aggregation and fragmentation units
	NALUSTAPA = 24
	NALUFUA   = 28
)

// Type returns the nal_unit_type of a unit without start code, 0 when the
// unit is empty.
func Type(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// IsParameterSet reports whether nalu is an SPS or a PPS.
func IsParameterSet(nalu []byte) bool {
	t := Type(nalu)
	return t == NALUSPS || t == NALUPPS
}

// StartsDecoding reports whether a decoder that has seen nothing yet can
// begin with nalu: an IDR slice or a sequence parameter set.
func StartsDecoding(nalu []byte) bool {
	t := Type(nalu)
	return t == NALUIDR || t == NALUSPS
}

// HasStartCode reports whether b already begins with an Annex-B start code,
// either 00 00 01 or 00 00 00 01.
func HasStartCode(b []byte) bool {
	if len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1 {
		return true
	}
	return len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1
}

// TrimStartCode returns b without a leading Annex-B start code.
func TrimStartCode(b []byte) []byte {
	switch {
	case len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1:
		return b[3:]
	case len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1:
		return b[4:]
	default:
		return b
	}
}
