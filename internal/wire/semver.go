package wire

import "fmt"

// SemVer is a protocol version as carried on the wire: three bytes,
// major.minor.patch.
type SemVer [3]byte

// ProtocolVersion is the only version this server speaks.
var ProtocolVersion = SemVer{1, 0, 0}

func (v SemVer) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// ParseSemVer converts a wire version field into a SemVer.
// Anything that is not exactly three bytes is invalid.
func ParseSemVer(b []byte) (SemVer, bool) {
	if len(b) != 3 {
		return SemVer{}, false
	}
	return SemVer{b[0], b[1], b[2]}, true
}

// Bytes returns the wire form of the version.
func (v SemVer) Bytes() []byte { return []byte{v[0], v[1], v[2]} }

// HighestCommon picks the newest version supported by both sides, scanning
// the client's offered list. Returns false when no offered version matches.
func HighestCommon(offered [][]byte) (SemVer, bool) {
	for _, raw := range offered {
		v, ok := ParseSemVer(raw)
		if !ok {
			continue
		}
		if v == ProtocolVersion {
			return v, true
		}
	}
	return SemVer{}, false
}
