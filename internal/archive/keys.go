package archive

import "encoding/binary"

// Keyspace, byte-wise sortable:
//   - m/{reg_be8}                 entry metadata (JSON)
//   - f/{reg_be8}/{position_be8}  one frame record
//   - a/{archived_ms_be8}/{reg_be8} age index used by pruning

var (
	metaPrefix  = []byte("m/")
	framePrefix = []byte("f/")
	agePrefix   = []byte("a/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyMeta(registrationID int64) []byte {
	return appendBE8(append(make([]byte, 0, 10), metaPrefix...), uint64(registrationID))
}

func keyFramePrefix(registrationID int64) []byte {
	k := appendBE8(append(make([]byte, 0, 19), framePrefix...), uint64(registrationID))
	return append(k, '/')
}

func keyFrame(registrationID, position int64) []byte {
	return appendBE8(keyFramePrefix(registrationID), uint64(position))
}

func keyAge(archivedMs, registrationID int64) []byte {
	k := appendBE8(append(make([]byte, 0, 19), agePrefix...), uint64(archivedMs))
	k = append(k, '/')
	return appendBE8(k, uint64(registrationID))
}

func parseAgeKey(k []byte) (archivedMs, registrationID int64, ok bool) {
	if len(k) != len(agePrefix)+17 {
		return 0, 0, false
	}
	b := k[len(agePrefix):]
	return int64(binary.BigEndian.Uint64(b[:8])), int64(binary.BigEndian.Uint64(b[9:])), true
}

func framePosition(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(k)-8:]))
}
