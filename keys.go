package federation

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Keyspace layout, one letter per record family:
//
//	O<obj>                         object row
//	V<obj><ver>                    local version row
//	F<obj><comp><fedver>           federated version row
//	S<obj><ver><comp><fedver>      subversion row
//	C<obj><comp><fedver>           conflict row
//	A<obj><seq>                    audit log entry
//	P<obj><kind><principal>        permission row
//	K<obj><comp><rid>              comment row
//	G<obj><comp><rid>              file row
//	L<obj><comp><rid>              location assignment row
//	N<comp><rid>                   location record (global, not per object)
//	R<comp><robj>                  remote object id -> local object id
//
// All integers are big-endian so prefix iteration walks rows in id order.

func appendInt(key []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(v))
}

func takeInt(b []byte) int64 {
	if len(b) != 8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(b))
}

func OKey(obj int64) []byte {
	return appendInt([]byte{'O'}, obj)
}

func VKey(obj, ver int64) []byte {
	return appendInt(appendInt([]byte{'V'}, obj), ver)
}

func VKeyIds(key []byte) (obj, ver int64) {
	if len(key) != 17 {
		return -1, -1
	}
	return takeInt(key[1:9]), takeInt(key[9:17])
}

func FKey(obj int64, comp uuid.UUID, fedver int64) []byte {
	key := appendInt([]byte{'F'}, obj)
	key = append(key, comp[:]...)
	return appendInt(key, fedver)
}

func FKeyIds(key []byte) (obj int64, comp uuid.UUID, fedver int64) {
	if len(key) != 33 {
		return -1, uuid.Nil, -1
	}
	copy(comp[:], key[9:25])
	return takeInt(key[1:9]), comp, takeInt(key[25:33])
}

func SKey(obj, ver int64, comp uuid.UUID, fedver int64) []byte {
	key := appendInt(appendInt([]byte{'S'}, obj), ver)
	key = append(key, comp[:]...)
	return appendInt(key, fedver)
}

func CKey(obj int64, comp uuid.UUID, fedver int64) []byte {
	key := appendInt([]byte{'C'}, obj)
	key = append(key, comp[:]...)
	return appendInt(key, fedver)
}

func CKeyIds(key []byte) (obj int64, comp uuid.UUID, fedver int64) {
	if len(key) != 33 {
		return -1, uuid.Nil, -1
	}
	copy(comp[:], key[9:25])
	return takeInt(key[1:9]), comp, takeInt(key[25:33])
}

func AKey(obj, seq int64) []byte {
	return appendInt(appendInt([]byte{'A'}, obj), seq)
}

// Permission principal kinds.
const (
	PrincipalUser    = 'U'
	PrincipalGroup   = 'G'
	PrincipalProject = 'J'
	PrincipalAll     = '*'
)

func PKey(obj int64, kind byte, principal int64) []byte {
	key := appendInt([]byte{'P'}, obj)
	key = append(key, kind)
	return appendInt(key, principal)
}

func PKeyIds(key []byte) (obj int64, kind byte, principal int64) {
	if len(key) != 18 {
		return -1, 0, -1
	}
	return takeInt(key[1:9]), key[9], takeInt(key[10:18])
}

// Satellite row families keyed by remote provenance.
const (
	SatComment  = 'K'
	SatFile     = 'G'
	SatLocation = 'L'
)

func SatKey(family byte, obj int64, comp uuid.UUID, rid int64) []byte {
	key := appendInt([]byte{family}, obj)
	key = append(key, comp[:]...)
	return appendInt(key, rid)
}

func NKey(comp uuid.UUID, rid int64) []byte {
	key := append([]byte{'N'}, comp[:]...)
	return appendInt(key, rid)
}

func NKeyIds(key []byte) (comp uuid.UUID, rid int64) {
	if len(key) != 25 {
		return uuid.Nil, -1
	}
	copy(comp[:], key[1:17])
	return comp, takeInt(key[17:25])
}

func RKey(comp uuid.UUID, robj int64) []byte {
	key := append([]byte{'R'}, comp[:]...)
	return appendInt(key, robj)
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
