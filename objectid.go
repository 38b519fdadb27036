package pagestore

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// ID identifies a page. Pages are independent keyspaces within one Backend
// (see kvbackend.go); the id doubles as that page's bucket name.
type ID string

// ObjectID is the content hash of a stored object (spec §3): a B-tree node
// or a large value's blob. Equality of ObjectID implies equality of bytes.
type ObjectID [8]byte

var zeroObjectID ObjectID

func (id ObjectID) IsZero() bool { return id == zeroObjectID }

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw id bytes, suitable for embedding as a KV Backend
// key suffix.
func (id ObjectID) Bytes() []byte { return id[:] }

func objectIDFromBytes(b []byte) (ObjectID, bool) {
	if len(b) != 8 {
		return ObjectID{}, false
	}
	var id ObjectID
	copy(id[:], b)
	return id, true
}

// hashObjectID computes the content address of a serialized object.
func hashObjectID(content []byte) ObjectID {
	sum := xxhash.Sum64(content)
	var id ObjectID
	id[0] = byte(sum >> 56)
	id[1] = byte(sum >> 48)
	id[2] = byte(sum >> 40)
	id[3] = byte(sum >> 32)
	id[4] = byte(sum >> 24)
	id[5] = byte(sum >> 16)
	id[6] = byte(sum >> 8)
	id[7] = byte(sum)
	return id
}

// EncodeMsgpack stores an ObjectID as a compact byte string rather than
// the array-of-ints msgpack would otherwise produce for a [8]byte.
func (id ObjectID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(id[:])
}

// DecodeMsgpack is EncodeMsgpack's counterpart.
func (id *ObjectID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	got, ok := objectIDFromBytes(b)
	if !ok {
		return statusErr(InternalError, "malformed object id")
	}
	*id = got
	return nil
}

// CommitID identifies a commit (spec §3): the content hash of its root id,
// sorted parents and metadata (see commit.go).
type CommitID = ObjectID
