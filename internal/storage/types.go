package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBDeadLetter is a dead-lettered event as archived in bbolt.
type DBDeadLetter struct {
	Seq        uint64 `msgpack:"seq"`
	EventID    string `msgpack:"eventId"`
	Type       string `msgpack:"type"`
	UserID     string `msgpack:"userId"`
	SocketID   string `msgpack:"socketId"`
	Payload    []byte `msgpack:"payload"`
	Priority   uint8  `msgpack:"priority"`
	EnqueuedAt int64  `msgpack:"enqueuedAt"`
	Retries    int    `msgpack:"retries"`
	Queue      string `msgpack:"queue"`
	Reason     string `msgpack:"reason"`
	DeadAt     int64  `msgpack:"deadAt"`
}

// Key sorts dead letters in arrival order.
func (d *DBDeadLetter) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, d.Seq)
	return key
}

func (d *DBDeadLetter) MarshalBinary() (data []byte, err error) {
	type alias DBDeadLetter
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDeadLetter) UnmarshalBinary(data []byte) error {
	type alias DBDeadLetter
	return msgpack.Unmarshal(data, (*alias)(d))
}
