// This package defines a common id type which is used through out rally. It is based on random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

var Zero ID

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) MarshalBinary() ([]byte, error) {
	return id[:], nil
}

func (id *ID) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return nil
}

func (id ID) Value() (driver.Value, error) {
	return id[:], nil
}

func (id *ID) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
	return id.UnmarshalBinary(b)
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
