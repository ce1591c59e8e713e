package proxy

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
)

// MariaDB protocol constants
const (
	OK_HEADER  = 0x00
	ERR_HEADER = 0xff
	EOF_HEADER = 0xfe

	// Commands
	COM_QUIT         = 0x01
	COM_INIT_DB      = 0x02
	COM_QUERY        = 0x03
	COM_FIELD_LIST   = 0x04
	COM_PING         = 0x0e
	COM_STMT_PREPARE = 0x16
	COM_STMT_EXECUTE = 0x17
	COM_STMT_CLOSE   = 0x19
	COM_STMT_FETCH   = 0x1c

	// Server capabilities
	CLIENT_LONG_PASSWORD     = 0x00000001
	CLIENT_FOUND_ROWS        = 0x00000002
	CLIENT_LONG_FLAG         = 0x00000004
	CLIENT_CONNECT_WITH_DB   = 0x00000008
	CLIENT_PROTOCOL_41       = 0x00000200
	CLIENT_TRANSACTIONS      = 0x00002000
	CLIENT_SECURE_CONNECTION = 0x00008000
	CLIENT_MULTI_STATEMENTS  = 0x00010000

	// Default server capability
	DEFAULT_CAPABILITY = CLIENT_LONG_PASSWORD | CLIENT_LONG_FLAG |
		CLIENT_CONNECT_WITH_DB | CLIENT_PROTOCOL_41 |
		CLIENT_TRANSACTIONS | CLIENT_SECURE_CONNECTION

	// Server status flags
	SERVER_STATUS_IN_TRANS   = 0x0001
	SERVER_STATUS_AUTOCOMMIT = 0x0002

	// MaxPayloadLen is the protocol's maximum single-frame payload. A
	// frame of exactly this size signals that the statement continues in
	// the next frame.
	MaxPayloadLen = 0xffffff
)

var ServerVersion = []byte("5.7.0-tqrouter")

// GenerateSalt generates a 20-byte random salt for authentication
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	// Ensure no null bytes
	for i := range salt {
		if salt[i] == 0 {
			salt[i] = 'a'
		}
	}
	return salt, nil
}

// CalcPassword calculates MariaDB native password hash
// scramble = SHA1(salt + SHA1(SHA1(password)))
func CalcPassword(salt, password []byte) []byte {
	if len(password) == 0 {
		return nil
	}

	crypt := sha1.New()
	crypt.Write(password)
	stage1 := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(stage1)
	stage2 := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(salt)
	crypt.Write(stage2)
	scramble := crypt.Sum(nil)

	for i := range scramble {
		scramble[i] ^= stage1[i]
	}
	return scramble
}

// PutLengthEncodedInt encodes an integer as MariaDB length-encoded integer
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n < 251:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		return []byte{0xfe,
			byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

// PutLengthEncodedString encodes a string with its length prefix
func PutLengthEncodedString(s []byte) []byte {
	result := PutLengthEncodedInt(uint64(len(s)))
	return append(result, s...)
}

// WriteOKPacket creates a MariaDB OK packet
func WriteOKPacket(affectedRows, insertId uint64, status uint16, capability uint32) []byte {
	data := make([]byte, 4, 32)
	data = append(data, OK_HEADER)
	data = append(data, PutLengthEncodedInt(affectedRows)...)
	data = append(data, PutLengthEncodedInt(insertId)...)

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, byte(status), byte(status>>8))
		data = append(data, 0, 0) // warnings
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteErrorPacket creates a MariaDB error packet
func WriteErrorPacket(errno uint16, sqlState, message string, capability uint32) []byte {
	data := make([]byte, 4, 16+len(message))
	data = append(data, ERR_HEADER)
	data = append(data, byte(errno), byte(errno>>8))

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, '#')
		data = append(data, []byte(sqlState)...)
	}

	data = append(data, []byte(message)...)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteEOFPacket creates a MariaDB EOF packet
func WriteEOFPacket(status uint16, capability uint32) []byte {
	data := make([]byte, 4, 9)
	data = append(data, EOF_HEADER)

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, 0, 0) // warnings
		data = append(data, byte(status), byte(status>>8))
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}
