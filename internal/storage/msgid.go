package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/stlalpha/meshbbs/internal/frame"
)

// GenerateMessageID returns a 12-character lowercase hex message id: a
// 4-byte big-endian epoch-seconds timestamp followed by 2 random bytes.
func GenerateMessageID() (string, error) {
	var buf [6]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(buf[4:6]); err != nil {
		return "", fmt.Errorf("generating message id randomness: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// PostChecksum computes the CRC-16/IBM-SDLC checksum over
// topic || 0x1F || author || 0x1F || content || 0x1F || timestamp-ascii,
// as specified for post integrity verification.
func PostChecksum(topic, author, content string, timestamp time.Time) uint16 {
	sep := []byte{0x1F}
	ts := []byte(timestamp.UTC().Format(time.RFC3339))
	return frame.CRC16Parts(
		[]byte(topic), sep,
		[]byte(author), sep,
		[]byte(content), sep,
		ts,
	)
}
