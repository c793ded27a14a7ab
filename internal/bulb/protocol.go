package bulb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultPort is used by Kasa devices for both TCP commands and UDP discovery.
const DefaultPort = 9999

const (
	initialKey = 171
	// sysinfo replies are a few KiB at most
	maxFrameSize = 64 << 10
)

// encrypt applies the Kasa autokey cipher: each ciphertext byte is the key
// for the next plaintext byte.
func encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(initialKey)
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

func decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := byte(initialKey)
	for i, c := range cipher {
		out[i] = key ^ c
		key = c
	}
	return out
}

// writeFrame sends a length-prefixed encrypted payload (TCP framing).
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], encrypt(payload))
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return decrypt(body), nil
}
