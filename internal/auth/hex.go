package auth

import "encoding/hex"

func decodeHex(b []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(b)))
	n, err := hex.Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}
