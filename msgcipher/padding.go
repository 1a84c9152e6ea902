package msgcipher

const (
	paddingBlock      = 160
	paddingTerminator = 0x80
)

// Pad pads a plaintext to a multiple of 160 bytes by appending a 0x80 byte
// followed by zeros.
func Pad(b []byte) []byte {
	n := ((len(b) + 1 + paddingBlock - 1) / paddingBlock) * paddingBlock
	res := make([]byte, n)
	copy(res, b)
	res[len(b)] = paddingTerminator
	return res
}

// Unpad strips the padding added by Pad for sessions of version 2 or
// later. Plaintexts that end in a byte other than 0x80 or zero are returned
// unchanged.
func Unpad(b []byte, sessionVersion uint32) []byte {
	if sessionVersion < 2 {
		return b
	}
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0:
			continue
		case paddingTerminator:
			return b[:i]
		default:
			return b
		}
	}
	return b[:0]
}
