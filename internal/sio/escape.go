package sio

// Unescaper undoes the controller's telemetry escaping: 0x18 0x6B becomes
// 0x2B and 0x18 0x58 becomes 0x18. A trailing 0x18 is held until the next
// Append so a pair split across reads is still recognised.
type Unescaper struct {
	held bool
}

// Append unescapes src and appends the result to dst.
func (u *Unescaper) Append(dst, src []byte) []byte {
	for _, b := range src {
		if u.held {
			u.held = false
			switch b {
			case 0x6B:
				dst = append(dst, 0x2B)
				continue
			case 0x58:
				dst = append(dst, escapeByte)
				continue
			default:
				dst = append(dst, escapeByte)
			}
		}
		if b == escapeByte {
			u.held = true
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// Flush releases a held escape byte at end of stream.
func (u *Unescaper) Flush(dst []byte) []byte {
	if u.held {
		u.held = false
		dst = append(dst, escapeByte)
	}
	return dst
}

// Pending reports whether a byte is held back.
func (u *Unescaper) Pending() bool {
	return u.held
}

// Unescape is the one-shot form of Unescaper.
func Unescape(src []byte) []byte {
	var u Unescaper
	out := u.Append(make([]byte, 0, len(src)), src)
	return u.Flush(out)
}

// Escape applies the controller's escaping; used to build telemetered
// fixtures.
func Escape(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for _, b := range src {
		switch b {
		case escapeByte:
			out = append(out, escapeByte, 0x58)
		case 0x2B:
			out = append(out, escapeByte, 0x6B)
		default:
			out = append(out, b)
		}
	}
	return out
}
