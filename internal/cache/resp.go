package cache

import (
	"bytes"
	"strconv"
)

// ParseRESP decodes one RESP2 command array from the front of buf (spec
// §4.7's "RESP wire mode", auto-detected by the server engine when the
// first client byte is '*'). Returns the decoded argument list, the
// number of bytes consumed, and ok=false if buf does not yet hold a
// complete command.
func ParseRESP(buf []byte) (args []string, consumed int, ok bool, err error) {
	if len(buf) == 0 || buf[0] != '*' {
		return nil, 0, false, nil
	}
	lineEnd := bytes.Index(buf, []byte("\r\n"))
	if lineEnd < 0 {
		return nil, 0, false, nil
	}
	n, perr := strconv.Atoi(string(buf[1:lineEnd]))
	if perr != nil {
		return nil, 0, false, perr
	}
	pos := lineEnd + 2
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if pos >= len(buf) || buf[pos] != '$' {
			return nil, 0, false, nil
		}
		lenEnd := bytes.Index(buf[pos:], []byte("\r\n"))
		if lenEnd < 0 {
			return nil, 0, false, nil
		}
		blen, perr := strconv.Atoi(string(buf[pos+1 : pos+lenEnd]))
		if perr != nil {
			return nil, 0, false, perr
		}
		start := pos + lenEnd + 2
		end := start + blen
		if end+2 > len(buf) {
			return nil, 0, false, nil
		}
		out = append(out, string(buf[start:end]))
		pos = end + 2
	}
	return out, pos, true, nil
}

// EncodeRESP renders a Reply as a RESP2 wire record.
func EncodeRESP(r Reply) []byte {
	var b bytes.Buffer
	writeRESP(&b, r)
	return b.Bytes()
}

func writeRESP(b *bytes.Buffer, r Reply) {
	switch r.Kind {
	case ReplyError:
		b.WriteByte('-')
		b.WriteString(r.Err)
		b.WriteString("\r\n")
	case ReplySimple:
		b.WriteByte('+')
		b.WriteString(r.Str)
		b.WriteString("\r\n")
	case ReplyInt:
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(r.Int, 10))
		b.WriteString("\r\n")
	case ReplyBulk:
		if r.Nil {
			b.WriteString("$-1\r\n")
			return
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(r.Bulk)))
		b.WriteString("\r\n")
		b.Write(r.Bulk)
		b.WriteString("\r\n")
	case ReplyArray:
		if r.Array == nil {
			b.WriteString("*-1\r\n")
			return
		}
		b.WriteByte('*')
		b.WriteString(strconv.Itoa(len(r.Array)))
		b.WriteString("\r\n")
		for _, item := range r.Array {
			writeRESP(b, item)
		}
	}
}

// EncodeLine renders a Reply in the text format used outside RESP mode
// (spec §4.7's default, non-RESP command surface). It appends no
// trailing newline; callers writing to a wire connection add it.
func EncodeLine(r Reply) []byte {
	var b bytes.Buffer
	writeLine(&b, r)
	return b.Bytes()
}

func writeLine(b *bytes.Buffer, r Reply) {
	switch r.Kind {
	case ReplyError:
		b.WriteString("error: ")
		b.WriteString(r.Err)
	case ReplySimple:
		b.WriteString(r.Str)
	case ReplyInt:
		b.WriteString(strconv.FormatInt(r.Int, 10))
	case ReplyBulk:
		if r.Nil {
			b.WriteString("nil")
			return
		}
		b.Write(r.Bulk)
	case ReplyArray:
		for i, item := range r.Array {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeLine(b, item)
		}
	}
}
