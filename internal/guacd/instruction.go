package guacd

import (
	"bufio"
	"fmt"
	"strings"
	"unicode/utf8"
)

// instruction is one Guacamole protocol instruction: an opcode followed by
// arguments. On the wire every element is length-prefixed with its size in
// characters, elements are comma-separated, and the instruction ends with
// a semicolon: "6.select,3.ssh;".
type instruction struct {
	opcode string
	args   []string
}

func (in instruction) String() string {
	var sb strings.Builder
	writeElement(&sb, in.opcode)
	for _, arg := range in.args {
		sb.WriteByte(',')
		writeElement(&sb, arg)
	}
	sb.WriteByte(';')
	return sb.String()
}

func writeElement(sb *strings.Builder, value string) {
	fmt.Fprintf(sb, "%d.%s", utf8.RuneCountInString(value), value)
}

// maxElementLength bounds a single element to keep a misbehaving peer from
// forcing unbounded allocation during the handshake.
const maxElementLength = 8192

// readInstruction parses one instruction from the stream.
func readInstruction(r *bufio.Reader) (instruction, error) {
	var in instruction
	first := true
	for {
		value, terminated, err := readElement(r)
		if err != nil {
			return instruction{}, err
		}
		if first {
			in.opcode = value
			first = false
		} else {
			in.args = append(in.args, value)
		}
		if terminated {
			return in, nil
		}
	}
}

// readElement reads one "<length>.<value>" element followed by ',' or ';'.
// terminated reports whether the element ended the instruction.
func readElement(r *bufio.Reader) (value string, terminated bool, err error) {
	length := 0
	digits := 0
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", false, fmt.Errorf("read element length: %w", err)
		}
		if c == '.' {
			break
		}
		if c < '0' || c > '9' {
			return "", false, fmt.Errorf("invalid length byte %q", c)
		}
		length = length*10 + int(c-'0')
		digits++
		if digits > 5 || length > maxElementLength {
			return "", false, fmt.Errorf("element length %d exceeds limit", length)
		}
	}

	runes := make([]rune, 0, length)
	for i := 0; i < length; i++ {
		ch, _, err := r.ReadRune()
		if err != nil {
			return "", false, fmt.Errorf("read element value: %w", err)
		}
		runes = append(runes, ch)
	}

	sep, err := r.ReadByte()
	if err != nil {
		return "", false, fmt.Errorf("read element separator: %w", err)
	}
	switch sep {
	case ',':
		return string(runes), false, nil
	case ';':
		return string(runes), true, nil
	default:
		return "", false, fmt.Errorf("invalid element separator %q", sep)
	}
}
