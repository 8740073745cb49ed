package resp

import (
	"bufio"
	"errors"
	"io"
	"strconv"
)

var errInvalidProtocol = errors.New("ERR protocol error")

// Commands carry at most a handful of short arguments; larger headers are
// rejected before anything is allocated.
const (
	maxArgs    = 64
	maxBulkLen = 4096
)

// reader parses RESP arrays of bulk strings and inline commands.
type reader struct {
	rd *bufio.Reader
}

func newReader(rd *bufio.Reader) *reader {
	return &reader{rd: rd}
}

func (r *reader) readLine() ([]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 3 || line[len(line)-2] != '\r' {
		return nil, errInvalidProtocol
	}
	return line[:len(line)-2], nil
}

// ReadCommand returns the arguments of the next command.
func (r *reader) ReadCommand() ([][]byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if line[0] != '*' {
		// Inline command, e.g. "PEEK\r\n".
		var args [][]byte
		for _, f := range splitFields(line) {
			args = append(args, append([]byte(nil), f...))
		}
		return args, nil
	}

	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count < 0 || count > maxArgs {
		return nil, errInvalidProtocol
	}
	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		line, err = r.readLine()
		if err != nil {
			return nil, err
		}
		if line[0] != '$' {
			return nil, errInvalidProtocol
		}
		length, err := strconv.Atoi(string(line[1:]))
		if err != nil || length > maxBulkLen {
			return nil, errInvalidProtocol
		}
		if length < 0 {
			args = append(args, nil)
			continue
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r.rd, data); err != nil {
			return nil, err
		}
		if _, err := r.rd.Discard(2); err != nil {
			return nil, err
		}
		args = append(args, data)
	}
	return args, nil
}

func splitFields(b []byte) [][]byte {
	var out [][]byte
	start := -1
	for i, c := range b {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				out = append(out, b[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, b[start:])
	}
	return out
}

// writer encodes RESP replies.
type writer struct {
	wr      *bufio.Writer
	scratch []byte
}

func newWriter(wr *bufio.Writer) *writer {
	return &writer{wr: wr, scratch: make([]byte, 0, 32)}
}

func (w *writer) WriteError(msg string) {
	w.wr.WriteByte('-')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *writer) WriteSimpleString(msg string) {
	w.wr.WriteByte('+')
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

func (w *writer) WriteBulk(data []byte) {
	w.wr.WriteByte('$')
	w.scratch = strconv.AppendInt(w.scratch[:0], int64(len(data)), 10)
	w.wr.Write(w.scratch)
	w.wr.WriteString("\r\n")
	w.wr.Write(data)
	w.wr.WriteString("\r\n")
}

func (w *writer) WriteNull() {
	w.wr.WriteString("$-1\r\n")
}

func (w *writer) WriteInt(n int64) {
	w.wr.WriteByte(':')
	w.scratch = strconv.AppendInt(w.scratch[:0], n, 10)
	w.wr.Write(w.scratch)
	w.wr.WriteString("\r\n")
}

func (w *writer) Flush() error {
	return w.wr.Flush()
}
