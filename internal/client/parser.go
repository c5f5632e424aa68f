package client

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// frame is one decoded wire frame: the field lines accumulated up to the
// blank-line terminator.
type frame struct {
	id      string
	event   string
	data    string
	retryMS int
}

// frameReader incrementally decodes frames off a byte stream. Unknown fields
// and comment lines are ignored so future server additions do not break the
// consumer.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	return &frameReader{scanner: s}
}

// next blocks until a complete frame arrives or the stream ends. It returns
// io.EOF (or the transport error) once no further frame can be read.
func (fr *frameReader) next() (frame, error) {
	var f frame
	seen := false
	for fr.scanner.Scan() {
		line := fr.scanner.Text()
		if line == "" {
			if seen {
				return f, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment / keep-alive line.
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch key {
		case "id":
			f.id = value
			seen = true
		case "event":
			f.event = value
			seen = true
		case "data":
			f.data = value
			seen = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				f.retryMS = ms
			}
			seen = true
		}
	}
	if err := fr.scanner.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, io.EOF
}
