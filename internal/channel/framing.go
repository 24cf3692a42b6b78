package channel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frames carry an LSP-style header followed by the message body:
//
//	Content-Length: <n>\r\n\r\n<body>
//
// The length prefix makes the body free to contain any byte sequence.

const (
	headerName      = "Content-Length"
	headerSeparator = "\r\n\r\n"

	// maxHeaderLen bounds the bytes scanned for a header before
	// the buffer is considered garbage.
	maxHeaderLen = 128

	// maxBodyLen bounds the accepted body size.
	maxBodyLen = 64 * 1024

	// maxFrameLen is the POSIX minimum of PIPE_BUF. Writes up to this
	// size are atomic on every platform.
	maxFrameLen = 512
)

var (
	errIncompleteFrame = errors.New("incomplete frame")
	errMalformedFrame  = errors.New("malformed frame")
)

var headerMarker = []byte(headerName + ":")

// frame prefixes body with its header.
func frame(body []byte) []byte {
	header := fmt.Sprintf("%s: %d%s", headerName, len(body), headerSeparator)

	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

// nextFrame extracts the first frame from buf. It returns the frame body
// and the remaining bytes. If buf holds only part of a frame, it returns
// errIncompleteFrame and buf unchanged. If the leading bytes cannot be
// parsed, it returns errMalformedFrame and the buffer resynchronised to
// the next header marker.
func nextFrame(buf []byte) ([]byte, []byte, error) {
	if len(buf) == 0 {
		return nil, buf, errIncompleteFrame
	}

	if !bytes.HasPrefix(buf, headerMarker) {
		// a partial marker at the start of the buffer may still complete
		if len(buf) < len(headerMarker) && bytes.HasPrefix(headerMarker, buf) {
			return nil, buf, errIncompleteFrame
		}
		return nil, resync(buf), errMalformedFrame
	}

	end := bytes.Index(buf, []byte(headerSeparator))
	if end < 0 {
		if len(buf) > maxHeaderLen {
			return nil, resync(buf), errMalformedFrame
		}
		return nil, buf, errIncompleteFrame
	}

	contentLength, err := parseHeaders(string(buf[:end]))
	if err != nil {
		return nil, resync(buf), fmt.Errorf("%w: %v", errMalformedFrame, err)
	}

	start := end + len(headerSeparator)
	if len(buf)-start < contentLength {
		return nil, buf, errIncompleteFrame
	}

	body := buf[start : start+contentLength]
	rest := buf[start+contentLength:]

	return body, rest, nil
}

func parseHeaders(headers string) (int, error) {
	for _, line := range strings.Split(headers, "\r\n") {
		line = strings.TrimSpace(line)

		if !strings.HasPrefix(line, headerName+":") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		lengthStr := strings.TrimSpace(parts[1])

		contentLength, err := strconv.Atoi(lengthStr)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value: %s", headerName, lengthStr)
		}

		if contentLength <= 0 || contentLength > maxBodyLen {
			return 0, fmt.Errorf("%s out of range: %d", headerName, contentLength)
		}

		return contentLength, nil
	}

	return 0, fmt.Errorf("%s header not found", headerName)
}

// resync drops bytes up to the next header marker after the first byte.
// Without a marker, only a tail that could start a marker is kept.
func resync(buf []byte) []byte {
	if i := bytes.Index(buf[1:], headerMarker); i >= 0 {
		return buf[1+i:]
	}

	keep := len(headerMarker) - 1
	if len(buf) < keep {
		keep = len(buf) - 1
	}

	tail := buf[len(buf)-keep:]
	for i := range tail {
		if bytes.HasPrefix(headerMarker, tail[i:]) {
			return tail[i:]
		}
	}

	return buf[:0]
}
