package chat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

// encodeFrame serializes f as the payload of one websocket message.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer

	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}

	return buf.Bytes(), nil
}

// decodeFrames parses every frame carried by one websocket message.
// Heart-beat EOLs produce no frame, so a message holding only a
// heart-beat yields an empty slice.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame

	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}

		if err != nil {
			return frames, fmt.Errorf("decoding stomp frame: %w", err)
		}

		if f != nil {
			frames = append(frames, f)
		}
	}
}

// heartBeatHeader renders the heart-beat header value: the client sends
// none and asks the server for one every interval.
func heartBeatHeader(interval int64) string {
	return fmt.Sprintf("0,%d", max(interval, 0))
}

func frameError(f *frame.Frame) string {
	msg := f.Header.Get(frame.Message)
	if body := strings.TrimSpace(string(f.Body)); body != "" {
		if msg != "" {
			return msg + ": " + body
		}

		return body
	}

	return msg
}
