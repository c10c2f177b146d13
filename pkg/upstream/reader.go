package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/wolfwarden/wolfwarden/pkg/core"
)

// maxFrameSize bounds a single event-stream frame; host payloads are small
// JSON objects but session descriptors can carry codec lists.
const maxFrameSize = 512 * 1024

// EventReader consumes the host's event-stream endpoint over the channel
// and hands each raw data payload to a callback. Connection establishment
// goes through the channel's retry policy; a stream that ends after being
// established returns to the caller, which owns the outer reconnect loop.
type EventReader struct {
	channel *Channel
	path    string
	client  *http.Client
}

// NewEventReader creates a reader for the event-stream endpoint at path
// (e.g. "/api/v1/events").
func NewEventReader(channel *Channel, path string) *EventReader {
	return &EventReader{
		channel: channel,
		path:    path,
		client:  channel.HTTPClient(),
	}
}

// Stream connects (with retry) and delivers raw payloads until the upstream
// closes the stream, deliver returns an error, or ctx is cancelled. A nil
// return means the upstream ended the stream normally (e.g. host restart);
// the caller decides whether to reconnect.
func (r *EventReader) Stream(ctx context.Context, deliver func([]byte) error) error {
	var resp *http.Response
	err := r.channel.WithRetry(ctx, func(ctx context.Context) error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, "http://wolf"+r.path, nil)
		if reqErr != nil {
			return fmt.Errorf("building event stream request: %w", reqErr)
		}
		req.Header.Set("Accept", "text/event-stream")

		res, doErr := r.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if res.StatusCode != http.StatusOK {
			_ = res.Body.Close()
			return fmt.Errorf("event stream returned status %d", res.StatusCode)
		}
		resp = res
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	logger.Infof("connected to upstream event stream at %s%s", r.channel.cfg.SocketPath, r.path)

	// Unblock the body read when ctx is cancelled.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = resp.Body.Close()
		case <-readerDone:
		}
	}()

	if err := r.readFrames(resp.Body, deliver); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	logger.Infof("upstream event stream ended")
	return nil
}

// readFrames parses text/event-stream framing: "data:" lines accumulate
// until a blank line terminates the frame. Comment lines (leading ':') and
// other fields ("event:", "id:", "retry:") are skipped; the payload handed
// to deliver is the concatenated data value. A line over maxFrameSize
// poisons its frame: the frame is dropped and parsing continues with the
// next one. Errors from deliver surface as-is; read errors are tagged
// core.ErrStreamInterrupted so the caller reopens the stream instead of
// treating the failure as its own.
func (r *EventReader) readFrames(body io.Reader, deliver func([]byte) error) error {
	br := bufio.NewReaderSize(body, 64*1024)

	var data bytes.Buffer
	skipFrame := false
	for {
		line, tooLong, err := readLine(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isNetClosed(err) {
				return fmt.Errorf("%w: reading event stream: %v", core.ErrStreamInterrupted, err)
			}
			// Flush a final unterminated frame.
			if data.Len() > 0 && !skipFrame {
				return deliver(data.Bytes())
			}
			return nil
		}
		if tooLong {
			logger.Warnf("dropping event stream frame with a line over %d bytes", maxFrameSize)
			skipFrame = true
			data.Reset()
			continue
		}

		if len(line) == 0 {
			if skipFrame {
				skipFrame = false
				continue
			}
			if data.Len() > 0 {
				if err := deliver(append([]byte(nil), data.Bytes()...)); err != nil {
					return err
				}
				data.Reset()
			}
			continue
		}
		if skipFrame || line[0] == ':' {
			continue
		}
		if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(value, []byte(" ")))
		}
		// event:/id:/retry: fields carry no payload we use.
	}
}

// readLine reads one line from br, reporting instead of buffering lines
// longer than maxFrameSize; their remaining bytes are discarded.
func readLine(br *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > maxFrameSize {
				tooLong = true
				line = nil
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}

// isNetClosed identifies benign closure errors seen during shutdown.
func isNetClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") || msg == "EOF"
}
