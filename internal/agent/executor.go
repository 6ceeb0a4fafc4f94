package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tunely/tunely/internal/netutil"
	"github.com/tunely/tunely/internal/wire"
)

const sseContentTypePrefix = "text/event-stream"
const sseReadChunkSize = 4096

// execute performs one forwarded REQUEST against the local target and emits
// either a unary RESPONSE or a STREAM_START/STREAM_CHUNK*/STREAM_END
// sequence, per spec.md §4.6.
func (a *Agent) execute(ctx context.Context, writer *wire.Writer, req wire.Request) {
	timeout := a.cfg.RequestTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targetURL, err := a.composeURL(req.Path)
	if err != nil {
		writer.Write(wire.Message{Kind: wire.KindResponse, Response: &wire.Response{ID: req.ID, Status: 503, Error: err.Error()}})
		return
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, targetURL, strings.NewReader(req.Body))
	if err != nil {
		writer.Write(wire.Message{Kind: wire.KindResponse, Response: &wire.Response{ID: req.ID, Status: 503, Error: err.Error()}})
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		status := 503
		if reqCtx.Err() != nil {
			status = 504
		}
		msg := "target timeout"
		if status == 503 {
			msg = err.Error()
		}
		writer.Write(wire.Message{Kind: wire.KindResponse, Response: &wire.Response{ID: req.ID, Status: status, Error: msg, DurationMs: time.Since(start).Milliseconds()}})
		return
	}
	defer resp.Body.Close()

	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), sseContentTypePrefix) {
		a.streamSSE(writer, req.ID, resp, start)
		return
	}

	body, err := readBodyCapped(resp.Body, maxAgentResponseBytes)
	status := resp.StatusCode
	errMsg := ""
	if err != nil {
		status = 504
		errMsg = "target timeout"
		if reqCtx.Err() == nil {
			status = 503
			errMsg = err.Error()
		}
	}
	writer.Write(wire.Message{
		Kind: wire.KindResponse,
		Response: &wire.Response{
			ID:         req.ID,
			Status:     status,
			Headers:    netutil.CollapseHeaders(netutil.StripHopByHop(resp.Header)),
			Body:       bodyAsTransportString(resp.Header.Get("Content-Type"), body),
			Error:      errMsg,
			DurationMs: time.Since(start).Milliseconds(),
		},
	})
}

const maxAgentResponseBytes = 32 << 20

func readBodyCapped(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max))
	if err != nil {
		return b, err
	}
	return b, nil
}

func bodyAsTransportString(contentType string, body []byte) string {
	if wire.IsTextContentType(contentType) {
		return string(body)
	}
	return wire.EncodeBody(body)
}

// streamSSE emits STREAM_START, one STREAM_CHUNK per non-empty body read,
// and a terminal STREAM_END, per spec.md §4.6 step 4.
func (a *Agent) streamSSE(writer *wire.Writer, id string, resp *http.Response, start time.Time) {
	writer.Write(wire.Message{
		Kind: wire.KindStreamStart,
		StreamStart: &wire.StreamStart{
			ID:      id,
			Status:  resp.StatusCode,
			Headers: netutil.CollapseHeaders(netutil.StripHopByHop(resp.Header)),
		},
	})

	reader := bufio.NewReaderSize(resp.Body, sseReadChunkSize)
	buf := make([]byte, sseReadChunkSize)
	var seq int64
	var readErr error
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			writer.Write(wire.Message{
				Kind: wire.KindStreamChunk,
				StreamChunk: &wire.StreamChunk{
					ID:       id,
					Data:     string(buf[:n]),
					Sequence: seq,
				},
			})
			seq++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	endMsg := ""
	if readErr != nil {
		endMsg = readErr.Error()
	}
	writer.Write(wire.Message{
		Kind: wire.KindStreamEnd,
		StreamEnd: &wire.StreamEnd{
			ID:          id,
			Error:       endMsg,
			TotalChunks: seq,
			DurationMs:  time.Since(start).Milliseconds(),
		},
	})
}

func (a *Agent) composeURL(path string) (string, error) {
	base, err := url.Parse(a.cfg.TargetURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}
