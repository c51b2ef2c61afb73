package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// pushCookieName is the upstream cookie that keys the metadata push channel.
const pushCookieName = "AISSessionId"

var errPushClosed = errors.New("push channel closed by server")

// pushSessionID returns the AISSessionId cookie from an upstream response.
func pushSessionID(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == pushCookieName && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

func pushURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(pushCookieName, sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readEvents reads a text/event-stream body and calls onData with each
// complete event's data payload. It returns when the body ends or ctx is done.
func readEvents(ctx context.Context, body io.Reader, onData func(string)) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 16*1024), 1<<20)

	var data []string
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				onData(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(data) > 0 {
		onData(strings.Join(data, "\n"))
	}
	return errPushClosed
}

// parsePushPayload decodes one push event. The payload is either JSON
// {"metadata":"k=\"v\",..."} or the bare key/value list.
func parsePushPayload(data string) map[string]string {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "{") {
		var wrapped struct {
			Metadata string `json:"metadata"`
		}
		if err := json.Unmarshal([]byte(data), &wrapped); err == nil {
			data = wrapped.Metadata
		}
	}
	return parseKV(data)
}

// parseKV parses a comma-separated list of key="value" pairs. Quoted values
// may contain commas and \" escapes; unquoted values run to the next comma.
func parseKV(s string) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ',' || s[i] == ' ') {
			i++
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[i : i+eq])
		i += eq + 1

		var val strings.Builder
		if i < len(s) && s[i] == '"' {
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				val.WriteByte(s[i])
				i++
			}
			i++ // closing quote
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				end = len(s) - i
			}
			val.WriteString(strings.TrimSpace(s[i : i+end]))
			i += end
		}
		if key != "" {
			out[key] = val.String()
		}
	}
	return out
}
