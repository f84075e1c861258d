package xrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mikequentel/notesky/internal/model"
)

const maxDetailBody = 512

// StatusError is a non-2xx reply from an XRPC endpoint.
type StatusError struct {
	Endpoint string
	Status   int
	Detail   string
}

func (e *StatusError) Error() string { return e.Detail }

// bodyDecoder hands raw bytes to *[]byte targets and JSON-decodes the rest,
// so failure bodies survive for diagnosis even when they are not JSON.
type bodyDecoder struct{}

func (bodyDecoder) Decode(resp *http.Response, v interface{}) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if raw, ok := v.(*[]byte); ok {
		*raw = b
		return nil
	}
	return json.Unmarshal(b, v)
}

func diagnoseHTTPError(resp *http.Response, body []byte, op string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: HTTP %d", op, resp.StatusCode)

	var xe model.XRPCError
	if err := json.Unmarshal(body, &xe); err == nil && (xe.ErrorName != "" || xe.Message != "") {
		if xe.ErrorName != "" {
			fmt.Fprintf(&sb, " %s", xe.ErrorName)
		}
		if xe.Message != "" {
			fmt.Fprintf(&sb, ": %s", xe.Message)
		}
	} else if s := strings.TrimSpace(string(body)); s != "" {
		if len(s) > maxDetailBody {
			s = s[:maxDetailBody] + "…"
		}
		fmt.Fprintf(&sb, ": %s", s)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if reset := resp.Header.Get("Ratelimit-Reset"); reset != "" {
			fmt.Fprintf(&sb, " (rate limit resets at %s)", reset)
		}
	}
	return sb.String()
}
