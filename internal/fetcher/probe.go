// Grounded on teal33t-Surge's internal/engine/probe.go: a ranged bytes=0-0
// GET discovers whether the server honors Range requests and, from the
// response, the total size — without downloading the body.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ProbeResult is what the initial bytes=0-0 request reveals.
type ProbeResult struct {
	SizeTotal     int64
	SupportsRange bool
}

func probe(ctx context.Context, client *http.Client, url string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result := ProbeResult{SupportsRange: true}
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				sizeStr := cr[idx+1:]
				if sizeStr != "*" {
					result.SizeTotal, _ = strconv.ParseInt(sizeStr, 10, 64)
				}
			}
		}
		return result, nil
	case http.StatusOK:
		result := ProbeResult{SupportsRange: false}
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			result.SizeTotal, _ = strconv.ParseInt(cl, 10, 64)
		}
		return result, nil
	default:
		return ProbeResult{}, fmt.Errorf("unexpected probe status %d", resp.StatusCode)
	}
}
