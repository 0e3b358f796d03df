package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const maxErrorBody = 512

// doJSON sends the request built by newReq under the retry policy and
// decodes a 200 response into out. The builder is called once per attempt
// so that request bodies can be replayed.
func doJSON(ctx context.Context, client *http.Client, policy *RetryPolicy, service string, newReq func(ctx context.Context) (*http.Request, error), out any) error {
	return policy.Execute(ctx, func() error {
		req, err := newReq(ctx)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			// The URL may carry an access token; keep only the cause.
			var uerr *url.Error
			if errors.As(err, &uerr) {
				err = uerr.Err
			}
			return fmt.Errorf("%s request: %w", service, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			return &StatusError{Service: service, Code: resp.StatusCode, Body: string(body)}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse %s response: %w", service, err)
		}
		return nil
	})
}
