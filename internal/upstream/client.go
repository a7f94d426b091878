package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// doer performs HTTP requests under a shared pacing limiter.
type doer struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newDoer(hc *http.Client, ratePerSec int) doer {
	if hc == nil {
		hc = &http.Client{}
	}
	var lim *rate.Limiter
	if ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return doer{http: hc, limiter: lim}
}

// do sends the request built by build with its own timeout and decodes a 2xx
// JSON body into out. Non-2xx responses become *APIError.
func (d doer) do(ctx context.Context, op string, timeout time.Duration, build func(ctx context.Context) (*http.Request, error), out any) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return transportError(op, err)
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := build(ctx)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apiErrorFrom(op, resp.StatusCode, body)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func apiErrorFrom(op string, status int, body []byte) *APIError {
	e := &APIError{Op: op, Status: status}
	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Message     string `json:"message"`
	}
	if json.Unmarshal(body, &oauthErr) == nil {
		e.Code = oauthErr.Error
		e.Description = oauthErr.Description
		if e.Description == "" {
			e.Description = oauthErr.Message
		}
	}
	if e.Description == "" {
		e.Description = strings.TrimSpace(string(body))
	}
	return e
}

// retry runs fn up to 1+max times while it fails with ErrTransient, waiting
// a jittered exponential delay between attempts.
func retry(ctx context.Context, max int, base time.Duration, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt >= max {
			return err
		}
		d := base << attempt
		d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
