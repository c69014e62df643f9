package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/ratelimit"
	"github.com/threatlens/threatscan/pkg/retry"
)

// ErrUnauthorized is returned when a provider rejects or lacks credentials.
var ErrUnauthorized = errors.New("unauthorized")

// maxResponseBytes bounds how much of a response body is read. The ATT&CK
// bundle is the largest payload at a few tens of megabytes.
const maxResponseBytes = 128 << 20

// Outcome classes recorded in the audit trail.
const (
	OutcomeSuccess      = "success"
	OutcomeTransient    = "transient"
	OutcomeUnauthorized = "unauthorized"
	OutcomePermanent    = "permanent"
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Status)
}

// Transient reports whether the status is worth another attempt.
func (e *StatusError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Classify maps a fetch error onto an audit outcome class.
func Classify(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrUnauthorized) {
		return OutcomeUnauthorized
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Transient() {
			return OutcomeTransient
		}
		return OutcomePermanent
	}
	if errors.Is(err, context.Canceled) {
		return OutcomePermanent
	}
	return OutcomeTransient
}

func retryable(err error) bool {
	return Classify(err) == OutcomeTransient
}

// Deps are the collaborators shared by every provider caller.
type Deps struct {
	Client         *http.Client
	Limits         *ratelimit.Registry
	Retry          retry.Policy
	Timeout        time.Duration
	Audit          dal.AuditLog
	AuditBodyLimit int
	Logger         *slog.Logger
	Now            func() time.Time
}

// Request is one GET against a provider. Header carries credentials and is
// never written to the audit trail.
type Request struct {
	Path   string
	Query  url.Values
	Header http.Header
}

// Caller performs rate-limited, retried and audited GETs against one provider.
type Caller struct {
	provider  string
	baseURL   string
	client    *http.Client
	limiter   *ratelimit.Limiter
	policy    retry.Policy
	timeout   time.Duration
	audit     dal.AuditLog
	bodyLimit int
	log       *slog.Logger
	now       func() time.Time
}

// NewCaller builds the caller for provider. The limiter is looked up by
// provider name so every caller of a provider shares one ceiling.
func NewCaller(provider, baseURL string, deps Deps) *Caller {
	c := &Caller{
		provider:  provider,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    deps.Client,
		policy:    deps.Retry,
		timeout:   deps.Timeout,
		audit:     deps.Audit,
		bodyLimit: deps.AuditBodyLimit,
		log:       deps.Logger,
		now:       deps.Now,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if deps.Limits != nil {
		c.limiter = deps.Limits.Get(provider)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("source", provider)
	if c.now == nil {
		c.now = time.Now
	}
	c.policy.Retryable = retryable
	return c
}

// Provider returns the provider name.
func (c *Caller) Provider() string { return c.provider }

// Get returns the body of a 2xx response. Transient failures are retried
// per the policy; unauthorized and other permanent failures return at once.
func (c *Caller) Get(ctx context.Context, req Request) ([]byte, error) {
	endpoint := c.baseURL + req.Path
	params := flattenParams(req.Query)

	var body []byte
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		b, status, err := c.do(ctx, endpoint, req)
		c.record(ctx, dal.AuditEntry{
			Provider: c.provider,
			Endpoint: endpoint,
			Params:   params,
			Status:   status,
			Body:     truncate(b, c.bodyLimit),
			Outcome:  Classify(err),
			Attempt:  attempt,
			Error:    errString(err),
			At:       c.now(),
		})
		if err != nil {
			c.log.Debug("provider attempt failed", "endpoint", endpoint, "attempt", attempt, "status", status, "error", err)
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Caller) do(ctx context.Context, endpoint string, req Request) ([]byte, int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := endpoint
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: build request: %w", c.provider, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s: read body: %w", c.provider, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return body, resp.StatusCode, fmt.Errorf("%s: status %d: %w", c.provider, resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return body, resp.StatusCode, &StatusError{Provider: c.provider, Status: resp.StatusCode}
	}
	return body, resp.StatusCode, nil
}

func (c *Caller) record(ctx context.Context, entry dal.AuditEntry) {
	if c.audit == nil {
		return
	}
	if err := c.audit.RecordCall(context.WithoutCancel(ctx), entry); err != nil {
		c.log.Warn("failed to record provider call", "endpoint", entry.Endpoint, "error", err)
	}
}

// sensitiveParams are query keys dropped from the audit trail.
var sensitiveParams = []string{"key", "apikey", "api_key", "token", "access_token", "secret", "password"}

func flattenParams(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, vs := range q {
		if isSensitive(k) {
			continue
		}
		out[k] = strings.Join(vs, ",")
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveParams {
		if k == s {
			return true
		}
	}
	return false
}

func truncate(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
