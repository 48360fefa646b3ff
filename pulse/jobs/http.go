package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/pulse/async"
)

// httpInput is {"url": "https://...", "method": "POST", "headers": {...}, "body": {...}}.
// method defaults to GET, or POST when a body is given.
type httpInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// HTTPResult is the output of an http job
type HTTPResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`

	// JSON holds the body when the response is valid JSON
	JSON json.RawMessage `json:"json,omitempty"`
}

type httpJob struct {
	client  *httpclient.Client
	url     *url.URL
	method  string
	headers map[string]string
	body    []byte
}

func httpDefinition(client *httpclient.Client) async.DefinitionFunc {
	return func(input json.RawMessage) (async.JobExecutor, error) {
		var in httpInput
		if err := decode(HTTP, input, &in); err != nil {
			return nil, err
		}
		if in.URL == "" {
			return nil, errors.New("http job needs a url")
		}
		u, err := client.Validate(in.URL)
		if err != nil {
			return nil, err
		}

		job := &httpJob{client: client, url: u, method: strings.ToUpper(in.Method), headers: in.Headers}
		if len(in.Body) > 0 {
			// a JSON string body is sent as-is, anything else as JSON
			var text string
			if json.Unmarshal(in.Body, &text) == nil {
				job.body = []byte(text)
			} else {
				job.body = in.Body
				if _, ok := job.headers["Content-Type"]; !ok {
					job.headers = withHeader(job.headers, "Content-Type", "application/json")
				}
			}
		}
		if job.method == "" {
			job.method = http.MethodGet
			if job.body != nil {
				job.method = http.MethodPost
			}
		}
		return job, nil
	}
}

func withHeader(h map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	out[key] = value
	return out
}

// Execute sends the request. A 4xx response or a refused destination fails
// the job. Connection errors, 429 and 5xx responses are returned as
// unexpected errors so the worker retries them.
func (j *httpJob) Execute(ctx context.Context, job *async.Job) (any, error) {
	var body io.Reader
	if j.body != nil {
		body = bytes.NewReader(j.body)
	}
	req, err := http.NewRequestWithContext(ctx, j.method, j.url.String(), body)
	if err != nil {
		return nil, async.JobFailure(errors.Wrap(err, "cannot build request"))
	}
	for k, v := range j.headers {
		req.Header.Set(k, v)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, httpclient.ErrBlocked) {
			return nil, async.JobFailure(err)
		}
		return nil, errors.Wrapf(err, "%s %s", j.method, j.url.Redacted())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxCapturedOutput+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "reading response of %s %s", j.method, j.url.Redacted())
	}

	result := HTTPResult{Status: resp.StatusCode}
	if len(data) <= MaxCapturedOutput && json.Valid(data) {
		result.JSON = data
	} else if utf8.Valid(data) {
		result.Body = truncate(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Newf("%s %s: %s", j.method, j.url.Redacted(), resp.Status)
	case resp.StatusCode >= 400:
		return nil, async.JobFailuref("%s %s: %s", j.method, j.url.Redacted(), resp.Status)
	}
	return result, nil
}
