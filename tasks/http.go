package tasks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/deepnoodle-ai/machine"
)

// HTTPConfig configures the client shared by all http task calls.
type HTTPConfig struct {
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	RetryWait  time.Duration `json:"retry_wait"`
	Debug      bool          `json:"debug"`
}

// HTTPInput defines the input of the http task
type HTTPInput struct {
	URL             string            `json:"url" validate:"required,url"`
	Method          string            `json:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers         map[string]string `json:"headers"`
	Query           map[string]string `json:"query"`
	Body            any               `json:"body"`
	FollowRedirects *bool             `json:"follow_redirects"`

	// FailOnError raises a task failure for 4xx and 5xx responses instead of
	// returning them.
	FailOnError bool `json:"fail_on_error"`
}

// HTTPOutput defines the output of the http task
type HTTPOutput struct {
	StatusCode int               `json:"status_code"`
	Status     string            `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	JSON       any               `json:"json,omitempty"`
	Success    bool              `json:"success"`
}

// HTTP makes HTTP requests
type HTTP struct {
	client     *resty.Client
	noRedirect *resty.Client
}

func NewHTTP(config HTTPConfig) machine.Task {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryWait <= 0 {
		config.RetryWait = 100 * time.Millisecond
	}
	newClient := func() *resty.Client {
		return resty.New().
			SetTimeout(config.Timeout).
			SetRetryCount(config.MaxRetries).
			SetRetryWaitTime(config.RetryWait).
			SetDebug(config.Debug)
	}
	noRedirect := newClient().SetRedirectPolicy(resty.RedirectPolicyFunc(
		func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	return machine.NewTypedTask(&HTTP{client: newClient(), noRedirect: noRedirect})
}

func (h *HTTP) Name() string {
	return "http"
}

func (h *HTTP) Execute(ctx machine.Context, input HTTPInput) (HTTPOutput, error) {
	client := h.client
	if input.FollowRedirects != nil && !*input.FollowRedirects {
		client = h.noRedirect
	}
	req := client.R().
		SetContext(ctx).
		SetHeaders(input.Headers).
		SetQueryParams(input.Query)
	if input.Body != nil {
		req.SetBody(input.Body)
	}
	resp, err := req.Execute(strings.ToUpper(input.Method), input.URL)
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("http request failed: %w", err)
	}

	output := HTTPOutput{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Body:       resp.String(),
		Success:    resp.IsSuccess(),
		Headers:    make(map[string]string, len(resp.Header())),
	}
	for key, values := range resp.Header() {
		if len(values) > 0 {
			output.Headers[key] = values[0]
		}
	}
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		var parsed any
		if err := json.Unmarshal(resp.Body(), &parsed); err == nil {
			output.JSON = parsed
		}
	}
	if input.FailOnError && resp.IsError() {
		return output, machine.NewStepError(machine.ErrorTypeTaskFailed,
			fmt.Sprintf("%s %s returned %s", strings.ToUpper(input.Method), input.URL, resp.Status()))
	}
	return output, nil
}
