package askmeshctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// requestError marks failures after argument parsing succeeded.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCommand(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return 1
		}
		return 2
	}
	return 0
}

type client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	stdout  io.Writer
}

func newRootCommand(defaults Options, stdout io.Writer) *cobra.Command {
	c := &client{http: defaults.HTTPClient, stdout: stdout}

	root := &cobra.Command{
		Use:           "askmeshctl",
		Short:         "Command line client for the askmesh API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if c.http == nil {
				c.http = &http.Client{Timeout: c.timeout}
			}
		},
	}
	root.PersistentFlags().StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "askmesh API base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")

	root.AddCommand(
		c.simpleCommand("health", "GET /v1/health", http.MethodGet, "/v1/health"),
		c.simpleCommand("ready", "GET /v1/ready", http.MethodGet, "/v1/ready"),
		c.askCommand(),
		c.catalogCommand(),
		c.historyCommand(),
	)
	return root
}

func (c *client) simpleCommand(name, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd.Context(), method, path, nil, false)
		},
	}
}

func (c *client) askCommand() *cobra.Command {
	var answerOnly bool
	var historyJSON string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "POST /v1/ask",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"question": strings.Join(args, " ")}
			if strings.TrimSpace(historyJSON) != "" {
				var turns []map[string]string
				if err := json.Unmarshal([]byte(historyJSON), &turns); err != nil {
					return fmt.Errorf("invalid --history: %w", err)
				}
				payload["conversation_history"] = turns
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), http.MethodPost, "/v1/ask", body, answerOnly)
		},
	}
	cmd.Flags().BoolVar(&answerOnly, "answer-only", false, "print only the answer text")
	cmd.Flags().StringVar(&historyJSON, "history", "", `prior turns as JSON, e.g. '[{"role":"user","content":"..."}]'`)
	return cmd
}

func (c *client) catalogCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "GET /v1/catalog, or POST /v1/catalog/refresh with --refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if refresh {
				return c.call(cmd.Context(), http.MethodPost, "/v1/catalog/refresh", nil, false)
			}
			return c.call(cmd.Context(), http.MethodGet, "/v1/catalog", nil, false)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the catalog document before listing")
	return cmd
}

func (c *client) historyCommand() *cobra.Command {
	var limit int
	var outcome string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "GET /v1/history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if outcome != "" {
				query.Set("outcome", outcome)
			}
			path := "/v1/history"
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}
			return c.call(cmd.Context(), http.MethodGet, path, nil, false)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome: success, empty, error or halted")
	return cmd
}

func (c *client) call(ctx context.Context, method, path string, body []byte, answerOnly bool) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	code, responseBody, err := c.doRequest(ctx, method, endpoint, body)
	if err != nil {
		return &requestError{err: fmt.Errorf("request failed: %w", err)}
	}
	if code >= 400 {
		return &requestError{err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))}
	}

	if answerOnly {
		var decoded struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(responseBody, &decoded); err == nil {
			_, _ = fmt.Fprintln(c.stdout, decoded.Answer)
			return nil
		}
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(responseBody))
	}
	return nil
}

func (c *client) doRequest(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
