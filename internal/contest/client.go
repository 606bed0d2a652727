package contest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

const (
	DefaultAPIURL  = "https://codeforces.com/api/contest.list"
	DefaultTimeout = 30 * time.Second

	maxBody = 16 << 20
)

// ClientConfig configures the contest.list client.
type ClientConfig struct {
	APIURL    string
	Timeout   time.Duration
	UserAgent string
}

// Client reads the Codeforces contest list.
type Client struct {
	url       string
	userAgent string
	http      *http.Client
	log       logx.Logger
}

type envelope struct {
	Status  string       `json:"status"`
	Comment string       `json:"comment"`
	Result  []apiContest `json:"result"`
}

type apiContest struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	Phase            string `json:"phase"`
	DurationSeconds  int64  `json:"durationSeconds"`
	StartTimeSeconds *int64 `json:"startTimeSeconds"`
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cfreminder-bot"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:       cfg.APIURL,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
		log:       log,
	}
}

// Next fetches the list and selects the next contest.
func (c *Client) Next(ctx context.Context) Result {
	start := time.Now()
	list, err := c.Fetch(ctx)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = fetchErr(err, "%v", err)
		}
		c.log.Warn("contest fetch failed", logx.String("cause", fe.Cause), logx.Duration("took", time.Since(start)))
		return Failed(fe)
	}
	res := Select(list)
	c.log.Debug("contest list fetched",
		logx.Int("contests", len(list)),
		logx.String("result", res.Kind.String()),
		logx.Duration("took", time.Since(start)),
	)
	return res
}

// Fetch returns every contest in the list. Errors are *FetchError.
func (c *Client) Fetch(ctx context.Context) ([]Contest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fetchErr(err, "create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fetchErr(err, "request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fetchErr(err, "read response: %v", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Codeforces reports API errors as 400 with a FAILED envelope.
		if decodeErr == nil && env.Comment != "" {
			return nil, fetchErr(nil, "HTTP %d: %s", resp.StatusCode, env.Comment)
		}
		return nil, fetchErr(nil, "HTTP %d: %s", resp.StatusCode, snippet(body))
	}
	if decodeErr != nil {
		return nil, fetchErr(decodeErr, "malformed response: %v", decodeErr)
	}
	if env.Status != "OK" {
		status := env.Status
		if status == "" {
			status = "missing"
		}
		if env.Comment != "" {
			return nil, fetchErr(nil, "API status %s: %s", status, env.Comment)
		}
		return nil, fetchErr(nil, "API status %s", status)
	}

	out := make([]Contest, 0, len(env.Result))
	for _, ac := range env.Result {
		if ac.StartTimeSeconds == nil {
			// Contests without a start time cannot be scheduled against.
			continue
		}
		out = append(out, Contest{
			ID:        ac.ID,
			Name:      ac.Name,
			Type:      ac.Type,
			Phase:     Phase(ac.Phase),
			StartTime: time.Unix(*ac.StartTimeSeconds, 0).UTC(),
			Duration:  time.Duration(ac.DurationSeconds) * time.Second,
		})
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty body"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

var _ Source = (*Client)(nil)
