package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"-"`
	Error   string        `json:"error,omitempty"`
}

// MarshalJSON reports the latency in whole milliseconds.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	type plain CheckResult
	return json.Marshal(struct {
		plain
		LatencyMs int64 `json:"latency_ms"`
	}{plain(r), r.Latency.Milliseconds()})
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker checks the call cache, the record store and, when Providers is set,
// the Deepgram and OpenAI APIs. A nil Postgres pinger means records are disabled.
type Checker struct {
	Redis    Pinger
	Postgres Pinger

	Providers   bool
	DeepgramKey string
	DeepgramURL string
	OpenAIKey   string
	OpenAIURL   string
	HTTP        *http.Client
}

// CheckAll runs all health checks and returns combined status
func (c *Checker) CheckAll(ctx context.Context) HealthStatus {
	checks := []CheckResult{
		checkPing(ctx, "redis", c.Redis),
	}
	if c.Postgres != nil {
		checks = append(checks, checkPing(ctx, "postgres", c.Postgres))
	}
	if c.Providers {
		checks = append(checks,
			c.checkAPI(ctx, "deepgram", orDefault(c.DeepgramURL, "https://api.deepgram.com/v1/projects"), "Token "+c.DeepgramKey, c.DeepgramKey == ""),
			c.checkAPI(ctx, "openai", orDefault(c.OpenAIURL, "https://api.openai.com/v1/models"), "Bearer "+c.OpenAIKey, c.OpenAIKey == ""),
		)
	} else {
		checks = append(checks, keySet("deepgram", c.DeepgramKey), keySet("openai", c.OpenAIKey))
	}

	allOK := true
	for _, r := range checks {
		if !r.OK {
			allOK = false
		}
	}
	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func checkPing(ctx context.Context, name string, p Pinger) CheckResult {
	start := time.Now()
	result := CheckResult{Name: name}
	if p == nil {
		result.Error = "not configured"
		return result
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		result.Error = err.Error()
	} else {
		result.OK = true
	}
	result.Latency = time.Since(start)
	return result
}

func keySet(name, key string) CheckResult {
	r := CheckResult{Name: name, OK: key != ""}
	if !r.OK {
		r.Error = "api key not set"
	}
	return r
}

func (c *Checker) checkAPI(ctx context.Context, name, url, authz string, missing bool) CheckResult {
	start := time.Now()
	result := CheckResult{Name: name}
	if missing {
		result.Error = "api key not set"
		return result
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		return result
	}
	req.Header.Set("Authorization", authz)

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()
	result.Latency = time.Since(start)

	if resp.StatusCode == http.StatusUnauthorized {
		result.Error = "invalid API key (401)"
		return result
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	result.OK = true
	return result
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
