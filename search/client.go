package search

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/mthorpe/boxchan/logger"
)

const (
	// statusPrefix marks the status trailer line a remote command appends
	// to its own output.
	statusPrefix = "BOXCHAN-STATUS:"

	// StatusTrailerArg is the curl fragment engine commands embed so the
	// transport status rides the channel alongside the body.
	StatusTrailerArg = `-w '\n` + statusPrefix + `%{http_code}'`

	untrustedBegin = "-----BEGIN UNTRUSTED CONTENT-----"
	untrustedEnd   = "-----END UNTRUSTED CONTENT-----"
)

// Runner issues a command on the channel and returns its output.
// *channel.Channel satisfies it.
type Runner interface {
	Run(command string, timeout time.Duration) (string, error)
}

// Options configures a Client.
type Options struct {
	// MinSpacing is the minimum interval between consecutive attempts
	// against the same engine. Zero disables pacing.
	MinSpacing time.Duration

	// RetryBackoff is the wait before the single retry of a failed attempt.
	RetryBackoff time.Duration

	// Timeout bounds each remote command. Zero uses the channel default.
	Timeout time.Duration

	Log *slog.Logger
}

// Client executes search queries and page fetches over a command channel,
// pacing attempts per engine and retrying a failure once.
type Client struct {
	runner   Runner
	registry *Registry
	opts     Options
	log      *slog.Logger

	// attempts records the timestamp of the most recent attempt per
	// pacing key. Entries never expire; there is one per engine plus one
	// for fetches.
	attempts *cache.Cache

	// test hooks
	now   func() time.Time
	sleep func(time.Duration)
}

// NewClient creates a client over the given runner and engine registry.
func NewClient(runner Runner, registry *Registry, opts Options) *Client {
	log := opts.Log
	if log == nil {
		log = logger.WithComponent("search")
	}
	return &Client{
		runner:   runner,
		registry: registry,
		opts:     opts,
		log:      log,
		attempts: cache.New(cache.NoExpiration, 0),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Search runs a query against the named engine and returns parsed results
// with every excerpt wrapped as untrusted content.
func (c *Client) Search(engineName, query string) ([]Result, error) {
	eng := c.registry.Get(engineName)
	if eng == nil {
		return nil, fmt.Errorf("unknown search engine: %s", engineName)
	}

	c.log.Info("searching", "engine", eng.Name, "query_len", len(query))

	body, err := c.issueWithRetry(eng.Name, eng.Command(query))
	if err != nil {
		return nil, err
	}

	parse := eng.Parse
	if parse == nil {
		parse = ParseLines
	}
	results := parse(body)
	for i := range results {
		results[i].Excerpt = WrapUntrusted(results[i].Excerpt)
	}

	c.log.Info("search complete", "engine", eng.Name, "results", len(results))
	return results, nil
}

// Fetch retrieves a single URL over the channel and returns the page body
// wrapped as untrusted content. Fetches share one pacing key so rapid
// page pulls are spaced like queries are.
func (c *Client) Fetch(url string) (string, error) {
	if !strings.Contains(url, "://") {
		return "", fmt.Errorf("not a URL: %s", url)
	}

	c.log.Info("fetching", "url", url)

	command := "curl -sL -A 'Mozilla/5.0 (X11; Linux x86_64)' " +
		StatusTrailerArg + " " + ShellQuote(url)
	body, err := c.issueWithRetry("fetch", command)
	if err != nil {
		return "", err
	}
	return WrapUntrusted(body), nil
}

// issueWithRetry runs one attempt, and on failure waits out the backoff
// and tries exactly once more. The second failure is returned as-is.
func (c *Client) issueWithRetry(key, command string) (string, error) {
	body, err := c.issue(key, command)
	if err == nil {
		return body, nil
	}

	c.log.Warn("attempt failed, retrying", "key", key, "error", err)
	if c.opts.RetryBackoff > 0 {
		c.sleep(c.opts.RetryBackoff)
	}

	return c.issue(key, command)
}

// issue paces against the key's last attempt, records this attempt, runs
// the command, and validates the status trailer. The attempt is recorded
// before the command goes out so a failed or slow attempt still counts
// against the pacing window.
func (c *Client) issue(key, command string) (string, error) {
	c.pace(key)

	out, err := c.runner.Run(command, c.opts.Timeout)
	if err != nil {
		return "", fmt.Errorf("channel error: %w", err)
	}

	body, status, err := splitStatus(out)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("request failed with status %d", status)
	}
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("empty response body")
	}
	return body, nil
}

// pace sleeps until MinSpacing has passed since the key's last recorded
// attempt, then records now as the latest attempt.
func (c *Client) pace(key string) {
	if c.opts.MinSpacing > 0 {
		if v, ok := c.attempts.Get(key); ok {
			last := v.(time.Time)
			if wait := c.opts.MinSpacing - c.now().Sub(last); wait > 0 {
				c.log.Debug("pacing", "key", key, "wait", wait)
				c.sleep(wait)
			}
		}
	}
	c.attempts.Set(key, c.now(), cache.NoExpiration)
}

// splitStatus strips the status trailer from command output and returns
// the body and the reported status code. Output with no trailer means the
// command never reached the point of printing it, which counts as a
// failed attempt.
func splitStatus(out string) (string, int, error) {
	idx := strings.LastIndex(out, statusPrefix)
	if idx == -1 {
		return "", 0, fmt.Errorf("missing status trailer in response")
	}
	rest := strings.TrimSpace(out[idx+len(statusPrefix):])
	status, err := strconv.Atoi(rest)
	if err != nil {
		return "", 0, fmt.Errorf("malformed status trailer: %q", rest)
	}

	body := out[:idx]
	body = strings.TrimSuffix(body, "\n")
	return body, status, nil
}

// WrapUntrusted fences text between sentinel lines so downstream
// consumers can tell remote-origin content from channel output.
func WrapUntrusted(text string) string {
	return untrustedBegin + "\n" + text + "\n" + untrustedEnd
}
