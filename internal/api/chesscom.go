package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chess-ledger/internal/config"
	"chess-ledger/internal/constants"
	"chess-ledger/internal/ratelimit"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
)

// ErrNotFound means the remote source reports the identity no longer exists
// (deleted or renamed). It is a definitive answer and is never retried.
var ErrNotFound = errors.New("player not found")

type Client struct {
	baseURL     string
	userAgent   string
	countryCode string
	maxAttempts int
	retryBase   time.Duration

	limiter *ratelimit.Limiter
	client  *fasthttp.Client
	logger  zerolog.Logger
}

func NewClient(cfg *config.Config, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		userAgent:   cfg.UserAgent,
		countryCode: cfg.CountryCode,
		maxAttempts: constants.FetchMaxAttempts,
		retryBase:   constants.RetryBaseDelay,
		limiter:     limiter,
		client: &fasthttp.Client{
			MaxConnsPerHost:     100,
			ReadTimeout:         constants.ExternalAPITimeout,
			WriteTimeout:        constants.ExternalAPITimeout,
			MaxIdleConnDuration: 1 * time.Minute,
		},
		logger: logger,
	}
}

// FetchRoster returns the current recently-active usernames for the
// configured country. An empty roster with no error never happens: failures
// always carry an error so callers can tell "unavailable" from "empty".
func (c *Client) FetchRoster(ctx context.Context) ([]string, error) {
	return c.FetchCountryPlayers(ctx, c.countryCode)
}

// FetchCountryPlayers returns the roster for an arbitrary ISO country code.
func (c *Client) FetchCountryPlayers(ctx context.Context, code string) ([]string, error) {
	url := fmt.Sprintf("%s/country/%s/players", c.baseURL, code)
	resp, err := fetchWithRetry[RosterResponse](ctx, c, url)
	if err != nil {
		c.logger.Error().Err(err).Str("country", code).Msg("failed to fetch roster")
		return nil, err
	}
	return resp.Players, nil
}

// FetchProfile fetches a player's public profile. A remote 404 comes back as
// ErrNotFound without retrying; transient failures are retried with
// exponential backoff and propagate once the budget is exhausted.
func (c *Client) FetchProfile(ctx context.Context, username string) (*Profile, error) {
	url := fmt.Sprintf("%s/player/%s", c.baseURL, username)
	return fetchWithRetry[Profile](ctx, c, url)
}

// FetchStats fetches a player's statistics. Stats fail soft: any error after
// retries yields a zero payload, which downstream treats as all-zero stats.
func (c *Client) FetchStats(ctx context.Context, username string) *StatsResponse {
	url := fmt.Sprintf("%s/player/%s/stats", c.baseURL, username)
	stats, err := fetchWithRetry[StatsResponse](ctx, c, url)
	if err != nil {
		c.logger.Warn().Err(err).Str("username", username).Msg("failed to fetch stats, treating as empty")
		return &StatsResponse{}
	}
	return stats
}

func fetchWithRetry[T any](ctx context.Context, c *Client, url string) (*T, error) {
	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.retryBase))

	var out *T
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := doRequest[T](ctx, c, url)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			c.logger.Debug().Err(err).Str("url", url).Msg("request failed, will retry")
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func doRequest[T any](ctx context.Context, c *Client, url string) (*T, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(c.userAgent)
	req.Header.Set("Accept", "application/json")

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(constants.ExternalAPITimeout)
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, err
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("API error: %d", resp.StatusCode())
	}

	var result T
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

type RosterResponse struct {
	Players []string `json:"players"`
}

type Profile struct {
	Username   string `json:"username"`
	PlayerID   int64  `json:"player_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Country    string `json:"country"`
	Joined     int64  `json:"joined"`
	LastOnline int64  `json:"last_online"`
}

type StatsResponse struct {
	ChessDaily  FormatStats `json:"chess_daily"`
	ChessRapid  FormatStats `json:"chess_rapid"`
	ChessBullet FormatStats `json:"chess_bullet"`
	ChessBlitz  FormatStats `json:"chess_blitz"`
	Tactics     Tactics     `json:"tactics"`
	Fide        int         `json:"fide"`
}

type FormatStats struct {
	Last   RatingSnapshot `json:"last"`
	Best   RatingSnapshot `json:"best"`
	Record GameRecord     `json:"record"`
}

type RatingSnapshot struct {
	Rating int   `json:"rating"`
	Date   int64 `json:"date"`
	RD     int   `json:"rd"`
}

type GameRecord struct {
	Win  int `json:"win"`
	Loss int `json:"loss"`
	Draw int `json:"draw"`
}

type Tactics struct {
	Highest RatingSnapshot `json:"highest"`
	Lowest  RatingSnapshot `json:"lowest"`
}
