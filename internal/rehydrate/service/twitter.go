package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"tweet-rehydrate/internal/rehydrate"
)

const (
	// LookupAPIURL is the url of the batched tweet lookup endpoint.
	// Tweets that have been deleted or protected are omitted from the
	// response rather than erroring per-id.
	LookupAPIURL = "https://api.twitter.com/1.1/statuses/lookup.json"

	// OAuth2TokenURL is the url used to exchange app credentials for a
	// bearer token when no user access token is configured
	OAuth2TokenURL = "https://api.twitter.com/oauth2/token"

	httpTimeout = time.Second * 15
)

// Credentials stores all of our access/consumer tokens and secret keys
// needed for authentication against the twitter REST API. The consumer
// key/secret pair is always required; the access token pair is only
// needed for user-context auth.
type Credentials struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
}

func (c Credentials) userContext() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" &&
		c.AccessToken != "" && c.AccessTokenSecret != ""
}

func (c Credentials) appOnly() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != ""
}

// APIError is a non-200 response from the provider. The service uses
// the status code to decide whether the batch is retryable.
type APIError struct {
	// StatusCode of the response
	StatusCode int

	// Body of the response, kept for logging
	Body string

	// RateLimitReset is the start of the next rate limit window, parsed
	// from the X-Rate-Limit-Reset header. Zero when the response did not
	// carry one.
	RateLimitReset time.Time
}

func (e *APIError) Error() string {
	return fmt.Sprintf("received non-200 response: %d", e.StatusCode)
}

// RateLimited reports whether the call exhausted the current rate limit
// window
func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Retryable reports whether the same call can be expected to succeed
// later. Everything else (bad credentials, malformed request) is a
// configuration defect and aborts the run.
func (e *APIError) Retryable() bool {
	return e.RateLimited() || e.StatusCode >= http.StatusInternalServerError
}

// TwitterClient is responsible for rehydrating batches of tweet ids
// against the twitter REST API lookup endpoint.
type TwitterClient struct {
	logger    *zap.Logger
	c         *http.Client
	lookupURL string
}

// NewTwitterClient returns an instantiated lookup client. User-context
// OAuth1 signing is used when a full set of access tokens is present,
// otherwise the app key/secret pair is exchanged for an app-only bearer
// token.
func NewTwitterClient(logger *zap.Logger, creds Credentials) (*TwitterClient, error) {
	if logger == nil {
		return nil, errors.New("unable to initialize a new twitter client due to the missing logger dependency")
	}

	var c *http.Client
	switch {
	case creds.userContext():
		config := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
		token := oauth1.NewToken(creds.AccessToken, creds.AccessTokenSecret)
		c = config.Client(oauth1.NoContext, token)
	case creds.appOnly():
		// oauth2 configures a client that uses app credentials to keep a
		// fresh bearer token
		config := &clientcredentials.Config{
			ClientID:     creds.ConsumerKey,
			ClientSecret: creds.ConsumerSecret,
			TokenURL:     OAuth2TokenURL,
		}
		c = config.Client(oauth2.NoContext)
	default:
		return nil, errors.New("unable to initialize a new twitter client: consumer key and secret are required")
	}

	c.Timeout = httpTimeout

	return &TwitterClient{
		logger:    logger,
		c:         c,
		lookupURL: LookupAPIURL,
	}, nil
}

// Lookup rehydrates a single batch of tweet ids. The returned records
// carry the provider's tweet objects untouched; ids missing from the
// response are simply absent from the result.
func (t *TwitterClient) Lookup(ctx context.Context, ids []rehydrate.ID) ([]rehydrate.Record, error) {
	logger := t.logger.With(zap.Int("numIds", len(ids)))

	if len(ids) == 0 {
		return nil, nil
	}

	if len(ids) > rehydrate.MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds lookup maximum of %d", len(ids), rehydrate.MaxBatchSize)
	}

	lookupURL, err := url.Parse(t.lookupURL)
	if err != nil {
		const msg = "unable to parse lookup url"
		logger.Error(msg, zap.Error(err))
		return nil, fmt.Errorf(msg+": %w", err)
	}

	q := lookupURL.Query()
	q.Set("id", joinIDs(ids))
	q.Set("tweet_mode", "extended")
	lookupURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL.String(), nil)
	if err != nil {
		const msg = "unable to create lookup request"
		logger.Error(msg, zap.Error(err))
		return nil, fmt.Errorf(msg+": %w", err)
	}

	resp, err := t.c.Do(req)
	if err != nil {
		const msg = "unable to get tweets"
		logger.Error(msg, zap.Error(err))
		return nil, fmt.Errorf(msg+": %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}

		if resp.Body != nil {
			b, err := ioutil.ReadAll(resp.Body)
			if err == nil {
				apiErr.Body = string(b)
			}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			epoch, err := strconv.ParseInt(resp.Header.Get("X-Rate-Limit-Reset"), 10, 64)
			if err == nil {
				apiErr.RateLimitReset = time.Unix(epoch, 0)
			}

			logger.Warn(
				"rate limit hit for current window",
				zap.Strings("rate-limit", resp.Header["X-Rate-Limit-Limit"]),
				zap.Time("rate-limit-reset", apiErr.RateLimitReset),
			)
		} else {
			logger.Error(
				"received non-200 response",
				zap.Int("statusCode", resp.StatusCode),
				zap.String("body", apiErr.Body),
			)
		}

		return nil, apiErr
	}

	var tweets []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&tweets); err != nil {
		const msg = "unable to decode lookup response"
		logger.Error(msg, zap.Error(err))
		return nil, fmt.Errorf(msg+": %w", err)
	}

	records := make([]rehydrate.Record, 0, len(tweets))
	for i := range tweets {
		// peek only the id so the record can be mapped back to its
		// requested identifier; everything else passes through untouched
		var envelope struct {
			ID    int64  `json:"id"`
			IDStr string `json:"id_str"`
		}
		if err := json.Unmarshal(tweets[i], &envelope); err != nil {
			const msg = "unable to read id from tweet object"
			logger.Error(msg, zap.Error(err))
			return nil, fmt.Errorf(msg+": %w", err)
		}

		id := envelope.ID
		if envelope.IDStr != "" {
			// id_str is authoritative, the numeric field loses precision
			// in some provider serializations
			parsed, err := strconv.ParseInt(envelope.IDStr, 10, 64)
			if err == nil {
				id = parsed
			}
		}

		records = append(records, rehydrate.Record{
			ID:     rehydrate.ID(id),
			Source: tweets[i],
		})
	}

	if remaining := resp.Header.Get("X-Rate-Limit-Remaining"); remaining != "" {
		logger.Debug("requests remaining in current window", zap.String("remaining", remaining))
	}

	logger.Debug("rehydrated batch", zap.Int("numTweets", len(records)))

	return records, nil
}

func joinIDs(ids []rehydrate.ID) string {
	strs := make([]string, len(ids))
	for i := range ids {
		strs[i] = strconv.FormatInt(int64(ids[i]), 10)
	}

	return strings.Join(strs, ",")
}
