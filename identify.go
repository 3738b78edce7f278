package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var (
	StandardIdentifyLimit  = 5 * time.Second
	IdentifyRequestTimeout = 10 * time.Second
)

// IdentifyRequest describes the shard that is about to identify.
type IdentifyRequest struct {
	Token          string
	ShardID        ShardID
	ShardCount     int32
	MaxConcurrency int32
}

// IdentifyProvider is consulted before every Identify. It may block until the
// shard is allowed to identify, which lets several processes sharing a token
// coordinate their identifies.
type IdentifyProvider interface {
	Identify(ctx context.Context, request IdentifyRequest) error
}

// IdentifyViaURL asks a URL for permission to identify.
//
// The URL may contain the tags {shard_id}, {shard_count}, {token},
// {token_hash} and {max_concurrency}. The same values are sent as a JSON body.
// A 200 or 204 allows the identify. Any other response is retried after the
// X-Retry-After-Ms header, or StandardIdentifyLimit when it is missing.
type IdentifyViaURL struct {
	Client  *fasthttp.Client
	Clock   clock.Clock
	Headers map[string]string
	URL     string
}

func NewIdentifyViaURL(url string, headers map[string]string) *IdentifyViaURL {
	return &IdentifyViaURL{
		Client:  &fasthttp.Client{},
		Clock:   clock.New(),
		Headers: headers,
		URL:     url,
	}
}

type identifyPayload struct {
	Token          string `json:"token"`
	TokenHash      string `json:"token_hash"`
	ShardID        int32  `json:"shard_id"`
	ShardCount     int32  `json:"shard_count"`
	MaxConcurrency int32  `json:"max_concurrency"`
}

func (identify *IdentifyViaURL) Identify(ctx context.Context, request IdentifyRequest) error {
	tokenHash := hashToken(request.Token)

	identifyURL := strings.NewReplacer(
		"{shard_id}", strconv.Itoa(int(request.ShardID)),
		"{shard_count}", strconv.Itoa(int(request.ShardCount)),
		"{token}", request.Token,
		"{token_hash}", tokenHash,
		"{max_concurrency}", strconv.Itoa(int(request.MaxConcurrency)),
	).Replace(identify.URL)

	body, err := jsoniter.Marshal(identifyPayload{
		Token:          request.Token,
		TokenHash:      tokenHash,
		ShardID:        int32(request.ShardID),
		ShardCount:     request.ShardCount,
		MaxConcurrency: request.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal identify payload: %w", err)
	}

	for {
		retryAfter, ok := identify.attempt(identifyURL, body)
		if ok {
			return nil
		}

		timer := identify.Clock.Timer(retryAfter)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		}
	}
}

func (identify *IdentifyViaURL) attempt(identifyURL string, body []byte) (time.Duration, bool) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(identifyURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	for key, value := range identify.Headers {
		req.Header.Set(key, value)
	}

	err := identify.Client.DoTimeout(req, resp, IdentifyRequestTimeout)
	if err != nil {
		return StandardIdentifyLimit, false
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusNoContent:
		return 0, true
	}

	retryAfter, _ := strconv.Atoi(string(resp.Header.Peek("X-Retry-After-Ms")))
	if retryAfter > 0 {
		return time.Duration(retryAfter) * time.Millisecond, false
	}

	return StandardIdentifyLimit, false
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}
