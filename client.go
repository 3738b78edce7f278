package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var (
	DiscordAPIURL = "https://discord.com/api/v10"

	RESTRequestTimeout = 20 * time.Second
)

// RESTClient covers the single REST call the gateway runtime makes.
type RESTClient struct {
	Client    *fasthttp.Client
	BaseURL   string
	Token     string
	UserAgent string
}

func NewRESTClient(token string) *RESTClient {
	return &RESTClient{
		Client:    &fasthttp.Client{},
		BaseURL:   DiscordAPIURL,
		Token:     token,
		UserAgent: "DiscordBot (https://github.com/WelcomerTeam/Sandwich-Gateway, " + VERSION + ")",
	}
}

// GetGatewayBot returns the recommended shard count, gateway url and
// session start limits for the bot.
func (client *RESTClient) GetGatewayBot(ctx context.Context) (*discord.GatewayBotResponse, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(client.BaseURL + "/gateway/bot")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bot "+client.Token)
	req.Header.SetUserAgent(client.UserAgent)

	deadline := time.Now().Add(RESTRequestTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := client.Client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("failed to get gateway bot: %w", err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("failed to get gateway bot: %w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}

	var gatewayBot discord.GatewayBotResponse

	if err := jsoniter.Unmarshal(resp.Body(), &gatewayBot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway bot: %w", err)
	}

	return &gatewayBot, nil
}
