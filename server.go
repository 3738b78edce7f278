package gateway

import (
	"sort"
	"strconv"

	"github.com/fasthttp/router"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// RestResponse is the body of every status server response.
type RestResponse struct {
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

type ShardStatus struct {
	Stage      string `json:"stage"`
	LatencyMs  int64  `json:"latency_ms"`
	ShardID    int32  `json:"shard_id"`
	HasLatency bool   `json:"has_latency"`
}

// StatusServer exposes metrics, the live shards and manual restarts over
// HTTP.
type StatusServer struct {
	logger  zerolog.Logger
	manager *Manager
	router  *router.Router
}

func NewStatusServer(logger zerolog.Logger, manager *Manager) *StatusServer {
	server := &StatusServer{
		logger:  logger.With().Str("component", "status").Logger(),
		manager: manager,
		router:  router.New(),
	}

	server.router.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	server.router.GET("/shards", server.handleShards)
	server.router.POST("/shards/{id}/restart", server.handleShardRestart)

	return server
}

func (server *StatusServer) Handler() fasthttp.RequestHandler {
	return server.router.Handler
}

func (server *StatusServer) ListenAndServe(host string) error {
	server.logger.Info().Str("host", host).Msg("Starting status server")

	return fasthttp.ListenAndServe(host, server.Handler())
}

func (server *StatusServer) handleShards(ctx *fasthttp.RequestCtx) {
	shardIDs := server.manager.ShardsInstantiated()
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	statuses := make([]ShardStatus, 0, len(shardIDs))

	for _, shardID := range shardIDs {
		handle, ok := server.manager.Runner(shardID)
		if !ok {
			continue
		}

		latency, hasLatency := handle.Latency()

		statuses = append(statuses, ShardStatus{
			Stage:      handle.Stage().String(),
			LatencyMs:  latency.Milliseconds(),
			ShardID:    int32(shardID),
			HasLatency: hasLatency,
		})
	}

	writeResponse(ctx, fasthttp.StatusOK, RestResponse{Success: true, Response: statuses})
}

func (server *StatusServer) handleShardRestart(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	shardID, err := strconv.ParseInt(id, 10, 32)
	if err != nil {
		writeResponse(ctx, fasthttp.StatusBadRequest, RestResponse{Error: "invalid shard id"})

		return
	}

	if !server.manager.Has(ShardID(shardID)) {
		writeResponse(ctx, fasthttp.StatusNotFound, RestResponse{Error: "shard not found"})

		return
	}

	server.logger.Info().Int64("shard_id", shardID).Msg("Restart requested")

	go server.manager.Restart(ShardID(shardID))

	writeResponse(ctx, fasthttp.StatusAccepted, RestResponse{Success: true})
}

func writeResponse(ctx *fasthttp.RequestCtx, statusCode int, response RestResponse) {
	body, err := jsoniter.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)

		return
	}

	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
