package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Panadero1/ill-of-the-world/internal/logging"
	"github.com/Panadero1/ill-of-the-world/internal/middleware"
	"github.com/Panadero1/ill-of-the-world/internal/server"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// ErrOutOfRange координата или вид вне диапазона байта
var ErrOutOfRange = errors.New("api: value out of range [0,255]")

// maxBatch предел обновлений в одном POST /api/updates
const maxBatch = 4096

// World то, что API нужно от сервера мира
type World interface {
	ReadBlock(p world.Pos) world.Block
	Enqueue(u world.WorldUpdate) error
	Stats() server.Stats
}

// RestServer представляет REST API сервер
type RestServer struct {
	router  *gin.Engine
	world   World
	addr    string
	metrics *ProcessMetrics
	logger  *logging.Logger
	httpSrv *http.Server
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr     string                // адрес для запуска сервера
	World    World                 // сервер мира
	Registry prometheus.Registerer // HTTP-метрики; nil — без метрик
	Gatherer prometheus.Gatherer   // источник для GET /metrics; nil — без маршрута
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Addr == "" {
		config.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// === Observability middleware ===
	router.Use(otelgin.Middleware("rest_api"))
	router.Use(middleware.NewRequestLogger().Handler())
	router.Use(middleware.NewPrometheusMiddleware("ill_api", config.Registry).Handler())
	if config.Gatherer != nil {
		middleware.RegisterMetricsEndpoint(router, config.Gatherer)
	}

	rs := &RestServer{
		router:  router,
		world:   config.World,
		addr:    config.Addr,
		metrics: NewProcessMetrics(),
		logger:  logging.GetAPILogger(),
	}
	rs.setupRoutes()
	return rs
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	api := rs.router.Group("/api")
	{
		api.GET("/blocks/xyz", rs.handleGetBlockXYZ)
		api.GET("/blocks/:chunk/:column/:block", rs.handleGetBlock)
		api.POST("/updates", rs.handlePostUpdates)
		api.GET("/stats", rs.handleStats)
	}

	rs.router.GET("/health", rs.handleHealth)
}

// Handler http.Handler сервера (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// BlockResponse блок и его координаты в обеих формах
type BlockResponse struct {
	Pos    uint32 `json:"pos"`
	Chunk  uint8  `json:"chunk"`
	Column uint8  `json:"column"`
	Block  uint8  `json:"block"`
	X      int    `json:"x"`
	Y      uint8  `json:"y"`
	Z      int    `json:"z"`
	Kind   uint8  `json:"kind"`
	Aux    uint8  `json:"aux"`
}

// UpdateRequest одно обновление: либо chunk/column/block, либо x/y/z
type UpdateRequest struct {
	Chunk  *int `json:"chunk,omitempty"`
	Column *int `json:"column,omitempty"`
	Block  *int `json:"block,omitempty"`
	X      *int `json:"x,omitempty"`
	Y      *int `json:"y,omitempty"`
	Z      *int `json:"z,omitempty"`
	Kind   *int `json:"kind" binding:"required"`
}

// UpdatesRequest тело POST /api/updates
type UpdatesRequest struct {
	Updates []UpdateRequest `json:"updates" binding:"required,min=1,dive"`
}

func byteValue(name string, v int) (uint8, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%w: %s=%d", ErrOutOfRange, name, v)
	}
	return uint8(v), nil
}

// ToUpdate проверяет запрос и переводит его в обновление мира
func (r UpdateRequest) ToUpdate() (world.WorldUpdate, error) {
	kind, err := byteValue("kind", *r.Kind)
	if err != nil {
		return world.WorldUpdate{}, err
	}

	switch {
	case r.Chunk != nil && r.Column != nil && r.Block != nil:
		var grid [3]uint8
		for i, f := range []struct {
			name string
			v    int
		}{{"chunk", *r.Chunk}, {"column", *r.Column}, {"block", *r.Block}} {
			if grid[i], err = byteValue(f.name, f.v); err != nil {
				return world.WorldUpdate{}, err
			}
		}
		return world.NewGridUpdate(grid[0], grid[1], grid[2], kind), nil
	case r.X != nil && r.Y != nil && r.Z != nil:
		y, err := byteValue("y", *r.Y)
		if err != nil {
			return world.WorldUpdate{}, err
		}
		// x и z заворачиваются, любое целое допустимо
		return world.NewXYZUpdate(*r.X, y, *r.Z, kind), nil
	default:
		return world.WorldUpdate{}, errors.New("api: either chunk/column/block or x/y/z is required")
	}
}

func parseByteParam(name, raw string) (uint8, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrOutOfRange, name, raw)
	}
	return uint8(v), nil
}

func (rs *RestServer) blockResponse(p world.Pos) BlockResponse {
	b := rs.world.ReadBlock(p)
	chunk, column, block := p.Decode()
	x, y, z := p.XYZ()
	return BlockResponse{
		Pos: uint32(p), Chunk: chunk, Column: column, Block: block,
		X: x, Y: y, Z: z,
		Kind: b.Kind, Aux: b.Aux,
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, GenericResponse{
		Success: false,
		Message: err.Error(),
	})
}

// handleGetBlock блок по тройке (chunk, column, block)
func (rs *RestServer) handleGetBlock(c *gin.Context) {
	var grid [3]uint8
	for i, name := range []string{"chunk", "column", "block"} {
		v, err := parseByteParam(name, c.Param(name))
		if err != nil {
			badRequest(c, err)
			return
		}
		grid[i] = v
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Блок получен",
		Data:    rs.blockResponse(world.EncodeGrid(grid[0], grid[1], grid[2])),
	})
}

// handleGetBlockXYZ блок по мировым координатам
func (rs *RestServer) handleGetBlockXYZ(c *gin.Context) {
	x, errX := strconv.Atoi(c.Query("x"))
	z, errZ := strconv.Atoi(c.Query("z"))
	if errX != nil || errZ != nil {
		badRequest(c, errors.New("api: x and z must be integers"))
		return
	}
	y, err := parseByteParam("y", c.Query("y"))
	if err != nil {
		badRequest(c, err)
		return
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Блок получен",
		Data:    rs.blockResponse(world.EncodeXYZ(x, y, z)),
	})
}

// handlePostUpdates ставит обновления в очередь ближайшего тика.
// Весь запрос проверяется до постановки: неверное обновление отклоняет пакет целиком.
func (rs *RestServer) handlePostUpdates(c *gin.Context) {
	var req UpdatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Errorf("неверный формат запроса: %w", err))
		return
	}
	if len(req.Updates) > maxBatch {
		badRequest(c, fmt.Errorf("api: at most %d updates per request", maxBatch))
		return
	}

	updates := make([]world.WorldUpdate, 0, len(req.Updates))
	for i, r := range req.Updates {
		u, err := r.ToUpdate()
		if err != nil {
			badRequest(c, fmt.Errorf("updates[%d]: %w", i, err))
			return
		}
		updates = append(updates, u)
	}

	accepted := 0
	for _, u := range updates {
		if err := rs.world.Enqueue(u); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, world.ErrQueueFull) {
				status = http.StatusServiceUnavailable
			}
			rs.logger.Warn("⚠️ Обновления отклонены после %d из %d: %v", accepted, len(updates), err)
			c.JSON(status, GenericResponse{
				Success: false,
				Message: err.Error(),
				Data:    gin.H{"accepted": accepted},
			})
			return
		}
		accepted++
	}

	c.JSON(http.StatusAccepted, GenericResponse{
		Success: true,
		Message: "Обновления поставлены в очередь",
		Data:    gin.H{"accepted": accepted},
	})
}

// handleStats возвращает статистику сервера
func (rs *RestServer) handleStats(c *gin.Context) {
	st := rs.world.Stats()

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data: gin.H{
			"world": gin.H{
				"tick":             st.Tick,
				"state":            st.State,
				"workers":          st.Workers,
				"last_duration_ms": float64(st.LastDuration) / float64(time.Millisecond),
				"last_changed":     st.LastChanged,
				"last_failures":    st.LastFailures,
				"last_applied":     st.LastApplied,
			},
			"queue": gin.H{
				"depth":    st.Queue.Depth,
				"pushed":   st.Queue.Pushed,
				"rejected": st.Queue.Rejected,
				"drained":  st.Queue.Drained,
			},
			"server": rs.metrics.Snapshot(),
		},
	})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Start открывает слушатель и обслуживает запросы в фоне
func (rs *RestServer) Start() error {
	ln, err := net.Listen("tcp", rs.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", rs.addr, err)
	}
	rs.httpSrv = &http.Server{
		Handler:           rs.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := rs.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.logger.Error("❌ REST сервер остановился: %v", err)
		}
	}()
	rs.logger.Info("🌐 REST API на %s", ln.Addr())
	return nil
}

// Stop корректно завершает REST сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	if rs.httpSrv == nil {
		return nil
	}
	return rs.httpSrv.Shutdown(ctx)
}
