package server

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/perpbridge/internal/domain"
	"github.com/betbot/perpbridge/internal/services"
)

const (
	defaultRetention     = 7 * 24 * time.Hour
	defaultPruneInterval = time.Hour
)

// StatusSource 状态接口读取的数据来源，由 services.Connector 实现
type StatusSource interface {
	StatusDict() map[string]bool
	Ready() bool
	Orders(ctx context.Context) ([]services.OrderView, error)
	Balances() []services.BalanceView
	Positions() []domain.Position
	AllFundingInfo() []services.FundingInfo
	Stats(ctx context.Context) (services.ReconcilerStats, error)
}

type Config struct {
	DBPath string
	// LogFile 连接器日志文件，/api/logs 从这里读尾部
	LogFile string
	// Retention 日志表保留时长，0 使用默认 7 天，负数不清理
	Retention     time.Duration
	PruneInterval time.Duration
	Logger        *logrus.Entry
	Now           func() time.Time
}

// Server 状态 API 与事件日志（同一个 sqlite 库）
type Server struct {
	cfg Config
	db  *sql.DB
	log *logrus.Entry

	mu     sync.RWMutex
	source StatusSource

	bgCancel func()
	bgWG     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "status_api")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir db dir")
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Server{cfg: cfg, db: db, log: cfg.Logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.startBackground()
	return s, nil
}

// Attach 设置状态来源；连接器依赖本服务提供的 Journal，所以创建后再挂上
func (s *Server) Attach(src StatusSource) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

func (s *Server) getSource() StatusSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	api := r.Group("/api")
	api.GET("/status", s.wrap(s.handleStatus))
	api.GET("/orders", s.wrap(s.handleOrders))
	api.GET("/balances", s.wrap(s.handleBalances))
	api.GET("/positions", s.wrap(s.handlePositions))
	api.GET("/funding", s.wrap(s.handleFunding))
	api.GET("/fills", s.wrap(s.handleFills))
	api.GET("/events", s.wrap(s.handleEvents))
	api.GET("/logs", s.wrap(s.handleLogsTail))

	return r
}

// wrap 把 net/http 风格的处理函数适配到 gin
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		h(c.Writer, c.Request)
	}
}

// ListenAndServe 阻塞直到 ctx 结束，然后优雅关闭 HTTP
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("🚀 状态 API 监听: %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "status api")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown status api")
	}
	s.log.Info("🛑 状态 API 已停止")
	return nil
}
