package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpbridge/internal/controlplane/server"
	"github.com/betbot/perpbridge/internal/events"
	"github.com/betbot/perpbridge/internal/infrastructure/websocket"
	"github.com/betbot/perpbridge/internal/metrics"
	"github.com/betbot/perpbridge/internal/ports"
	"github.com/betbot/perpbridge/internal/risk"
	"github.com/betbot/perpbridge/internal/services"
	"github.com/betbot/perpbridge/pkg/config"
	"github.com/betbot/perpbridge/pkg/instruments"
	"github.com/betbot/perpbridge/pkg/logger"
	"github.com/betbot/perpbridge/pkg/persistence"
	"github.com/betbot/perpbridge/pkg/sdk/api"
	sdkhttp "github.com/betbot/perpbridge/pkg/sdk/http"
	"github.com/betbot/perpbridge/pkg/secretstore"
	"github.com/betbot/perpbridge/pkg/shutdown"
	"github.com/betbot/perpbridge/pkg/signing"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env", ".env", ".env 文件路径（不存在则忽略）")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fatal(err)
	}
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fatal(err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fatal(fmt.Errorf("初始化日志失败: %w", err))
	}
	log := logger.WithField("component", "main")

	if err := loadSecrets(cfg); err != nil {
		log.Errorf("读取密钥存储失败: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("配置无效: %v", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()
	sm := shutdown.NewManager()

	if cfg.MetricsListen != "" {
		if dbg, err := metrics.StartAsync(rootCtx, cfg.MetricsListen); err != nil {
			log.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			log.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", dbg.Addr())
		}
	}

	// 事件日志 + 状态 API
	statusSrv, err := server.New(server.Config{
		DBPath:    cfg.Journal.DBPath,
		LogFile:   cfg.Log.File,
		Retention: cfg.Journal.Retention,
		Logger:    logger.WithField("component", "status_api"),
	})
	if err != nil {
		log.Errorf("打开事件日志失败: %v", err)
		os.Exit(1)
	}
	sm.OnShutdown("journal", func(context.Context) error { return statusSrv.Close() })
	sink := statusSrv.Journal(eventLogger(logger.WithField("component", "events")))

	states, closeStates, err := openStateStore(cfg)
	if err != nil {
		log.Errorf("打开快照存储失败: %v", err)
		os.Exit(1)
	}
	sm.OnShutdown("state_store", func(context.Context) error { return closeStates() })

	var creds *signing.Credentials
	var headers sdkhttp.HeaderProvider
	if cfg.Exchange.APISecret != "" {
		signer, err := signing.NewSigner(cfg.Exchange.APISecret)
		if err != nil {
			log.Errorf("API secret 无效: %v", err)
			os.Exit(1)
		}
		creds = signing.NewCredentials(cfg.Exchange.AccountID, cfg.Exchange.APIKey, signer)
		headers = creds.Headers
	}

	client := api.NewClient(api.Options{
		BaseURL: cfg.RESTBaseURL(),
		Timeout: cfg.APITimeout,
		Headers: headers,
	})
	registry := instruments.NewRegistry()

	conn := services.NewConnector(services.ConnectorConfig{
		Exchange:     client,
		Instruments:  registry,
		Credentials:  creds,
		TradingPairs: cfg.TradingPairs,
		Leverage:     cfg.Leverage,
		PollInterval: cfg.PollInterval,
		Fees: services.FeeRates{
			Maker: decimal.NewFromFloat(cfg.Fees.MakerPercent).Div(decimal.NewFromInt(100)),
			Taker: decimal.NewFromFloat(cfg.Fees.TakerPercent).Div(decimal.NewFromInt(100)),
		},
		TradingRequired:  cfg.TradingRequired,
		DryRun:           cfg.DryRun,
		Sink:             sink,
		States:           states,
		CancelAllTimeout: cfg.CancelAllTimeout,
		Breaker: risk.CircuitBreakerConfig{
			MaxConsecutiveErrors: int64(cfg.Breaker.MaxConsecutiveErrors),
			Cooldown:             cfg.Breaker.Cooldown,
		},
		Logger: logger.WithField("component", "connector"),
	})
	if err := conn.Start(rootCtx); err != nil {
		log.Errorf("启动连接器失败: %v", err)
		os.Exit(1)
	}
	sm.OnShutdown("connector", conn.Stop)
	statusSrv.Attach(conn)
	metrics.Publish("connector_ready", func() any { return conn.Ready() })
	metrics.Publish("trading_halted", func() any { return conn.TradingHalted() })

	if cfg.StatusListen != "" {
		go func() {
			if err := statusSrv.ListenAndServe(rootCtx, cfg.StatusListen); err != nil {
				log.Errorf("状态 API 退出: %v", err)
			}
		}()
	}

	socketURL, err := websocket.SocketURL(cfg.SocketBaseURL())
	if err != nil {
		log.Errorf("socket 地址无效: %v", err)
		os.Exit(1)
	}
	market := websocket.NewMarketStream(websocket.StreamConfig{
		URL:      socketURL,
		ProxyURL: cfg.Exchange.ProxyURL,
		Logger:   logger.WithField("component", "market_stream"),
	}, conn.HandleMarketEvent)
	go func() { _ = market.Run(rootCtx) }()

	if creds != nil {
		user := websocket.NewUserStream(websocket.StreamConfig{
			URL:      socketURL,
			ProxyURL: cfg.Exchange.ProxyURL,
			Logger:   logger.WithField("component", "user_stream"),
		}, creds, conn.HandleUserEvent)
		go func() { _ = user.Run(rootCtx) }()
	} else {
		log.Warn("未配置 API secret，只订阅行情")
	}

	log.Info("✅ 连接器已启动，按 Ctrl+C 停止")
	<-rootCtx.Done()
	log.Info("收到停止信号，正在关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if cfg.TradingRequired && creds != nil && !cfg.DryRun {
		results, err := conn.CancelAll(shutdownCtx, cfg.CancelAllTimeout)
		if err != nil {
			log.Warnf("退出前撤单失败: %v", err)
		}
		for _, r := range results {
			if !r.Success {
				log.Warnf("订单未确认撤销: %s", r.OrderID)
			}
		}
	}
	sm.Shutdown(shutdownCtx)
	log.Info("🛑 连接器已退出")
}

// loadSecrets api_secret 未配置时从 Badger 密钥存储补齐
func loadSecrets(cfg *config.Config) error {
	if cfg.Exchange.APISecret != "" || cfg.Secrets.BadgerPath == "" {
		return nil
	}
	key, err := secretstore.ParseKey(cfg.Secrets.Key)
	if err != nil {
		return err
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Secrets.BadgerPath, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return err
	}
	defer ss.Close()
	return cfg.FillSecrets(ss)
}

// openStateStore 在途订单快照：json 文件或 Badger
func openStateStore(cfg *config.Config) (persistence.Store, func() error, error) {
	switch cfg.Persistence.Kind {
	case "badger":
		key, err := secretstore.ParseKey(cfg.Secrets.Key)
		if err != nil {
			return nil, nil, err
		}
		svc, err := persistence.OpenBadger(filepath.Join(cfg.Persistence.Dir, "state.badger"), key)
		if err != nil {
			return nil, nil, err
		}
		return svc.NewStore("state", "perp", "tracking_states"), svc.Close, nil
	default:
		svc := persistence.NewJSONFileService(cfg.Persistence.Dir)
		return svc.NewStore("state", "perp", "tracking_states"), func() error { return nil }, nil
	}
}

// eventLogger 把宿主事件写进日志
func eventLogger(log *logrus.Entry) ports.EventSink {
	return ports.EventSinkFunc(func(ev events.Event) {
		switch e := ev.(type) {
		case events.OrderFilledEvent:
			log.Infof("📝 成交: order=%s %s %s@%s fee=%s %s", e.OrderID, e.Side, e.Amount, e.Price, e.Fee, e.FeeAsset)
		case events.OrderFailedEvent:
			log.Warnf("❌ 订单失败: order=%s reason=%s", e.OrderID, e.Reason)
		case events.FundingInfoUpdatedEvent:
			log.Debugf("资金费率: %s rate=%s next=%d", e.TradingPair, e.Rate, e.NextFundingTime)
		default:
			log.Infof("📝 %s: order=%s", ev.EventKind(), ev.EventOrderID())
		}
	})
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
