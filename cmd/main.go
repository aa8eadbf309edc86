package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/api"
	"github.com/haolipeng/diag_collect_engine/pkg/config"
	"github.com/haolipeng/diag_collect_engine/pkg/engine"
)

func InitLogger(cfg *config.Config) error {
	// 使用配置文件中的设置
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	logrus.SetFormatter(formatter)

	var level logrus.Level
	var err error
	var logWriter *rotates.RotateLogs

	switch cfg.Log.Level {
	case "DEBUG":
		level = logrus.DebugLevel
	case "WARN":
		level = logrus.WarnLevel
	case "INFO":
		level = logrus.InfoLevel
	case "ERROR":
		level = logrus.ErrorLevel
	case "FATAL":
		level = logrus.FatalLevel
	case "PANIC":
		level = logrus.PanicLevel
	default:
		level = logrus.InfoLevel //默认
	}

	//1、判断文件路径和文件是否存在，不存在则创建
	if _, err := os.Stat(cfg.Log.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
			return err
		}
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	//2、判断是否设置日志级别
	if level < logrus.PanicLevel || level > logrus.TraceLevel {
		logrus.Errorln("init log failed,level not supported!")
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetLevel(level)
	}

	maxAge := time.Duration(cfg.Log.MaxAge) * time.Hour
	rotateTime := time.Duration(cfg.Log.RotateTime) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if rotateTime <= 0 {
		rotateTime = time.Hour
	}

	//3、日志切割功能，按时间来切割
	if runtime.GOOS == "windows" {
		logWriter, err = rotates.New(
			logFileName+".%Y%m%d%H%M",
			rotates.WithMaxAge(maxAge),        //文件最大保存时间
			rotates.WithRotationTime(rotateTime), //文件切割间隔
		)
	} else {
		logWriter, err = rotates.New(
			logFileName+".%Y%m%d%H%M",
			rotates.WithLinkName(logFileName), //文件软链接
			rotates.WithMaxAge(maxAge),        //文件最大保存时间
			rotates.WithRotationTime(rotateTime), //文件切割间隔
		)
	}

	if err != nil {
		return err
	}

	//创建 local file system hook
	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})

	logrus.AddHook(lfHook)
	return nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := InitLogger(cfg); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logrus.Info("Starting diagnostic collection engine...")

	// 创建context用于控制生命周期
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建并启动引擎
	eng, err := engine.NewEngine(cfg)
	if err != nil {
		logrus.Fatalf("Failed to create engine: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start engine: %v", err)
	}

	// 创建HTTP服务器并注册服务
	server := api.NewServer(cfg)
	server.RegisterStatusService(api.NewStatusService(eng))
	server.RegisterRuleService(api.NewRuleService(eng))

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("API server stopped: %v", err)
		}
	}()

	logrus.Info("Engine started successfully")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.Infof("Received signal %v, shutting down...", sig)

	// 优雅退出
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logrus.Errorf("Error stopping API server: %v", err)
	}

	if err := eng.Stop(); err != nil {
		logrus.Errorf("Error stopping engine: %v", err)
	}

	logrus.Info("Shutdown complete")
}
