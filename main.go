package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"movesync/server"
)

// movesync 入口：启动 UDP 位移同步服务，以及管理/观战 HTTP 接口
func main() {
	var (
		configPath string
		port       int
		admin      string
		logFile    string
		stdout     bool
	)
	flag.StringVar(&configPath, "config", "", "JSON config file (optional)")
	flag.IntVar(&port, "port", -1, "UDP listen port, overrides config")
	flag.StringVar(&admin, "admin", "", "admin HTTP address, e.g. :8080; overrides config")
	flag.StringVar(&logFile, "log", "", "log file, overrides config")
	flag.BoolVar(&stdout, "stdout", false, "also log to stdout")
	flag.Parse()

	cfg, warnings, err := server.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// 命令行参数优先级最高
	if port >= 0 {
		cfg.Port = port
	}
	if admin != "" {
		cfg.AdminAddr = admin
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	cfg.Log.Stdout = cfg.Log.Stdout || stdout

	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	for _, w := range warnings {
		log.Warn(w)
	}

	room := server.NewRoom(cfg, log)
	hub := server.NewSpectatorHub(log)
	room.AddObserver(hub)
	if err := room.Start(); err != nil {
		log.Errorw("启动失败", "err", err)
		return
	}

	var srv *http.Server
	if cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		server.NewAdmin(room, log).Routes(mux, hub)
		srv = &http.Server{Addr: cfg.AdminAddr, Handler: mux}
		go func() {
			log.Infof("movesync admin listening on %s; udp on %v", cfg.AdminAddr, room.LocalAddr())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("admin listen", "err", err)
			}
		}()
	}

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	var shutdownErr error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		shutdownErr = multierr.Append(shutdownErr, srv.Shutdown(ctx))
		cancel()
	}
	shutdownErr = multierr.Append(shutdownErr, room.Stop())
	hub.Close()
	if shutdownErr != nil {
		log.Errorw("关闭时出错", "err", shutdownErr)
	}
}
