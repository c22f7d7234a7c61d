// movebot 位移同步测试客户端：无界面模式下绕圈走动，-tui 模式用终端俯视图手动控制。
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"movesync/client"
	"movesync/protocol"
	"movesync/server"
	"movesync/transport"
)

const frame = 16 * time.Millisecond // ~60 FPS

type options struct {
	host     string
	port     int
	playerID int
	speed    float64
	radius   float64
	duration time.Duration
	tui      bool
	logFile  string
}

func main() {
	var opt options
	flag.StringVar(&opt.host, "host", "127.0.0.1", "server host")
	flag.IntVar(&opt.port, "port", 7777, "server UDP port")
	flag.IntVar(&opt.playerID, "id", 1, "player id")
	flag.Float64Var(&opt.speed, "speed", 5, "move speed")
	flag.Float64Var(&opt.radius, "radius", 3, "circle radius (headless mode)")
	flag.DurationVar(&opt.duration, "duration", 0, "stop after this long, 0 runs until interrupted")
	flag.BoolVar(&opt.tui, "tui", false, "interactive terminal view (WASD to move, space to jump, q to quit)")
	flag.StringVar(&opt.logFile, "log", "movebot.log", "log file")
	flag.Parse()

	// TUI 模式占用终端，日志只写文件
	log, err := server.NewLogger(server.LogConfig{File: opt.logFile, Level: "info", Stdout: !opt.tui})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	c := client.NewClient(client.DefaultConfig(), log)
	c.AddObserver(&logObserver{log: log.Named("bot")})
	if err := c.Connect(opt.host, opt.port, int32(opt.playerID)); err != nil {
		log.Errorw("连接失败", "err", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	if opt.tui {
		err = runTUI(c, opt)
	} else {
		err = runHeadless(c, opt, log)
	}
	if err != nil {
		log.Errorw("movebot 退出", "err", err)
		os.Exit(1)
	}
}

// runHeadless 以给定半径绕圈，直到收到信号或超时
func runHeadless(c *client.Client, opt options, log *zap.SugaredLogger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	var deadline <-chan time.Time
	if opt.duration > 0 {
		deadline = time.After(opt.duration)
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	dt := float32(frame.Seconds())
	angularSpeed := opt.speed / math.Max(opt.radius, 0.1)
	var theta float64
	for {
		select {
		case <-sig:
			return nil
		case <-deadline:
			return nil
		case <-report.C:
			b := c.LocalBody()
			log.Infow("状态", "joined", c.Joined(), "seq", c.InputSequence(), "tick", c.LastServerTick(),
				"rtt", c.RTT(), "x", b.Position.X, "z", b.Position.Z, "remotes", len(c.RemotePlayerIDs()),
				"corrections", c.Corrections())
		case <-ticker.C:
			c.Tick()
			if !c.Joined() {
				continue
			}
			theta += angularSpeed * frame.Seconds()
			// 切线方向
			dir := protocol.Vec3{X: float32(-math.Sin(theta)), Z: float32(math.Cos(theta))}
			yaw := float32(math.Atan2(float64(dir.X), float64(dir.Z)))
			speed := float32(opt.speed)
			c.Predict(dir, speed, false, yaw, dt)
			if _, err := c.SendMovementInput(dir, speed, false, yaw); err != nil {
				log.Warnw("发送输入失败", "err", err)
			}
		}
	}
}

// logObserver 把客户端事件写到日志
type logObserver struct {
	log *zap.SugaredLogger
}

func (o *logObserver) OnConnected()    { o.log.Infow("已连接") }
func (o *logObserver) OnDisconnected() { o.log.Infow("已断开") }
func (o *logObserver) OnJoinConfirmed(playerID int32, serverTick uint32) {
	o.log.Infow("加入确认", "player", playerID, "tick", serverTick)
}
func (o *logObserver) OnWorldSnapshot(s protocol.WorldSnapshot) {
	o.log.Debugw("快照", "tick", s.ServerTick, "players", len(s.Players))
}
func (o *logObserver) OnPlayerLeft(playerID int32) { o.log.Infow("玩家离开", "player", playerID) }
func (o *logObserver) OnError(code transport.ErrorCode, err error) {
	o.log.Warnw("传输错误", "code", code.String(), "err", err)
}
