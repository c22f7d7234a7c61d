package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"movesync/client"
	"movesync/protocol"
)

// 终端没有按键抬起事件，按下后保持一小段时间视为持续按住
const keyHold = 150 * time.Millisecond

// cellsPerUnit 俯视图缩放：1 个世界单位占的列数（字符高约为宽的两倍）
const cellsPerUnit = 2

type tuiState struct {
	screen  tcell.Screen
	held    map[rune]time.Time
	jump    bool
	quit    bool
	lastYaw float32
}

func runTUI(c *client.Client, opt options) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	st := &tuiState{screen: screen, held: make(map[rune]time.Time)}
	events := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			events <- ev
		}
	}()

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if opt.duration > 0 {
		deadline = time.After(opt.duration)
	}
	dt := float32(frame.Seconds())

	for !st.quit {
		select {
		case ev := <-events:
			st.handleEvent(ev)
		case <-deadline:
			return nil
		case now := <-ticker.C:
			c.Tick()
			dir := st.direction(now)
			speed := float32(opt.speed)
			if dir == (protocol.Vec3{}) {
				speed = 0
			} else {
				st.lastYaw = float32(math.Atan2(float64(dir.X), float64(dir.Z)))
			}
			if c.Joined() {
				c.Predict(dir, speed, st.jump, st.lastYaw, dt)
				if sent, _ := c.SendMovementInput(dir, speed, st.jump, st.lastYaw); sent {
					st.jump = false
				}
			}
			st.draw(c)
		}
	}
	return nil
}

func (st *tuiState) handleEvent(ev tcell.Event) {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC {
			st.quit = true
			return
		}
		if ev.Key() != tcell.KeyRune {
			return
		}
		switch r := ev.Rune(); r {
		case 'q', 'Q':
			st.quit = true
		case ' ':
			st.jump = true
		case 'w', 'a', 's', 'd', 'W', 'A', 'S', 'D':
			st.held[r|0x20] = time.Now()
		}
	case *tcell.EventResize:
		st.screen.Sync()
	}
}

// direction 由仍在保持期内的 WASD 合成的归一化方向（W 为 +Z）
func (st *tuiState) direction(now time.Time) protocol.Vec3 {
	var d protocol.Vec3
	for r, at := range st.held {
		if now.Sub(at) > keyHold {
			delete(st.held, r)
			continue
		}
		switch r {
		case 'w':
			d.Z++
		case 's':
			d.Z--
		case 'a':
			d.X--
		case 'd':
			d.X++
		}
	}
	if l := d.Len(); l > 0 {
		d = d.Scale(1 / l)
	}
	return d
}

func (st *tuiState) draw(c *client.Client) {
	s := st.screen
	s.Clear()
	w, h := s.Size()

	status := strings.Split(strings.TrimRight(c.DebugSummary(), "\n"), "\n")
	top := len(status) + 1
	for i, line := range status {
		drawText(s, 0, i, line, tcell.StyleDefault.Foreground(tcell.ColorYellow))
	}
	drawText(s, 0, h-1, "WASD 移动  空格 跳跃  q 退出", tcell.StyleDefault.Foreground(tcell.ColorGray))

	// 以本地玩家为中心，+Z 朝上
	local := c.LocalBody().Position
	cx, cy := w/2, top+(h-1-top)/2
	project := func(p protocol.Vec3) (int, int) {
		x := cx + int(math.Round(float64(p.X-local.X)*cellsPerUnit))
		y := cy - int(math.Round(float64(p.Z-local.Z)))
		return x, y
	}
	inView := func(x, y int) bool { return x >= 0 && x < w && y >= top && y < h-1 }

	grid := tcell.StyleDefault.Foreground(tcell.ColorDarkGray)
	for y := top; y < h-1; y++ {
		for x := 0; x < w; x++ {
			wx := float64(x-cx)/cellsPerUnit + float64(local.X)
			wz := float64(cy-y) + float64(local.Z)
			if math.Mod(math.Abs(wx), 5) < 0.5/cellsPerUnit && math.Mod(math.Abs(wz), 5) < 0.5 {
				s.SetContent(x, y, '·', nil, grid)
			}
		}
	}

	if snap, ok := c.LatestLocalSnapshot(); ok {
		if x, y := project(snap.Position); inView(x, y) {
			s.SetContent(x, y, '+', nil, tcell.StyleDefault.Foreground(tcell.ColorBlue))
		}
	}
	for _, id := range c.RemotePlayerIDs() {
		pose, _ := c.RemotePose(id)
		x, y := project(pose.Position)
		if !inView(x, y) {
			continue
		}
		ch := 'o'
		if !pose.Grounded {
			ch = 'O'
		}
		s.SetContent(x, y, ch, nil, tcell.StyleDefault.Foreground(tcell.ColorGreen))
		drawText(s, x+1, y, fmt.Sprint(id), tcell.StyleDefault.Foreground(tcell.ColorGreen))
	}

	me := '@'
	if !c.LocalBody().Grounded {
		me = '^'
	}
	s.SetContent(cx, cy, me, nil, tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true))
	s.Show()
}

// drawText 宽字符（中文）占两列
func drawText(s tcell.Screen, x, y int, text string, style tcell.Style) {
	for _, r := range text {
		s.SetContent(x, y, r, nil, style)
		x += runewidth.RuneWidth(r)
	}
}
