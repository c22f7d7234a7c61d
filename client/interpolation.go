package client

import "movesync/protocol"

// ExtrapolationLimit 超过最新快照后最多外推的时间（秒）
const ExtrapolationLimit = 0.2

// Snapshot 一个远程玩家在某个本地接收时刻的权威状态
type Snapshot struct {
	Timestamp  float64 // 本地接收时间（秒）
	ServerTick uint32
	Position   protocol.Vec3
	Rotation   protocol.Quat
	Velocity   protocol.Vec3
	Grounded   bool
}

// Pose 插值后的显示状态
type Pose struct {
	Position protocol.Vec3
	Rotation protocol.Quat
	Velocity protocol.Vec3
	Grounded bool
}

func (s Snapshot) pose() Pose {
	return Pose{Position: s.Position, Rotation: s.Rotation, Velocity: s.Velocity, Grounded: s.Grounded}
}

// Interpolator 快照插值器。
// 渲染时取 now - delay 作为目标时间，在前后两个快照之间插值，
// 这样网络抖动被延迟吸收，远程玩家的移动是平滑的。
type Interpolator struct {
	delay float64
	size  int
	buf   []Snapshot
	cur   Pose
}

func NewInterpolator(delay float64, size int) *Interpolator {
	if size < 1 {
		size = 1
	}
	return &Interpolator{
		delay: delay,
		size:  size,
		buf:   make([]Snapshot, 0, size),
		cur:   Pose{Rotation: protocol.IdentityQuat},
	}
}

// AddSnapshot 按到达顺序追加，超出容量时丢弃最旧的
func (ip *Interpolator) AddSnapshot(s Snapshot) {
	if len(ip.buf) == ip.size {
		copy(ip.buf, ip.buf[1:])
		ip.buf = ip.buf[:len(ip.buf)-1]
	}
	ip.buf = append(ip.buf, s)
}

// Update 计算 now 时刻应显示的状态，缓冲区为空时保持上一次结果
func (ip *Interpolator) Update(now float64) Pose {
	if len(ip.buf) == 0 {
		return ip.cur
	}
	renderTime := now - ip.delay

	first := ip.buf[0]
	if renderTime <= first.Timestamp {
		ip.cur = first.pose()
		return ip.cur
	}

	for i := 0; i+1 < len(ip.buf); i++ {
		from, to := ip.buf[i], ip.buf[i+1]
		if from.Timestamp <= renderTime && renderTime <= to.Timestamp {
			ip.cur = lerp(from, to, renderTime)
			return ip.cur
		}
	}

	// 目标时间在所有快照之后：有限外推
	latest := ip.buf[len(ip.buf)-1]
	ip.cur = latest.pose()
	if dt := renderTime - latest.Timestamp; dt < ExtrapolationLimit {
		ip.cur.Position = latest.Position.Add(latest.Velocity.Scale(float32(dt)))
	}
	return ip.cur
}

func lerp(from, to Snapshot, renderTime float64) Pose {
	var t float32
	if d := to.Timestamp - from.Timestamp; d > 0 {
		t = float32((renderTime - from.Timestamp) / d)
	}
	t = min(max(t, 0), 1)

	p := Pose{
		Position: protocol.LerpVec3(from.Position, to.Position, t),
		Rotation: protocol.Slerp(from.Rotation, to.Rotation, t),
		Velocity: protocol.LerpVec3(from.Velocity, to.Velocity, t),
		Grounded: to.Grounded,
	}
	if t < 0.5 {
		p.Grounded = from.Grounded
	}
	return p
}

// Current 最近一次 Update 的结果
func (ip *Interpolator) Current() Pose { return ip.cur }

func (ip *Interpolator) Len() int { return len(ip.buf) }

func (ip *Interpolator) Clear() { ip.buf = ip.buf[:0] }
