// Package kcp 实现 KCP 风格的 ARQ 可靠传输控制块。
//
// 只处理字节缓冲：上层通过 Input 喂入收到的原始数据，
// 通过 output 回调拿到要发出的数据报，不感知 socket。
// 控制块不加锁，必须由同一个 goroutine 驱动。
package kcp

import (
	"encoding/binary"
	"errors"
)

const (
	RTONoDelay = 30 // nodelay 模式的最小 RTO
	RTOMin     = 100
	RTODefault = 200
	RTOMax     = 60000

	cmdPush = 81 // 数据
	cmdAck  = 82 // 确认
	cmdWask = 83 // 窗口探测（询问）
	cmdWins = 84 // 窗口探测（告知）

	askSend = 1
	askTell = 2

	WndSnd     = 32
	WndRcv     = 128 // 必须 >= 最大分片数
	MTUDefault = 1200
	Interval   = 100
	Overhead   = 24 // 段头大小
	DeadLink   = 20
	FragMax    = 255

	threshInit = 2
	threshMin  = 2
	probeInit  = 7000   // 7 秒后探测窗口
	probeLimit = 120000 // 探测间隔上限 120 秒
	fastackLim = 5
)

var le = binary.LittleEndian

var (
	ErrEmptyPayload     = errors.New("kcp: empty payload")
	ErrTooManyFragments = errors.New("kcp: payload needs too many fragments")
	ErrShortSegment     = errors.New("kcp: input shorter than segment header")
	ErrConvMismatch     = errors.New("kcp: conversation id mismatch")
	ErrTruncatedSegment = errors.New("kcp: segment data truncated")
	ErrUnknownCommand   = errors.New("kcp: unknown segment command")
	ErrNoData           = errors.New("kcp: no message available")
	ErrIncomplete       = errors.New("kcp: message fragments incomplete")
	ErrInvalidMTU       = errors.New("kcp: invalid mtu")
)

type segment struct {
	conv     uint32
	cmd      uint8
	frg      uint8
	wnd      uint16
	ts       uint32
	sn       uint32
	una      uint32
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
	data     []byte
}

func (s *segment) encode(buf []byte) int {
	le.PutUint32(buf[0:], s.conv)
	buf[4] = s.cmd
	buf[5] = s.frg
	le.PutUint16(buf[6:], s.wnd)
	le.PutUint32(buf[8:], s.ts)
	le.PutUint32(buf[12:], s.sn)
	le.PutUint32(buf[16:], s.una)
	le.PutUint32(buf[20:], uint32(len(s.data)))
	return Overhead
}

// OutputFunc 接收要发出的原始数据报，buf 只在回调期间有效
type OutputFunc func(buf []byte)

// KCP 单个会话的控制块
type KCP struct {
	conv, mtu, mss      uint32
	sndUna, sndNxt      uint32
	rcvNxt              uint32
	ssthresh            uint32
	rxRttval, rxSrtt    int32
	rxRto, rxMinRto     int32
	sndWnd, rcvWnd      uint32
	rmtWnd, cwnd        uint32
	probe               uint32
	current, interval   uint32
	tsFlush             uint32
	nodelay             bool
	updated             bool
	tsProbe, probeWait  uint32
	deadLink            uint32
	incr                uint32
	fastresend          int
	fastlimit           int
	nocwnd              bool
	dead                bool
	sndQueue, sndBuf    []*segment
	rcvQueue, rcvBuf    []*segment
	ackList             []uint32 // (sn, ts) 成对存放
	buffer              []byte
	output              OutputFunc

	retransmits uint64
	dropOld     uint64
	dropAhead   uint64
}

// New 创建控制块；两端的 conv 必须一致
func New(conv uint32, output OutputFunc) *KCP {
	return &KCP{
		conv:      conv,
		sndWnd:    WndSnd,
		rcvWnd:    WndRcv,
		rmtWnd:    WndRcv,
		mtu:       MTUDefault,
		mss:       MTUDefault - Overhead,
		buffer:    make([]byte, (MTUDefault+Overhead)*3),
		rxRto:     RTODefault,
		rxMinRto:  RTOMin,
		interval:  Interval,
		tsFlush:   Interval,
		ssthresh:  threshInit,
		fastlimit: fastackLim,
		deadLink:  DeadLink,
		cwnd:      1,
		output:    output,
	}
}

// NoDelay 配置低延迟模式。
// interval 会被限制在 [10, 5000] 毫秒；fastResend 为触发快速重传的跳过次数，0 关闭；
// noCwnd 为 true 时关闭拥塞窗口。
func (k *KCP) NoDelay(nodelay bool, interval uint32, fastResend int, noCwnd bool) {
	k.nodelay = nodelay
	if nodelay {
		k.rxMinRto = RTONoDelay
	} else {
		k.rxMinRto = RTOMin
	}
	if interval > 5000 {
		interval = 5000
	} else if interval < 10 {
		interval = 10
	}
	k.interval = interval
	if fastResend >= 0 {
		k.fastresend = fastResend
	}
	k.nocwnd = noCwnd
}

// SetWindowSize 设置收发窗口；接收窗口不小于 WndRcv
func (k *KCP) SetWindowSize(sndWnd, rcvWnd uint32) {
	if sndWnd > 0 {
		k.sndWnd = sndWnd
	}
	if rcvWnd > 0 {
		k.rcvWnd = max(rcvWnd, WndRcv)
	}
}

// SetMTU 设置输出数据报的最大字节数
func (k *KCP) SetMTU(mtu uint32) error {
	if mtu < 50 || mtu < Overhead {
		return ErrInvalidMTU
	}
	k.buffer = make([]byte, (mtu+Overhead)*3)
	k.mtu = mtu
	k.mss = mtu - Overhead
	return nil
}

// SetDeadLink 设置判定断链的重传次数
func (k *KCP) SetDeadLink(n uint32) { k.deadLink = n }

func (k *KCP) MTU() uint32      { return k.mtu }
func (k *KCP) MSS() uint32      { return k.mss }
func (k *KCP) Interval() uint32 { return k.interval }
func (k *KCP) SendWindow() uint32 {
	return k.sndWnd
}
func (k *KCP) ReceiveWindow() uint32 { return k.rcvWnd }

// Dead 有段的重传次数达到 deadLink 后为 true
func (k *KCP) Dead() bool { return k.dead }

func (k *KCP) SendQueueLen() int    { return len(k.sndQueue) }
func (k *KCP) SendBufferLen() int   { return len(k.sndBuf) }
func (k *KCP) ReceiveQueueLen() int { return len(k.rcvQueue) }
func (k *KCP) ReceiveBufferLen() int {
	return len(k.rcvBuf)
}

// WaitSnd 尚未被确认的段数
func (k *KCP) WaitSnd() int { return len(k.sndBuf) + len(k.sndQueue) }

// ClearSendQueue 丢弃尚未进入发送窗口的数据
func (k *KCP) ClearSendQueue() { k.sndQueue = nil }

// Stats 诊断信息
type Stats struct {
	SndUna, SndNxt, RcvNxt uint32
	RmtWnd, Cwnd           uint32
	SRTT, RTO              int32
	Retransmits            uint64
	DropOld, DropAhead     uint64
}

func (k *KCP) Stats() Stats {
	return Stats{
		SndUna:      k.sndUna,
		SndNxt:      k.sndNxt,
		RcvNxt:      k.rcvNxt,
		RmtWnd:      k.rmtWnd,
		Cwnd:        k.cwnd,
		SRTT:        k.rxSrtt,
		RTO:         k.rxRto,
		Retransmits: k.retransmits,
		DropOld:     k.dropOld,
		DropAhead:   k.dropAhead,
	}
}

// Send 把一条消息放入发送队列，必要时分片
func (k *KCP) Send(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	count := 1
	if len(data) > int(k.mss) {
		count = (len(data) + int(k.mss) - 1) / int(k.mss)
	}
	if count > FragMax || count >= int(k.rcvWnd) {
		return ErrTooManyFragments
	}
	for i := 0; i < count; i++ {
		size := min(len(data), int(k.mss))
		seg := &segment{data: make([]byte, size)}
		copy(seg.data, data[:size])
		seg.frg = uint8(count - i - 1)
		k.sndQueue = append(k.sndQueue, seg)
		data = data[size:]
	}
	return nil
}

// PeekSize 下一条完整消息的大小；没有完整消息时返回 -1
func (k *KCP) PeekSize() int {
	if len(k.rcvQueue) == 0 {
		return -1
	}
	seg := k.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(k.rcvQueue) < int(seg.frg)+1 {
		return -1
	}
	length := 0
	for _, s := range k.rcvQueue {
		length += len(s.data)
		if s.frg == 0 {
			break
		}
	}
	return length
}

// Recv 取出下一条按序、已重组的消息
func (k *KCP) Recv() ([]byte, error) {
	if len(k.rcvQueue) == 0 {
		return nil, ErrNoData
	}
	size := k.PeekSize()
	if size < 0 {
		return nil, ErrIncomplete
	}

	full := len(k.rcvQueue) >= int(k.rcvWnd)

	msg := make([]byte, 0, size)
	n := 0
	for _, seg := range k.rcvQueue {
		msg = append(msg, seg.data...)
		n++
		if seg.frg == 0 {
			break
		}
	}
	k.rcvQueue = k.rcvQueue[n:]

	k.moveToRcvQueue()

	// 接收窗口从满变为非满，主动告知对端
	if full && len(k.rcvQueue) < int(k.rcvWnd) {
		k.probe |= askTell
	}
	return msg, nil
}

func (k *KCP) moveToRcvQueue() {
	for len(k.rcvBuf) > 0 {
		seg := k.rcvBuf[0]
		if seg.sn != k.rcvNxt || len(k.rcvQueue) >= int(k.rcvWnd) {
			break
		}
		k.rcvBuf = k.rcvBuf[1:]
		k.rcvQueue = append(k.rcvQueue, seg)
		k.rcvNxt++
	}
}

func (k *KCP) updateAck(rtt int32) {
	if k.rxSrtt == 0 {
		k.rxSrtt = rtt
		k.rxRttval = rtt / 2
	} else {
		delta := rtt - k.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		k.rxRttval = (3*k.rxRttval + delta) / 4
		k.rxSrtt = (7*k.rxSrtt + rtt) / 8
		if k.rxSrtt < 1 {
			k.rxSrtt = 1
		}
	}
	rto := k.rxSrtt + max(int32(k.interval), 4*k.rxRttval)
	k.rxRto = min(max(k.rxMinRto, rto), RTOMax)
}

func (k *KCP) shrinkBuf() {
	if len(k.sndBuf) > 0 {
		k.sndUna = k.sndBuf[0].sn
	} else {
		k.sndUna = k.sndNxt
	}
}

func (k *KCP) parseAck(sn uint32) {
	if timediff(sn, k.sndUna) < 0 || timediff(sn, k.sndNxt) >= 0 {
		return
	}
	for i, seg := range k.sndBuf {
		if sn == seg.sn {
			k.sndBuf = append(k.sndBuf[:i], k.sndBuf[i+1:]...)
			break
		}
		if timediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (k *KCP) parseUna(una uint32) {
	n := 0
	for _, seg := range k.sndBuf {
		if timediff(una, seg.sn) <= 0 {
			break
		}
		n++
	}
	if n > 0 {
		k.sndBuf = k.sndBuf[n:]
	}
}

func (k *KCP) parseFastack(sn uint32) {
	if timediff(sn, k.sndUna) < 0 || timediff(sn, k.sndNxt) >= 0 {
		return
	}
	for _, seg := range k.sndBuf {
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

func (k *KCP) parseData(newseg *segment) {
	sn := newseg.sn
	if timediff(sn, k.rcvNxt+k.rcvWnd) >= 0 || timediff(sn, k.rcvNxt) < 0 {
		return
	}

	insert := 0
	repeat := false
	for i := len(k.rcvBuf) - 1; i >= 0; i-- {
		seg := k.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timediff(sn, seg.sn) > 0 {
			insert = i + 1
			break
		}
	}
	if repeat {
		k.dropOld++
		return
	}
	k.rcvBuf = append(k.rcvBuf, nil)
	copy(k.rcvBuf[insert+1:], k.rcvBuf[insert:])
	k.rcvBuf[insert] = newseg

	k.moveToRcvQueue()
}

// Input 处理从网络收到的原始数据，可能包含多个首尾相接的段
func (k *KCP) Input(data []byte) error {
	prevUna := k.sndUna
	if len(data) < Overhead {
		return ErrShortSegment
	}

	var maxAck uint32
	flag := false

	for len(data) >= Overhead {
		conv := le.Uint32(data[0:])
		if conv != k.conv {
			return ErrConvMismatch
		}
		cmd := data[4]
		frg := data[5]
		wnd := le.Uint16(data[6:])
		ts := le.Uint32(data[8:])
		sn := le.Uint32(data[12:])
		una := le.Uint32(data[16:])
		length := le.Uint32(data[20:])
		data = data[Overhead:]

		if uint32(len(data)) < length {
			return ErrTruncatedSegment
		}
		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWask && cmd != cmdWins {
			return ErrUnknownCommand
		}

		k.rmtWnd = uint32(wnd)
		k.parseUna(una)
		k.shrinkBuf()

		switch cmd {
		case cmdAck:
			if rtt := timediff(k.current, ts); rtt >= 0 {
				k.updateAck(rtt)
			}
			k.parseAck(sn)
			k.shrinkBuf()
			if !flag || timediff(sn, maxAck) > 0 {
				flag = true
				maxAck = sn
			}
		case cmdPush:
			if timediff(sn, k.rcvNxt+k.rcvWnd) < 0 {
				k.ackList = append(k.ackList, sn, ts)
				if timediff(sn, k.rcvNxt) >= 0 {
					seg := &segment{conv: conv, cmd: cmd, frg: frg, wnd: wnd, ts: ts, sn: sn, una: una}
					if length > 0 {
						seg.data = make([]byte, length)
						copy(seg.data, data[:length])
					}
					k.parseData(seg)
				} else {
					k.dropOld++
				}
			} else {
				k.dropAhead++
			}
		case cmdWask:
			k.probe |= askTell
		case cmdWins:
			// 窗口已在上面更新
		}

		data = data[length:]
	}

	if flag {
		k.parseFastack(maxAck)
	}

	// 慢启动 / 拥塞避免
	if timediff(k.sndUna, prevUna) > 0 && k.cwnd < k.rmtWnd {
		mss := k.mss
		if k.cwnd < k.ssthresh {
			k.cwnd++
			k.incr += mss
		} else {
			if k.incr < mss {
				k.incr = mss
			}
			k.incr += (mss*mss)/k.incr + mss/16
			if (k.cwnd+1)*mss <= k.incr {
				k.cwnd = (k.incr + mss - 1) / mss
			}
		}
		if k.cwnd > k.rmtWnd {
			k.cwnd = k.rmtWnd
			k.incr = k.rmtWnd * mss
		}
	}
	return nil
}

func (k *KCP) wndUnused() uint16 {
	if n := len(k.rcvQueue); n < int(k.rcvWnd) {
		return uint16(int(k.rcvWnd) - n)
	}
	return 0
}

// Flush 发送确认、窗口探测以及待发/待重传的数据段
func (k *KCP) Flush() {
	if !k.updated {
		return
	}
	current := k.current
	buf := k.buffer
	offset := 0

	makeSpace := func(space int) {
		if offset+space > int(k.mtu) {
			k.output(buf[:offset])
			offset = 0
		}
	}

	seg := segment{conv: k.conv, cmd: cmdAck, wnd: k.wndUnused(), una: k.rcvNxt}

	for i := 0; i+1 < len(k.ackList); i += 2 {
		makeSpace(Overhead)
		seg.sn, seg.ts = k.ackList[i], k.ackList[i+1]
		offset += seg.encode(buf[offset:])
	}
	k.ackList = k.ackList[:0]

	// 对端窗口为 0 时定期探测
	if k.rmtWnd == 0 {
		if k.probeWait == 0 {
			k.probeWait = probeInit
			k.tsProbe = current + k.probeWait
		} else if timediff(current, k.tsProbe) >= 0 {
			if k.probeWait < probeInit {
				k.probeWait = probeInit
			}
			k.probeWait += k.probeWait / 2
			if k.probeWait > probeLimit {
				k.probeWait = probeLimit
			}
			k.tsProbe = current + k.probeWait
			k.probe |= askSend
		}
	} else {
		k.tsProbe = 0
		k.probeWait = 0
	}

	if k.probe&askSend != 0 {
		seg.cmd = cmdWask
		makeSpace(Overhead)
		offset += seg.encode(buf[offset:])
	}
	if k.probe&askTell != 0 {
		seg.cmd = cmdWins
		makeSpace(Overhead)
		offset += seg.encode(buf[offset:])
	}
	k.probe = 0

	cwnd := min(k.sndWnd, k.rmtWnd)
	if !k.nocwnd {
		cwnd = min(k.cwnd, cwnd)
	}

	for len(k.sndQueue) > 0 && timediff(k.sndNxt, k.sndUna+cwnd) < 0 {
		newseg := k.sndQueue[0]
		k.sndQueue = k.sndQueue[1:]
		newseg.conv = k.conv
		newseg.cmd = cmdPush
		newseg.wnd = seg.wnd
		newseg.ts = current
		newseg.sn = k.sndNxt
		newseg.una = k.rcvNxt
		newseg.resendts = current
		newseg.rto = uint32(k.rxRto)
		newseg.fastack = 0
		newseg.xmit = 0
		k.sndBuf = append(k.sndBuf, newseg)
		k.sndNxt++
	}

	resent := uint32(0xffffffff)
	if k.fastresend > 0 {
		resent = uint32(k.fastresend)
	}
	var rtomin uint32
	if !k.nodelay {
		rtomin = uint32(k.rxRto) >> 3
	}

	change := false
	lost := false
	for _, s := range k.sndBuf {
		needsend := false
		switch {
		case s.xmit == 0:
			needsend = true
			s.xmit++
			s.rto = uint32(k.rxRto)
			s.resendts = current + s.rto + rtomin
		case timediff(current, s.resendts) >= 0:
			needsend = true
			s.xmit++
			k.retransmits++
			if !k.nodelay {
				s.rto += max(s.rto, uint32(k.rxRto))
			} else {
				s.rto += s.rto / 2
			}
			s.resendts = current + s.rto
			lost = true
		case s.fastack >= resent:
			if int(s.xmit) <= k.fastlimit || k.fastlimit <= 0 {
				needsend = true
				s.xmit++
				k.retransmits++
				s.fastack = 0
				s.resendts = current + s.rto
				change = true
			}
		}

		if needsend {
			s.ts = current
			s.wnd = seg.wnd
			s.una = k.rcvNxt

			makeSpace(Overhead + len(s.data))
			offset += s.encode(buf[offset:])
			copy(buf[offset:], s.data)
			offset += len(s.data)

			if s.xmit >= k.deadLink {
				k.dead = true
			}
		}
	}

	if offset > 0 {
		k.output(buf[:offset])
	}

	if change {
		inflight := k.sndNxt - k.sndUna
		k.ssthresh = max(inflight/2, threshMin)
		k.cwnd = k.ssthresh + resent
		k.incr = k.cwnd * k.mss
	}
	if lost {
		k.ssthresh = max(cwnd/2, threshMin)
		k.cwnd = 1
		k.incr = k.mss
	}
	if k.cwnd < 1 {
		k.cwnd = 1
		k.incr = k.mss
	}
}

// Update 推进内部时钟，按 interval 触发 Flush。current 为毫秒时间戳。
func (k *KCP) Update(current uint32) {
	k.current = current
	if !k.updated {
		k.updated = true
		k.tsFlush = current
	}

	slap := timediff(current, k.tsFlush)
	if slap >= 10000 || slap < -10000 {
		k.tsFlush = current
		slap = 0
	}
	if slap >= 0 {
		k.tsFlush += k.interval
		if timediff(current, k.tsFlush) >= 0 {
			k.tsFlush = current + k.interval
		}
		k.Flush()
	}
}

// Check 返回下一次应该调用 Update 的时间
func (k *KCP) Check(current uint32) uint32 {
	if !k.updated {
		return current
	}
	tsFlush := k.tsFlush
	if d := timediff(current, tsFlush); d >= 10000 || d < -10000 {
		tsFlush = current
	}
	if timediff(current, tsFlush) >= 0 {
		return current
	}
	tmFlush := timediff(tsFlush, current)
	tmPacket := int32(0x7fffffff)
	for _, seg := range k.sndBuf {
		diff := timediff(seg.resendts, current)
		if diff <= 0 {
			return current
		}
		tmPacket = min(tmPacket, diff)
	}
	minimal := uint32(min(tmPacket, tmFlush))
	if minimal >= k.interval {
		minimal = k.interval
	}
	return current + minimal
}

func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}
