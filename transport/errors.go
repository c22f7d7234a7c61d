package transport

import "errors"

// ErrorCode 通过 OnError 回调上报的错误分类
type ErrorCode uint8

const (
	ErrorDNSResolve       ErrorCode = iota + 1 // 主机名解析失败
	ErrorTimeout                               // 超时或死链
	ErrorCongestion                            // 队列积压过多
	ErrorInvalidReceive                        // 收到畸形数据
	ErrorInvalidSend                           // 发送参数非法
	ErrorConnectionClosed                      // socket 已关闭或写失败
	ErrorUnexpected                            // 其他
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorDNSResolve:
		return "DNSResolve"
	case ErrorTimeout:
		return "Timeout"
	case ErrorCongestion:
		return "Congestion"
	case ErrorInvalidReceive:
		return "InvalidReceive"
	case ErrorInvalidSend:
		return "InvalidSend"
	case ErrorConnectionClosed:
		return "ConnectionClosed"
	case ErrorUnexpected:
		return "Unexpected"
	default:
		return "Unknown"
	}
}

var (
	ErrEmptyMessage      = errors.New("transport: empty message")
	ErrMessageTooLarge   = errors.New("transport: message too large")
	ErrNotAuthenticated  = errors.New("transport: connection not authenticated")
	ErrClosed            = errors.New("transport: connection closed")
	ErrUnknownChannel    = errors.New("transport: unknown channel")
	ErrUnknownConnection = errors.New("transport: unknown connection")
	ErrNotConnected      = errors.New("transport: client not connected")
	ErrAlreadyStarted    = errors.New("transport: already started")
)
