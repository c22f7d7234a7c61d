package transport

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net"
)

var le = binary.LittleEndian

// newCookie 每个连接一个随机 cookie，握手后用来过滤伪造来源的数据报
func newCookie() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return le.Uint32(b[:])
}

// ConnID 远端地址的 FNV-1a 哈希，作为服务端连接ID
func ConnID(addr net.Addr) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr.String()))
	return h.Sum32()
}
