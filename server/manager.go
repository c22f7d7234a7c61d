package server

import (
	"slices"
	"sync"
)

// PlayerManager 管理玩家状态：一块连续数组 + 连接/玩家两个索引。
// 只有模拟 goroutine 写入；其他 goroutine 通过读锁拿副本。
type PlayerManager struct {
	mu       sync.RWMutex
	slots    []playerSlot
	free     []int
	byConn   map[uint32]int
	byPlayer map[int32]int
}

func NewPlayerManager() *PlayerManager {
	return &PlayerManager{
		byConn:   make(map[uint32]int),
		byPlayer: make(map[int32]int),
	}
}

// BindResult 绑定时被替换掉的旧关系
type BindResult struct {
	State PlayerState
	// 同一玩家ID之前绑定在另一个连接上
	EvictedConn    uint32
	HasEvictedConn bool
	// 该连接之前绑定的是另一个玩家ID
	ReplacedPlayer    int32
	HasReplacedPlayer bool
}

// Bind 建立 连接↔玩家 的一一对应；任何旧关系先解除，保证两个索引一致。
// 同一连接重复加入同一玩家时保留原有状态。
func (m *PlayerManager) Bind(connID uint32, playerID int32, now int64) BindResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res BindResult
	if idx, ok := m.byConn[connID]; ok {
		cur := m.slots[idx].state
		if cur.PlayerID == playerID {
			res.State = cur
			return res
		}
		res.ReplacedPlayer, res.HasReplacedPlayer = cur.PlayerID, true
		m.removeLocked(idx)
	}
	if idx, ok := m.byPlayer[playerID]; ok {
		res.EvictedConn, res.HasEvictedConn = m.slots[idx].state.ConnID, true
		m.removeLocked(idx)
	}

	st := newPlayerState(playerID, connID, now)
	var idx int
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		idx = len(m.slots)
		m.slots = append(m.slots, playerSlot{})
	}
	m.slots[idx] = playerSlot{used: true, state: st}
	m.byConn[connID] = idx
	m.byPlayer[playerID] = idx
	res.State = st
	return res
}

// UnbindConn 解除连接的绑定，返回被移除的玩家
func (m *PlayerManager) UnbindConn(connID uint32) (PlayerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byConn[connID]
	if !ok {
		return PlayerState{}, false
	}
	st := m.slots[idx].state
	m.removeLocked(idx)
	return st, true
}

// Clear 移除所有玩家，返回移除的数量
func (m *PlayerManager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.byConn)
	m.slots = m.slots[:0]
	m.free = m.free[:0]
	clear(m.byConn)
	clear(m.byPlayer)
	return n
}

func (m *PlayerManager) removeLocked(idx int) {
	st := m.slots[idx].state
	delete(m.byConn, st.ConnID)
	delete(m.byPlayer, st.PlayerID)
	m.slots[idx] = playerSlot{}
	m.free = append(m.free, idx)
}

// UpdateConn 在写锁内修改连接对应的玩家，连接未绑定时返回 false
func (m *PlayerManager) UpdateConn(connID uint32, fn func(p *PlayerState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byConn[connID]
	if !ok {
		return false
	}
	fn(&m.slots[idx].state)
	return true
}

// UpdateAll 在写锁内依次修改所有玩家
func (m *PlayerManager) UpdateAll(fn func(p *PlayerState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].used {
			fn(&m.slots[i].state)
		}
	}
}

// ByConn 连接对应的玩家副本
func (m *PlayerManager) ByConn(connID uint32) (PlayerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byConn[connID]
	if !ok {
		return PlayerState{}, false
	}
	return m.slots[idx].state, true
}

// Get 玩家ID对应的副本
func (m *PlayerManager) Get(playerID int32) (PlayerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byPlayer[playerID]
	if !ok {
		return PlayerState{}, false
	}
	return m.slots[idx].state, true
}

// All 所有玩家的副本，按玩家ID排序
func (m *PlayerManager) All() []PlayerState {
	m.mu.RLock()
	out := make([]PlayerState, 0, len(m.byConn))
	for i := range m.slots {
		if m.slots[i].used {
			out = append(out, m.slots[i].state)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b PlayerState) int {
		switch {
		case a.PlayerID < b.PlayerID:
			return -1
		case a.PlayerID > b.PlayerID:
			return 1
		}
		return 0
	})
	return out
}

// Len 已绑定的玩家数
func (m *PlayerManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}
