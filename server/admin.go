package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Admin 管理与监控接口，持有被管理的房间
type Admin struct {
	room       *Room
	spectators *SpectatorHub
	log        *zap.SugaredLogger
}

func NewAdmin(room *Room, log *zap.SugaredLogger) *Admin {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Admin{room: room, log: log.Named("admin")}
}

// Routes 注册管理接口；spectators 为 nil 时不开放 /ws
func (a *Admin) Routes(mux *http.ServeMux, spectators *SpectatorHub) {
	mux.HandleFunc("/admin/config", a.HandleConfig)
	mux.HandleFunc("/metrics", a.HandleMetrics)
	mux.HandleFunc("/players", a.HandlePlayers)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if spectators != nil {
		a.spectators = spectators
		mux.HandleFunc("/ws", spectators.HandleWS)
	}
}

type adminConfig struct {
	SnapshotRate *int     `json:"snapshotRate,omitempty"`
	MaxMoveSpeed *float32 `json:"maxMoveSpeed,omitempty"`
}

// HandleConfig 提供运行期规则的读取与更新（热更新）
// GET  /admin/config  返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段
func (a *Admin) HandleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rate, speed := a.room.SnapshotRate(), a.room.MaxMoveSpeed()
		writeJSON(w, http.StatusOK, adminConfig{SnapshotRate: &rate, MaxMoveSpeed: &speed})
	case http.MethodPost:
		var body adminConfig
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.SnapshotRate != nil {
			if err := a.room.SetSnapshotRate(*body.SnapshotRate); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if body.MaxMoveSpeed != nil {
			if err := a.room.SetMaxMoveSpeed(*body.MaxMoveSpeed); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		a.log.Infof("config updated: snapshotRate=%d maxMoveSpeed=%.2f", a.room.SnapshotRate(), a.room.MaxMoveSpeed())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出模拟与传输层的运行指标
// GET /metrics
func (a *Admin) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"tick":      a.room.ServerTick(),
		"players":   a.room.players.Len(),
		"metrics":   a.room.Metrics().Snapshot(),
		"transport": a.room.TransportStats(),
	}
	if a.spectators != nil {
		payload["spectators"] = a.spectators.Len()
		payload["spectator_drops"] = a.spectators.Dropped()
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandlePlayers 当前所有玩家的权威状态
// GET /players
func (a *Admin) HandlePlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.room.GetAllPlayerStates())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
