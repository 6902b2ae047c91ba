package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"botfleet-admin/internal/fleet"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/userauth"
)

// StartBots 批量启动机器人
//
// 路由: POST /api/v1/bots/start
//
// 请求体:
//
//	{"account_ids": ["acc-..."], "server": "mc.example.com:25565", "version": "1.21"}
//
// server 省略端口时使用默认端口。批次在后台按节流间隔串行
// 推进，响应 202 只代表批次已受理。不属于当前所有者的账号
// 按 not_found_or_inactive 处理，不会泄露存在性。
func (h *Handler) StartBots(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountIDs []string `json:"account_ids"`
		Server     string   `json:"server"`
		Version    string   `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AccountIDs) == 0 {
		writeError(w, http.StatusBadRequest, "account_ids is required")
		return
	}

	host, port, err := splitServerAddress(req.Server, h.fleetCfg.DefaultPort)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server address")
		return
	}
	version := req.Version
	if version == "" {
		version = h.fleetCfg.DefaultVersion
	}
	target := fleet.Target{Host: host, Port: port, Version: version}

	// 所有权过滤在受理前同步完成
	ownerID := userauth.OwnerFromContext(r.Context())
	accepted := make([]string, 0, len(req.AccountIDs))
	for _, accountID := range req.AccountIDs {
		account, err := h.store.GetAccount(r.Context(), accountID)
		if err != nil {
			h.log.WithAccountID(accountID).WithError(err).Error("Ownership check failed")
			continue
		}
		if account == nil || account.OwnerID != ownerID {
			continue
		}
		accepted = append(accepted, accountID)
	}

	go func() {
		results := h.coordinator.StartMany(context.Background(), accepted, target)
		started := 0
		for _, res := range results {
			if res.Outcome == "started" {
				started++
			}
		}
		h.log.Info("Fleet start batch finished",
			"requested", len(req.AccountIDs), "accepted", len(accepted), "started", started)
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"accepted": len(accepted),
		"server":   net.JoinHostPort(host, strconv.Itoa(port)),
	})
}

// StopBots 批量停止机器人
//
// 路由: POST /api/v1/bots/stop
//
// 请求体: {"account_ids": [...]} 或 {"all": true}
//
// 停止不节流，立即对全部目标下发断开请求。
func (h *Handler) StopBots(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountIDs []string `json:"account_ids"`
		All        bool     `json:"all"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.All && len(req.AccountIDs) == 0 {
		writeError(w, http.StatusBadRequest, "account_ids or all is required")
		return
	}

	ownerID := userauth.OwnerFromContext(r.Context())
	var targets []string
	if req.All {
		views, err := h.store.ListAccountViews(r.Context(), ownerID)
		if err != nil {
			h.log.WithError(err).Error("List accounts failed")
			writeError(w, http.StatusInternalServerError, "failed to list accounts")
			return
		}
		for _, v := range views {
			targets = append(targets, v.AccountID)
		}
	} else {
		for _, accountID := range req.AccountIDs {
			account, err := h.store.GetAccount(r.Context(), accountID)
			if err != nil || account == nil || account.OwnerID != ownerID {
				continue
			}
			targets = append(targets, accountID)
		}
	}

	h.coordinator.StopMany(r.Context(), targets)
	h.broadcast.Broadcast(model.NewAccountsUpdated())
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "accepted",
		"stopped": len(targets),
	})
}

// splitServerAddress 解析 host[:port]
func splitServerAddress(server string, defaultPort int) (string, int, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", 0, net.InvalidAddrError("empty address")
	}
	if !strings.Contains(server, ":") {
		return server, defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, net.InvalidAddrError("invalid port")
	}
	return host, port, nil
}
