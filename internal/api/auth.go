package api

import (
	"net/http"

	"botfleet-admin/internal/userauth"
)

// Login 管理员登录
//
// 路由: POST /api/v1/auth/login
//
// 请求体: {"username": "admin", "password": "..."}
// 响应: {"access_token": "...", "token_type": "Bearer"}
//
// 认证未启用（未配置 JWT_SECRET）时返回 404，与路由不存在
// 无法区分。
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.authCfg.Enabled() {
		writeError(w, http.StatusNotFound, "authentication is not enabled")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != h.authCfg.AdminUser ||
		h.authCfg.AdminPasswordHash == "" ||
		!userauth.CheckPassword(req.Password, h.authCfg.AdminPasswordHash) {
		h.log.Warn("Login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := userauth.GenerateAccessToken(h.authCfg, req.Username)
	if err != nil {
		h.log.WithError(err).Error("Token generation failed")
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "Bearer",
	})
}
