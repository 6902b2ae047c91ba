package api

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/msauth"
	"botfleet-admin/internal/userauth"
)

// InitiateAdd 发起添加账号的设备码握手
//
// 路由: POST /api/v1/accounts/initiate-add
//
// 请求体: {"login_email": "bot@example.com"}
//
// 响应:
//   - 200: {"account_id", "verification_url", "user_code"}
//   - 409: 账号已存在 / 登录已持有有效凭证
//   - 502: 身份提供方失败
func (h *Handler) InitiateAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LoginEmail string `json:"login_email"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.LoginEmail); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login_email")
		return
	}

	ownerID := userauth.OwnerFromContext(r.Context())
	result, err := h.orchestrator.InitiateAdd(r.Context(), req.LoginEmail, ownerID)
	switch {
	case errors.Is(err, msauth.ErrDuplicateAccount):
		writeError(w, http.StatusConflict, "account with this email already exists")
		return
	case errors.Is(err, msauth.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "login already has valid cached credentials")
		return
	case errors.Is(err, msauth.ErrProviderError):
		writeError(w, http.StatusBadGateway, "identity provider error")
		return
	case err != nil:
		h.log.WithError(err).Error("Initiate add failed")
		writeError(w, http.StatusInternalServerError, "failed to initiate account add")
		return
	}

	if h.metrics != nil {
		h.metrics.HandshakesTotal.WithLabelValues("initiated").Inc()
	}
	writeJSON(w, http.StatusOK, result)
}

// ListAccounts 列出所有者的账号
//
// 路由: GET /api/v1/accounts
//
// 返回账号与会话的联合投影。is_active 以内存注册表为准：
// 持久化记录只是尽力而为的镜像，进程视角的在线状态更可信。
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ownerID := userauth.OwnerFromContext(r.Context())
	views, err := h.store.ListAccountViews(r.Context(), ownerID)
	if err != nil {
		h.log.WithError(err).Error("List accounts failed")
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	for _, v := range views {
		v.IsActive = h.manager.IsRunning(v.AccountID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
}

// DeleteAccount 删除账号
//
// 路由: DELETE /api/v1/accounts/{id}
//
// 级联清理：断开活动连接、取消进行中的握手、删除两个键下的
// 凭证条目，最后删除账号记录并广播 accounts_updated。
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	ownerID := userauth.OwnerFromContext(r.Context())

	account, err := h.store.GetAccount(r.Context(), accountID)
	if err != nil {
		h.log.WithError(err).Error("Load account failed")
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if account == nil || account.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	log := h.log.WithAccountID(accountID).WithLoginEmail(account.LoginEmail)

	if err := h.manager.StopBot(r.Context(), accountID); err != nil {
		log.WithError(err).Warn("Disconnect before delete failed")
	}
	h.orchestrator.CancelPending(r.Context(), accountID)

	// 凭证可能停留在任一键下，两个都清
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.credentials.Delete(cleanupCtx, credcache.DurableKey(accountID)); err != nil {
		log.WithError(err).Warn("Failed to remove durable credential entry")
	}
	if err := h.credentials.Delete(cleanupCtx, credcache.TransientKey(account.LoginEmail)); err != nil {
		log.WithError(err).Warn("Failed to remove transient credential entry")
	}

	if err := h.store.DeleteAccount(r.Context(), accountID); err != nil {
		log.WithError(err).Error("Delete account failed")
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	log.Info("Account deleted")
	h.broadcast.Broadcast(model.NewAccountsUpdated())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
