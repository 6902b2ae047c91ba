package msauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"botfleet-admin/internal/credcache"
	"botfleet-admin/pkg/logging"
)

const (
	// Microsoft OAuth2 设备码端点（consumers 租户，个人账号）
	deviceCodeURL = "https://login.microsoftonline.com/consumers/oauth2/v2.0/devicecode"
	tokenURL      = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"

	deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

	// XboxLive 登录所需的 scope
	defaultScope = "XboxLive.signin offline_access"
)

// MicrosoftProvider 微软 OAuth2 设备码提供方
//
// BeginDeviceAuth 请求设备码端点拿到短码后，后台轮询令牌端点
// 直到用户完成登录，然后把令牌响应原样写入凭证缓存的临时键。
// 编排器对临时键的轮询随即接手。
type MicrosoftProvider struct {
	client   *http.Client
	clientID string
	scope    string
	cache    credcache.Cache
	log      *logging.Logger
}

var _ Provider = (*MicrosoftProvider)(nil)

// NewMicrosoftProvider 创建提供方
func NewMicrosoftProvider(clientID string, cache credcache.Cache, log *logging.Logger) *MicrosoftProvider {
	return &MicrosoftProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		clientID: clientID,
		scope:    defaultScope,
		cache:    cache,
		log:      log,
	}
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

type tokenResponse struct {
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// BeginDeviceAuth 发起设备码握手
func (p *MicrosoftProvider) BeginDeviceAuth(ctx context.Context, loginEmail string) (*DeviceCode, error) {
	key := credcache.TransientKey(loginEmail)
	if data, err := p.cache.Get(ctx, key); err == nil && credcache.ValidCredential(data) {
		return nil, ErrAlreadyLinked
	}

	form := url.Values{
		"client_id": {p.clientID},
		"scope":     {p.scope},
	}
	dc, err := p.postForm(ctx, deviceCodeURL, form, &deviceCodeResponse{})
	if err != nil {
		return nil, err
	}

	go p.pollToken(loginEmail, dc)

	return &DeviceCode{
		VerificationURL: dc.VerificationURI,
		UserCode:        dc.UserCode,
	}, nil
}

// pollToken 轮询令牌端点直到用户完成登录或设备码过期
func (p *MicrosoftProvider) pollToken(loginEmail string, dc *deviceCodeResponse) {
	log := p.log.WithLoginEmail(loginEmail)

	expiry := time.Duration(dc.ExpiresIn) * time.Second
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), expiry)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	form := url.Values{
		"client_id":   {p.clientID},
		"grant_type":  {deviceCodeGrant},
		"device_code": {dc.DeviceCode},
	}

	for {
		select {
		case <-ctx.Done():
			log.Warn("Device code expired before user completed login")
			return
		case <-ticker.C:
			token, err := p.requestToken(ctx, form)
			if err != nil {
				log.WithError(err).Warn("Token poll request failed")
				continue
			}
			switch token.Error {
			case "":
				// 登录完成，凭证落入临时键
				data, merr := json.Marshal(token)
				if merr != nil {
					log.WithError(merr).Error("Failed to encode token response")
					return
				}
				if perr := p.cache.Put(ctx, credcache.TransientKey(loginEmail), data); perr != nil {
					log.WithError(perr).Error("Failed to store credential")
					return
				}
				log.Info("Device code login completed, credential cached")
				return
			case "authorization_pending":
				continue
			case "slow_down":
				time.Sleep(interval)
				continue
			default:
				// authorization_declined / expired_token / bad_verification_code
				log.Warn("Device code login failed", "oauth_error", token.Error)
				return
			}
		}
	}
}

func (p *MicrosoftProvider) requestToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	token := &tokenResponse{}
	if err := json.NewDecoder(resp.Body).Decode(token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return token, nil
}

func (p *MicrosoftProvider) postForm(ctx context.Context, endpoint string, form url.Values, out *deviceCodeResponse) (*deviceCodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error     string `json:"error"`
			ErrorDesc string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("device code endpoint returned %d: %s", resp.StatusCode, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}
	if out.DeviceCode == "" || out.UserCode == "" {
		return nil, fmt.Errorf("device code endpoint returned incomplete response")
	}
	return out, nil
}
