package engine

import (
	"context"
	"errors"

	"github.com/tradingbot/relay/internal/broker"
	"github.com/tradingbot/relay/internal/metrics"
	"github.com/tradingbot/relay/pkg/persistence"
)

// Login 返回已认证会话，有缓存 token 时直接复用。并发调用共享同一次登录。
func (e *Engine) Login(ctx context.Context) (*broker.Session, error) {
	v, err, _ := e.logins.Do("login", func() (any, error) {
		return e.login(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*broker.Session), nil
}

func (e *Engine) login(ctx context.Context) (sess *broker.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess, err = nil, &AuthError{Op: "login", Err: panicError(r)}
		}
		if err != nil {
			metrics.LoginFailures.Add(1)
			e.clearSession()
			log.Errorf("Failed to login to SmartAPI: %v", err)
		}
	}()

	client, err := e.newClient(e.cfg.APIKey)
	if err != nil {
		return nil, &AuthError{Op: "client", Err: err}
	}
	if client == nil {
		return nil, &AuthError{Op: "client", Err: errors.New("factory returned no client")}
	}

	if cached, ok := e.loadToken(ctx); ok {
		client.SetSession(cached.Data.JWTToken)
		e.install(client, cached, true)
		metrics.CachedLogins.Add(1)
		log.Info("Using cached SmartAPI token")
		return copySession(cached), nil
	}

	fresh, err := client.GenerateSession(ctx, e.cfg.ClientCode, e.cfg.Password, e.cfg.TOTP)
	if err != nil {
		return nil, &AuthError{Op: "generate_session", Err: err}
	}
	if !fresh.Valid() {
		return nil, &AuthError{Op: "generate_session", Err: errors.New("session carries no jwt token")}
	}
	e.install(client, fresh, false)
	metrics.Logins.Add(1)
	log.Info("SmartAPI session generated")

	e.saveToken(ctx, fresh)
	return copySession(fresh), nil
}

// loadToken 读取缓存会话，任何失败都视为没有 token
func (e *Engine) loadToken(ctx context.Context) (*broker.Session, bool) {
	if e.tokens == nil {
		return nil, false
	}
	var s broker.Session
	err := persistence.LoadJSON(ctx, e.tokens, e.cfg.TokenKey, &s)
	switch {
	case errors.Is(err, persistence.ErrNotExists):
		return nil, false
	case err != nil:
		log.Warnf("Failed to load token: %v", err)
		return nil, false
	case !s.Valid():
		log.Warnf("Failed to load token: cached session %q has no jwt token", e.cfg.TokenKey)
		return nil, false
	}
	return &s, true
}

func (e *Engine) saveToken(ctx context.Context, s *broker.Session) {
	if e.tokens == nil {
		return
	}
	if err := persistence.SaveJSON(ctx, e.tokens, e.cfg.TokenKey, s); err != nil {
		metrics.TokenSaveFailures.Add(1)
		log.Errorf("Failed to save token: %v", err)
		return
	}
	metrics.TokenSaves.Add(1)
}

func (e *Engine) install(client broker.Client, s *broker.Session, fromCache bool) {
	e.mu.Lock()
	e.client = client
	e.session = copySession(s)
	e.fromCache = fromCache
	e.mu.Unlock()
}

func (e *Engine) clearSession() {
	e.mu.Lock()
	e.client = nil
	e.session = nil
	e.fromCache = false
	e.mu.Unlock()
}

// Logout 有客户端时结束远端会话；无论远端结果如何都清空本地状态
func (e *Engine) Logout(ctx context.Context) {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()

	if client != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Logout failed: %v", panicError(r))
				}
			}()
			if err := client.Logout(ctx); err != nil {
				log.Errorf("Logout failed: %v", err)
			}
		}()
	}
	e.clearSession()
	log.Info("Logged out")
}

// Authenticated 是否存在有效会话
func (e *Engine) Authenticated() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Valid() && e.client != nil
}

// Session 返回当前会话的副本
func (e *Engine) Session() (*broker.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.session.Valid() || e.client == nil {
		return nil, false
	}
	return copySession(e.session), true
}

// SessionFromCache 当前会话是否来自 token 缓存
func (e *Engine) SessionFromCache() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session != nil && e.fromCache
}

func (e *Engine) authenticatedClient() (broker.Client, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.session.Valid() || e.client == nil {
		return nil, false
	}
	return e.client, true
}

func copySession(s *broker.Session) *broker.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Raw = append([]byte(nil), s.Raw...)
	return &c
}
