package engine

import (
	"errors"
	"fmt"
)

// ErrLoginFailed 登录未报错但之后仍无会话时返回
var ErrLoginFailed = errors.New("login failed")

// AuthError 客户端构造或凭证交换失败
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// OrderError 券商侧下单失败
type OrderError struct {
	Symbol string
	Err    error
}

func (e *OrderError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("place order: %v", e.Err)
	}
	return fmt.Sprintf("place order %s: %v", e.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
