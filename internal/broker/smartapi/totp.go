package smartapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const totpDigits = 6

// ResolveTOTP 返回六位动态码。已经是六位数字的值原样使用，
// 其余一律按 base32 密钥生成（RFC 6238, SHA-1, 30s）。
func ResolveTOTP(value string, now time.Time) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("smartapi: totp is empty")
	}
	if len(v) == totpDigits && isDigits(v) {
		return v, nil
	}
	return GenerateTOTP(v, now)
}

// GenerateTOTP 计算 secret 在 now 时刻的动态码
func GenerateTOTP(secret string, now time.Time) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	code, err := totp.GenerateCode(strings.TrimRight(s, "="), now)
	if err != nil {
		return "", fmt.Errorf("smartapi: totp secret is not base32: %w", err)
	}
	return code, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
