package engine

import "time"

// Backoff 返回 base * 2^attempt，上限 max；attempt 为负时返回 base
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	// 2^30 * base 已超过任何合理上限
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
