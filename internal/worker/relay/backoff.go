package relay

import "time"

// maxBackoff は中継失敗時の最大待機時間（5分）。
const maxBackoff = 5 * time.Minute

// CalculateBackoff は連続エラー回数に基づいて次回実行までの待機時間を計算する。
// エラーが無い場合はinterval、以降は2倍ずつ増加し、最大5分。
func CalculateBackoff(interval time.Duration, consecutiveErrors int) time.Duration {
	delay := interval
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
