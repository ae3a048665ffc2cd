package syncjob

import (
	"math"
	"time"
)

// defaultEMAAlpha は処理レートの指数移動平均の平滑化係数
const defaultEMAAlpha = 0.3

// rateEstimator は処理件数/秒の指数移動平均から残り時間を見積もる
// ETA の計算はオーケストレータの責務であり、集計側では再計算しない
type rateEstimator struct {
	alpha     float64
	rate      float64 // 件/秒の移動平均
	lastAt    time.Time
	lastCount int
	primed    bool
}

func newRateEstimator(alpha float64) *rateEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultEMAAlpha
	}
	return &rateEstimator{alpha: alpha}
}

// Observe は累計処理件数の観測を記録しレートを更新する
func (e *rateEstimator) Observe(now time.Time, processed int) {
	if !e.primed {
		e.lastAt = now
		e.lastCount = processed
		e.primed = true
		return
	}

	elapsed := now.Sub(e.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}

	instant := float64(processed-e.lastCount) / elapsed
	if instant < 0 {
		instant = 0
	}

	if e.rate == 0 {
		e.rate = instant
	} else {
		e.rate = e.alpha*instant + (1-e.alpha)*e.rate
	}

	e.lastAt = now
	e.lastCount = processed
}

// ETA は残り件数と現在のレートから残り秒数を見積もる
// レートが未確定、または総数が不明な場合は nil を返す
func (e *rateEstimator) ETA(processed, total int) *int {
	if e.rate <= 0 || total <= 0 || processed >= total {
		return nil
	}
	seconds := int(math.Ceil(float64(total-processed) / e.rate))
	return &seconds
}
