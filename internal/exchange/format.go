package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatPrice 将价格向下对齐到最小价格步长（tickSize），返回发往
// 交易所的字符串表示。浮点直接格式化会产生类似 0.10000000000000003
// 的尾差，交易所会直接拒单，所以这里统一走 decimal。
func FormatPrice(price float64, tickSize string) (string, error) {
	return quantizeDown(price, tickSize, "tickSize")
}

// FormatQty 将数量向下对齐到最小数量步长（stepSize）。
func FormatQty(qty float64, stepSize string) (string, error) {
	return quantizeDown(qty, stepSize, "stepSize")
}

func quantizeDown(v float64, step, what string) (string, error) {
	stepD, err := decimal.NewFromString(step)
	if err != nil {
		return "", fmt.Errorf("非法的%s %q: %w", what, step, err)
	}
	if stepD.Sign() <= 0 {
		return "", fmt.Errorf("非法的%s %q: 必须为正数", what, step)
	}
	d := decimal.NewFromFloat(v)
	q := d.Div(stepD).Floor().Mul(stepD)
	return q.String(), nil
}

// MeetsMinNotional 校验 价格×数量 是否达到交易所最小名义价值。
func MeetsMinNotional(price, qty float64, minNotional string) (bool, error) {
	minD, err := decimal.NewFromString(minNotional)
	if err != nil {
		return false, fmt.Errorf("非法的minNotional %q: %w", minNotional, err)
	}
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	return notional.GreaterThanOrEqual(minD), nil
}
