package domain

import (
	"github.com/shopspring/decimal"
)

// USDCDecimals — точность USDC и большинства SPL-токенов.
const USDCDecimals = 6

// FeeSplit — разделение суммы между платформой и получателем.
type FeeSplit struct {
	PlatformFee int64 `json:"platformFee"`
	NetAmount   int64 `json:"netAmount"`
}

// SplitFee считает platformFee = amount*percent/100 с округлением вниз
// до минимальной единицы. Остаток всегда уходит получателю.
func SplitFee(amount int64, percent decimal.Decimal) FeeSplit {
	fee := decimal.NewFromInt(amount).Mul(percent).Div(decimal.NewFromInt(100)).Floor().IntPart()
	if fee < 0 {
		fee = 0
	}
	if fee > amount {
		fee = amount
	}
	return FeeSplit{PlatformFee: fee, NetAmount: amount - fee}
}

// ToUnits переводит минимальные единицы в человекочитаемую сумму (50000 -> 0.05).
func ToUnits(amount int64, decimals int32) decimal.Decimal {
	return decimal.New(amount, -decimals)
}

// FromUnits обратное преобразование, дробная часть за пределами точности отбрасывается.
func FromUnits(v decimal.Decimal, decimals int32) int64 {
	return v.Shift(decimals).Floor().IntPart()
}

// DisplayAmount форматирует сумму для ответа клиенту, например "0.05 USDC".
func DisplayAmount(amount int64, currency string) string {
	return ToUnits(amount, USDCDecimals).StringFixed(2) + " " + currency
}
