package utils

import (
	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для расчётов движка
//
// Все функции чистые, работают на decimal чтобы исключить
// накопление ошибок плавающей точки в денежных величинах.

// RoundToLot округляет количество ВНИЗ до ближайшего кратного lotSize.
//
// Округление вниз безопаснее: не превысим одобренный риск-контролем объём.
// При lotSize <= 0 возвращает исходное значение.
func RoundToLot(value, lotSize decimal.Decimal) decimal.Decimal {
	if lotSize.Sign() <= 0 {
		return value
	}
	return value.Div(lotSize).Floor().Mul(lotSize)
}

// WeightedAverage возвращает средневзвешенную цену после добавления
// новой порции qty по цене price к уже накопленным prevQty по prevAvg.
//
// Используется при аккумуляции частичных исполнений:
// avg = (prevAvg*prevQty + price*qty) / (prevQty + qty)
func WeightedAverage(prevAvg, prevQty, price, qty decimal.Decimal) decimal.Decimal {
	total := prevQty.Add(qty)
	if total.Sign() == 0 {
		return decimal.Zero
	}
	return prevAvg.Mul(prevQty).Add(price.Mul(qty)).Div(total)
}

// PercentOf возвращает part/whole в процентах; 0 при whole == 0
func PercentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.Sign() == 0 {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}

// DrawdownPct возвращает просадку от пика в процентах (неотрицательную)
func DrawdownPct(equity, peak decimal.Decimal) decimal.Decimal {
	if peak.Sign() <= 0 {
		return decimal.Zero
	}
	dd := peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100))
	if dd.Sign() < 0 {
		return decimal.Zero
	}
	return dd
}
