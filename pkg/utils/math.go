package utils

import (
	"github.com/shopspring/decimal"
)

// math.go - денежная арифметика торгового ядра
//
// Все вычисления с ценами и процентами идут через decimal, наружу отдаются float64.
// Функции чистые, без побочных эффектов.

// RoundTo округляет значение до places знаков после запятой (half away from zero).
//
// Примеры:
//   - RoundTo(10.004, 2) = 10.0
//   - RoundTo(-4.995, 2) = -5.0
func RoundTo(value float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(value).Round(places).Float64()
	return f
}

// PercentChange - изменение от from до to в процентах.
// Если from == 0, возвращает 0.
//
// Пример: PercentChange(100, 110) = 10
func PercentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	d := decimal.NewFromFloat(to).
		Sub(decimal.NewFromFloat(from)).
		Div(decimal.NewFromFloat(from)).
		Mul(decimal.NewFromInt(100))
	f, _ := d.Float64()
	return f
}

// ProfitPercent - доходность сделки в процентах, округлённая до 2 знаков.
// Если цена входа не положительная, возвращает 0.
func ProfitPercent(entry, exit float64) float64 {
	if entry <= 0 {
		return 0
	}
	return RoundTo(PercentChange(entry, exit), 2)
}

// DriftPercent - модуль отклонения цены от опорной в процентах
func DriftPercent(reference, price float64) float64 {
	return Abs(PercentChange(reference, price))
}

// ApplyPercent сдвигает цену на pct процентов: ApplyPercent(100, -5) = 95
func ApplyPercent(price, pct float64) float64 {
	d := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(100).Add(decimal.NewFromFloat(pct))).
		Div(decimal.NewFromInt(100))
	f, _ := d.Float64()
	return f
}

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Округление вниз гарантирует, что размер ордера не превысит доступные средства.
// Если lotSize <= 0, возвращает исходное значение.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	step := decimal.NewFromFloat(lotSize)
	f, _ := decimal.NewFromFloat(value).Div(step).Floor().Mul(step).Float64()
	return f
}

// RoundToTickSize округляет цену к ближайшему кратному tickSize
func RoundToTickSize(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	step := decimal.NewFromFloat(tickSize)
	f, _ := decimal.NewFromFloat(price).Div(step).Round(0).Mul(step).Float64()
	return f
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
