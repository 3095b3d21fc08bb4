package utils

import (
	"time"
)

// ============================================================
// Утилиты для timestamp (все времена ядра - unix миллисекунды)
// ============================================================

// UnixMillis возвращает текущее время в миллисекундах Unix
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// AddSeconds сдвигает timestamp в миллисекундах на sec секунд
func AddSeconds(ms int64, sec int) int64 {
	return ms + int64(sec)*1000
}

// FormatMillis форматирует timestamp в RFC3339 (UTC), 0 - пустая строка
func FormatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return FromUnixMillis(ms).Format(time.RFC3339)
}

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "50h0m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.Truncate(time.Second).String()
}
