// Package feed - источники рыночных данных для торгового ядра:
// реплей свечей из CSV для бэктеста и опрос тикеров биржи в живом режиме.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"signaltrader/internal/models"
)

// ErrNoBars - в файле не нашлось ни одной пригодной строки
var ErrNoBars = errors.New("csv contains no usable bars")

// Signal - внешний сигнал из колонки signal
type Signal int

const (
	SignalKeep Signal = iota // колонки нет, сигнал стратегии не трогаем
	SignalNone               // пустое значение или hold - сброс сигналов
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalBuy:
		return "buy"
	case SignalSell:
		return "sell"
	default:
		return "keep"
	}
}

// Bar - свеча из файла вместе с внешним сигналом
type Bar struct {
	Candle models.Candle
	Signal Signal
}

// LoadCSV читает файл свечей, см. ReadCSV
func LoadCSV(path, symbol string, granularity int) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bars, err := ReadCSV(f, symbol, granularity)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return bars, nil
}

// ReadCSV разбирает CSV с заголовком. Колонки (регистр не важен, лишние игнорируются):
//
//	time|timestamp, open, high, low, close, volume|vol - свеча
//	symbol       - символ, по умолчанию symbol из аргументов
//	granularity  - ширина свечи в секундах, по умолчанию granularity из аргументов
//	signal       - buy, sell или пусто/hold для внешней стратегии
//
// Время - RFC3339, unix секунды или unix миллисекунды. Строки без времени,
// close или символа пропускаются. Результат отсортирован по времени.
func ReadCSV(r io.Reader, symbol string, granularity int) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoBars
	}
	if err != nil {
		return nil, err
	}
	columns := make([]string, len(header))
	hasSignal := false
	for i, h := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(h))
		if columns[i] == "signal" {
			hasSignal = true
		}
	}

	var out []Bar
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make(map[string]string, len(columns))
		for i, c := range columns {
			if i < len(rec) {
				row[c] = strings.TrimSpace(rec[i])
			}
		}

		bar, ok := parseBar(row, symbol, granularity, hasSignal)
		if !ok {
			continue
		}
		out = append(out, bar)
	}

	if len(out) == 0 {
		return nil, ErrNoBars
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Candle.Timestamp < out[j].Candle.Timestamp
	})
	return out, nil
}

func parseBar(row map[string]string, symbol string, granularity int, hasSignal bool) (Bar, bool) {
	ts, err := parseTimeFlexible(first(row, "time", "timestamp"))
	if err != nil {
		return Bar{}, false
	}
	closePrice, err := strconv.ParseFloat(first(row, "close"), 64)
	if err != nil || closePrice <= 0 {
		return Bar{}, false
	}

	sym := strings.ToUpper(first(row, "symbol"))
	if sym == "" {
		sym = strings.ToUpper(symbol)
	}
	if sym == "" {
		return Bar{}, false
	}

	gran := granularity
	if v := first(row, "granularity"); v != "" {
		if g, err := strconv.Atoi(v); err == nil && g > 0 {
			gran = g
		}
	}

	c := models.Candle{
		Symbol:      sym,
		Close:       closePrice,
		Timestamp:   ts,
		Granularity: gran,
	}
	c.Open = floatOr(first(row, "open"), closePrice)
	c.High = floatOr(first(row, "high"), closePrice)
	c.Low = floatOr(first(row, "low"), closePrice)
	c.Volume = floatOr(first(row, "volume", "vol"), 0)

	bar := Bar{Candle: c}
	if hasSignal {
		bar.Signal = parseSignal(row["signal"])
	}
	return bar, true
}

func parseSignal(s string) Signal {
	switch strings.ToLower(s) {
	case "buy", "long", "1":
		return SignalBuy
	case "sell", "exit", "-1":
		return SignalSell
	default:
		return SignalNone
	}
}

// parseTimeFlexible возвращает unix ms. Числа больше 1e12 считаются миллисекундами.
func parseTimeFlexible(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty time")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return n, nil
		}
		return n * 1000, nil
	}
	return 0, fmt.Errorf("bad time: %s", s)
}

func floatOr(s string, def float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

// first возвращает первое непустое значение по ключам
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
