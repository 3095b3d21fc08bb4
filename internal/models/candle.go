package models

// Candle - один OHLCV бар по символу
type Candle struct {
	Symbol      string  `json:"symbol"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	Timestamp   int64   `json:"timestamp"`   // unix ms, начало бара
	Granularity int     `json:"granularity"` // ширина бара в секундах
}
