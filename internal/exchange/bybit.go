package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"signaltrader/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitRecvWindow = "5000"
	bybitCategory   = "spot"
)

// Коды ошибок Bybit V5, которые нужно различать
const (
	bybitInsufficientBalance = 170131
	bybitOrderNotExists      = 170213
	bybitOrderNotExistsAlt   = 110001
	bybitParamsError         = 10001
)

func init() {
	Register("bybit", func(opts Options) (Exchange, error) {
		return NewBybit(opts)
	})
}

// Bybit реализует интерфейс Exchange для спотового рынка Bybit (REST V5)
type Bybit struct {
	apiKey    string
	secretKey string
	baseURL   string

	httpClient *http.Client
}

// NewBybit создает клиента Bybit.
// Использует глобальный HTTP клиент с connection pooling и оптимизированными таймаутами.
func NewBybit(opts Options) (*Bybit, error) {
	if opts.APIKey == "" || opts.Secret == "" {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeInvalidRequest, Message: "api key and secret are required"}
	}
	base := opts.BaseURL
	if base == "" {
		base = bybitBaseURL
	}
	client := GetGlobalHTTPClient()
	if opts.Timeout > 0 {
		cfg := DefaultHTTPClientConfig()
		cfg.TotalTimeout = opts.Timeout
		client = NewHTTPClient(cfg)
	}
	return &Bybit{
		apiKey:     opts.APIKey,
		secretKey:  opts.Secret,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: client.GetClient(),
	}, nil
}

// sign создает подпись для запроса к Bybit API v5
func (b *Bybit) sign(timestamp string, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var reqBody string
	reqURL := b.baseURL + endpoint

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else if len(params) > 0 {
		jsonBytes, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		reqBody = string(jsonBytes)
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		bodyReader = strings.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", b.sign(timestamp, reqBody))
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeNetwork, Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeNetwork, Message: err.Error(), Original: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeNetwork, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	// Проверяем базовый ответ
	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, fmt.Errorf("bybit: decode response: %w", err)
	}
	if baseResp.RetCode != 0 {
		return nil, &ExchangeError{
			Exchange: "bybit",
			Code:     bybitCode(baseResp.RetCode),
			Message:  fmt.Sprintf("%d %s", baseResp.RetCode, baseResp.RetMsg),
		}
	}
	return body, nil
}

// bybitCode переводит код Bybit в код ExchangeError
func bybitCode(retCode int) string {
	switch retCode {
	case bybitInsufficientBalance:
		return CodeInsufficientFunds
	case bybitOrderNotExists, bybitOrderNotExistsAlt:
		return CodeUnknownOrder
	case bybitParamsError:
		return CodeInvalidRequest
	default:
		return strconv.Itoa(retCode)
	}
}

func (b *Bybit) GetName() string {
	return "bybit"
}

func (b *Bybit) Close() error {
	return nil
}

func (b *Bybit) GetBalance(ctx context.Context, asset string) (float64, error) {
	asset = strings.ToUpper(asset)
	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        asset,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					Locked        string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}

	for _, acc := range resp.Result.List {
		for _, coin := range acc.Coin {
			if coin.Coin == asset {
				return parseFloat(coin.WalletBalance) - parseFloat(coin.Locked), nil
			}
		}
	}
	return 0, nil
}

func (b *Bybit) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeNoPrice, Message: "ticker not found for " + symbol}
	}

	t := resp.Result.List[0]
	ts := time.Now().UTC()
	if resp.Time > 0 {
		ts = time.UnixMilli(resp.Time).UTC()
	}
	return &Ticker{
		Symbol:    t.Symbol,
		BidPrice:  parseFloat(t.Bid1Price),
		AskPrice:  parseFloat(t.Ask1Price),
		LastPrice: parseFloat(t.LastPrice),
		Timestamp: ts,
	}, nil
}

func (b *Bybit) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				BaseCoin      string `json:"baseCoin"`
				QuoteCoin     string `json:"quoteCoin"`
				LotSizeFilter struct {
					BasePrecision string `json:"basePrecision"`
					MinOrderAmt   string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeInvalidRequest, Message: "unknown symbol " + symbol}
	}

	s := resp.Result.List[0]
	return &SymbolInfo{
		Symbol:      s.Symbol,
		BaseAsset:   s.BaseCoin,
		QuoteAsset:  s.QuoteCoin,
		LotSize:     parseFloat(s.LotSizeFilter.BasePrecision),
		TickSize:    parseFloat(s.PriceFilter.TickSize),
		MinNotional: parseFloat(s.LotSizeFilter.MinOrderAmt),
	}, nil
}

// PlaceOrder выставляет спотовый ордер.
// Стоп-лимит выставляется как условный ордер (orderFilter=StopOrder).
func (b *Bybit) PlaceOrder(ctx context.Context, params *OrderParams) (*OrderInfo, error) {
	if params == nil || params.Size <= 0 {
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeInvalidRequest, Message: "order size must be positive"}
	}

	// Конвертируем side в формат Bybit
	bybitSide := "Buy"
	if params.Side == models.SideSell {
		bybitSide = "Sell"
	}

	req := map[string]string{
		"category": bybitCategory,
		"symbol":   params.Symbol,
		"side":     bybitSide,
		"qty":      formatFloat(params.Size),
	}
	price := params.Price
	switch params.Type {
	case models.OrderTypeMarket:
		req["orderType"] = "Market"
		req["marketUnit"] = "baseCoin"
	case models.OrderTypeLimit:
		req["orderType"] = "Limit"
		req["price"] = formatFloat(params.Price)
		req["timeInForce"] = "GTC"
	case models.OrderTypeStopLossLimit:
		req["orderType"] = "Limit"
		req["price"] = formatFloat(params.LimitPrice)
		req["triggerPrice"] = formatFloat(params.StopPrice)
		req["orderFilter"] = "StopOrder"
		req["timeInForce"] = "GTC"
		price = params.LimitPrice
	default:
		return nil, &ExchangeError{Exchange: "bybit", Code: CodeInvalidRequest, Message: "unsupported order type " + string(params.Type)}
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", req, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if resp.Time > 0 {
		now = time.UnixMilli(resp.Time).UTC()
	}
	return &OrderInfo{
		ID:            resp.Result.OrderID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Type:          params.Type,
		Status:        models.OrderStatusPlaced,
		Price:         price,
		StopPrice:     params.StopPrice,
		RequestedSize: params.Size,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CancelOrder отменяет ордер и возвращает его снимок.
// Если ордер уже завершён, биржа отвечает "order not exists", тогда
// возвращается снимок из истории.
func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true)
	var exErr *ExchangeError
	if err != nil && !(errors.As(err, &exErr) && exErr.Code == CodeUnknownOrder) {
		return nil, err
	}
	return b.GetOrder(ctx, symbol, orderID)
}

// GetOrder ищет ордер среди открытых, затем в истории
func (b *Bybit) GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		info, err := b.queryOrder(ctx, endpoint, symbol, orderID)
		if err != nil {
			return nil, err
		}
		if info != nil {
			return info, nil
		}
	}
	return nil, &ExchangeError{Exchange: "bybit", Code: CodeUnknownOrder, Message: "unknown order " + orderID}
}

type bybitOrder struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (b *Bybit) queryOrder(ctx context.Context, endpoint, symbol, orderID string) (*OrderInfo, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	body, err := b.doRequest(ctx, http.MethodGet, endpoint, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []bybitOrder `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	for _, o := range resp.Result.List {
		if o.OrderID == orderID {
			return o.toInfo(), nil
		}
	}
	return nil, nil
}

func (o bybitOrder) toInfo() *OrderInfo {
	info := &OrderInfo{
		ID:            o.OrderID,
		Symbol:        o.Symbol,
		Side:          models.SideBuy,
		Type:          models.OrderTypeMarket,
		Status:        bybitStatus(o.OrderStatus),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.TriggerPrice),
		RequestedSize: parseFloat(o.Qty),
		FilledSize:    parseFloat(o.CumExecQty),
		AvgFillPrice:  parseFloat(o.AvgPrice),
		Fee:           parseFloat(o.CumExecFee),
		CreatedAt:     parseMillis(o.CreatedTime),
		UpdatedAt:     parseMillis(o.UpdatedTime),
	}
	if o.Side == "Sell" {
		info.Side = models.SideSell
	}
	switch {
	case info.StopPrice > 0:
		info.Type = models.OrderTypeStopLossLimit
	case o.OrderType == "Limit":
		info.Type = models.OrderTypeLimit
	}
	if info.Status == models.OrderStatusFilled {
		info.FilledAt = info.UpdatedAt
	}
	return info
}

// bybitStatus переводит статус ордера Bybit в статус модели
func bybitStatus(s string) models.OrderStatus {
	switch s {
	case "New", "PartiallyFilled", "Untriggered", "Triggered", "Active":
		return models.OrderStatusPlaced
	case "Filled":
		return models.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return models.OrderStatusCancelled
	case "Rejected":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusUnknown
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
