package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"futures-session-bot-go/internal/models"
	"futures-session-bot-go/internal/resilience"

	"go.uber.org/zap"
)

// codeOrderNotFound：撤销一个已不存在的订单时交易所返回的错误码，
// 对撤单流程而言视同成功。
const codeOrderNotFound = 20001

// RestClient 实现了 Client 接口，用于与交易所REST API交互。
// 每个实例持有自己的弹性层（限速、熔断、重试），互不共享。
type RestClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	guard      *resilience.Guard
	log        *zap.SugaredLogger
	timeOffset int64 // 本地与服务器时钟偏移（毫秒），原子读写
}

// NewRestClient 创建REST客户端并与服务器同步时间。
func NewRestClient(baseURL, apiKey, secretKey string, rcfg models.ResilienceConfig, log *zap.SugaredLogger) (*RestClient, error) {
	c := &RestClient{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		guard:      resilience.NewGuard(rcfg, log),
		log:        log,
	}
	if err := c.syncTime(context.Background()); err != nil {
		return nil, fmt.Errorf("与交易所服务器同步时间失败: %w", err)
	}
	return c, nil
}

// syncTime 与服务器同步时间，计算时间偏移。
func (c *RestClient) syncTime(ctx context.Context) error {
	serverTime, err := c.GetServerTime(ctx)
	if err != nil {
		return err
	}
	offset := serverTime - time.Now().UnixMilli()
	atomic.StoreInt64(&c.timeOffset, offset)
	c.log.Infof("服务器时间同步完成, 偏移 %d ms", offset)
	return nil
}

// serverNow 返回校准后的服务器时间戳（毫秒）。
func (c *RestClient) serverNow() int64 {
	return time.Now().UnixMilli() + atomic.LoadInt64(&c.timeOffset)
}

// doRequest 是通用的请求处理函数。GET/DELETE 的参数进入查询串，
// POST 的参数以JSON作为请求体；签名覆盖两者。
func (c *RestClient) doRequest(ctx context.Context, method, endpoint string, params url.Values, jsonBody any, signed bool) ([]byte, error) {
	fullURL := c.baseURL + endpoint

	var bodyStr string
	if jsonBody != nil {
		raw, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("编码请求体失败: %w", err)
		}
		bodyStr = string(raw)
	}

	finalURL := fullURL
	if len(params) > 0 {
		finalURL = fullURL + "?" + params.Encode()
	}

	var bodyReader io.Reader
	if bodyStr != "" {
		bodyReader = bytes.NewReader([]byte(bodyStr))
	}
	req, err := http.NewRequestWithContext(ctx, method, finalURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if bodyStr != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		timestamp := strconv.FormatInt(c.serverNow(), 10)
		nonce := NewNonce()
		signature := Sign(nonce, timestamp, c.apiKey, CanonicalQuery(params), bodyStr, c.secretKey)
		req.Header.Set("X-API-KEY", c.apiKey)
		req.Header.Set("X-API-TIMESTAMP", timestamp)
		req.Header.Set("X-API-NONCE", nonce)
		req.Header.Set("X-API-SIGN", signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	// 交易所的业务错误优先于HTTP状态码
	var apiErr models.APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, &resilience.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// --- Client 接口实现 ---

// GetServerTime 获取服务器时间戳（毫秒）。
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	var out models.ServerTime
	err := c.guard.Do(ctx, "getServerTime", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, "/v1/time", nil, nil, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	return out.ServerTime, err
}

// GetCandles 拉取历史K线，用于启动预热与缺口回补。
// 交易所只返回已收盘的K线；end 为零值时取最新。
func (c *RestClient) GetCandles(ctx context.Context, symbol, interval string, limit int, end time.Time) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var raw []models.KlineData
	err := c.guard.Do(ctx, "getCandles", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, "/v1/klines", params, nil, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &raw)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		candle, err := klineToCandle(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetInstrument 获取合约交易规则。
func (c *RestClient) GetInstrument(ctx context.Context, symbol string) (*models.InstrumentInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out models.InstrumentInfo
	err := c.guard.Do(ctx, "getInstrument", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, "/v1/instrument", params, nil, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPosition 获取指定交易对的持仓。无持仓时 PositionAmt 为 "0"。
func (c *RestClient) GetPosition(ctx context.Context, symbol string) (*models.PositionData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out models.PositionData
	err := c.guard.Do(ctx, "getPosition", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, "/v1/position", params, nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalance 获取指定资产的余额。
func (c *RestClient) GetBalance(ctx context.Context, asset string) (*models.BalanceData, error) {
	params := url.Values{}
	params.Set("asset", asset)

	var out models.BalanceData
	err := c.guard.Do(ctx, "getBalance", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, "/v1/balance", params, nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// placeOrderBody 是下单请求的JSON体。字段顺序参与签名，不可调整。
type placeOrderBody struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	ReduceOnly    bool   `json:"reduceOnly,omitempty"`
	ClientOrderID string `json:"clientOrderId"`
}

// PlaceOrder 提交订单。clientOrderId 由调用方生成并在重试间复用，
// 交易所按其去重。
func (c *RestClient) PlaceOrder(ctx context.Context, req OrderRequest) (*models.OrderData, error) {
	body := placeOrderBody{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	}

	var out models.OrderData
	err := c.guard.Do(ctx, "placeOrder", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodPost, "/v1/order", nil, body, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder 按客户端订单ID撤单。订单已不存在时视同成功。
func (c *RestClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("clientOrderId", clientOrderID)

	err := c.guard.Do(ctx, "cancelOrder", func(ctx context.Context) error {
		_, err := c.doRequest(ctx, http.MethodDelete, "/v1/order", params, nil, true)
		if apiErr, ok := asAPIError(err); ok && apiErr.Code == codeOrderNotFound {
			c.log.Debugf("撤单时订单已不存在: %s", clientOrderID)
			return nil
		}
		return err
	})
	return err
}

// CancelAllOrders 撤销该交易对的全部挂单，返回撤销数量。
func (c *RestClient) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		Count int `json:"count"`
	}
	err := c.guard.Do(ctx, "cancelAllOrders", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodDelete, "/v1/orders", params, nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	return out.Count, err
}

// GetOpenOrders 获取该交易对的全部挂单。
func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out []models.OrderData
	err := c.guard.Do(ctx, "getOpenOrders", func(ctx context.Context) error {
		data, err := c.doRequest(ctx, http.MethodGet, "/v1/orders", params, nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

// Close 释放HTTP连接池。
func (c *RestClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// klineToCandle 将REST K线转换为内部Candle并校验。
func klineToCandle(k models.KlineData) (models.Candle, error) {
	var c models.Candle
	var err error
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return c, fmt.Errorf("解析K线开盘价失败: %w", err)
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return c, fmt.Errorf("解析K线最高价失败: %w", err)
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return c, fmt.Errorf("解析K线最低价失败: %w", err)
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return c, fmt.Errorf("解析K线收盘价失败: %w", err)
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return c, fmt.Errorf("解析K线成交量失败: %w", err)
	}
	c.Symbol = k.Symbol
	c.Interval = k.Interval
	c.OpenTime = time.UnixMilli(k.OpenTime)
	c.Closed = true
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// asAPIError 解出被包装的交易所业务错误。
func asAPIError(err error) (*models.APIError, bool) {
	if err == nil {
		return nil, false
	}
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
