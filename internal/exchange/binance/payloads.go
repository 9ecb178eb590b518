package binance

import "encoding/json"

// Binance event keys differ only by case ("e"/"E", "t"/"T", "l"/"L"), and
// encoding/json matches keys case-insensitively when no exact field
// exists. Every struct below therefore declares both spellings.

// envelope is the minimum needed to route a frame.
type envelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	Kline     *klineRoute     `json:"k"`
	Result    json.RawMessage `json:"result"`
	ID        *int64          `json:"id"`
	Error     *apiError       `json:"error"`
}

type klineRoute struct {
	Interval string `json:"i"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// depthUpdate covers spot and USD-M futures diff depth events.
type depthUpdate struct {
	Event            string     `json:"e"`
	EventTime        int64      `json:"E"`
	TransactionTime  int64      `json:"T"`
	Symbol           string     `json:"s"`
	FirstUpdateID    uint64     `json:"U"`
	LastUpdateID     uint64     `json:"u"`
	PrevLastUpdateID int64      `json:"pu"`
	Bids             [][]string `json:"b"`
	Asks             [][]string `json:"a"`
}

type trade struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	TradeTime    int64  `json:"T"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyerIsMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

type aggTrade struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type klineEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     kline  `json:"k"`
}

type kline struct {
	StartTime        int64  `json:"t"`
	CloseTime        int64  `json:"T"`
	Symbol           string `json:"s"`
	Interval         string `json:"i"`
	FirstTradeID     int64  `json:"f"`
	LastTradeID      int64  `json:"L"`
	Open             string `json:"o"`
	Close            string `json:"c"`
	High             string `json:"h"`
	Low              string `json:"l"`
	Volume           string `json:"v"`
	TradeCount       int64  `json:"n"`
	Closed           bool   `json:"x"`
	QuoteVolume      string `json:"q"`
	TakerBuyVolume   string `json:"V"`
	TakerBuyQuoteVol string `json:"Q"`
	Ignore           string `json:"B"`
}
