package bybit

import "encoding/json"

type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ReqID   string          `json:"req_id"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

type request struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// bookData is shared by websocket frames and the REST result.
type bookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID uint64     `json:"u"`
	Seq      uint64     `json:"seq"`
	Ts       int64      `json:"ts"`
}

// publicTrade keys differ only by case ("s"/"S"), so both are declared.
type publicTrade struct {
	Time       int64  `json:"T"`
	Symbol     string `json:"s"`
	Side       string `json:"S"`
	Size       string `json:"v"`
	Price      string `json:"p"`
	TickDir    string `json:"L"`
	TradeID    string `json:"i"`
	BlockTrade bool   `json:"BT"`
}
