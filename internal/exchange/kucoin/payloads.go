package kucoin

import "encoding/json"

type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.Number     `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type request struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

type l2Update struct {
	Changes struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
	SequenceStart uint64 `json:"sequenceStart"`
	SequenceEnd   uint64 `json:"sequenceEnd"`
	Symbol        string `json:"symbol"`
	Time          int64  `json:"time"`
}

type match struct {
	Price    string `json:"price"`
	Sequence string `json:"sequence"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	Symbol   string `json:"symbol"`
	Time     string `json:"time"`
	TradeID  string `json:"tradeId"`
	Type     string `json:"type"`
}
