package binance

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/internal/exchange"
	"marketflow/models"
)

func direction(buyerIsMaker bool) models.Direction {
	if buyerIsMaker {
		return models.Sell
	}
	return models.Buy
}

func decimals(fields map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(fields))
	for name, raw := range fields {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, models.NewMalformedPayload(name, raw, false, err)
		}
		out[name] = v
	}
	return out, nil
}

func tradeMapper(exchangeID string, inst models.Instrument) exchange.HandlerFunc {
	return func(payload []byte, received time.Time) ([]models.MarketData, error) {
		var t trade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, models.NewMalformedPayload("trade", "", false, err)
		}
		num, err := decimals(map[string]string{"p": t.Price, "q": t.Quantity})
		if err != nil {
			return nil, err
		}
		return []models.MarketData{models.Trade{
			ID:           strconv.FormatInt(t.TradeID, 10),
			Exchange:     exchangeID,
			Instrument:   inst,
			ReceivedTime: received,
			ExchangeTime: exchange.Millis(t.TradeTime),
			Price:        num["p"],
			Quantity:     num["q"],
			Direction:    direction(t.BuyerIsMaker),
		}}, nil
	}
}

func aggTradeMapper(exchangeID string, inst models.Instrument) exchange.HandlerFunc {
	return func(payload []byte, received time.Time) ([]models.MarketData, error) {
		var t aggTrade
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, models.NewMalformedPayload("aggTrade", "", false, err)
		}
		num, err := decimals(map[string]string{"p": t.Price, "q": t.Quantity})
		if err != nil {
			return nil, err
		}
		return []models.MarketData{models.Trade{
			ID:           strconv.FormatInt(t.AggTradeID, 10),
			Exchange:     exchangeID,
			Instrument:   inst,
			ReceivedTime: received,
			ExchangeTime: exchange.Millis(t.TradeTime),
			Price:        num["p"],
			Quantity:     num["q"],
			Direction:    direction(t.BuyerIsMaker),
		}}, nil
	}
}

// klineMapper emits a Kline for every update, or with closedOnly a Candle
// once the bar is final.
func klineMapper(exchangeID string, inst models.Instrument, closedOnly bool) exchange.HandlerFunc {
	return func(payload []byte, received time.Time) ([]models.MarketData, error) {
		var ev klineEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, models.NewMalformedPayload("kline", "", false, err)
		}
		k := ev.Kline
		if closedOnly && !k.Closed {
			return nil, nil
		}

		interval, err := models.NewInterval(k.Interval)
		if err != nil {
			return nil, models.NewMalformedPayload("k.i", k.Interval, false, err)
		}
		num, err := decimals(map[string]string{"k.o": k.Open, "k.h": k.High, "k.l": k.Low, "k.c": k.Close, "k.v": k.Volume})
		if err != nil {
			return nil, err
		}

		bar := models.Bar{
			Exchange:     exchangeID,
			Instrument:   inst,
			Interval:     interval,
			ReceivedTime: received,
			OpenTime:     exchange.Millis(k.StartTime),
			CloseTime:    exchange.Millis(k.CloseTime),
			Open:         num["k.o"],
			High:         num["k.h"],
			Low:          num["k.l"],
			Close:        num["k.c"],
			Volume:       num["k.v"],
			TradeCount:   k.TradeCount,
		}
		if closedOnly {
			return []models.MarketData{models.Candle{Bar: bar}}, nil
		}
		return []models.MarketData{models.Kline{Bar: bar, Closed: k.Closed}}, nil
	}
}
