package models

import "sort"

// Subscription is one (Instrument, StreamKind) pair a caller wants to observe.
type Subscription struct {
	Instrument Instrument
	Kind       StreamKind
}

func NewSubscription(instrument Instrument, kind StreamKind) Subscription {
	return Subscription{Instrument: instrument, Kind: kind}
}

func (s Subscription) String() string {
	return s.Kind.String() + s.Instrument.String()
}

// Less orders subscriptions by instrument then stream kind.
func (s Subscription) Less(o Subscription) bool {
	a, b := s.Instrument, o.Instrument
	if a.Base != b.Base {
		return a.Base < b.Base
	}
	if a.Quote != b.Quote {
		return a.Quote < b.Quote
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if s.Kind.Type != o.Kind.Type {
		return s.Kind.Type < o.Kind.Type
	}
	return s.Kind.Interval.String() < o.Kind.Interval.String()
}

// SortSubscriptions sorts in place using Subscription.Less.
func SortSubscriptions(subs []Subscription) {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Less(subs[j]) })
}

// SubscriptionID is the exchange-specific correlation token found in
// inbound frames.
type SubscriptionID string

// SubscriptionIDs maps every correlation token of a connection to its
// subscription. It is not modified after the registry builds it.
type SubscriptionIDs map[SubscriptionID]Subscription

// Find returns the subscription owning id.
func (ids SubscriptionIDs) Find(id SubscriptionID) (Subscription, bool) {
	sub, ok := ids[id]
	return sub, ok
}

// WsMessage is a raw outbound websocket payload.
type WsMessage []byte

// SubscriptionMeta is built once per connection before data flows.
type SubscriptionMeta struct {
	IDs               SubscriptionIDs
	ExpectedResponses int
	Subscriptions     []WsMessage
}

// StreamMeta is the running state of one subscription inside a transformer.
type StreamMeta struct {
	Sequence     uint64
	Subscription Subscription
}

func NewStreamMeta(sub Subscription) *StreamMeta {
	return &StreamMeta{Subscription: sub}
}

// Next returns the sequence to stamp on the next event and advances it.
func (m *StreamMeta) Next() uint64 {
	seq := m.Sequence
	m.Sequence++
	return seq
}

// StreamID identifies one stream of one exchange: "<exchange>|<subscription id>".
type StreamID string

func NewStreamID(exchange string, id SubscriptionID) StreamID {
	return StreamID(exchange + "|" + string(id))
}

func (s StreamID) String() string { return string(s) }
