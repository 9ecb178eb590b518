package book

// Verdict is a SequenceRule's decision about one delta.
type Verdict int

const (
	// Apply means the delta continues the book.
	Apply Verdict = iota
	// Stale means the book already covers the delta.
	Stale
	// Gap means at least one update was missed.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// SequenceRule checks a delta against the last applied native id. bridged
// is false for the first delta after a snapshot, when several exchanges
// use an overlap check instead of strict succession.
type SequenceRule interface {
	Check(last uint64, bridged bool, d Delta) Verdict
}

// RuleFunc adapts a function to SequenceRule.
type RuleFunc func(last uint64, bridged bool, d Delta) Verdict

func (f RuleFunc) Check(last uint64, bridged bool, d Delta) Verdict {
	return f(last, bridged, d)
}

// BinanceSpotRule: drop u <= last; the first delta must satisfy
// U <= last+1 <= u and every following one U == last+1.
var BinanceSpotRule = RuleFunc(func(last uint64, bridged bool, d Delta) Verdict {
	if d.LastID <= last {
		return Stale
	}
	if !bridged {
		if d.FirstID <= last+1 && last+1 <= d.LastID {
			return Apply
		}
		return Gap
	}
	if d.FirstID == last+1 {
		return Apply
	}
	return Gap
})

// BinanceFuturesRule: drop u < last; the first delta must satisfy
// U <= last <= u and every following one pu == last.
var BinanceFuturesRule = RuleFunc(func(last uint64, bridged bool, d Delta) Verdict {
	if d.LastID < last {
		return Stale
	}
	if !bridged {
		if d.FirstID <= last && last <= d.LastID {
			return Apply
		}
		return Gap
	}
	if d.PrevID == last {
		return Apply
	}
	return Gap
})

// BybitRule: deltas carry a single update id that must grow by one.
var BybitRule = RuleFunc(func(last uint64, _ bool, d Delta) Verdict {
	switch {
	case d.LastID <= last:
		return Stale
	case d.LastID == last+1:
		return Apply
	default:
		return Gap
	}
})

// KuCoinRule: the range [sequenceStart, sequenceEnd] must reach past last
// without skipping last+1. Changes numbered at or below last are filtered
// by the machine.
var KuCoinRule = RuleFunc(func(last uint64, _ bool, d Delta) Verdict {
	switch {
	case d.LastID <= last:
		return Stale
	case d.FirstID <= last+1:
		return Apply
	default:
		return Gap
	}
})

// OKXRule: prevSeqId must equal the last applied seqId. OKX may repeat a
// seqId with prevSeqId == seqId when nothing changed.
var OKXRule = RuleFunc(func(last uint64, _ bool, d Delta) Verdict {
	if d.PrevID == last {
		return Apply
	}
	if d.LastID <= last {
		return Stale
	}
	return Gap
})
