package types

import "testing"

func TestTradingStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to TradingStatus
		want     bool
	}{
		{Watching, BuyOrdered, true},
		{BuyOrdered, PartialBought, true},
		{BuyOrdered, Bought, true},
		{PartialBought, Bought, true},
		{Bought, SellOrdered, true},
		{SellOrdered, PartialSold, true},
		{SellOrdered, Sold, true},
		{PartialSold, Sold, true},

		// recovery edges
		{BuyOrdered, Watching, true},
		{PartialBought, Watching, true},
		{SellOrdered, Bought, true},
		{PartialSold, Bought, true},

		// self-transitions re-assert status on repeated notices
		{PartialBought, PartialBought, true},

		// forbidden jumps
		{Watching, Bought, false},
		{Watching, Sold, false},
		{Bought, Watching, false},
		{Sold, Watching, false},
		{Sold, Bought, false},
		{PartialSold, Watching, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTradingStatusPredicates(t *testing.T) {
	t.Parallel()

	if Watching.Held() {
		t.Error("WATCHING should not be held")
	}
	if !Bought.Held() || !PartialBought.Held() || !SellOrdered.Held() || !PartialSold.Held() {
		t.Error("held statuses misreported")
	}
	if !BuyOrdered.PendingBuy() || !PartialBought.PendingBuy() {
		t.Error("pending buy statuses misreported")
	}
	if Bought.PendingBuy() {
		t.Error("BOUGHT is not a pending buy")
	}
	if !SellOrdered.PendingSell() || !PartialSold.PendingSell() {
		t.Error("pending sell statuses misreported")
	}
}

func TestOrderAckAccepted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ack  OrderAck
		want bool
	}{
		{"rt_cd 0", OrderAck{RtCd: "0"}, true},
		{"rt_cd 00", OrderAck{RtCd: "00"}, true},
		{"empty response", OrderAck{}, true},
		{"order no present", OrderAck{RtCd: "1", OrderNo: "0000012345"}, true},
		{"error code", OrderAck{RtCd: "1", MsgCd: "APBK0919", Msg: "insufficient cash"}, false},
	}

	for _, tt := range tests {
		if got := tt.ack.Accepted(); got != tt.want {
			t.Errorf("%s: Accepted() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExecutionNoticeDedupKey(t *testing.T) {
	t.Parallel()

	a := ExecutionNotice{OrderNo: "0000012345", ExecTime: "091203", ExecQty: 7}
	b := ExecutionNotice{OrderNo: "0000012345", ExecTime: "091203", ExecQty: 7}
	c := ExecutionNotice{OrderNo: "0000012345", ExecTime: "091203", ExecQty: 6}

	if a.DedupKey() != b.DedupKey() {
		t.Errorf("identical notices produced different keys: %q vs %q", a.DedupKey(), b.DedupKey())
	}
	if a.DedupKey() == c.DedupKey() {
		t.Errorf("different quantities produced the same key: %q", a.DedupKey())
	}
}

func TestSideString(t *testing.T) {
	t.Parallel()

	if SideBuy.String() != "buy" || SideSell.String() != "sell" {
		t.Errorf("Side strings = %q/%q, want buy/sell", SideBuy.String(), SideSell.String())
	}
}
