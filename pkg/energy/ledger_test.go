package energy

import (
	"testing"
	"time"
)

func TestSendCostFactorsInSizePriorityAndHops(t *testing.T) {
	base := SendCost(0, PriorityNormal, 0)
	if base != 100.0 {
		t.Fatalf("expected base cost 100.0, got %v", base)
	}

	sized := SendCost(1.0, PriorityNormal, 0)
	if sized != 110.0 {
		t.Fatalf("expected +10%% per KB, got %v", sized)
	}

	urgent := SendCost(0, PriorityUrgent, 0)
	if urgent != 200.0 {
		t.Fatalf("expected 2x urgent multiplier, got %v", urgent)
	}

	hopped := SendCost(0, PriorityNormal, 3)
	if hopped != 160.0 {
		t.Fatalf("expected +20%% per hop, got %v", hopped)
	}
}

func TestRelayRewardPluggedInBonus(t *testing.T) {
	standard := RelayReward(100.0, false)
	if standard != 10.0 {
		t.Fatalf("expected standard reward 10.0, got %v", standard)
	}
	pluggedIn := RelayReward(100.0, true)
	if pluggedIn != 15.0 {
		t.Fatalf("expected plugged-in reward 15.0, got %v", pluggedIn)
	}
}

func TestChargeSendDebitsAndTracksCount(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("alice", DefaultInitialBalance, false)

	cost, err := l.ChargeSend("alice", "msg-1", 1.0, PriorityNormal, 2)
	if err != nil {
		t.Fatal(err)
	}

	account := l.Account("alice")
	if account.Balance != DefaultInitialBalance-cost {
		t.Fatalf("balance not debited: got %v", account.Balance)
	}
	if account.MessagesSent != 1 {
		t.Fatalf("expected messages sent 1, got %d", account.MessagesSent)
	}
}

func TestChargeSendFailsOnInsufficientBalance(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("poor", 10.0, false)

	if _, err := l.ChargeSend("poor", "msg-1", 1.0, PriorityNormal, 2); err == nil {
		t.Fatal("expected insufficient-balance error")
	}
	if l.Account("poor").Balance != 10.0 {
		t.Fatal("balance should not change on a failed debit")
	}
}

func TestChargeSendUnknownAccount(t *testing.T) {
	l := NewLedger()
	if _, err := l.ChargeSend("ghost", "msg-1", 1.0, PriorityNormal, 2); err != ErrNoSuchAccount {
		t.Fatalf("expected ErrNoSuchAccount, got %v", err)
	}
}

func TestCreditRelayAppliesPluggedInMultiplier(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("bob", 0, true)
	l.CreateAccount("carol", 0, false)

	l.CreditRelay("bob", "msg-1", 100.0)
	l.CreditRelay("carol", "msg-1", 100.0)

	if got := l.Account("bob").Balance; got != 15.0 {
		t.Fatalf("bob plugged-in relay reward: got %v want 15.0", got)
	}
	if got := l.Account("carol").Balance; got != 10.0 {
		t.Fatalf("carol standard relay reward: got %v want 10.0", got)
	}
	if l.Account("bob").MessagesRelayed != 1 {
		t.Fatal("expected bob's relay count to increment")
	}
}

func TestIsSpammingThresholdAndWindow(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("spammer", 100000, false)

	for i := 0; i < 11; i++ {
		if _, err := l.ChargeSend("spammer", "msg", 0, PriorityLow, 0); err != nil {
			t.Fatal(err)
		}
	}
	if !l.IsSpamming("spammer", time.Minute, 10) {
		t.Fatal("expected spam detected after 11 sends in one window")
	}
	if l.IsSpamming("spammer", time.Minute, 20) {
		t.Fatal("expected no spam detected under a looser threshold")
	}
}

func TestApplySpamPenaltyDebitsFlatAmount(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("node", 100.0, false)
	l.ApplySpamPenalty("node")
	if got := l.Account("node").Balance; got != 50.0 {
		t.Fatalf("expected penalty of 50.0 applied, got balance %v", got)
	}
}

func TestRebalanceBoostsLowBalanceAndTaxesHoarders(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("poor", 100.0, false)
	l.CreateAccount("rich", 3000.0, false)
	l.CreateAccount("typical", 1000.0, false)

	l.Rebalance(1000.0)

	if got := l.Account("poor").Balance; got <= 100.0 {
		t.Fatalf("expected poor account boosted, got %v", got)
	}
	if got := l.Account("rich").Balance; got >= 3000.0 {
		t.Fatalf("expected rich account taxed, got %v", got)
	}
	if got := l.Account("typical").Balance; got != 1000.0 {
		t.Fatalf("expected typical account untouched, got %v", got)
	}
}

func TestNetworkStatsAggregatesAndRanksTopRelays(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("alice", 1000.0, false)
	l.CreateAccount("bob", 1000.0, true)
	l.CreateAccount("carol", 1000.0, false)

	l.CreditRelay("bob", "m1", 100.0)
	l.CreditRelay("bob", "m2", 100.0)
	l.CreditRelay("carol", "m1", 100.0)

	stats := l.NetworkStats()
	if stats.TotalNodes != 3 {
		t.Fatalf("expected 3 nodes, got %d", stats.TotalNodes)
	}
	if stats.TotalRelays != 3 {
		t.Fatalf("expected 3 total relays, got %d", stats.TotalRelays)
	}
	if len(stats.TopRelays) == 0 || stats.TopRelays[0].NodeID != "bob" {
		t.Fatalf("expected bob to rank first by relay count, got %+v", stats.TopRelays)
	}
}

func TestNetworkStatsEmptyLedger(t *testing.T) {
	l := NewLedger()
	stats := l.NetworkStats()
	if stats.TotalNodes != 0 {
		t.Fatalf("expected zero-value stats for an empty ledger, got %+v", stats)
	}
}

func TestAccountHistoryRespectsLimit(t *testing.T) {
	l := NewLedger()
	l.CreateAccount("alice", 100000, false)
	for i := 0; i < 5; i++ {
		if _, err := l.ChargeSend("alice", "msg", 0, PriorityLow, 0); err != nil {
			t.Fatal(err)
		}
	}
	history := l.Account("alice").History(2)
	if len(history) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(history))
	}
}
