// Package energy implements the mesh core's energy-credit ledger: the
// economic layer that charges nodes to send, rewards nodes for relaying,
// and discourages spam.
package energy

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Priority selects the pricing multiplier for a send.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityFactor = map[Priority]float64{
	PriorityLow:    0.5,
	PriorityNormal: 1.0,
	PriorityHigh:   1.5,
	PriorityUrgent: 2.0,
}

// Reason tags why a transaction moved credits.
type Reason string

const (
	ReasonSend      Reason = "send"
	ReasonRelay     Reason = "relay"
	ReasonReceive   Reason = "receive"
	ReasonPenalty   Reason = "penalty"
	ReasonRebalance Reason = "rebalance"
	ReasonRefund    Reason = "refund"
)

// Transaction is a single credit movement recorded against an account.
type Transaction struct {
	ID        string
	Timestamp time.Time
	FromNode  string
	ToNode    string
	Amount    float64
	Reason    Reason
	MessageID string
}

// Account is one node's energy balance and history.
type Account struct {
	NodeID          string
	Balance         float64
	TotalEarned     float64
	TotalSpent      float64
	MessagesSent    int
	MessagesRelayed int
	MessagesReceived int
	IsPluggedIn     bool
	RelayMultiplier float64
	transactions    []Transaction
}

// CanAfford reports whether the account has at least amount credits.
func (a *Account) CanAfford(amount float64) bool {
	return a.Balance >= amount
}

// Stats is a snapshot of an account's standing, suitable for an API
// response or log line.
type Stats struct {
	NodeID          string
	Balance         float64
	TotalEarned     float64
	TotalSpent      float64
	NetChange       float64
	MessagesSent    int
	MessagesRelayed int
	MessagesReceived int
	IsPluggedIn     bool
	RelayEfficiency float64
}

// Stats summarizes the account's lifetime activity.
func (a *Account) Stats() Stats {
	var efficiency float64
	if a.MessagesRelayed > 0 {
		efficiency = a.TotalEarned / float64(a.MessagesRelayed)
	}
	return Stats{
		NodeID:           a.NodeID,
		Balance:          a.Balance,
		TotalEarned:      a.TotalEarned,
		TotalSpent:       a.TotalSpent,
		NetChange:        a.TotalEarned - a.TotalSpent,
		MessagesSent:     a.MessagesSent,
		MessagesRelayed:  a.MessagesRelayed,
		MessagesReceived: a.MessagesReceived,
		IsPluggedIn:      a.IsPluggedIn,
		RelayEfficiency:  efficiency,
	}
}

// History returns the account's most recent transactions, oldest first,
// capped at limit entries.
func (a *Account) History(limit int) []Transaction {
	if limit <= 0 || limit > len(a.transactions) {
		limit = len(a.transactions)
	}
	start := len(a.transactions) - limit
	out := make([]Transaction, limit)
	copy(out, a.transactions[start:])
	return out
}

const (
	baseSendCost    = 100.0
	baseRelayReward = 10.0
	spamPenalty     = 50.0
	startingBalance = 1000.0
)

// Ledger tracks energy accounts across the mesh and implements the
// pricing and anti-spam rules that keep relaying worthwhile.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	txSeq    int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[string]*Account)}
}

// CreateAccount registers node with the given starting balance. A
// plugged-in node gets a 1.5x relay multiplier.
func (l *Ledger) CreateAccount(nodeID string, initialBalance float64, isPluggedIn bool) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	multiplier := 1.0
	if isPluggedIn {
		multiplier = 1.5
	}
	account := &Account{
		NodeID:          nodeID,
		Balance:         initialBalance,
		IsPluggedIn:     isPluggedIn,
		RelayMultiplier: multiplier,
	}
	l.accounts[nodeID] = account
	return account
}

// Account returns the account for nodeID, or nil if none exists.
func (l *Ledger) Account(nodeID string) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[nodeID]
}

// SendCost prices a send by payload size, priority, and expected hop count.
func SendCost(messageSizeKB float64, priority Priority, numHops int) float64 {
	sizeFactor := 1.0 + messageSizeKB*0.1
	hopFactor := 1.0 + float64(numHops)*0.2
	return round2(baseSendCost * sizeFactor * priorityFactor[priority] * hopFactor)
}

// RelayReward is a relay's cut of a send's cost: 10%, multiplied by 1.5
// if the relay is plugged in.
func RelayReward(messageCost float64, isPluggedIn bool) float64 {
	reward := messageCost * 0.1
	if isPluggedIn {
		reward *= 1.5
	}
	return round2(reward)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func (l *Ledger) nextTxID() string {
	l.txSeq++
	return fmt.Sprintf("tx_%d", l.txSeq)
}

// debit deducts amount from account, recording a transaction. Caller
// must hold l.mu. Returns false without modifying the account if the
// balance is insufficient.
func (l *Ledger) debit(account *Account, amount float64, reason Reason, messageID string) bool {
	if !account.CanAfford(amount) {
		return false
	}
	account.Balance -= amount
	account.TotalSpent += amount
	if reason == ReasonSend {
		account.MessagesSent++
	}
	account.transactions = append(account.transactions, Transaction{
		ID:        l.nextTxID(),
		Timestamp: time.Now(),
		FromNode:  account.NodeID,
		ToNode:    "network",
		Amount:    amount,
		Reason:    reason,
		MessageID: messageID,
	})
	return true
}

// credit adds amount to account, recording a transaction. Caller must
// hold l.mu. Callers that need the account's plug-in multiplier (relay
// rewards) apply it themselves before calling credit, since the amount
// here is taken as final.
func (l *Ledger) credit(account *Account, amount float64, reason Reason, fromNode, messageID string) {
	account.Balance += amount
	account.TotalEarned += amount
	switch reason {
	case ReasonRelay:
		account.MessagesRelayed++
	case ReasonReceive:
		account.MessagesReceived++
	}
	account.transactions = append(account.transactions, Transaction{
		ID:        l.nextTxID(),
		Timestamp: time.Now(),
		FromNode:  fromNode,
		ToNode:    account.NodeID,
		Amount:    amount,
		Reason:    reason,
		MessageID: messageID,
	})
}

// ErrNoSuchAccount is returned by ledger operations against an
// unregistered node.
var ErrNoSuchAccount = fmt.Errorf("energy: no such account")

// ChargeSend debits senderID the cost of sending messageID and returns
// the cost charged. Returns an error if the account doesn't exist or
// can't afford it.
func (l *Ledger) ChargeSend(senderID, messageID string, messageSizeKB float64, priority Priority, numHops int) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[senderID]
	if !ok {
		return 0, ErrNoSuchAccount
	}
	cost := SendCost(messageSizeKB, priority, numHops)
	if !l.debit(account, cost, ReasonSend, messageID) {
		return cost, fmt.Errorf("energy: %s has insufficient balance for cost %.2f", senderID, cost)
	}
	return cost, nil
}

// Refund reverses a prior charge against nodeID, e.g. because a send
// was charged but then found to have no route. A refund does not
// affect message counters.
func (l *Ledger) Refund(nodeID string, amount float64, messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[nodeID]
	if !ok {
		return
	}
	l.credit(account, amount, ReasonRefund, "network", messageID)
}

// CreditRelay rewards relayID for forwarding messageID, scaled from
// messageCost. No-op if the relay has no account.
func (l *Ledger) CreditRelay(relayID, messageID string, messageCost float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[relayID]
	if !ok {
		return
	}
	reward := RelayReward(messageCost, account.IsPluggedIn)
	l.credit(account, reward, ReasonRelay, "network", messageID)
}

// IsSpamming reports whether nodeID sent more than maxMessages sends
// within the trailing window.
func (l *Ledger) IsSpamming(nodeID string, window time.Duration, maxMessages int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[nodeID]
	if !ok {
		return false
	}
	cutoff := time.Now().Add(-window)
	count := 0
	for _, tx := range account.transactions {
		if tx.Reason == ReasonSend && !tx.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count > maxMessages
}

// ApplySpamPenalty debits nodeID a flat penalty. No-op if the account
// can't cover it or doesn't exist.
func (l *Ledger) ApplySpamPenalty(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[nodeID]
	if !ok {
		return
	}
	l.debit(account, spamPenalty, ReasonPenalty, "")
}

// Rebalance nudges the system away from hoarding: accounts below half
// of targetBalance get a small bonus, accounts above double get a
// small tax.
func (l *Ledger) Rebalance(targetBalance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, account := range l.accounts {
		switch {
		case account.Balance < targetBalance*0.5:
			bonus := (targetBalance*0.5 - account.Balance) * 0.1
			l.credit(account, bonus, ReasonRebalance, "network", "")
		case account.Balance > targetBalance*2.0:
			tax := (account.Balance - targetBalance*2.0) * 0.05
			l.debit(account, tax, ReasonRebalance, "")
		}
	}
}

// RelayRanking is one entry in NetworkStats' top-relay leaderboard.
type RelayRanking struct {
	NodeID   string
	Relayed  int
	Earned   float64
	Balance  float64
}

// NetworkStats is a point-in-time summary across every account on the
// ledger.
type NetworkStats struct {
	TotalNodes    int
	TotalEnergy   float64
	TotalEarned   float64
	TotalSpent    float64
	TotalMessages int
	TotalRelays   int
	AvgBalance    float64
	TopRelays     []RelayRanking
}

// NetworkStats aggregates every account into a single network-wide view.
func (l *Ledger) NetworkStats() NetworkStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.accounts) == 0 {
		return NetworkStats{}
	}

	var stats NetworkStats
	stats.TotalNodes = len(l.accounts)
	ranked := make([]*Account, 0, len(l.accounts))
	for _, account := range l.accounts {
		stats.TotalEnergy += account.Balance
		stats.TotalEarned += account.TotalEarned
		stats.TotalSpent += account.TotalSpent
		stats.TotalMessages += account.MessagesSent
		stats.TotalRelays += account.MessagesRelayed
		ranked = append(ranked, account)
	}
	stats.AvgBalance = round2(stats.TotalEnergy / float64(len(l.accounts)))
	stats.TotalEnergy = round2(stats.TotalEnergy)
	stats.TotalEarned = round2(stats.TotalEarned)
	stats.TotalSpent = round2(stats.TotalSpent)

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].MessagesRelayed > ranked[j].MessagesRelayed
	})
	top := ranked
	if len(top) > 5 {
		top = top[:5]
	}
	for _, account := range top {
		stats.TopRelays = append(stats.TopRelays, RelayRanking{
			NodeID:  account.NodeID,
			Relayed: account.MessagesRelayed,
			Earned:  round2(account.TotalEarned),
			Balance: round2(account.Balance),
		})
	}
	return stats
}

// DefaultInitialBalance is the starting balance new nodes join the
// network with.
const DefaultInitialBalance = startingBalance

// DefaultBaseRelayReward documents the market's uncomputed relay floor;
// RelayReward derives the real reward from a message's actual cost.
const DefaultBaseRelayReward = baseRelayReward
