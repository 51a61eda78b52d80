package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// BalanceUpdate is pushed to an account's sockets after a committed transfer.
// One transfer produces one update per touched account; clients deduplicate
// on (transfer_id, account_id).
type BalanceUpdate struct {
	TransferID string    `json:"transfer_id"`
	AccountID  string    `json:"account_id"`
	Kind       string    `json:"kind,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Balance    string    `json:"balance"`
	At         time.Time `json:"at"`
}

// Hub fans balance updates out to the sockets subscribed to each account.
type Hub struct {
	mu       sync.Mutex
	accounts map[string]map[*Client]struct{}
	closed   bool
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		accounts: make(map[string]map[*Client]struct{}),
		logger:   logger,
	}
}

// Subscribe attaches a client to an account. It reports false once the hub
// has been closed.
func (h *Hub) Subscribe(accountID string, client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.accounts[accountID] == nil {
		h.accounts[accountID] = make(map[*Client]struct{})
	}
	h.accounts[accountID][client] = struct{}{}
	return true
}

// Unsubscribe is safe to call more than once for the same client.
func (h *Hub) Unsubscribe(accountID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(accountID, client)
}

// Publish never blocks. A client whose send buffer is full is disconnected
// so it reconnects and reloads its balance instead of showing a stale one.
func (h *Hub) Publish(accountID string, update BalanceUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("encode balance update", "account_id", accountID, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.accounts[accountID] {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("dropping slow websocket client", "account_id", accountID, "transfer_id", update.TransferID)
			h.drop(accountID, client)
		}
	}
}

// Close disconnects every client and refuses new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for accountID, clients := range h.accounts {
		for client := range clients {
			h.drop(accountID, client)
		}
	}
}

func (h *Hub) Subscribers(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.accounts[accountID])
}

// drop requires h.mu. Closing send tells the write pump to hang up.
func (h *Hub) drop(accountID string, client *Client) {
	clients := h.accounts[accountID]
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.accounts, accountID)
	}
}
