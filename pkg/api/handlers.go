package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zentalk/meshphone/pkg/energy"
	"github.com/zentalk/meshphone/pkg/wire"
)

// NodeInfoResponse describes this node's identity and reachability.
type NodeInfoResponse struct {
	Success       bool     `json:"success"`
	NodeID        string   `json:"nodeId"`
	NeighborCount int      `json:"neighborCount"`
	Neighbors     []string `json:"neighbors"`
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	neighbors := s.node.Neighbors()
	c.JSON(http.StatusOK, NodeInfoResponse{
		Success:       true,
		NodeID:        s.node.Self(),
		NeighborCount: len(neighbors),
		Neighbors:     neighbors,
	})
}

// NodeStatsResponse mirrors meshcore.Stats.
type NodeStatsResponse struct {
	Success          bool `json:"success"`
	MessagesSent     int  `json:"messagesSent"`
	MessagesRelayed  int  `json:"messagesRelayed"`
	MessagesReceived int  `json:"messagesReceived"`
	MessagesDropped  int  `json:"messagesDropped"`
	RelayQueueFull   int  `json:"relayQueueFull"`
}

func (s *Server) handleNodeStats(c *gin.Context) {
	stats := s.node.Stats()
	c.JSON(http.StatusOK, NodeStatsResponse{
		Success:          true,
		MessagesSent:     stats.MessagesSent,
		MessagesRelayed:  stats.MessagesRelayed,
		MessagesReceived: stats.MessagesReceived,
		MessagesDropped:  stats.MessagesDropped,
		RelayQueueFull:   stats.RelayQueueFull,
	})
}

// NeighborsResponse lists the node's currently reachable neighbors.
type NeighborsResponse struct {
	Success   bool     `json:"success"`
	Count     int      `json:"count"`
	Neighbors []string `json:"neighbors"`
}

func (s *Server) handleNeighbors(c *gin.Context) {
	neighbors := s.node.Neighbors()
	c.JSON(http.StatusOK, NeighborsResponse{
		Success:   true,
		Count:     len(neighbors),
		Neighbors: neighbors,
	})
}

// EnergyBalanceResponse mirrors energy.Account.Stats for this node.
type EnergyBalanceResponse struct {
	Success         bool    `json:"success"`
	Balance         float64 `json:"balance"`
	TotalEarned     float64 `json:"totalEarned"`
	TotalSpent      float64 `json:"totalSpent"`
	NetChange       float64 `json:"netChange"`
	MessagesSent    int     `json:"messagesSent"`
	MessagesRelayed int     `json:"messagesRelayed"`
	IsPluggedIn     bool    `json:"isPluggedIn"`
	RelayEfficiency float64 `json:"relayEfficiency"`
}

func (s *Server) handleEnergyBalance(c *gin.Context) {
	stats, ok := s.node.EnergyStats()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no energy account for this node"})
		return
	}
	c.JSON(http.StatusOK, EnergyBalanceResponse{
		Success:         true,
		Balance:         stats.Balance,
		TotalEarned:     stats.TotalEarned,
		TotalSpent:      stats.TotalSpent,
		NetChange:       stats.NetChange,
		MessagesSent:    stats.MessagesSent,
		MessagesRelayed: stats.MessagesRelayed,
		IsPluggedIn:     stats.IsPluggedIn,
		RelayEfficiency: stats.RelayEfficiency,
	})
}

// EnergyNetworkResponse mirrors energy.NetworkStats, the mesh-wide view.
type EnergyNetworkResponse struct {
	Success       bool                  `json:"success"`
	TotalNodes    int                   `json:"totalNodes"`
	TotalEnergy   float64               `json:"totalEnergy"`
	TotalMessages int                   `json:"totalMessages"`
	TotalRelays   int                   `json:"totalRelays"`
	AvgBalance    float64               `json:"avgBalance"`
	TopRelays     []energy.RelayRanking `json:"topRelays"`
}

func (s *Server) handleEnergyNetwork(c *gin.Context) {
	stats := s.node.NetworkEnergyStats()
	c.JSON(http.StatusOK, EnergyNetworkResponse{
		Success:       true,
		TotalNodes:    stats.TotalNodes,
		TotalEnergy:   stats.TotalEnergy,
		TotalMessages: stats.TotalMessages,
		TotalRelays:   stats.TotalRelays,
		AvgBalance:    stats.AvgBalance,
		TopRelays:     stats.TopRelays,
	})
}

// SendRequest is the body of POST /api/v1/messages/send.
type SendRequest struct {
	Recipient string `json:"recipient" binding:"required"`
	Content   string `json:"content" binding:"required"`
	Priority  string `json:"priority"`
}

// SendResponse reports the outcome of an originated send.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Message: err.Error()})
		return
	}

	priority := wire.PriorityNormal
	switch req.Priority {
	case string(wire.PriorityLow):
		priority = wire.PriorityLow
	case string(wire.PriorityHigh):
		priority = wire.PriorityHigh
	case string(wire.PriorityUrgent):
		priority = wire.PriorityUrgent
	case "", string(wire.PriorityNormal):
		priority = wire.PriorityNormal
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid priority"})
		return
	}

	messageID, err := s.node.Send(req.Recipient, req.Content, priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "send failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SendResponse{Success: true, MessageID: messageID})
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Success bool `json:"success"`
	Healthy bool `json:"healthy"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Success: true, Healthy: true})
}
