package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aliarzani/Zinc-bot/config"
)

type createTicketRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description" binding:"required"`
	Category    string `json:"category" binding:"required"`
	Priority    string `json:"priority"`
}

// handleCreateTicket 创建一张支持工单
func (s *Server) handleCreateTicket(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket := &config.Ticket{
		UserID:      currentUserID(c),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Category:    req.Category,
		Priority:    req.Priority,
	}
	if err := s.db.CreateTicket(ticket); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": ticket})
}

// handleListTickets 当前用户的全部工单，新的在前
func (s *Server) handleListTickets(c *gin.Context) {
	tickets, err := s.db.ListTickets(currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load tickets failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

// handleGetTicket 取单张工单（含回复）。别人的工单一律404
func (s *Server) handleGetTicket(c *gin.Context) {
	ticket, err := s.db.GetTicket(currentUserID(c), c.Param("id"))
	if errors.Is(err, config.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "ticket not found",
			"code":  "TICKET_NOT_FOUND",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load ticket failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

type ticketResponseRequest struct {
	Message string `json:"message" binding:"required"`
}

// handleAddTicketResponse 给自己的工单追加一条回复
func (s *Server) handleAddTicketResponse(c *gin.Context) {
	var req ticketResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.db.AddTicketResponse(currentUserID(c), c.Param("id"), req.Message, config.TicketSenderUser)
	if errors.Is(err, config.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "ticket not found",
			"code":  "TICKET_NOT_FOUND",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"response": resp})
}
