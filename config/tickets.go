package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 工单优先级和状态取值
const (
	TicketPriorityLow    = "low"
	TicketPriorityMedium = "medium"
	TicketPriorityHigh   = "high"

	TicketStatusOpen       = "open"
	TicketStatusInProgress = "in-progress"
	TicketStatusClosed     = "closed"

	TicketSenderUser    = "user"
	TicketSenderSupport = "support"
)

// Ticket 用户支持工单
type Ticket struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Category    string            `json:"category"`
	Priority    string            `json:"priority"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	Responses   []*TicketResponse `json:"responses"`
}

// TicketResponse 工单下的一条回复
type TicketResponse struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Message   string    `json:"message"`
	Sender    string    `json:"sender"` // user | support
	CreatedAt time.Time `json:"created_at"`
}

func validTicketPriority(p string) bool {
	return p == TicketPriorityLow || p == TicketPriorityMedium || p == TicketPriorityHigh
}

func validTicketSender(s string) bool {
	return s == TicketSenderUser || s == TicketSenderSupport
}

// CreateTicket 创建工单。ID缺省生成，优先级缺省medium，状态固定open
func (d *Database) CreateTicket(t *Ticket) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("ticket title required")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("ticket description required")
	}
	if strings.TrimSpace(t.Category) == "" {
		return fmt.Errorf("ticket category required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = TicketPriorityMedium
	}
	if !validTicketPriority(t.Priority) {
		return fmt.Errorf("invalid ticket priority %q", t.Priority)
	}
	t.Status = TicketStatusOpen

	_, err := d.db.Exec(
		`INSERT INTO tickets (id, user_id, title, description, category, priority, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Description, t.Category, t.Priority, t.Status,
	)
	return err
}

// ListTickets 按创建时间倒序返回用户的全部工单，每个工单带回复（正序）
func (d *Database) ListTickets(userID string) ([]*Ticket, error) {
	rows, err := d.db.Query(
		`SELECT id, user_id, title, description, category, priority, status, created_at
		 FROM tickets WHERE user_id = ? ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range out {
		if t.Responses, err = d.listTicketResponses(t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetTicket 按ID取用户自己的工单（带回复）。别人的工单等同不存在
func (d *Database) GetTicket(userID, ticketID string) (*Ticket, error) {
	row := d.db.QueryRow(
		`SELECT id, user_id, title, description, category, priority, status, created_at
		 FROM tickets WHERE id = ? AND user_id = ?`,
		ticketID, userID,
	)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Responses, err = d.listTicketResponses(t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// AddTicketResponse 给用户自己的工单追加一条回复
func (d *Database) AddTicketResponse(userID, ticketID, message, sender string) (*TicketResponse, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("response message required")
	}
	if !validTicketSender(sender) {
		return nil, fmt.Errorf("invalid response sender %q", sender)
	}

	// 先确认工单归属，避免跨用户回复
	var exists int
	err := d.db.QueryRow(`SELECT 1 FROM tickets WHERE id = ? AND user_id = ?`, ticketID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp := &TicketResponse{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		Message:   message,
		Sender:    sender,
		CreatedAt: time.Now().UTC(),
	}
	_, err = d.db.Exec(
		`INSERT INTO ticket_responses (id, ticket_id, message, sender, created_at) VALUES (?, ?, ?, ?, ?)`,
		resp.ID, resp.TicketID, resp.Message, resp.Sender, resp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Database) listTicketResponses(ticketID string) ([]*TicketResponse, error) {
	rows, err := d.db.Query(
		`SELECT id, ticket_id, message, sender, created_at
		 FROM ticket_responses WHERE ticket_id = ? ORDER BY created_at, id`,
		ticketID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*TicketResponse, 0)
	for rows.Next() {
		var r TicketResponse
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Message, &r.Sender, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Category, &t.Priority, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
