package sqlite

import (
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-approval-routing/internal/repository"
)

type lineModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null"`
	Name      string
	Steps     string `gorm:"not null"`
	CreatedAt time.Time
}

func (lineModel) TableName() string { return "candidate_lines" }

type requestModel struct {
	ID          string `gorm:"primaryKey"`
	SubjectID   string `gorm:"not null"`
	RequesterID string `gorm:"not null"`
	LineID      string
	Line        string `gorm:"not null"`
	CurrentStep int    `gorm:"not null"`
	Status      string `gorm:"not null"`
	Version     int    `gorm:"not null"`
	SubmittedAt time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	CancelledBy *string
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (requestModel) TableName() string { return "approval_requests" }

type historyModel struct {
	ID         string `gorm:"primaryKey"`
	RequestID  string `gorm:"not null;index"`
	ApproverID string `gorm:"not null"`
	StepOrder  int    `gorm:"not null"`
	Role       string `gorm:"not null"`
	Action     string `gorm:"not null"`
	Comment    string
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
}

func (historyModel) TableName() string { return "approval_history" }

func toRequestModel(req *repository.ApprovalRequest) (requestModel, error) {
	line, err := json.Marshal(req.Line)
	if err != nil {
		return requestModel{}, err
	}
	return requestModel{
		ID:          req.ID,
		SubjectID:   req.SubjectID,
		RequesterID: req.RequesterID,
		LineID:      req.LineID,
		Line:        string(line),
		CurrentStep: req.CurrentStep,
		Status:      string(req.Status),
		Version:     req.Version,
		SubmittedAt: req.SubmittedAt,
		CompletedAt: req.CompletedAt,
		CancelledAt: req.CancelledAt,
		CancelledBy: req.CancelledBy,
		UpdatedAt:   req.UpdatedAt,
	}, nil
}

func (m requestModel) toDomain() (*repository.ApprovalRequest, error) {
	req := &repository.ApprovalRequest{
		ID:          m.ID,
		SubjectID:   m.SubjectID,
		RequesterID: m.RequesterID,
		LineID:      m.LineID,
		CurrentStep: m.CurrentStep,
		Status:      repository.Status(m.Status),
		Version:     m.Version,
		SubmittedAt: m.SubmittedAt,
		CompletedAt: m.CompletedAt,
		CancelledAt: m.CancelledAt,
		CancelledBy: m.CancelledBy,
		UpdatedAt:   m.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(m.Line), &req.Line); err != nil {
		return nil, err
	}
	return req, nil
}

func toHistoryModel(h *repository.ApprovalHistory) historyModel {
	return historyModel{
		ID:         h.ID,
		RequestID:  h.RequestID,
		ApproverID: h.ApproverID,
		StepOrder:  h.StepOrder,
		Role:       string(h.Role),
		Action:     string(h.Action),
		Comment:    h.Comment,
		CreatedAt:  h.CreatedAt,
	}
}

func (m historyModel) toDomain() *repository.ApprovalHistory {
	return &repository.ApprovalHistory{
		ID:         m.ID,
		RequestID:  m.RequestID,
		ApproverID: m.ApproverID,
		StepOrder:  m.StepOrder,
		Role:       repository.Role(m.Role),
		Action:     repository.Action(m.Action),
		Comment:    m.Comment,
		CreatedAt:  m.CreatedAt,
	}
}
