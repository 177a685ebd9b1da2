package server

import (
	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/rules"
)

// EvaluateRequest is the payload for /api/evaluate
type EvaluateRequest = compliance.Request

// OverrideRequest is the payload for /api/override
type OverrideRequest struct {
	EvaluationID string `json:"evaluationId"`
	Reason       string `json:"reason"`
}

// RulesResponse is the response for /api/rules
type RulesResponse struct {
	Total int           `json:"total"`
	Rules []*rules.Rule `json:"rules"`
}

// ErrorResponse is returned for every non-2xx JSON answer
type ErrorResponse struct {
	Error string `json:"error"`
}
