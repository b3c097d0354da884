package agents

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
)

// CompletionRequest is the provider-agnostic completion call
type CompletionRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Provider is the opaque text-completion boundary. Implementations return
// apperr errors of kind ProviderUnavailable, ProviderRejected or ProviderEmpty.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// classifyStatus maps a non-200 HTTP status onto the provider error taxonomy
func classifyStatus(status int, body string) error {
	msg := fmt.Sprintf("provider returned status %d", status)
	cause := fmt.Errorf("%s", truncateBody(body))

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return apperr.Rejected(msg, cause)
	case status == http.StatusTooManyRequests:
		lower := strings.ToLower(body)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient") || strings.Contains(lower, "billing") {
			return apperr.Rejected(msg, cause)
		}
		return apperr.Unavailable(msg, cause)
	case status == http.StatusRequestTimeout, status >= 500:
		return apperr.Unavailable(msg, cause)
	default:
		return apperr.Rejected(msg, cause)
	}
}

func truncateBody(body string) string {
	const max = 512
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
