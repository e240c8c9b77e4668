package rest

import (
	"strconv"
	"strings"

	"github.com/hostwell/event-platform/services/request-service/internal/domain"
)

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

func parseOffset(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseStatus(s string) (*domain.RequestStatus, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, true
	}
	switch st := domain.RequestStatus(s); st {
	case domain.StatusPending, domain.StatusApproved, domain.StatusDeclined,
		domain.StatusWaitlisted, domain.StatusExpired, domain.StatusCancelled:
		return &st, true
	}
	return nil, false
}
