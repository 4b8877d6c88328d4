package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// statusCoder is implemented by errors that carry an upstream status code
type statusCoder interface {
	StatusCode() int
}

var (
	timeoutWords    = []string{"timeout", "timed out", "deadline exceeded", "etimedout"}
	rateLimitWords  = []string{"rate limit", "ratelimit", "too many requests", "quota exceeded", "throttl"}
	networkWords    = []string{"network", "connection refused", "connection reset", "econnrefused", "econnreset", "enotfound", "no such host", "dns", "unreachable", "broken pipe", "socket", "fetch failed"}
	validationWords = []string{"validation", "invalid", "required", "malformed", "must be"}
)

// ClassifyError maps an error onto its retry category. Checks run in order:
// timeout, rate limit, network, 5xx, 4xx, validation, with unknown as fallback.
func ClassifyError(err error) common.ErrorCategory {
	if err == nil {
		return common.CategoryUnknown
	}

	if appErr := common.GetAppError(err); appErr != nil && appErr.Category != "" && appErr.Category != common.CategoryUnknown {
		return appErr.Category
	}

	msg := strings.ToLower(err.Error())
	status := statusCodeOf(err)

	if isTimeout(err) || containsAny(msg, timeoutWords) {
		return common.CategoryTimeout
	}
	if status == 429 || containsAny(msg, rateLimitWords) {
		return common.CategoryRateLimit
	}
	if isNetwork(err) || containsAny(msg, networkWords) {
		return common.CategoryNetwork
	}
	if status >= 500 && status <= 599 {
		return common.CategoryServerError
	}
	if status >= 400 && status <= 499 {
		return common.CategoryClientError
	}
	if containsAny(msg, validationWords) {
		return common.CategoryValidation
	}
	return common.CategoryUnknown
}

// RetryableCategories lists, per integration kind, which categories may be retried
type RetryableCategories map[types.IntegrationKind][]common.ErrorCategory

// DefaultRetryableCategories returns the retry table used when none is configured
func DefaultRetryableCategories() RetryableCategories {
	return RetryableCategories{
		types.KindDatabase:    {common.CategoryTimeout, common.CategoryNetwork, common.CategoryServerError},
		types.KindAIService:   {common.CategoryTimeout, common.CategoryRateLimit, common.CategoryNetwork, common.CategoryServerError},
		types.KindMarketData:  {common.CategoryTimeout, common.CategoryRateLimit, common.CategoryNetwork, common.CategoryServerError},
		types.KindCache:       {common.CategoryTimeout, common.CategoryNetwork},
		types.KindExternalAPI: {common.CategoryTimeout, common.CategoryRateLimit, common.CategoryNetwork, common.CategoryServerError},
	}
}

// IsRetryable reports whether category is retryable for kind
func (r RetryableCategories) IsRetryable(kind types.IntegrationKind, category common.ErrorCategory) bool {
	for _, c := range r[kind] {
		if c == category {
			return true
		}
	}
	return false
}

// StandardizeError converts any error into a categorised AppError for the given kind
func StandardizeError(err error, kind types.IntegrationKind, retryable RetryableCategories) *common.AppError {
	if err == nil {
		return nil
	}
	if retryable == nil {
		retryable = DefaultRetryableCategories()
	}

	category := ClassifyError(err)

	var std *common.AppError
	if appErr := common.GetAppError(err); appErr != nil {
		copied := *appErr
		std = &copied
		if std.Category == "" || std.Category == common.CategoryUnknown {
			std.Category = category
		}
	} else {
		std = &common.AppError{
			Code:       common.CodeForCategory(category),
			Category:   category,
			Message:    err.Error(),
			StatusCode: statusCodeOf(err),
			Cause:      err,
		}
	}

	std.IntegrationKind = kind
	std.Retryable = retryable.IsRetryable(kind, std.Category)
	std.Timestamp = time.Now()
	return std
}

func statusCodeOf(err error) int {
	if appErr := common.GetAppError(err); appErr != nil && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
