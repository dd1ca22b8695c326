package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// RULE MATCHING
// ============================================================================

// Matcher is a tagged pattern variant: either a case-insensitive literal
// substring or a compiled regular expression.
type Matcher struct {
	literal string
	pattern *regexp.Regexp
}

// Literal creates a matcher that tests for a case-insensitive substring.
func Literal(s string) Matcher {
	return Matcher{literal: strings.ToLower(s)}
}

// Pattern creates a matcher backed by a compiled regular expression.
func Pattern(re *regexp.Regexp) Matcher {
	return Matcher{pattern: re}
}

// Matches reports whether the matcher applies to the given text.
func (m Matcher) Matches(text string) bool {
	if m.pattern != nil {
		return m.pattern.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), m.literal)
}

// String returns the source pattern, used by RemoveRule for exact lookups.
func (m Matcher) String() string {
	if m.pattern != nil {
		return m.pattern.String()
	}
	return m.literal
}

// Rule pairs a pattern with the taxonomy and recovery values to assign on
// match. Rules are evaluated in order; the first match wins.
type Rule struct {
	Match      Matcher
	Category   ErrorCategory
	Severity   ErrorSeverity
	Retryable  bool
	Strategy   RecoveryStrategy
	MaxRetries int
	RetryDelay time.Duration
}

// Classification is the result of running an error through the rule list.
type Classification struct {
	Category   ErrorCategory
	Severity   ErrorSeverity
	Retryable  bool
	Strategy   RecoveryStrategy
	MaxRetries int
	RetryDelay time.Duration
}

// ============================================================================
// CLASSIFIER
// ============================================================================

// Classifier maps raw failures to a Classification via an ordered rule list.
// User-added rules take priority over the built-in defaults, and a fallback
// rule always exists, so the list is never empty.
type Classifier struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewClassifier creates a classifier seeded with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultRules()}
}

// AddRule prepends a rule, giving it priority over every existing rule.
func (c *Classifier) AddRule(r Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append([]Rule{r}, c.rules...)
}

// RemoveRule removes the first rule whose pattern source matches exactly.
// It returns false when no rule matched.
func (c *Classifier) RemoveRule(pattern string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rules {
		if r.Match.String() == pattern {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Classify maps an error to its classification. Already-categorized errors
// keep their taxonomy: classification happens exactly once at the boundary
// where a raw error is first caught.
func (c *Classifier) Classify(err error) Classification {
	if ce := AsCategorized(err); ce != nil {
		return Classification{
			Category:   ce.Category,
			Severity:   ce.Severity,
			Retryable:  ce.Retryable,
			Strategy:   ce.Strategy,
			MaxRetries: ce.MaxRetries,
			RetryDelay: ce.RetryDelay,
		}
	}

	message := err.Error()
	typeName := fmt.Sprintf("%T", err)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.Match.Matches(message) || r.Match.Matches(typeName) {
			return Classification{
				Category:   r.Category,
				Severity:   r.Severity,
				Retryable:  r.Retryable,
				Strategy:   r.Strategy,
				MaxRetries: r.MaxRetries,
				RetryDelay: r.RetryDelay,
			}
		}
	}

	return fallbackClassification()
}

// Metadata carries caller context into NewCategorizedError.
type Metadata struct {
	OperationID   string
	OperationType string
	CorrelationID string
	UserID        string
	SessionID     string
	Context       map[string]interface{}
	Tags          []string
}

// NewCategorizedError wraps classification into a full CategorizedError,
// deriving the status code from the category and the alert/escalation flags
// from the severity. An already-categorized error is returned as-is with the
// metadata appended, never re-classified.
func (c *Classifier) NewCategorizedError(err error, meta Metadata) *CategorizedError {
	if ce := AsCategorized(err); ce != nil {
		return ce.WithContext(meta.Context).WithTags(meta.Tags...)
	}

	cls := c.Classify(err)
	ce := &CategorizedError{
		ID:                 newErrorID(),
		Code:               codeFor(cls.Category),
		Message:            err.Error(),
		Category:           cls.Category,
		Severity:           cls.Severity,
		Timestamp:          time.Now().UTC(),
		CorrelationID:      meta.CorrelationID,
		UserID:             meta.UserID,
		SessionID:          meta.SessionID,
		Retryable:          cls.Retryable,
		Strategy:           cls.Strategy,
		MaxRetries:         cls.MaxRetries,
		RetryDelay:         cls.RetryDelay,
		StatusCode:         cls.Category.HTTPStatus(),
		IsOperational:      true,
		RequiresAlert:      cls.Severity.RequiresAlert(),
		RequiresEscalation: cls.Severity.RequiresEscalation(),
		Cause:              err,
	}
	if meta.OperationID != "" || meta.OperationType != "" {
		ce.WithContext(map[string]interface{}{
			"operationId":   meta.OperationID,
			"operationType": meta.OperationType,
		})
	}
	return ce.WithContext(meta.Context).WithTags(meta.Tags...)
}

// codeFor derives a stable error code from the category.
func codeFor(cat ErrorCategory) string {
	return strings.ToUpper(string(cat))
}

func fallbackClassification() Classification {
	return Classification{
		Category:   CategorySystemFailure,
		Severity:   SeverityMedium,
		Retryable:  true,
		Strategy:   StrategyRetry,
		MaxRetries: 1,
		RetryDelay: time.Second,
	}
}

// defaultRules returns the built-in rule set. Critical, non-recoverable
// patterns come first so they win over the broader transport rules.
func defaultRules() []Rule {
	return []Rule{
		{Match: Literal("fraud"), Category: CategoryFraudDetection, Severity: SeverityCritical, Retryable: false, Strategy: StrategyManual},
		{Match: Literal("security violation"), Category: CategorySecurityViolation, Severity: SeverityCritical, Retryable: false, Strategy: StrategyManual},
		{Match: Pattern(regexp.MustCompile(`(?i)(sql|code)\s+injection`)), Category: CategorySecurityViolation, Severity: SeverityCritical, Retryable: false, Strategy: StrategyManual},
		{Match: Literal("corrupt"), Category: CategoryDataCorruption, Severity: SeverityCritical, Retryable: false, Strategy: StrategyManual},
		{Match: Literal("checksum mismatch"), Category: CategoryDataCorruption, Severity: SeverityCritical, Retryable: false, Strategy: StrategyManual},
		{Match: Literal("out of memory"), Category: CategoryResourceExhaustion, Severity: SeverityCritical, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("resource exhausted"), Category: CategoryResourceExhaustion, Severity: SeverityHigh, Retryable: true, Strategy: StrategyRetry, MaxRetries: 2, RetryDelay: 5 * time.Second},

		{Match: Literal("unauthorized"), Category: CategoryAuthentication, Severity: SeverityHigh, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("invalid token"), Category: CategoryAuthentication, Severity: SeverityHigh, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("authentication failed"), Category: CategoryAuthentication, Severity: SeverityHigh, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("forbidden"), Category: CategoryAuthorization, Severity: SeverityHigh, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("access denied"), Category: CategoryAuthorization, Severity: SeverityHigh, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("permission"), Category: CategoryPermission, Severity: SeverityMedium, Retryable: false, Strategy: StrategyNone},

		{Match: Literal("validation"), Category: CategoryValidation, Severity: SeverityLow, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("invalid input"), Category: CategoryUserInput, Severity: SeverityLow, Retryable: false, Strategy: StrategyNone},
		{Match: Literal("missing required"), Category: CategoryValidation, Severity: SeverityLow, Retryable: false, Strategy: StrategyNone},

		{Match: Literal("rate limit"), Category: CategoryRateLimit, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: 5 * time.Second},
		{Match: Literal("too many requests"), Category: CategoryRateLimit, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: 5 * time.Second},
		{Match: Literal("throttl"), Category: CategoryRateLimit, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: 5 * time.Second},

		{Match: Literal("etimedout"), Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 2, RetryDelay: 2 * time.Second},
		{Match: Literal("timed out"), Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 2, RetryDelay: 2 * time.Second},
		{Match: Literal("timeout"), Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 2, RetryDelay: 2 * time.Second},
		{Match: Literal("deadline exceeded"), Category: CategoryTimeout, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 2, RetryDelay: 2 * time.Second},

		{Match: Literal("econnrefused"), Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: time.Second},
		{Match: Literal("econnreset"), Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: time.Second},
		{Match: Literal("connection refused"), Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: time.Second},
		{Match: Literal("connection reset"), Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: time.Second},
		{Match: Literal("no such host"), Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: time.Second},
		{Match: Literal("network"), Category: CategoryNetwork, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 3, RetryDelay: time.Second},

		{Match: Literal("service unavailable"), Category: CategoryExternalService, Severity: SeverityHigh, Retryable: true, Strategy: StrategyCircuitBreaker, MaxRetries: 3, RetryDelay: 2 * time.Second},
		{Match: Literal("bad gateway"), Category: CategoryExternalService, Severity: SeverityHigh, Retryable: true, Strategy: StrategyCircuitBreaker, MaxRetries: 3, RetryDelay: 2 * time.Second},
		{Match: Literal("upstream"), Category: CategoryExternalService, Severity: SeverityHigh, Retryable: true, Strategy: StrategyCircuitBreaker, MaxRetries: 3, RetryDelay: 2 * time.Second},

		{Match: Literal("disk full"), Category: CategoryStorage, Severity: SeverityHigh, Retryable: false, Strategy: StrategyDeadLetter},
		{Match: Literal("no space left"), Category: CategoryStorage, Severity: SeverityHigh, Retryable: false, Strategy: StrategyDeadLetter},
		{Match: Literal("conditional check failed"), Category: CategoryDataInconsistency, Severity: SeverityMedium, Retryable: true, Strategy: StrategyRetry, MaxRetries: 2, RetryDelay: 500 * time.Millisecond},

		{Match: Literal("payment declined"), Category: CategoryBusinessLogic, Severity: SeverityHigh, Retryable: false, Strategy: StrategyDeadLetter},
		{Match: Literal("insufficient funds"), Category: CategoryBusinessLogic, Severity: SeverityHigh, Retryable: false, Strategy: StrategyDeadLetter},
		{Match: Literal("insufficient credits"), Category: CategoryBusinessLogic, Severity: SeverityMedium, Retryable: false, Strategy: StrategyNone},

		{Match: Literal("configuration"), Category: CategoryConfiguration, Severity: SeverityHigh, Retryable: false, Strategy: StrategyManual},
	}
}
