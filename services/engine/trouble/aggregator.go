// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trouble

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/store"
)

// Category classifies an aggregated error by its likely nature.
type Category string

const (
	CategoryTimeout       Category = "timeout"
	CategoryTransient     Category = "transient"
	CategoryExternal      Category = "external"
	CategoryConfiguration Category = "configuration"
	CategoryValidation    Category = "validation"
	CategoryResource      Category = "resource"
	CategoryUnknown       Category = "unknown"
)

// Severity ranks how urgently an error needs repair.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ErrorStatus is the lifecycle of an aggregated error.
type ErrorStatus string

const (
	ErrorNew       ErrorStatus = "new"
	ErrorQueued    ErrorStatus = "queued"
	ErrorRepairing ErrorStatus = "repairing"
	ErrorResolved  ErrorStatus = "resolved"
	ErrorFailed    ErrorStatus = "failed"
	ErrorIgnored   ErrorStatus = "ignored"
)

// RepairAttempt records one repair try against an error.
type RepairAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// AggregatedError is one reported failure plus its repair history.
// The attempt list is append-only; status is the only mutable field
// besides it.
type AggregatedError struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Category  Category          `json:"category"`
	Severity  Severity          `json:"severity"`
	Status    ErrorStatus       `json:"status"`
	Attempts  []RepairAttempt   `json:"attempts,omitempty"`

	// Occurrences counts how often this source+message pair was
	// reported while the error was still unresolved.
	Occurrences int `json:"occurrences"`
}

// FailedAttempts counts the repair attempts that did not succeed; the
// per-error retry cap is measured against this, not len(Attempts).
func (e AggregatedError) FailedAttempts() int {
	n := 0
	for _, a := range e.Attempts {
		if !a.Success {
			n++
		}
	}
	return n
}

type errorLog struct {
	Errors []AggregatedError `json:"errors"`
}

// classRule maps message keywords to a category/severity pair. First
// match wins.
type classRule struct {
	category Category
	severity Severity
	keywords []string
}

var classRules = []classRule{
	{CategoryResource, SeverityCritical, []string{"out of memory", "no space left", "disk full", "too many open files", "resource exhausted"}},
	{CategoryConfiguration, SeverityHigh, []string{"config", "configuration", "missing env", "environment variable", "invalid flag", "permission denied", "unauthorized", "api key"}},
	{CategoryTimeout, SeverityMedium, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryTransient, SeverityLow, []string{"connection reset", "temporarily unavailable", "rate limit", "429", "try again", "retry"}},
	{CategoryExternal, SeverityMedium, []string{"connection refused", "dns", "upstream", "provider", "network", "503", "502"}},
	{CategoryValidation, SeverityMedium, []string{"invalid", "validation", "malformed", "parse error", "unexpected token", "schema"}},
}

// Classify derives category and severity from an error message by
// keyword. Unknown errors default to medium severity so they still
// queue for repair.
func Classify(message string) (Category, Severity) {
	text := strings.ToLower(message)
	for _, rule := range classRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category, rule.severity
			}
		}
	}
	return CategoryUnknown, SeverityMedium
}

// Aggregator is the durable error log every subsystem reports into.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying store serializes writers.
type Aggregator struct {
	store  *store.Store[errorLog]
	logger *logging.Logger
}

// NewAggregator creates an aggregator persisting under stateDir.
func NewAggregator(stateDir string, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Aggregator{
		store: store.New(filepath.Join(stateDir, "aggregated_errors.json"), func() errorLog {
			return errorLog{Errors: []AggregatedError{}}
		}),
		logger: logger.With("component", "error_aggregator"),
	}
}

// Report records one error. Category and severity are classified by
// keyword unless the caller supplies both explicitly.
//
// Inputs:
//   - source: The reporting subsystem, e.g. "cycle.verify".
//   - message: The error text.
//   - context: Free-form key-values describing the situation. May be
//     nil.
//   - category, severity: Explicit override; both empty means classify.
func (a *Aggregator) Report(source, message string, context map[string]string,
	category Category, severity Severity) (AggregatedError, error) {

	if category == "" || severity == "" {
		category, severity = Classify(message)
	}

	entry := AggregatedError{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Source:      source,
		Message:     message,
		Context:     context,
		Category:    category,
		Severity:    severity,
		Status:      ErrorNew,
		Occurrences: 1,
	}

	// Re-reports of an unresolved source+message pair fold into the
	// existing entry instead of flooding the log and the repair queue.
	deduped := false
	err := a.store.Update(func(log *errorLog) error {
		for i := range log.Errors {
			e := &log.Errors[i]
			if e.Source != source || e.Message != message {
				continue
			}
			if e.Status == ErrorResolved || e.Status == ErrorIgnored {
				continue
			}
			e.Occurrences++
			e.Timestamp = entry.Timestamp
			for k, v := range context {
				if e.Context == nil {
					e.Context = make(map[string]string)
				}
				e.Context[k] = v
			}
			entry = *e
			deduped = true
			return nil
		}
		log.Errors = append(log.Errors, entry)
		return nil
	})
	if err != nil {
		return AggregatedError{}, fmt.Errorf("recording aggregated error: %w", err)
	}

	a.logger.Warn("error aggregated",
		"error_id", entry.ID,
		"source", source,
		"occurrences", entry.Occurrences,
		"deduped", deduped,
		"category", string(entry.Category),
		"severity", string(entry.Severity),
	)
	return entry, nil
}

// SetStatus moves an error to a new status.
func (a *Aggregator) SetStatus(errorID string, status ErrorStatus) error {
	found := false
	err := a.store.Update(func(log *errorLog) error {
		for i := range log.Errors {
			if log.Errors[i].ID == errorID {
				log.Errors[i].Status = status
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating error %s: %w", errorID, err)
	}
	if !found {
		return fmt.Errorf("aggregated error %s not found", errorID)
	}
	return nil
}

// AddAttempt appends a repair attempt to an error and sets its status
// accordingly (resolved on success, failed otherwise; the queue may
// re-queue a failed error until its attempt cap).
func (a *Aggregator) AddAttempt(errorID string, attempt RepairAttempt) error {
	found := false
	err := a.store.Update(func(log *errorLog) error {
		for i := range log.Errors {
			if log.Errors[i].ID == errorID {
				log.Errors[i].Attempts = append(log.Errors[i].Attempts, attempt)
				if attempt.Success {
					log.Errors[i].Status = ErrorResolved
				} else {
					log.Errors[i].Status = ErrorFailed
				}
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording attempt on error %s: %w", errorID, err)
	}
	if !found {
		return fmt.Errorf("aggregated error %s not found", errorID)
	}
	return nil
}

// Get returns one error by id.
func (a *Aggregator) Get(errorID string) (AggregatedError, error) {
	log, err := a.store.Get()
	if err != nil {
		return AggregatedError{}, err
	}
	for _, e := range log.Errors {
		if e.ID == errorID {
			return e, nil
		}
	}
	return AggregatedError{}, fmt.Errorf("aggregated error %s not found", errorID)
}

// New returns errors in status new, oldest first.
func (a *Aggregator) New() ([]AggregatedError, error) {
	return a.withStatus(ErrorNew)
}

// Unresolved returns errors not yet resolved or ignored.
func (a *Aggregator) Unresolved() ([]AggregatedError, error) {
	log, err := a.store.Get()
	if err != nil {
		return nil, err
	}
	var out []AggregatedError
	for _, e := range log.Errors {
		if e.Status != ErrorResolved && e.Status != ErrorIgnored {
			out = append(out, e)
		}
	}
	sortByTime(out)
	return out, nil
}

func (a *Aggregator) withStatus(status ErrorStatus) ([]AggregatedError, error) {
	log, err := a.store.Get()
	if err != nil {
		return nil, err
	}
	var out []AggregatedError
	for _, e := range log.Errors {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sortByTime(out)
	return out, nil
}

func sortByTime(errs []AggregatedError) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Timestamp.Before(errs[j].Timestamp) })
}
