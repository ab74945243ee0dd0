package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ProcessingContext is the mutable bag carried stage to stage within one
// pipeline run. A run owns its context exclusively; each retry attempt
// derives a fresh copy. Only Metadata and ProcessingConfig are free-form;
// everything else is typed at the core's boundary.
type ProcessingContext struct {
	DocumentID   string `json:"document_id"`
	FilePath     string `json:"file_path"`
	DocumentType string `json:"document_type"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Series       string `json:"series,omitempty"`
	Version      string `json:"version,omitempty"`
	Language     string `json:"language,omitempty"`
	FileHash     string `json:"file_hash,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`

	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id"`
	RetryAttempt  int    `json:"retry_attempt"`

	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	ProcessingConfig map[string]interface{} `json:"processing_config,omitempty"`
}

// Clone returns a deep copy. Retries operate on copies so concurrent
// attempts never share mutable state.
func (c *ProcessingContext) Clone() *ProcessingContext {
	clone := *c
	clone.Metadata = cloneMap(c.Metadata)
	clone.ProcessingConfig = cloneMap(c.ProcessingConfig)
	return &clone
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ToMap flattens the context for error records and log lines. Free-form
// sections are nested under their own keys.
func (c *ProcessingContext) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"document_id":    c.DocumentID,
		"file_path":      c.FilePath,
		"document_type":  c.DocumentType,
		"request_id":     c.RequestID,
		"correlation_id": c.CorrelationID,
		"retry_attempt":  c.RetryAttempt,
	}
	if c.Manufacturer != "" {
		m["manufacturer"] = c.Manufacturer
	}
	if c.Model != "" {
		m["model"] = c.Model
	}
	if c.Series != "" {
		m["series"] = c.Series
	}
	if c.Version != "" {
		m["version"] = c.Version
	}
	if c.Language != "" {
		m["language"] = c.Language
	}
	if c.FileHash != "" {
		m["file_hash"] = c.FileHash
	}
	if c.FileSize > 0 {
		m["file_size"] = c.FileSize
	}
	if len(c.Metadata) > 0 {
		m["metadata"] = cloneMap(c.Metadata)
	}
	if len(c.ProcessingConfig) > 0 {
		m["processing_config"] = cloneMap(c.ProcessingConfig)
	}
	return m
}

// CorrelationID ties together the logs and error records of one stage
// attempt: "{request_id}.stage_{stage_name}.retry_{attempt}".
func GenerateCorrelationID(requestID, stageName string, attempt int) string {
	return fmt.Sprintf("%s.stage_%s.retry_%d", requestID, stageName, attempt)
}

var correlationPattern = regexp.MustCompile(`^[^.]+\.stage_[a-z_]+\.retry_\d+$`)

// ParseCorrelationID splits a correlation id back into its three fields.
func ParseCorrelationID(id string) (requestID, stageName string, attempt int, err error) {
	if !correlationPattern.MatchString(id) {
		return "", "", 0, fmt.Errorf("malformed correlation id %q", id)
	}
	parts := strings.Split(id, ".")
	requestID = parts[0]
	stageName = strings.TrimPrefix(parts[1], "stage_")
	attempt, err = strconv.Atoi(strings.TrimPrefix(parts[2], "retry_"))
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed correlation id %q: %w", id, err)
	}
	return requestID, stageName, attempt, nil
}
