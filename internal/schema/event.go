// Package schema defines the normalized event contract for Chainsight.
// Source connectors deliver events in this shape; the correlation core
// never inspects vendor-specific raw payloads.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Event is a normalized security event consumed by the correlation engine.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	Source    SourceTag `json:"source" validate:"required,source_tag"`
	Timestamp time.Time `json:"timestamp" validate:"required"`

	// EntityValues carries the correlation-field values extracted by the
	// connector (UserName, ComputerName, IPAddress, ...). Models derive
	// entity keys from this map; an event with no recognized entity
	// values cannot participate in correlation.
	EntityValues map[string]string `json:"entity_values" validate:"required,min=1"`

	// RawIndicators is the flat key-value structure phase predicates
	// evaluate against. Values are strings, numbers, or booleans.
	RawIndicators map[string]any `json:"raw_indicators,omitempty"`

	// Optional fields
	EventType EventType `json:"event_type,omitempty" validate:"omitempty,event_type"`
	Severity  int       `json:"severity,omitempty" validate:"omitempty,min=1,max=10"`

	// Internal fields (set by the ingest layer)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
	TenantID      string    `json:"tenant_id"`
}

// SourceTag identifies the producing connector family. Phase definitions
// reference these tags in their source_tags sets.
type SourceTag string

const (
	SourcePaloAlto   SourceTag = "paloalto_firewall"
	SourceEntraID    SourceTag = "entra_id"
	SourceFalcon     SourceTag = "crowdstrike_falcon"
	SourceSIEM       SourceTag = "siem"
	SourceCloudTrail SourceTag = "aws_cloudtrail"
	SourceGeneric    SourceTag = "generic"
)

// IsValid checks if the source tag is a known value.
func (s SourceTag) IsValid() bool {
	switch s {
	case SourcePaloAlto, SourceEntraID, SourceFalcon, SourceSIEM, SourceCloudTrail, SourceGeneric:
		return true
	}
	return false
}

// KnownSources returns the full source vocabulary.
func KnownSources() []SourceTag {
	return []SourceTag{
		SourcePaloAlto, SourceEntraID, SourceFalcon,
		SourceSIEM, SourceCloudTrail, SourceGeneric,
	}
}

// EventType is a coarse behavioral classification assigned at normalization.
type EventType string

const (
	TypeAuthentication   EventType = "authentication"
	TypeNetwork          EventType = "network"
	TypeProcessExecution EventType = "process_execution"
	TypeFileOperation    EventType = "file_operation"
	TypeCloudOperation   EventType = "cloud_operation"
	TypeEmail            EventType = "email"
	TypeUnknown          EventType = "unknown"
)

// IsValid checks if the event type is a valid value.
func (t EventType) IsValid() bool {
	switch t {
	case TypeAuthentication, TypeNetwork, TypeProcessExecution,
		TypeFileOperation, TypeCloudOperation, TypeEmail, TypeUnknown:
		return true
	}
	return false
}

// Canonical entity field names. Connectors map vendor-specific fields onto
// these; models declare their correlation_fields from this vocabulary.
const (
	FieldUserName     = "UserName"
	FieldComputerName = "ComputerName"
	FieldIPAddress    = "IPAddress"
	FieldFileHash     = "FileHash"
	FieldFileName     = "FileName"
	FieldAccountID    = "AccountID"
	FieldProcessName  = "ProcessName"
)

// entityLabels maps canonical field names to the short labels used when
// building entity keys ("user:jdoe|host:WIN01").
var entityLabels = map[string]string{
	FieldUserName:     "user",
	FieldComputerName: "host",
	FieldIPAddress:    "ip",
	FieldFileHash:     "hash",
	FieldFileName:     "file",
	FieldAccountID:    "account",
	FieldProcessName:  "proc",
}

// EntityLabel returns the short key label for a canonical field name. Fields
// outside the canonical vocabulary fall back to the field name itself, so
// custom correlation fields still produce stable keys.
func EntityLabel(field string) string {
	if l, ok := entityLabels[field]; ok {
		return l
	}
	return field
}

// Entity returns the value for a canonical entity field, and whether a
// non-empty value is present.
func (e *Event) Entity(field string) (string, bool) {
	if e.EntityValues == nil {
		return "", false
	}
	v, ok := e.EntityValues[field]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Indicator returns a raw indicator value by key.
func (e *Event) Indicator(key string) (any, bool) {
	if e.RawIndicators == nil {
		return nil, false
	}
	v, ok := e.RawIndicators[key]
	return v, ok
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
