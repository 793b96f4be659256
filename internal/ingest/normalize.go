// Package ingest accepts security events over HTTP and DTLS, normalizes
// vendor payloads into the canonical event shape, and feeds the
// correlation queue. The Kafka intake routes through the same normalizer.
package ingest

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chainsight/internal/schema"
)

// ErrNoEntityValues reports an event from which no entity field could be
// extracted. Such an event can never correlate and is rejected at intake.
var ErrNoEntityValues = errors.New("ingest: no entity values extracted")

// Envelope is the wire shape all transports accept: a source tag, an
// optional tenant, and one event or a batch of raw vendor events.
type Envelope struct {
	Source   string           `json:"source"`
	TenantID string           `json:"tenant_id,omitempty"`
	Event    map[string]any   `json:"event,omitempty"`
	Events   []map[string]any `json:"events,omitempty"`
}

// All returns the envelope's events as one slice, single event first.
func (e *Envelope) All() []map[string]any {
	if e.Event == nil {
		return e.Events
	}
	out := make([]map[string]any, 0, len(e.Events)+1)
	out = append(out, e.Event)
	return append(out, e.Events...)
}

// sourceAliases maps connector shorthand to canonical source tags.
var sourceAliases = map[string]schema.SourceTag{
	"paloalto":    schema.SourcePaloAlto,
	"panw":        schema.SourcePaloAlto,
	"entraid":     schema.SourceEntraID,
	"azuread":     schema.SourceEntraID,
	"falcon":      schema.SourceFalcon,
	"crowdstrike": schema.SourceFalcon,
	"cloudtrail":  schema.SourceCloudTrail,
	"aws":         schema.SourceCloudTrail,
}

// ResolveSource maps a wire source string onto the canonical tag
// vocabulary. Unknown sources are rejected rather than guessed.
func ResolveSource(s string) (schema.SourceTag, bool) {
	lowered := strings.ToLower(strings.TrimSpace(s))
	if tag := schema.SourceTag(lowered); tag.IsValid() {
		return tag, true
	}
	if tag, ok := sourceAliases[lowered]; ok {
		return tag, true
	}
	return "", false
}

// fieldMapping describes how one source's raw fields project onto the
// canonical event. Keys may use dot notation to reach nested objects.
type fieldMapping struct {
	entities   map[string]string // raw field -> canonical entity field
	indicators map[string]string // raw field -> indicator key
}

var sourceMappings = map[schema.SourceTag]fieldMapping{
	schema.SourcePaloAlto: {
		entities: map[string]string{
			"user":   schema.FieldUserName,
			"device": schema.FieldComputerName,
			"src_ip": schema.FieldIPAddress,
		},
		indicators: map[string]string{
			"dest_ip":         "dest_ip",
			"src_port":        "src_port",
			"dest_port":       "dest_port",
			"action":          "action",
			"threat_category": "threat_category",
			"bytes_sent":      "bytes_sent",
			"direction":       "direction",
			"rule":            "rule",
		},
	},
	schema.SourceEntraID: {
		entities: map[string]string{
			"userPrincipalName":        schema.FieldUserName,
			"ipAddress":                schema.FieldIPAddress,
			"deviceDetail.displayName": schema.FieldComputerName,
		},
		indicators: map[string]string{
			"appDisplayName":                "application",
			"location":                      "location",
			"deviceDetail.operatingSystem":  "operating_system",
			"authenticationProtocol":        "auth_protocol",
			"operationName":                 "operation",
			"status":                        "result",
			"riskLevelDuringSignIn":         "risk_level",
			"conditionalAccessStatus":       "conditional_access",
			"isInteractive":                 "interactive",
			"authenticationRequirement":     "auth_requirement",
			"clientAppUsed":                 "client_app",
			"resourceDisplayName":           "resource",
			"status.failureReason":          "failure_reason",
			"mfaDetail.authMethod":          "mfa_method",
			"appliedConditionalAccessPolicy.result": "ca_result",
		},
	},
	schema.SourceFalcon: {
		entities: map[string]string{
			"ComputerName":   schema.FieldComputerName,
			"UserName":       schema.FieldUserName,
			"FileName":       schema.FieldFileName,
			"SHA256HashData": schema.FieldFileHash,
		},
		indicators: map[string]string{
			"event_simpleName":   "event_name",
			"CommandLine":        "command_line",
			"FileName":           "file_name",
			"SHA256HashData":     "sha256",
			"ParentBaseFileName": "parent_process",
			"TargetFileName":     "target_file",
			"Severity":           "vendor_severity",
		},
	},
	schema.SourceSIEM: {
		entities: map[string]string{
			"host":      schema.FieldComputerName,
			"user":      schema.FieldUserName,
			"source_ip": schema.FieldIPAddress,
		},
		indicators: map[string]string{},
	},
	schema.SourceCloudTrail: {
		entities: map[string]string{
			"userIdentity.userName":  schema.FieldUserName,
			"userIdentity.accountId": schema.FieldAccountID,
			"sourceIPAddress":        schema.FieldIPAddress,
		},
		indicators: map[string]string{
			"eventName":         "event_name",
			"eventSource":       "event_source",
			"awsRegion":         "region",
			"errorCode":         "error_code",
			"requestParameters.bucketName": "bucket",
		},
	},
	schema.SourceGeneric: {
		entities:   map[string]string{},
		indicators: map[string]string{},
	},
}

// Fallback probes for entity fields that arrive under varying names.
// Applied after the source mapping, first non-empty value wins.
var entityProbes = []struct {
	field  string
	probes []string
}{
	{schema.FieldUserName, []string{"user", "username", "user_name", "userName", "account", "identity"}},
	{schema.FieldComputerName, []string{"computer", "hostname", "host", "device", "machine", "endpoint"}},
	{schema.FieldIPAddress, []string{"ip", "ip_address", "ipAddress", "source_ip", "src_ip", "clientIP"}},
	{schema.FieldFileHash, []string{"sha256", "file_hash", "hash"}},
	{schema.FieldFileName, []string{"file", "filename", "file_name", "targetFileName", "path"}},
}

// Fallback probes for indicator keys models commonly reference.
var indicatorProbes = []struct {
	key    string
	probes []string
}{
	{"command_line", []string{"command", "commandline", "cmd", "process_command"}},
	{"action", []string{"result", "status", "outcome", "disposition"}},
}

// timestampFields are probed in order for the event time.
var timestampFields = []string{
	"timestamp", "time", "@timestamp", "eventTime", "createdDateTime", "Timestamp",
}

// consumed fields never flow into RawIndicators via the passthrough copy.
var consumedFields = map[string]bool{
	"timestamp": true, "time": true, "@timestamp": true,
	"eventTime": true, "createdDateTime": true, "Timestamp": true,
	"event_id": true, "severity": true, "source": true, "tenant_id": true,
}

// Normalizer converts raw vendor events into canonical events.
type Normalizer struct {
	defaultTenant string
}

// NewNormalizer creates a Normalizer. Events without an explicit tenant
// are assigned defaultTenant.
func NewNormalizer(defaultTenant string) *Normalizer {
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	return &Normalizer{defaultTenant: defaultTenant}
}

// Normalize maps one raw vendor event onto the canonical schema. The
// source mapping runs first, then the common-field probes, then the
// passthrough copy of unmapped scalars into RawIndicators.
func (n *Normalizer) Normalize(raw map[string]any, source schema.SourceTag, tenantID string) (*schema.Event, error) {
	mapping := sourceMappings[source]

	entities := make(map[string]string)
	indicators := make(map[string]any)
	used := make(map[string]bool, len(mapping.entities)+len(mapping.indicators))

	for rawField, entityField := range mapping.entities {
		if v, ok := extractNested(raw, rawField); ok {
			if s := toString(v); s != "" {
				entities[entityField] = s
				used[rootField(rawField)] = true
			}
		}
	}

	for rawField, key := range mapping.indicators {
		if v, ok := extractNested(raw, rawField); ok && isScalar(v) {
			indicators[key] = v
			used[rootField(rawField)] = true
		}
	}

	// Common entity probes for fields the mapping did not cover.
	for _, p := range entityProbes {
		if _, done := entities[p.field]; done {
			continue
		}
		for _, probe := range p.probes {
			if v, ok := raw[probe]; ok {
				if s := toString(v); s != "" {
					entities[p.field] = s
					break
				}
			}
		}
	}

	for _, p := range indicatorProbes {
		if _, done := indicators[p.key]; done {
			continue
		}
		for _, probe := range p.probes {
			if v, ok := raw[probe]; ok && isScalar(v) {
				indicators[p.key] = v
				break
			}
		}
	}

	// Unmapped scalars pass through under their raw names so model
	// predicates can reference vendor fields directly.
	for field, v := range raw {
		if used[field] || consumedFields[field] {
			continue
		}
		if _, taken := indicators[field]; taken {
			continue
		}
		if isScalar(v) {
			indicators[field] = v
		}
	}

	if len(entities) == 0 {
		return nil, ErrNoEntityValues
	}

	if tenantID == "" {
		tenantID = n.defaultTenant
	}

	event := &schema.Event{
		EventID:       extractEventID(raw),
		Source:        source,
		Timestamp:     extractTimestamp(raw),
		EntityValues:  entities,
		RawIndicators: indicators,
		EventType:     classify(source, indicators),
		Severity:      extractSeverity(raw),
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
		TenantID:      tenantID,
	}

	return event, nil
}

// extractEventID honors a caller-supplied event_id when it parses as a
// UUID; everything else gets a fresh one.
func extractEventID(raw map[string]any) uuid.UUID {
	if v, ok := raw["event_id"].(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.New()
}

// extractTimestamp probes the known timestamp fields and falls back to
// the current time when none parses.
func extractTimestamp(raw map[string]any) time.Time {
	for _, field := range timestampFields {
		v, ok := raw[field]
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case string:
			if t, ok := parseTimestamp(ts); ok {
				return t
			}
		case float64:
			return fromUnix(ts)
		}
	}
	return time.Now().UTC()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// fromUnix treats large values as milliseconds.
func fromUnix(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// extractSeverity returns the raw severity hint when it is in range.
func extractSeverity(raw map[string]any) int {
	if v, ok := raw["severity"].(float64); ok {
		s := int(v)
		if s >= 1 && s <= 10 {
			return s
		}
	}
	return 0
}

// classify assigns the coarse behavioral event type. A valid
// source-supplied event_type wins; otherwise heuristics over the
// extracted indicators decide.
func classify(source schema.SourceTag, indicators map[string]any) schema.EventType {
	if v, ok := indicators["event_type"].(string); ok {
		if t := schema.EventType(v); t.IsValid() {
			return t
		}
	}

	switch source {
	case schema.SourceEntraID:
		return schema.TypeAuthentication
	case schema.SourceCloudTrail:
		return schema.TypeCloudOperation
	}

	if _, ok := indicators["command_line"]; ok {
		return schema.TypeProcessExecution
	}
	if _, ok := indicators["dest_port"]; ok {
		return schema.TypeNetwork
	}
	if _, ok := indicators["dest_ip"]; ok {
		return schema.TypeNetwork
	}
	if _, ok := indicators["target_file"]; ok {
		return schema.TypeFileOperation
	}
	if _, ok := indicators["auth_protocol"]; ok {
		return schema.TypeAuthentication
	}
	if _, ok := indicators["recipient"]; ok {
		return schema.TypeEmail
	}

	return schema.TypeUnknown
}

// extractNested resolves a dot-notation field path against nested maps.
func extractNested(data map[string]any, path string) (any, bool) {
	if !strings.Contains(path, ".") {
		v, ok := data[path]
		return v, ok
	}

	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// rootField returns the first segment of a dot path, the key consumed
// from the raw event.
func rootField(path string) string {
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		return path[:idx]
	}
	return path
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

// toString renders an entity value. Numbers are formatted without an
// exponent so ports and IDs stay byte-stable in entity keys.
func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}
