package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"chainsight/internal/schema"
)

func TestResolveSource(t *testing.T) {
	tests := []struct {
		input string
		want  schema.SourceTag
		ok    bool
	}{
		{"paloalto_firewall", schema.SourcePaloAlto, true},
		{"paloalto", schema.SourcePaloAlto, true},
		{"entra_id", schema.SourceEntraID, true},
		{"entraid", schema.SourceEntraID, true},
		{"azuread", schema.SourceEntraID, true},
		{"crowdstrike_falcon", schema.SourceFalcon, true},
		{"falcon", schema.SourceFalcon, true},
		{"CrowdStrike", schema.SourceFalcon, true},
		{"siem", schema.SourceSIEM, true},
		{"aws_cloudtrail", schema.SourceCloudTrail, true},
		{"cloudtrail", schema.SourceCloudTrail, true},
		{"generic", schema.SourceGeneric, true},
		{" siem ", schema.SourceSIEM, true},
		{"netflow", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ResolveSource(tt.input)
			if ok != tt.ok {
				t.Fatalf("ResolveSource(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("ResolveSource(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnvelope_All(t *testing.T) {
	t.Run("single event", func(t *testing.T) {
		env := Envelope{Event: map[string]any{"user": "jdoe"}}
		if got := len(env.All()); got != 1 {
			t.Errorf("len = %d, want 1", got)
		}
	})

	t.Run("batch", func(t *testing.T) {
		env := Envelope{Events: []map[string]any{{"user": "a"}, {"user": "b"}}}
		if got := len(env.All()); got != 2 {
			t.Errorf("len = %d, want 2", got)
		}
	})

	t.Run("single plus batch", func(t *testing.T) {
		env := Envelope{
			Event:  map[string]any{"user": "a"},
			Events: []map[string]any{{"user": "b"}},
		}
		all := env.All()
		if len(all) != 2 {
			t.Fatalf("len = %d, want 2", len(all))
		}
		if all[0]["user"] != "a" {
			t.Errorf("single event should come first")
		}
	})

	t.Run("empty", func(t *testing.T) {
		var env Envelope
		if got := len(env.All()); got != 0 {
			t.Errorf("len = %d, want 0", got)
		}
	})
}

func TestNormalize_PaloAlto(t *testing.T) {
	n := NewNormalizer("default")

	raw := map[string]any{
		"timestamp":       "2026-03-14T09:30:00Z",
		"user":            "jdoe",
		"device":          "fw-edge-01",
		"src_ip":          "10.0.0.5",
		"dest_ip":         "203.0.113.50",
		"src_port":        float64(52311),
		"dest_port":       float64(443),
		"action":          "allow",
		"threat_category": "command-and-control",
		"bytes_sent":      float64(1048576),
		"direction":       "outbound",
	}

	event, err := n.Normalize(raw, schema.SourcePaloAlto, "")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if got := event.EntityValues[schema.FieldUserName]; got != "jdoe" {
		t.Errorf("UserName = %q, want jdoe", got)
	}
	if got := event.EntityValues[schema.FieldComputerName]; got != "fw-edge-01" {
		t.Errorf("ComputerName = %q, want fw-edge-01", got)
	}
	if got := event.EntityValues[schema.FieldIPAddress]; got != "10.0.0.5" {
		t.Errorf("IPAddress = %q, want 10.0.0.5", got)
	}

	if got := event.RawIndicators["threat_category"]; got != "command-and-control" {
		t.Errorf("threat_category = %v, want command-and-control", got)
	}
	if got := event.RawIndicators["dest_port"]; got != float64(443) {
		t.Errorf("dest_port = %v, want 443", got)
	}
	if got := event.RawIndicators["bytes_sent"]; got != float64(1048576) {
		t.Errorf("bytes_sent = %v, want 1048576", got)
	}

	if event.Source != schema.SourcePaloAlto {
		t.Errorf("Source = %q, want %q", event.Source, schema.SourcePaloAlto)
	}
	if event.EventType != schema.TypeNetwork {
		t.Errorf("EventType = %q, want %q", event.EventType, schema.TypeNetwork)
	}
	if event.TenantID != "default" {
		t.Errorf("TenantID = %q, want default", event.TenantID)
	}

	want := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", event.Timestamp, want)
	}
}

func TestNormalize_EntraID(t *testing.T) {
	n := NewNormalizer("default")

	raw := map[string]any{
		"createdDateTime":   "2026-03-14T09:30:00Z",
		"userPrincipalName": "jdoe@corp.example",
		"ipAddress":         "198.51.100.7",
		"appDisplayName":    "Azure Portal",
		"operationName":     "Update application certificate",
		"status":            "failure",
		"deviceDetail": map[string]any{
			"displayName":     "JDOE-LAPTOP",
			"operatingSystem": "Windows 11",
		},
		"authenticationProtocol": "deviceCode",
	}

	event, err := n.Normalize(raw, schema.SourceEntraID, "tenant-7")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if got := event.EntityValues[schema.FieldUserName]; got != "jdoe@corp.example" {
		t.Errorf("UserName = %q, want jdoe@corp.example", got)
	}
	if got := event.EntityValues[schema.FieldComputerName]; got != "JDOE-LAPTOP" {
		t.Errorf("ComputerName = %q (nested extraction), want JDOE-LAPTOP", got)
	}
	if got := event.EntityValues[schema.FieldIPAddress]; got != "198.51.100.7" {
		t.Errorf("IPAddress = %q, want 198.51.100.7", got)
	}

	if got := event.RawIndicators["operating_system"]; got != "Windows 11" {
		t.Errorf("operating_system = %v, want Windows 11", got)
	}
	if got := event.RawIndicators["auth_protocol"]; got != "deviceCode" {
		t.Errorf("auth_protocol = %v, want deviceCode", got)
	}
	if got := event.RawIndicators["result"]; got != "failure" {
		t.Errorf("result = %v, want failure", got)
	}
	if got := event.RawIndicators["operation"]; got != "Update application certificate" {
		t.Errorf("operation = %v, want the operationName value", got)
	}

	if event.EventType != schema.TypeAuthentication {
		t.Errorf("EventType = %q, want %q", event.EventType, schema.TypeAuthentication)
	}
	if event.TenantID != "tenant-7" {
		t.Errorf("TenantID = %q, want tenant-7", event.TenantID)
	}
}

func TestNormalize_Falcon(t *testing.T) {
	n := NewNormalizer("default")

	raw := map[string]any{
		"timestamp":        "2026-03-14T09:30:00Z",
		"ComputerName":     "WIN-SRV-01",
		"UserName":         "jdoe",
		"FileName":         "payload.exe",
		"SHA256HashData":   "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"event_simpleName": "ProcessRollup2",
		"CommandLine":      "powershell -enc SQBFAFgA",
	}

	event, err := n.Normalize(raw, schema.SourceFalcon, "")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if got := event.EntityValues[schema.FieldComputerName]; got != "WIN-SRV-01" {
		t.Errorf("ComputerName = %q, want WIN-SRV-01", got)
	}
	if got := event.EntityValues[schema.FieldFileHash]; got == "" {
		t.Error("FileHash should be extracted from SHA256HashData")
	}
	if got := event.EntityValues[schema.FieldFileName]; got != "payload.exe" {
		t.Errorf("FileName = %q, want payload.exe", got)
	}

	if got := event.RawIndicators["event_name"]; got != "ProcessRollup2" {
		t.Errorf("event_name = %v, want ProcessRollup2", got)
	}
	if got := event.RawIndicators["command_line"]; got != "powershell -enc SQBFAFgA" {
		t.Errorf("command_line = %v, want the CommandLine value", got)
	}

	if event.EventType != schema.TypeProcessExecution {
		t.Errorf("EventType = %q, want %q", event.EventType, schema.TypeProcessExecution)
	}
}

func TestNormalize_CloudTrail(t *testing.T) {
	n := NewNormalizer("default")

	raw := map[string]any{
		"eventTime":       "2026-03-14T09:30:00Z",
		"eventName":       "PutBucketPolicy",
		"eventSource":     "s3.amazonaws.com",
		"awsRegion":       "us-east-1",
		"sourceIPAddress": "198.51.100.7",
		"userIdentity": map[string]any{
			"userName":  "deploy-bot",
			"accountId": "123456789012",
		},
	}

	event, err := n.Normalize(raw, schema.SourceCloudTrail, "")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if got := event.EntityValues[schema.FieldUserName]; got != "deploy-bot" {
		t.Errorf("UserName = %q, want deploy-bot", got)
	}
	if got := event.EntityValues[schema.FieldAccountID]; got != "123456789012" {
		t.Errorf("AccountID = %q, want 123456789012", got)
	}
	if got := event.RawIndicators["event_name"]; got != "PutBucketPolicy" {
		t.Errorf("event_name = %v, want PutBucketPolicy", got)
	}
	if event.EventType != schema.TypeCloudOperation {
		t.Errorf("EventType = %q, want %q", event.EventType, schema.TypeCloudOperation)
	}
}

func TestNormalize_CommonProbes(t *testing.T) {
	n := NewNormalizer("default")

	t.Run("generic source falls back to probes", func(t *testing.T) {
		raw := map[string]any{
			"timestamp": "2026-03-14T09:30:00Z",
			"username":  "asmith",
			"hostname":  "db-01",
			"ip":        "10.1.1.1",
			"cmd":       "whoami /all",
		}

		event, err := n.Normalize(raw, schema.SourceGeneric, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}

		if got := event.EntityValues[schema.FieldUserName]; got != "asmith" {
			t.Errorf("UserName = %q, want asmith", got)
		}
		if got := event.EntityValues[schema.FieldComputerName]; got != "db-01" {
			t.Errorf("ComputerName = %q, want db-01", got)
		}
		if got := event.EntityValues[schema.FieldIPAddress]; got != "10.1.1.1" {
			t.Errorf("IPAddress = %q, want 10.1.1.1", got)
		}
		if got := event.RawIndicators["command_line"]; got != "whoami /all" {
			t.Errorf("command_line = %v, want the cmd value", got)
		}
	})

	t.Run("mapping wins over probe", func(t *testing.T) {
		raw := map[string]any{
			"timestamp": "2026-03-14T09:30:00Z",
			"host":      "mapped-host",
			"hostname":  "probed-host",
			"user":      "jdoe",
		}

		event, err := n.Normalize(raw, schema.SourceSIEM, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}

		if got := event.EntityValues[schema.FieldComputerName]; got != "mapped-host" {
			t.Errorf("ComputerName = %q, want mapped-host", got)
		}
	})

	t.Run("numeric entity rendered without exponent", func(t *testing.T) {
		raw := map[string]any{
			"timestamp": "2026-03-14T09:30:00Z",
			"account":   float64(998877665544),
		}

		event, err := n.Normalize(raw, schema.SourceGeneric, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}

		if got := event.EntityValues[schema.FieldUserName]; got != "998877665544" {
			t.Errorf("UserName = %q, want 998877665544", got)
		}
	})
}

func TestNormalize_PassthroughIndicators(t *testing.T) {
	n := NewNormalizer("default")

	raw := map[string]any{
		"timestamp":  "2026-03-14T09:30:00Z",
		"host":       "db-01",
		"user":       "jdoe",
		"event_name": "VolumeShadowCopyDeleted",
		"direction":  "outbound",
		"nested":     map[string]any{"ignored": true},
		"listed":     []any{"ignored"},
	}

	event, err := n.Normalize(raw, schema.SourceSIEM, "")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if got := event.RawIndicators["event_name"]; got != "VolumeShadowCopyDeleted" {
		t.Errorf("event_name = %v, want passthrough value", got)
	}
	if got := event.RawIndicators["direction"]; got != "outbound" {
		t.Errorf("direction = %v, want outbound", got)
	}
	if _, ok := event.RawIndicators["nested"]; ok {
		t.Error("nested objects should not pass through")
	}
	if _, ok := event.RawIndicators["listed"]; ok {
		t.Error("arrays should not pass through")
	}
	if _, ok := event.RawIndicators["timestamp"]; ok {
		t.Error("timestamp should be consumed, not passed through")
	}
	if _, ok := event.RawIndicators["host"]; ok {
		t.Error("mapped entity fields should be consumed")
	}
}

func TestNormalize_Timestamps(t *testing.T) {
	n := NewNormalizer("default")
	base := map[string]any{"user": "jdoe"}

	tests := []struct {
		name  string
		field string
		value any
		want  time.Time
	}{
		{"rfc3339", "timestamp", "2026-03-14T09:30:00Z", time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		{"rfc3339 nano", "time", "2026-03-14T09:30:00.123456789Z", time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)},
		{"at timestamp", "@timestamp", "2026-03-14T09:30:00Z", time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		{"no timezone", "eventTime", "2026-03-14T09:30:00", time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		{"space separated", "createdDateTime", "2026-03-14 09:30:00", time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)},
		{"unix seconds", "timestamp", float64(1773480600), time.Unix(1773480600, 0).UTC()},
		{"unix millis", "timestamp", float64(1773480600000), time.UnixMilli(1773480600000).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"user": "jdoe", tt.field: tt.value}

			event, err := n.Normalize(raw, schema.SourceGeneric, "")
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !event.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", event.Timestamp, tt.want)
			}
		})
	}

	t.Run("missing timestamp falls back to now", func(t *testing.T) {
		event, err := n.Normalize(base, schema.SourceGeneric, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if time.Since(event.Timestamp) > time.Minute {
			t.Errorf("Timestamp = %v, want near now", event.Timestamp)
		}
	})

	t.Run("unparseable timestamp falls back to now", func(t *testing.T) {
		raw := map[string]any{"user": "jdoe", "timestamp": "last tuesday"}

		event, err := n.Normalize(raw, schema.SourceGeneric, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if time.Since(event.Timestamp) > time.Minute {
			t.Errorf("Timestamp = %v, want near now", event.Timestamp)
		}
	})
}

func TestNormalize_EventID(t *testing.T) {
	n := NewNormalizer("default")

	t.Run("valid event_id kept", func(t *testing.T) {
		id := uuid.New()
		raw := map[string]any{"user": "jdoe", "event_id": id.String()}

		event, err := n.Normalize(raw, schema.SourceGeneric, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if event.EventID != id {
			t.Errorf("EventID = %v, want %v", event.EventID, id)
		}
	})

	t.Run("invalid event_id replaced", func(t *testing.T) {
		raw := map[string]any{"user": "jdoe", "event_id": "not-a-uuid"}

		event, err := n.Normalize(raw, schema.SourceGeneric, "")
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if event.EventID == uuid.Nil {
			t.Error("EventID should be generated")
		}
	})
}

func TestNormalize_Severity(t *testing.T) {
	n := NewNormalizer("default")

	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"in range", float64(7), 7},
		{"too high", float64(15), 0},
		{"zero", float64(0), 0},
		{"non numeric", "critical", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"user": "jdoe", "severity": tt.value}

			event, err := n.Normalize(raw, schema.SourceGeneric, "")
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if event.Severity != tt.want {
				t.Errorf("Severity = %d, want %d", event.Severity, tt.want)
			}
		})
	}
}

func TestNormalize_Classification(t *testing.T) {
	n := NewNormalizer("default")

	tests := []struct {
		name string
		raw  map[string]any
		want schema.EventType
	}{
		{
			"explicit valid event_type wins",
			map[string]any{"user": "jdoe", "event_type": "file_operation", "dest_port": float64(443)},
			schema.TypeFileOperation,
		},
		{
			"invalid event_type falls to heuristics",
			map[string]any{"user": "jdoe", "event_type": "ProcessRollup2", "dest_port": float64(443)},
			schema.TypeNetwork,
		},
		{
			"command line implies process execution",
			map[string]any{"user": "jdoe", "cmd": "rundll32.exe payload.dll"},
			schema.TypeProcessExecution,
		},
		{
			"dest ip implies network",
			map[string]any{"user": "jdoe", "dest_ip": "203.0.113.9"},
			schema.TypeNetwork,
		},
		{
			"no signal means unknown",
			map[string]any{"user": "jdoe"},
			schema.TypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := n.Normalize(tt.raw, schema.SourceGeneric, "")
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if event.EventType != tt.want {
				t.Errorf("EventType = %q, want %q", event.EventType, tt.want)
			}
		})
	}
}

func TestNormalize_NoEntities(t *testing.T) {
	n := NewNormalizer("default")

	raw := map[string]any{
		"timestamp": "2026-03-14T09:30:00Z",
		"note":      "nothing correlatable in here",
	}

	_, err := n.Normalize(raw, schema.SourceGeneric, "")
	if !errors.Is(err, ErrNoEntityValues) {
		t.Errorf("Normalize() error = %v, want ErrNoEntityValues", err)
	}
}

func TestNormalize_Metadata(t *testing.T) {
	n := NewNormalizer("tenant-default")

	raw := map[string]any{"user": "jdoe"}

	event, err := n.Normalize(raw, schema.SourceGeneric, "")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if event.SchemaVersion != schema.SchemaVersionCurrent {
		t.Errorf("SchemaVersion = %q, want %q", event.SchemaVersion, schema.SchemaVersionCurrent)
	}
	if event.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
	if event.TenantID != "tenant-default" {
		t.Errorf("TenantID = %q, want tenant-default", event.TenantID)
	}
}

func TestExtractNested(t *testing.T) {
	data := map[string]any{
		"top": "value",
		"deviceDetail": map[string]any{
			"operatingSystem": "Windows 11",
			"browser":         map[string]any{"name": "Edge"},
		},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"top", "value", true},
		{"deviceDetail.operatingSystem", "Windows 11", true},
		{"deviceDetail.browser.name", "Edge", true},
		{"deviceDetail.missing", nil, false},
		{"top.not_a_map", nil, false},
		{"absent", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := extractNested(data, tt.path)
			if ok != tt.ok {
				t.Fatalf("extractNested(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("extractNested(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
