package model

import "time"

// Builtin returns the shipped model catalog: ransomware (R1), data
// exfiltration (D1), credential abuse (C1), and intrusion (IN1). The
// returned models are freshly constructed so callers may validate and
// compile them independently.
func Builtin() []*OperationalModel {
	return []*OperationalModel{
		builtinRansomware(),
		builtinExfiltration(),
		builtinCredentialAbuse(),
		builtinIntrusion(),
	}
}

func builtinRansomware() *OperationalModel {
	return &OperationalModel{
		ID:          "R1",
		Name:        "Ransomware Campaign",
		Description: "Multi-stage ransomware: perimeter threat activity, encryption tooling execution, destructive impact on the same user/host.",
		Severity:    SeverityCritical,
		Objective: &Objective{
			Goal:            "Detect and contain ransomware campaigns before encryption spreads",
			BusinessOutcome: "Prevent operational outage and data loss from ransomware",
		},
		Phases: []Phase{
			{
				Name:       "InitialAccess",
				SourceTags: []string{"paloalto_firewall"},
				Indicators: []Predicate{
					{Field: "threat_category", Operator: "in", Values: []string{"malware", "command-and-control", "spyware"}},
				},
			},
			{
				Name:       "Execution",
				SourceTags: []string{"crowdstrike_falcon"},
				Indicators: []Predicate{
					{Field: "event_name", Operator: "in", Values: []string{"ProcessRollup2", "SyntheticProcessRollup2"}},
					{Field: "command_line", Operator: "regex", Value: `(?i)(vssadmin|wbadmin|bcdedit|cipher\s+/w)`},
				},
			},
			{
				Name:       "Impact",
				SourceTags: []string{"crowdstrike_falcon", "siem"},
				Indicators: []Predicate{
					{Field: "event_name", Operator: "in", Values: []string{"RansomwareOpenFile", "VolumeShadowCopyDeleted", "NewExecutableWritten"}},
				},
			},
		},
		CorrelationFields: []string{"UserName", "ComputerName"},
		CorrelationWindow: 90 * time.Minute,
		MinPhases:         2,
		SuppressionWindow: time.Hour,
		PivotEntities:     []string{"user", "host"},
		AlertPolicy: &AlertPolicy{
			EscalationPath:   "soc-tier1 > soc-tier2 > incident-commander",
			RunbookReference: "RB-R1-RANSOMWARE",
		},
		DecisionMatrix: []DecisionRow{
			{Confidence: ConfidenceCritical, ResponsePath: PathImmediateContainment, Playbooks: []string{"PB-R1-RANSOMWARE"}},
			{Confidence: ConfidenceHigh, ResponsePath: PathImmediateContainment, Playbooks: []string{"PB-R1-RANSOMWARE"}},
			{Confidence: ConfidenceMedium, ResponsePath: PathMonitorAndConfirm, Playbooks: []string{"PB-R1-RANSOMWARE"}, ApprovalRequired: true},
		},
		KPI: &KPI{MTTDTarget: 15 * time.Minute, MTTRTarget: 4 * time.Hour},
	}
}

func builtinExfiltration() *OperationalModel {
	return &OperationalModel{
		ID:          "D1",
		Name:        "Data Exfiltration",
		Description: "Staged data theft: local staging, bulk outbound transfer, upload to external cloud storage.",
		Severity:    SeverityHigh,
		Objective: &Objective{
			Goal:            "Detect staged data theft before bulk data leaves the environment",
			BusinessOutcome: "Prevent regulated-data disclosure and breach notification costs",
		},
		Phases: []Phase{
			{
				Name:       "Staging",
				SourceTags: []string{"crowdstrike_falcon"},
				Indicators: []Predicate{
					{Field: "event_name", Operator: "in", Values: []string{"DataStaged", "ArchiveFileWritten"}},
				},
			},
			{
				Name:       "Transfer",
				SourceTags: []string{"paloalto_firewall"},
				Indicators: []Predicate{
					{Field: "bytes_sent", Operator: "gt", Value: 50000000},
				},
			},
			{
				Name:       "CloudUpload",
				SourceTags: []string{"aws_cloudtrail"},
				Indicators: []Predicate{
					{Field: "event_name", Operator: "eq", Value: "PutObject"},
				},
			},
		},
		CorrelationFields: []string{"UserName", "ComputerName"},
		CorrelationWindow: time.Hour,
		MinPhases:         3,
		SuppressionWindow: 30 * time.Minute,
		PivotEntities:     []string{"user", "host"},
		AlertPolicy: &AlertPolicy{
			EscalationPath:   "soc-tier1 > data-protection-officer",
			RunbookReference: "RB-D1-EXFILTRATION",
		},
		DecisionMatrix: []DecisionRow{
			{Confidence: ConfidenceCritical, ResponsePath: PathImmediateContainment, Playbooks: []string{"PB-D1-EXFILTRATION"}},
			{Confidence: ConfidenceHigh, ResponsePath: PathStagedResponse, Playbooks: []string{"PB-D1-EXFILTRATION"}},
			{Confidence: ConfidenceMedium, ResponsePath: PathMonitorAndConfirm, Playbooks: []string{"PB-D1-EXFILTRATION"}, ApprovalRequired: true},
		},
		KPI: &KPI{MTTDTarget: 30 * time.Minute, MTTRTarget: 8 * time.Hour},
	}
}

func builtinCredentialAbuse() *OperationalModel {
	return &OperationalModel{
		ID:          "C1",
		Name:        "Credential Abuse",
		Description: "Legacy-protocol credential attacks followed by MFA/persistence tampering on the targeted account.",
		Severity:    SeverityHigh,
		Objective: &Objective{
			Goal:            "Detect account takeover attempts that pivot into persistent access",
			BusinessOutcome: "Prevent unauthorized access to corporate identities",
		},
		Phases: []Phase{
			{
				Name:       "CredentialAccess",
				SourceTags: []string{"entra_id"},
				Indicators: []Predicate{
					{Field: "auth_protocol", Operator: "in", Values: []string{"NTLM", "LDAP", "legacy"}},
					{Field: "result", Operator: "eq", Value: "failure"},
				},
			},
			{
				Name:       "Persistence",
				SourceTags: []string{"entra_id"},
				Indicators: []Predicate{
					{Field: "operation", Operator: "in", Values: []string{"RegisterSecurityInfo", "AddMFAMethod", "UpdateMFAMethod"}},
				},
			},
		},
		CorrelationFields: []string{"UserName"},
		CorrelationWindow: 24 * time.Hour,
		MinPhases:         2,
		SuppressionWindow: 2 * time.Hour,
		PivotEntities:     []string{"user"},
		AlertPolicy: &AlertPolicy{
			EscalationPath:   "soc-tier1 > identity-team",
			RunbookReference: "RB-C1-CREDENTIAL",
		},
		DecisionMatrix: []DecisionRow{
			{Confidence: ConfidenceCritical, ResponsePath: PathImmediateContainment, Playbooks: []string{"PB-C1-CREDENTIAL"}},
			{Confidence: ConfidenceHigh, ResponsePath: PathStagedResponse, Playbooks: []string{"PB-C1-CREDENTIAL"}},
			{Confidence: ConfidenceMedium, ResponsePath: PathManualReview, Playbooks: []string{"PB-C1-CREDENTIAL"}, ApprovalRequired: true},
		},
		KPI: &KPI{MTTDTarget: time.Hour, MTTRTarget: 8 * time.Hour},
	}
}

func builtinIntrusion() *OperationalModel {
	return &OperationalModel{
		ID:          "IN1",
		Name:        "Active Intrusion",
		Description: "Hands-on-keyboard intrusion: payload execution, lateral movement over admin ports, persistence installation.",
		Severity:    SeverityHigh,
		Objective: &Objective{
			Goal:            "Detect active intrusions before the attacker entrenches",
			BusinessOutcome: "Limit attacker dwell time and blast radius",
		},
		Phases: []Phase{
			{
				Name:       "Execution",
				SourceTags: []string{"crowdstrike_falcon"},
				Indicators: []Predicate{
					{Field: "event_name", Operator: "in", Values: []string{"ProcessRollup2", "SyntheticProcessRollup2"}},
				},
			},
			{
				Name:       "LateralMovement",
				SourceTags: []string{"paloalto_firewall"},
				Indicators: []Predicate{
					{Field: "dest_port", Operator: "in", Values: []string{"445", "135", "3389"}},
					{Field: "direction", Operator: "eq", Value: "internal"},
				},
			},
			{
				Name:       "Persistence",
				SourceTags: []string{"crowdstrike_falcon"},
				Indicators: []Predicate{
					{Field: "event_name", Operator: "in", Values: []string{"ScheduledTaskRegistered", "ServiceInstalled", "RegistryRunKeySet"}},
				},
			},
		},
		CorrelationFields: []string{"ComputerName"},
		CorrelationWindow: 90 * time.Minute,
		MinPhases:         2,
		SuppressionWindow: time.Hour,
		PivotEntities:     []string{"host"},
		AlertPolicy: &AlertPolicy{
			EscalationPath:   "soc-tier1 > soc-tier2",
			RunbookReference: "RB-IN1-INTRUSION",
		},
		DecisionMatrix: []DecisionRow{
			{Confidence: ConfidenceCritical, ResponsePath: PathImmediateContainment, Playbooks: []string{"PB-IN1-INTRUSION"}},
			{Confidence: ConfidenceHigh, ResponsePath: PathStagedResponse, Playbooks: []string{"PB-IN1-INTRUSION"}},
			{Confidence: ConfidenceMedium, ResponsePath: PathMonitorAndConfirm, Playbooks: []string{"PB-IN1-INTRUSION"}, ApprovalRequired: true},
		},
		KPI: &KPI{MTTDTarget: 30 * time.Minute, MTTRTarget: 6 * time.Hour},
	}
}
