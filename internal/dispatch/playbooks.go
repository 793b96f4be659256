// Package dispatch maps qualifying incidents onto response playbooks
// through per-pattern decision matrices. Unmapped combinations fail closed:
// the incident stands, no playbook fires, and the gap is surfaced loudly.
package dispatch

import "fmt"

// Step is one action inside a playbook. Execution happens in an external
// SOAR runner; Chainsight only selects and emits.
type Step struct {
	Seq    int    `json:"seq" yaml:"seq"`
	Action string `json:"action" yaml:"action"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Playbook is a named response procedure referenced by decision matrices.
type Playbook struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Catalog indexes playbooks by ID.
type Catalog map[string]Playbook

// Get returns the playbook with the given ID.
func (c Catalog) Get(id string) (Playbook, bool) {
	pb, ok := c[id]
	return pb, ok
}

// IDs returns the catalog's playbook IDs.
func (c Catalog) IDs() []string {
	out := make([]string, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	return out
}

// Validate checks every playbook for structural soundness.
func (c Catalog) Validate() error {
	for id, pb := range c {
		if pb.ID != id {
			return fmt.Errorf("playbook %q indexed under %q", pb.ID, id)
		}
		if pb.Name == "" {
			return fmt.Errorf("playbook %s: name is required", id)
		}
		if len(pb.Steps) == 0 {
			return fmt.Errorf("playbook %s: at least one step is required", id)
		}
		for i, step := range pb.Steps {
			if step.Action == "" {
				return fmt.Errorf("playbook %s: step %d has no action", id, i)
			}
		}
	}
	return nil
}

// BuiltinCatalog returns the shipped response playbooks.
func BuiltinCatalog() Catalog {
	playbooks := []Playbook{
		{
			ID:          "PB-R1-RANSOMWARE",
			Name:        "Ransomware Containment",
			Description: "Full containment for an active encryption campaign.",
			Steps: []Step{
				{Seq: 1, Action: "isolate_host", Target: "ComputerName", Detail: "EDR network containment"},
				{Seq: 2, Action: "disable_account", Target: "UserName"},
				{Seq: 3, Action: "block_hash", Target: "FileHash", Detail: "fleet-wide indicator block"},
				{Seq: 4, Action: "snapshot_memory", Target: "ComputerName", Detail: "volatile capture before power actions"},
				{Seq: 5, Action: "notify", Target: "ir-oncall", Detail: "page incident response"},
			},
		},
		{
			ID:          "PB-D1-EXFILTRATION",
			Name:        "Data Exfiltration Response",
			Description: "Cut the transfer path and preserve flow records.",
			Steps: []Step{
				{Seq: 1, Action: "block_destination", Target: "IPAddress", Detail: "egress deny at the perimeter"},
				{Seq: 2, Action: "revoke_sessions", Target: "UserName", Detail: "cloud and VPN tokens"},
				{Seq: 3, Action: "suspend_upload_grants", Target: "AccountID"},
				{Seq: 4, Action: "capture_netflow", Target: "IPAddress", Detail: "retain flow logs for sizing the loss"},
				{Seq: 5, Action: "notify", Target: "dlp-team"},
			},
		},
		{
			ID:          "PB-C1-CREDENTIAL",
			Name:        "Credential Abuse Response",
			Description: "Reset and re-harden an abused identity.",
			Steps: []Step{
				{Seq: 1, Action: "force_password_reset", Target: "UserName"},
				{Seq: 2, Action: "revoke_sessions", Target: "UserName", Detail: "all refresh tokens"},
				{Seq: 3, Action: "enforce_mfa", Target: "UserName", Detail: "require phishing-resistant method"},
				{Seq: 4, Action: "review_grants", Target: "UserName", Detail: "diff recent permission changes"},
				{Seq: 5, Action: "notify", Target: "iam-team"},
			},
		},
		{
			ID:          "PB-IN1-INTRUSION",
			Name:        "Intrusion Containment",
			Description: "Contain lateral movement from a compromised host.",
			Steps: []Step{
				{Seq: 1, Action: "isolate_host", Target: "ComputerName"},
				{Seq: 2, Action: "disable_account", Target: "UserName", Detail: "accounts seen on the host"},
				{Seq: 3, Action: "hunt_lateral_movement", Target: "ComputerName", Detail: "sweep peer hosts for the same tradecraft"},
				{Seq: 4, Action: "collect_forensics", Target: "ComputerName"},
				{Seq: 5, Action: "notify", Target: "ir-oncall"},
			},
		},
		{
			ID:          "PB-M2-MALWARE",
			Name:        "Malware Eradication",
			Description: "Quarantine and sweep for a confirmed malicious binary.",
			Steps: []Step{
				{Seq: 1, Action: "quarantine_file", Target: "FileHash"},
				{Seq: 2, Action: "kill_process", Target: "ProcessName"},
				{Seq: 3, Action: "block_hash", Target: "FileHash", Detail: "fleet-wide indicator block"},
				{Seq: 4, Action: "scan_fleet", Target: "FileHash", Detail: "hunt for dormant copies"},
				{Seq: 5, Action: "notify", Target: "soc-tier2"},
			},
		},
		{
			ID:          "PB-FF1-FRAUD",
			Name:        "Fraud Interdiction",
			Description: "Freeze suspect activity pending manual review.",
			Steps: []Step{
				{Seq: 1, Action: "freeze_transactions", Target: "AccountID"},
				{Seq: 2, Action: "lock_account", Target: "AccountID"},
				{Seq: 3, Action: "flag_for_review", Target: "AccountID", Detail: "route to fraud analyst queue"},
				{Seq: 4, Action: "notify", Target: "fraud-team"},
			},
		},
	}

	catalog := make(Catalog, len(playbooks))
	for _, pb := range playbooks {
		catalog[pb.ID] = pb
	}
	return catalog
}
