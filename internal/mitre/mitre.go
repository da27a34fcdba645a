// Package mitre maps observed commands and IDS signatures to MITRE ATT&CK
// tactics and techniques. Mapping is driven by an ordered rule table loaded
// once at init; rule precedence is declaration order, first match wins, so
// ambiguous input resolves deterministically.
package mitre

import "regexp"

// TableVersion identifies the rule table revision. Bump when rules change
// so persisted mappings can be traced back to the table that produced them.
const TableVersion = "2025.1"

// Tactic identifiers.
const (
	TacticInitialAccess       = "TA0001"
	TacticExecution           = "TA0002"
	TacticPersistence         = "TA0003"
	TacticPrivilegeEscalation = "TA0004"
	TacticDefenseEvasion      = "TA0005"
	TacticCredentialAccess    = "TA0006"
	TacticDiscovery           = "TA0007"
	TacticLateralMovement     = "TA0008"
	TacticCollection          = "TA0009"
	TacticExfiltration        = "TA0010"
	TacticCommandAndControl   = "TA0011"
	TacticImpact              = "TA0040"
	TacticReconnaissance      = "TA0043"
)

// tacticNames maps tactic ids to display names.
var tacticNames = map[string]string{
	TacticInitialAccess:       "Initial Access",
	TacticExecution:           "Execution",
	TacticPersistence:         "Persistence",
	TacticPrivilegeEscalation: "Privilege Escalation",
	TacticDefenseEvasion:      "Defense Evasion",
	TacticCredentialAccess:    "Credential Access",
	TacticDiscovery:           "Discovery",
	TacticLateralMovement:     "Lateral Movement",
	TacticCollection:          "Collection",
	TacticExfiltration:        "Exfiltration",
	TacticCommandAndControl:   "Command and Control",
	TacticImpact:              "Impact",
	TacticReconnaissance:      "Reconnaissance",
}

// TacticName returns the display name for a tactic id, or the id itself
// when unknown.
func TacticName(id string) string {
	if name, ok := tacticNames[id]; ok {
		return name
	}
	return id
}

// Mapping is a resolved technique and its tactic.
type Mapping struct {
	TechniqueID   string `json:"technique_id"`
	TechniqueName string `json:"technique_name"`
	TacticID      string `json:"tactic_id"`
	TacticName    string `json:"tactic_name"`
}

type rule struct {
	pattern *regexp.Regexp
	mapping Mapping
}

func newRule(pattern, techniqueID, techniqueName, tacticID string) rule {
	return rule{
		pattern: regexp.MustCompile("(?i)" + pattern),
		mapping: Mapping{
			TechniqueID:   techniqueID,
			TechniqueName: techniqueName,
			TacticID:      tacticID,
			TacticName:    tacticNames[tacticID],
		},
	}
}

// commandRules is ordered by precedence. Specific, high-signal patterns
// come first; generic interpreter and protocol patterns come last so they
// only catch what nothing stronger claimed.
var commandRules = []rule{
	newRule(`(wget|curl|tftp|ftpget)\b[^|;&]*(https?|ftp)://`, "T1105", "Ingress Tool Transfer", TacticCommandAndControl),
	newRule(`xmrig|minerd|cpuminer|cryptonight`, "T1496", "Resource Hijacking", TacticImpact),
	newRule(`(nc|ncat|netcat)\b.*\s-e\b|bash\s+-i\s+>`, "T1059.004", "Unix Shell", TacticExecution),
	newRule(`crontab|/etc/cron|systemctl\s+(enable|start)|\bat\s+\d`, "T1053", "Scheduled Task/Job", TacticPersistence),
	newRule(`useradd|adduser`, "T1136", "Create Account", TacticPersistence),
	newRule(`\bsudo\b|\bsu\b\s|pkexec`, "T1548", "Abuse Elevation Control Mechanism", TacticPrivilegeEscalation),
	newRule(`rm\s+(-\S+\s+)?\S*log|shred\b|history\s+-c|unset\s+HISTFILE`, "T1070", "Indicator Removal", TacticDefenseEvasion),
	newRule(`base64\s+(-d|--decode)|\bxxd\b|openssl\s+enc`, "T1027", "Obfuscated Files or Information", TacticDefenseEvasion),
	newRule(`/etc/(passwd|shadow)|mimikatz`, "T1003", "OS Credential Dumping", TacticCredentialAccess),
	newRule(`\.ssh/|id_rsa|\.aws/credentials`, "T1552", "Unsecured Credentials", TacticCredentialAccess),
	newRule(`hydra|medusa|\bncrack\b`, "T1110", "Brute Force", TacticCredentialAccess),
	newRule(`nmap|masscan|zmap`, "T1595", "Active Scanning", TacticReconnaissance),
	newRule(`\buname\b|\bhostname\b|lsb_release|cat\s+/etc/(issue|os-release)|/proc/cpuinfo`, "T1082", "System Information Discovery", TacticDiscovery),
	newRule(`\bwhoami\b|\bid\b(\s|$)|\bwho\b|\blast\b`, "T1033", "System Owner/User Discovery", TacticDiscovery),
	newRule(`netstat|\bss\s+-|lsof\b`, "T1046", "Network Service Discovery", TacticDiscovery),
	newRule(`\bps\s+(-|a)|\btop\b|\bhtop\b`, "T1057", "Process Discovery", TacticDiscovery),
	newRule(`ssh\s+\S+@|\bscp\s|\brsync\s`, "T1021", "Remote Services", TacticLateralMovement),
	newRule(`tar\s+\S*c\S*f|\bzip\s|\b7z\s`, "T1560", "Archive Collected Data", TacticCollection),
	newRule(`ssh\s+.*-\s?[LRD]\b`, "T1572", "Protocol Tunneling", TacticCommandAndControl),
	newRule(`\bcurl\b|\bwget\b`, "T1071", "Application Layer Protocol", TacticCommandAndControl),
	newRule(`\b(bash|sh|python[23]?|perl|ruby)\b\s+-c`, "T1059", "Command and Scripting Interpreter", TacticExecution),
}

// signatureRules maps IDS alert text; the alert message is the matching
// surface since signature ids vary per ruleset deployment.
var signatureRules = []rule{
	newRule(`brute\s*force|ssh\s+scan|login\s+attempt`, "T1110", "Brute Force", TacticCredentialAccess),
	newRule(`port\s*scan|portscan|nmap|masscan|recon`, "T1595", "Active Scanning", TacticReconnaissance),
	newRule(`shellcode|remote\s+code\s+execution`, "T1059", "Command and Scripting Interpreter", TacticExecution),
	newRule(`exploit|overflow|cve-`, "T1190", "Exploit Public-Facing Application", TacticInitialAccess),
	newRule(`malware|trojan|botnet|backdoor`, "T1105", "Ingress Tool Transfer", TacticCommandAndControl),
	newRule(`exfil|data\s+leak`, "T1041", "Exfiltration Over C2 Channel", TacticExfiltration),
}

// MapCommand resolves a shell command to a technique. The second return is
// false when no rule matches; most benign commands have no mapping and that
// is not an error.
func MapCommand(command string) (Mapping, bool) {
	return matchRules(commandRules, command)
}

// MapSignature resolves an IDS signature to a technique using its id and
// message text.
func MapSignature(signatureID, message string) (Mapping, bool) {
	return matchRules(signatureRules, signatureID+" "+message)
}

func matchRules(rules []rule, text string) (Mapping, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r.mapping, true
		}
	}
	return Mapping{}, false
}
