package inspect

import (
	"net/http"
	"regexp"
	"strings"
)

// Signature tables are append-only: new attack idioms get new entries,
// the matching algorithm itself does not change.

var suspiciousAgentTokens = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"nessus",
	"acunetix",
	"netsparker",
	"metasploit",
	"havij",
	"w3af",
	"dirbuster",
	"gobuster",
	"wfuzz",
	"hydra",
	"burpsuite",
	"owasp zap",
	"zgrab",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"libwww-perl",
	"scanner",
	"attack",
	"exploit",
}

var suspiciousAgentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^curl/`),
	regexp.MustCompile(`(?i)^wget/`),
	regexp.MustCompile(`(?i)\b(bot|spider|crawl)`),
}

type Signature struct {
	Name    string
	pattern *regexp.Regexp
}

var attackSignatures = []Signature{
	{"path_traversal", regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|\.\.%2f|%2e%2e/)`)},
	{"script_injection", regexp.MustCompile(`(?i)(<script|</script|javascript:|vbscript:|<iframe|<object|<embed|document\.cookie|\bon(error|load|click|mouseover)\s*=)`)},
	{"sql_injection", regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|select\s+[\w\*,\s]+\s+from|insert\s+into|drop\s+(table|database)|delete\s+from|truncate\s+table)\b`)},
	{"sql_tautology", regexp.MustCompile(`(?i)('|%27|")\s*(or|and)\s+('|%27|")?\d+('|%27|")?\s*=\s*('|%27|")?\d+|\bor\s+1\s*=\s*1\b`)},
	{"command_injection", regexp.MustCompile("(?i)(;\\s*(cat|ls|rm|wget|curl|bash|sh|nc|ping|whoami)\\b|\\|\\s*(cat|ls|rm|wget|curl|bash|sh|nc)\\b|`[^`]+`|\\$\\([^)]+\\))")},
	{"template_injection", regexp.MustCompile(`(\{\{[^}]*\}\}|\$\{[^}]*\}|<%[^%]*%>)`)},
	{"null_byte", regexp.MustCompile(`(?i)(%00|\x00)`)},
	{"crlf_injection", regexp.MustCompile(`(?i)(%0d%0a|%0a%0d|\r\n)`)},
}

// ClassifyUserAgent reports whether a user-agent belongs to a scanning or
// automation client. An empty user-agent is always suspicious.
func ClassifyUserAgent(ua string) bool {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return true
	}

	lowered := strings.ToLower(ua)
	for _, token := range suspiciousAgentTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}

	for _, pattern := range suspiciousAgentPatterns {
		if pattern.MatchString(ua) {
			return true
		}
	}

	return false
}

// ScanValue reports whether a single value matches any attack signature.
// Values are scanned exactly as received; percent-encoded payloads are not
// recursively decoded, so the signature table carries encoded variants for
// the common single-encoded forms.
func ScanValue(value string) bool {
	_, matched := matchValue(value)
	return matched
}

type Finding struct {
	Signature string `json:"signature"`
	Value     string `json:"value"`
}

// ScanRequest applies the signature set to the full request URL and to every
// query-parameter value independently. A match on any one of them flags the
// whole request.
func ScanRequest(r *http.Request) (Finding, bool) {
	if name, matched := matchValue(r.URL.String()); matched {
		return Finding{Signature: name, Value: r.URL.String()}, true
	}

	for _, values := range r.URL.Query() {
		for _, value := range values {
			if name, matched := matchValue(value); matched {
				return Finding{Signature: name, Value: value}, true
			}
		}
	}

	return Finding{}, false
}

func matchValue(value string) (string, bool) {
	if value == "" {
		return "", false
	}

	for _, sig := range attackSignatures {
		if sig.pattern.MatchString(value) {
			return sig.Name, true
		}
	}

	return "", false
}
