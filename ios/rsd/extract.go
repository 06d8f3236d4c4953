package rsd

import "regexp"

// serviceNamePattern matches Apple's reverse-DNS service name convention,
// e.g. "com.apple.mobile.diagnostics_relay".
var serviceNamePattern = regexp.MustCompile(`com\.apple\.[A-Za-z0-9_.-]+`)

// portPattern matches a bare decimal port number following the literal
// word "Port" somewhere in the catalog's free text.
var portPattern = regexp.MustCompile(`Port[^0-9]{0,8}([0-9]{1,5})`)

type token struct {
	pos     int
	isPort  bool
	name    string
	portVal string
}

// extractServices scans catalog's free text for interleaved service-name
// and port tokens, in document order, and pairs each service name with
// the next port that follows it. When two service names appear back to
// back with no intervening port, the first name is discarded: only a
// name immediately followed (eventually) by a port becomes a Service.
func extractServices(catalog []byte) []Service {
	text := string(catalog)

	var tokens []token
	for _, m := range serviceNamePattern.FindAllStringIndex(text, -1) {
		tokens = append(tokens, token{pos: m[0], name: text[m[0]:m[1]]})
	}
	for _, m := range portPattern.FindAllStringSubmatchIndex(text, -1) {
		tokens = append(tokens, token{pos: m[0], isPort: true, portVal: text[m[2]:m[3]]})
	}
	sortTokensByPos(tokens)

	var services []Service
	pendingName := ""
	havePending := false
	for _, tok := range tokens {
		if !tok.isPort {
			// A new name arrives before the pending one ever saw a port:
			// the pending name is dropped, per the interleaving rule.
			pendingName = tok.name
			havePending = true
			continue
		}
		if havePending {
			services = append(services, Service{Name: pendingName, Port: tok.portVal})
			havePending = false
		}
	}
	return services
}

func sortTokensByPos(tokens []token) {
	for i := 1; i < len(tokens); i++ {
		for j := i; j > 0 && tokens[j].pos < tokens[j-1].pos; j-- {
			tokens[j], tokens[j-1] = tokens[j-1], tokens[j]
		}
	}
}
