package plist

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`
	xmlDoctype = `<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">`
)

// EncodeXML renders v as a complete Apple-style XML plist document.
func EncodeXML(v Value) []byte {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteByte('\n')
	buf.WriteString(xmlDoctype)
	buf.WriteByte('\n')
	buf.WriteString(`<plist version="1.0">`)
	buf.WriteByte('\n')
	writeXMLValue(&buf, v, 0)
	buf.WriteByte('\n')
	buf.WriteString(`</plist>`)
	return buf.Bytes()
}

func indent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteByte('\t')
	}
}

func writeXMLValue(buf *bytes.Buffer, v Value, depth int) {
	indent(buf, depth)
	switch v.kind {
	case KindNull:
		// Apple plists have no null tag; callers should not put KindNull
		// inside a dict/array destined for XML. Emit an empty string so the
		// document stays well-formed.
		buf.WriteString("<string></string>")
	case KindBool:
		if v.b {
			buf.WriteString("<true/>")
		} else {
			buf.WriteString("<false/>")
		}
	case KindInt:
		buf.WriteString("<integer>")
		if v.bigInt != nil {
			buf.WriteString(v.bigInt.String())
		} else {
			buf.WriteString(strconv.FormatInt(v.i, 10))
		}
		buf.WriteString("</integer>")
	case KindFloat:
		buf.WriteString("<real>")
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
		buf.WriteString("</real>")
	case KindDate:
		buf.WriteString("<date>")
		buf.WriteString(v.t.UTC().Format("2006-01-02T15:04:05Z"))
		buf.WriteString("</date>")
	case KindData:
		buf.WriteString("<data>")
		buf.WriteString(base64.StdEncoding.EncodeToString(v.data))
		buf.WriteString("</data>")
	case KindString:
		buf.WriteString("<string>")
		escapeXMLText(buf, v.s)
		buf.WriteString("</string>")
	case KindArray:
		if len(v.arr) == 0 {
			buf.WriteString("<array/>")
			return
		}
		buf.WriteString("<array>\n")
		for _, item := range v.arr {
			writeXMLValue(buf, item, depth+1)
			buf.WriteByte('\n')
		}
		indent(buf, depth)
		buf.WriteString("</array>")
	case KindDict:
		if v.dict == nil || len(v.dict.keys) == 0 {
			buf.WriteString("<dict/>")
			return
		}
		buf.WriteString("<dict>\n")
		for _, k := range v.dict.keys {
			indent(buf, depth+1)
			buf.WriteString("<key>")
			escapeXMLText(buf, k)
			buf.WriteString("</key>\n")
			writeXMLValue(buf, v.dict.vals[k], depth+1)
			buf.WriteByte('\n')
		}
		indent(buf, depth)
		buf.WriteString("</dict>")
	}
}

func escapeXMLText(buf *bytes.Buffer, s string) {
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '"':
			buf.WriteString("&quot;")
		case '\'':
			buf.WriteString("&apos;")
		default:
			buf.WriteRune(r)
		}
	}
}

// DecodeXML parses an XML plist document into a Value, first applying the
// three hostile-but-common cleanup heuristics described in §4.1: leading
// garbage before "<?xml", repeated XML declarations, and a stray U+FFFD
// replacement character.
func DecodeXML(raw []byte) (Value, error) {
	cleaned, err := cleanXML(raw)
	if err != nil {
		return Value{}, ioserr.NewParse("xml", err)
	}
	p := &xmlParser{src: string(cleaned)}
	p.skipProlog()
	if p.pos >= len(p.src) {
		return Value{}, ioserr.NewParse("xml", fmt.Errorf("empty document"))
	}
	tag, attrs, selfClosed, ok := p.nextOpenTag()
	if !ok || tag != "plist" {
		return Value{}, ioserr.NewParse("xml", fmt.Errorf("root element is not <plist>"))
	}
	_ = attrs
	if selfClosed {
		return Null(), nil
	}
	val, err := p.parseValue()
	if err != nil {
		return Value{}, err
	}
	if err := p.expectClose("plist"); err != nil {
		return Value{}, err
	}
	return val, nil
}

// cleanXML trims leading garbage up to the first "<?xml", collapses repeat
// XML declarations down to the first one, and removes a stray U+FFFD
// depending on where it is found.
func cleanXML(raw []byte) ([]byte, error) {
	s := string(raw)
	// Strip BOM.
	s = strings.TrimPrefix(s, "\xef\xbb\xbf")

	if idx := strings.Index(s, "<?xml"); idx > 0 {
		s = s[idx:]
	} else if idx < 0 && strings.Contains(s, "<plist") {
		// No XML declaration at all but a <plist> root is present: leave as
		// is, the parser tolerates a missing prolog.
	}

	// Collapse multiple "<?xml ... ?>" declarations, keeping only the first.
	if first := strings.Index(s, "<?xml"); first >= 0 {
		firstEnd := strings.Index(s[first:], "?>")
		if firstEnd >= 0 {
			firstEnd += first + 2
			rest := s[firstEnd:]
			for {
				next := strings.Index(rest, "<?xml")
				if next < 0 {
					break
				}
				nextEnd := strings.Index(rest[next:], "?>")
				if nextEnd < 0 {
					break
				}
				nextEnd += next + 2
				rest = rest[:next] + rest[nextEnd:]
			}
			s = s[:firstEnd] + rest
		}
	}

	// U+FFFD handling: between tags -> drop it; before any tag -> drop the
	// prefix up to the first '<'; after the last '>' -> drop the suffix.
	for {
		idx := strings.IndexRune(s, '�')
		if idx < 0 {
			break
		}
		firstLt := strings.IndexByte(s, '<')
		lastGt := strings.LastIndexByte(s, '>')
		switch {
		case firstLt >= 0 && idx < firstLt:
			s = s[firstLt:]
		case lastGt >= 0 && idx > lastGt:
			s = s[:lastGt+1]
		default:
			s = s[:idx] + s[idx+utf8.RuneLen('�'):]
		}
	}

	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("document empty after cleanup")
	}
	return []byte(s), nil
}

type xmlParser struct {
	src string
	pos int
}

func (p *xmlParser) skipProlog() {
	for {
		p.skipSpace()
		switch {
		case strings.HasPrefix(p.src[p.pos:], "<?"):
			end := strings.Index(p.src[p.pos:], "?>")
			if end < 0 {
				return
			}
			p.pos += end + 2
		case strings.HasPrefix(p.src[p.pos:], "<!DOCTYPE"):
			p.skipDoctype()
		case strings.HasPrefix(p.src[p.pos:], "<!--"):
			p.skipComment()
		default:
			return
		}
	}
}

func (p *xmlParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *xmlParser) skipComment() {
	end := strings.Index(p.src[p.pos:], "-->")
	if end < 0 {
		p.pos = len(p.src)
		return
	}
	p.pos += end + 3
}

func (p *xmlParser) skipDoctype() {
	depth := 0
	for i := p.pos; i < len(p.src); i++ {
		switch p.src[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '>':
			if depth <= 0 {
				p.pos = i + 1
				return
			}
		}
	}
	p.pos = len(p.src)
}

// nextOpenTag consumes whitespace/comments, then the next opening tag,
// returning its name and whether it was self-closing ("<foo/>").
func (p *xmlParser) nextOpenTag() (name string, attrs map[string]string, selfClosed, ok bool) {
	p.skipTrivia()
	if p.pos >= len(p.src) || p.src[p.pos] != '<' {
		return "", nil, false, false
	}
	end := strings.IndexByte(p.src[p.pos:], '>')
	if end < 0 {
		return "", nil, false, false
	}
	tagContent := p.src[p.pos+1 : p.pos+end]
	p.pos += end + 1
	selfClosed = strings.HasSuffix(tagContent, "/")
	if selfClosed {
		tagContent = strings.TrimSuffix(tagContent, "/")
	}
	fields := strings.Fields(tagContent)
	if len(fields) == 0 {
		return "", nil, false, false
	}
	return fields[0], nil, selfClosed, true
}

func (p *xmlParser) skipTrivia() {
	for {
		p.skipSpace()
		switch {
		case strings.HasPrefix(p.src[p.pos:], "<!--"):
			p.skipComment()
		case strings.HasPrefix(p.src[p.pos:], "<?"):
			end := strings.Index(p.src[p.pos:], "?>")
			if end < 0 {
				p.pos = len(p.src)
				return
			}
			p.pos += end + 2
		default:
			return
		}
	}
}

func (p *xmlParser) expectClose(name string) error {
	p.skipTrivia()
	close := "</" + name + ">"
	if !strings.HasPrefix(p.src[p.pos:], close) {
		return ioserr.NewParse("xml", fmt.Errorf("expected closing tag %s", close))
	}
	p.pos += len(close)
	return nil
}

func (p *xmlParser) parseValue() (Value, error) {
	tag, _, selfClosed, ok := p.nextOpenTag()
	if !ok {
		return Value{}, ioserr.NewParse("xml", fmt.Errorf("unclosed tag: expected a value element"))
	}
	switch tag {
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	case "integer":
		text, err := p.readText(tag, selfClosed)
		if err != nil {
			return Value{}, err
		}
		return parseIntegerText(text), nil
	case "real":
		text, err := p.readText(tag, selfClosed)
		if err != nil {
			return Value{}, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return Value{}, ioserr.NewParse("xml", fmt.Errorf("bad real %q: %w", text, err))
		}
		return Float(f), nil
	case "string":
		text, err := p.readText(tag, selfClosed)
		if err != nil {
			return Value{}, err
		}
		return String(unescapeXMLText(text)), nil
	case "data":
		text, err := p.readText(tag, selfClosed)
		if err != nil {
			return Value{}, err
		}
		cleanedB64 := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, text)
		b, err := base64.StdEncoding.DecodeString(cleanedB64)
		if err != nil {
			return Value{}, ioserr.NewParse("xml", fmt.Errorf("bad base64 data: %w", err))
		}
		return Data(b), nil
	case "date":
		text, err := p.readText(tag, selfClosed)
		if err != nil {
			return Value{}, err
		}
		t, err := time.Parse("2006-01-02T15:04:05Z", strings.TrimSpace(text))
		if err != nil {
			return Value{}, ioserr.NewParse("xml", fmt.Errorf("bad date %q: %w", text, err))
		}
		return Date(t), nil
	case "array":
		if selfClosed {
			return Array(), nil
		}
		var items []Value
		for {
			p.skipTrivia()
			if strings.HasPrefix(p.src[p.pos:], "</array>") {
				p.pos += len("</array>")
				break
			}
			v, err := p.parseValue()
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Array(items...), nil
	case "dict":
		if selfClosed {
			return Dict(), nil
		}
		d := newOrderedDict()
		for {
			p.skipTrivia()
			if strings.HasPrefix(p.src[p.pos:], "</dict>") {
				p.pos += len("</dict>")
				break
			}
			keyTag, _, keySelfClosed, ok := p.nextOpenTag()
			if !ok || keyTag != "key" {
				return Value{}, ioserr.NewParse("xml", fmt.Errorf("expected <key> in dict"))
			}
			keyText, err := p.readText("key", keySelfClosed)
			if err != nil {
				return Value{}, err
			}
			v, err := p.parseValue()
			if err != nil {
				return Value{}, err
			}
			d.set(unescapeXMLText(keyText), v)
		}
		return Value{kind: KindDict, dict: d}, nil
	default:
		return Value{}, ioserr.NewParse("xml", fmt.Errorf("unsupported element <%s>", tag))
	}
}

// readText reads the text content up to the matching closing tag for name.
func (p *xmlParser) readText(name string, selfClosed bool) (string, error) {
	if selfClosed {
		return "", nil
	}
	close := "</" + name + ">"
	idx := strings.Index(p.src[p.pos:], close)
	if idx < 0 {
		return "", ioserr.NewParse("xml", fmt.Errorf("unclosed <%s>", name))
	}
	text := p.src[p.pos : p.pos+idx]
	p.pos += idx + len(close)
	return expandCDATA(text), nil
}

// expandCDATA replaces "<![CDATA[...]]>" sections with their raw content;
// everything else in text passes through untouched.
func expandCDATA(text string) string {
	if !strings.Contains(text, "<![CDATA[") {
		return text
	}
	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, "<![CDATA[")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+len("<![CDATA["):]
		end := strings.Index(rest, "]]>")
		if end < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:end])
		rest = rest[end+3:]
	}
	return out.String()
}

func parseIntegerText(text string) Value {
	text = strings.TrimSpace(text)
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Int(i)
	}
	b, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return Int(0)
	}
	return BigInt(b)
}

func unescapeXMLText(s string) string {
	replacer := strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
		"&amp;", "&",
	)
	return replacer.Replace(s)
}
