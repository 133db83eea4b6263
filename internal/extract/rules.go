package extract

import (
	"context"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"pkm-engine/internal/model"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)
	urlRe   = regexp.MustCompile(`(?:https?://|www\.)[^\s<>"'\x60{}|\\^\[\]]+`)

	isoDateRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	slashDateRe = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	monthNames  = `(?:January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)`
	mdyDateRe   = regexp.MustCompile(`\b` + monthNames + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`)
	dmyDateRe   = regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)?\s+` + monthNames + `\.?,?\s+\d{4}\b`)

	moneyRe = regexp.MustCompile(`[$€£¥]\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:[kKmMbB]\b|million\b|billion\b|thousand\b))?` +
		`|\b\d[\d,]*(?:\.\d+)?\s?(?:[kKmMbB]\s?|million\s|billion\s)?(?:USD|EUR|GBP|CNY|RMB|JPY|dollars|euros)\b`)

	projectRe = regexp.MustCompile(`\b[Pp]roject\s+([A-Z][\w-]*(?:\s+[A-Z][\w-]*)?)`)
	orgRe     = regexp.MustCompile(`\b((?:[A-Z][\w&'-]*\s+){1,4})(Inc|Corp|Corporation|LLC|Ltd|GmbH|AG|Company|Group|Foundation|Institute|Labs|Technologies|Systems)\b\.?`)
	uniRe     = regexp.MustCompile(`\bUniversity of [A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)
	honorRe   = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof|Sir|Dame)\.?\s+([A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+){0,2})`)
	nameRe    = regexp.MustCompile(`\b([A-Z][a-z]+)[ \t]+([A-Z][a-z]+)\b`)
	basedInRe = regexp.MustCompile(`\b(?:based in|located in|lives in|office in|headquartered in)\s+([A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)?)`)
)

// 机构名前常见的非名称词
var leadingStopwords = map[string]bool{
	"The": true, "A": true, "An": true, "At": true, "In": true, "On": true, "For": true,
	"With": true, "From": true, "By": true, "And": true, "Our": true, "Their": true,
	"His": true, "Her": true, "My": true, "Yesterday": true, "Today": true, "Dear": true,
}

// 置信度
const (
	confExact     = 1.0
	confISODate   = 0.95
	confDate      = 0.9
	confHonorific = 0.85
	confMoney     = 0.85
	confOrg       = 0.8
	confProject   = 0.8
	confTechnical = 0.75
	confGazetteer = 0.7
	confName      = 0.65
	confBasedIn   = 0.55
)

// RuleOptions 允许通过配置扩充词典。
type RuleOptions struct {
	TechnicalTerms []string
	Locations      []string
	FirstNames     []string
}

// RuleExtractor 是确定性的规则抽取器：同样的输入总是得到同样的输出。
type RuleExtractor struct {
	technicalRe *regexp.Regexp
	locationRe  *regexp.Regexp
	locations   map[string]bool
	firstNames  map[string]bool
}

// NewRuleExtractor 在默认词典基础上合并 opts 中的词条。
func NewRuleExtractor(opts RuleOptions) *RuleExtractor {
	r := &RuleExtractor{
		locations:  make(map[string]bool),
		firstNames: make(map[string]bool),
	}
	r.technicalRe = wordListRegexp(append(append([]string{}, defaultTechnicalTerms...), opts.TechnicalTerms...))
	locs := append(append([]string{}, defaultLocations...), opts.Locations...)
	for _, l := range locs {
		r.locations[l] = true
	}
	r.locationRe = wordListRegexp(locs)
	for _, n := range append(append([]string{}, defaultFirstNames...), opts.FirstNames...) {
		r.firstNames[n] = true
	}
	return r
}

// wordListRegexp 构造区分大小写的整词匹配，长词优先。
func wordListRegexp(words []string) *regexp.Regexp {
	uniq := make(map[string]bool)
	var quoted []string
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" || uniq[w] {
			continue
		}
		uniq[w] = true
		quoted = append(quoted, regexp.QuoteMeta(w))
	}
	if len(quoted) == 0 {
		return nil
	}
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Extract 依次运行各条规则，然后统一消解重叠。
func (r *RuleExtractor) Extract(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return &Result{}, nil
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	rules := []func(string) []Mention{
		r.emails, r.urls, r.dates, r.money, r.projects,
		r.organizations, r.technical, r.persons, r.places,
	}
	var spans []Mention
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spans = append(spans, rule(text)...)
	}
	return build(spans), nil
}

func (r *RuleExtractor) emails(text string) []Mention {
	var out []Mention
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		candidate := strings.TrimRight(text[start:end], ".-")
		end = start + len(candidate)
		if !validEmail(candidate) {
			continue
		}
		out = append(out, newMention(model.EntityEmail, candidate, text, start, end, confExact))
	}
	return out
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	local, domain := s[:at], s[at+1:]
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	return true
}

func (r *RuleExtractor) urls(text string) []Mention {
	var out []Mention
	for _, loc := range urlRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		raw := trimURL(text[start:end])
		end = start + len(raw)
		if !validURL(raw) {
			continue
		}
		out = append(out, newMention(model.EntityURL, raw, text, start, end, confExact))
	}
	return out
}

// trimURL 去掉句末标点和不成对的右括号。
func trimURL(s string) string {
	for len(s) > 0 {
		last := s[len(s)-1]
		switch last {
		case '.', ',', ';', ':', '!', '?', '\'', '"':
			s = s[:len(s)-1]
			continue
		case ')':
			if strings.Count(s, "(") < strings.Count(s, ")") {
				s = s[:len(s)-1]
				continue
			}
		}
		break
	}
	return s
}

func validURL(s string) bool {
	if strings.HasPrefix(s, "www.") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || (strings.Contains(host, ".") && !strings.HasSuffix(host, "."))
}

func (r *RuleExtractor) dates(text string) []Mention {
	var out []Mention
	for _, loc := range isoDateRe.FindAllStringIndex(text, -1) {
		if _, err := time.Parse("2006-01-02", text[loc[0]:loc[1]]); err != nil {
			continue
		}
		out = append(out, newMention(model.EntityDate, text[loc[0]:loc[1]], text, loc[0], loc[1], confISODate))
	}
	for _, re := range []*regexp.Regexp{mdyDateRe, dmyDateRe, slashDateRe} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, newMention(model.EntityDate, text[loc[0]:loc[1]], text, loc[0], loc[1], confDate))
		}
	}
	return out
}

func (r *RuleExtractor) money(text string) []Mention {
	var out []Mention
	for _, loc := range moneyRe.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[loc[0]:loc[1]])
		end := loc[0] + len(s)
		out = append(out, newMention(model.EntityFinancial, s, text, loc[0], end, confMoney))
	}
	return out
}

func (r *RuleExtractor) projects(text string) []Mention {
	var out []Mention
	for _, m := range projectRe.FindAllStringSubmatchIndex(text, -1) {
		name := "Project " + text[m[2]:m[3]]
		out = append(out, newMention(model.EntityProject, name, text, m[0], m[1], confProject))
	}
	return out
}

func (r *RuleExtractor) organizations(text string) []Mention {
	var out []Mention
	for _, m := range orgRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[0], m[1]
		// 跳过句首的冠词、介词等
		for {
			sp := strings.IndexFunc(text[start:end], unicode.IsSpace)
			if sp <= 0 || !leadingStopwords[text[start:start+sp]] {
				break
			}
			start += sp
			for start < end && unicode.IsSpace(rune(text[start])) {
				start++
			}
		}
		if strings.IndexFunc(text[start:end], unicode.IsSpace) < 0 {
			continue
		}
		name := strings.Join(strings.Fields(text[start:end]), " ")
		out = append(out, newMention(model.EntityOrganization, name, text, start, end, confOrg))
	}
	for _, loc := range uniRe.FindAllStringIndex(text, -1) {
		out = append(out, newMention(model.EntityOrganization, text[loc[0]:loc[1]], text, loc[0], loc[1], confOrg))
	}
	return out
}

func (r *RuleExtractor) technical(text string) []Mention {
	if r.technicalRe == nil {
		return nil
	}
	var out []Mention
	for _, loc := range r.technicalRe.FindAllStringIndex(text, -1) {
		out = append(out, newMention(model.EntityTechnical, text[loc[0]:loc[1]], text, loc[0], loc[1], confTechnical))
	}
	return out
}

func (r *RuleExtractor) persons(text string) []Mention {
	var out []Mention
	for _, m := range honorRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		out = append(out, newMention(model.EntityPerson, name, text, m[0], m[1], confHonorific))
	}
	for _, m := range nameRe.FindAllStringSubmatchIndex(text, -1) {
		first, last := text[m[2]:m[3]], text[m[4]:m[5]]
		if !r.firstNames[first] || r.locations[first+" "+last] {
			continue
		}
		out = append(out, newMention(model.EntityPerson, first+" "+last, text, m[0], m[1], confName))
	}
	return out
}

func (r *RuleExtractor) places(text string) []Mention {
	var out []Mention
	if r.locationRe != nil {
		for _, loc := range r.locationRe.FindAllStringIndex(text, -1) {
			out = append(out, newMention(model.EntityLocation, text[loc[0]:loc[1]], text, loc[0], loc[1], confGazetteer))
		}
	}
	for _, m := range basedInRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		out = append(out, newMention(model.EntityLocation, name, text, m[2], m[3], confBasedIn))
	}
	return out
}
