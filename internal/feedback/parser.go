package feedback

import (
	"regexp"
	"strings"

	"github.com/crewloop/crew/internal/models"
)

// Classifier assigns a category to a single directive clause. The default is
// a lexicon match on the leading verb; it can be swapped for a smarter
// strategy without touching the engine's contracts.
type Classifier interface {
	Classify(clause string) models.FeedbackCategory
}

// Parser converts free-form reviewer feedback into ordered structured items.
// Parsing is total: it never fails, worst case every clause comes back
// unclassified with medium priority.
type Parser struct {
	classifier Classifier
}

// NewParser creates a parser with the default lexicon classifier.
func NewParser() *Parser {
	return &Parser{classifier: LexiconClassifier{}}
}

// NewParserWithClassifier creates a parser with a custom classification
// strategy.
func NewParserWithClassifier(c Classifier) *Parser {
	return &Parser{classifier: c}
}

// Parse splits raw feedback into directive clauses and classifies each one.
// Empty or whitespace-only input yields no items; any other input yields at
// least one.
func (p *Parser) Parse(raw string) []models.FeedbackItem {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	clauses := splitClauses(raw)
	if len(clauses) == 0 {
		// Nothing survived segmentation (e.g. input was all delimiters).
		clauses = []string{strings.TrimSpace(raw)}
	}

	items := make([]models.FeedbackItem, 0, len(clauses))
	for _, clause := range clauses {
		category := p.classifier.Classify(clause)
		items = append(items, models.FeedbackItem{
			Category:      category,
			TargetSection: extractTargetSection(clause, category),
			Priority:      detectPriority(clause),
			RawText:       clause,
		})
	}
	return items
}

// bulletMarker matches leading list markers: "-", "*", "+", "1.", "1)", "(1)".
var bulletMarker = regexp.MustCompile(`^\s*(?:[-*+]|\(?\d+[.)])\s+`)

// conjunctionSplit matches an in-sentence clause boundary introduced by a
// coordinating conjunction.
var conjunctionSplit = regexp.MustCompile(`[,;]\s+((?i:also|additionally|and also|furthermore)\b)`)

// splitClauses segments feedback text into directive clauses using newlines,
// list markers, sentence boundaries, and clause-leading conjunctions.
// Delimiters are dropped; clause text is preserved as written.
func splitClauses(raw string) []string {
	var clauses []string
	for _, line := range strings.Split(raw, "\n") {
		line = bulletMarker.ReplaceAllString(line, "")
		for _, sentence := range splitSentences(line) {
			// Break "fix X, also do Y" at the conjunction, keeping the
			// conjunction with the second clause.
			sentence = conjunctionSplit.ReplaceAllString(sentence, "\x00$1")
			for _, clause := range strings.Split(sentence, "\x00") {
				clause = strings.TrimSpace(clause)
				if clause != "" {
					clauses = append(clauses, clause)
				}
			}
		}
	}
	return clauses
}

// splitSentences cuts a line at sentence boundaries. Terminal periods and
// exclamation marks are delimiters and dropped; question marks stay attached
// because they carry a classification cue.
func splitSentences(line string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range line {
		switch r {
		case '.', '!':
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		case '?':
			b.WriteRune(r)
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// LexiconClassifier is the default deterministic classification strategy:
// match the clause's leading verb against a small directive lexicon.
type LexiconClassifier struct{}

var leadVerbs = map[string]models.FeedbackCategory{
	"add":     models.FeedbackAdd,
	"include": models.FeedbackAdd,
	"create":  models.FeedbackAdd,
	"insert":  models.FeedbackAdd,

	"change":  models.FeedbackChange,
	"update":  models.FeedbackChange,
	"modify":  models.FeedbackChange,
	"revise":  models.FeedbackChange,
	"rewrite": models.FeedbackChange,
	"improve": models.FeedbackChange,
	"fix":     models.FeedbackChange,
	"replace": models.FeedbackChange,

	"remove":    models.FeedbackRemove,
	"delete":    models.FeedbackRemove,
	"drop":      models.FeedbackRemove,
	"eliminate": models.FeedbackRemove,

	"clarify":   models.FeedbackClarify,
	"explain":   models.FeedbackClarify,
	"elaborate": models.FeedbackClarify,
	"why":       models.FeedbackClarify,
}

// leadingFillers are skipped before the leading-verb match. They are part of
// the clause text but carry no directive meaning.
var leadingFillers = map[string]bool{
	"also":         true,
	"additionally": true,
	"and":          true,
	"then":         true,
	"please":       true,
	"furthermore":  true,
}

// Classify applies the leading-verb lexicon, falling back to the trailing
// question mark cue, then to Unclassified.
func (LexiconClassifier) Classify(clause string) models.FeedbackCategory {
	words := strings.Fields(strings.ToLower(clause))
	i := 0
	for i < len(words) && leadingFillers[strings.Trim(words[i], ",")] {
		i++
	}
	if i < len(words) {
		head := strings.Trim(words[i], ",:")
		if cat, ok := leadVerbs[head]; ok {
			return cat
		}
		if head == "what" && i+1 < len(words) && strings.Trim(words[i+1], ",") == "about" {
			return models.FeedbackClarify
		}
	}
	if strings.HasSuffix(strings.TrimSpace(clause), "?") {
		return models.FeedbackClarify
	}
	return models.FeedbackUnclassified
}

// strippedClause returns the clause with leading fillers removed, preserving
// the original casing of what remains.
func strippedClause(clause string) string {
	rest := clause
	for {
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return ""
		}
		head := strings.ToLower(strings.Trim(fields[0], ","))
		if !leadingFillers[head] {
			return strings.TrimSpace(rest)
		}
		rest = strings.TrimSpace(rest[strings.Index(rest, fields[0])+len(fields[0]):])
	}
}

var sectionPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)in the ['"]?([A-Za-z0-9 _-]+?)['"]? section`),
	regexp.MustCompile(`(?i)the ['"]?([A-Za-z0-9 _-]+?)['"]? section`),
	regexp.MustCompile(`(?i)the ['"]?([A-Za-z0-9 _-]+?)['"]? part`),
	regexp.MustCompile(`(?i)under ['"]([^'"]+)['"]`),
}

// headingPhrase matches a mid-clause capitalized heading-like run of words.
var headingPhrase = regexp.MustCompile(`\b([A-Z][A-Za-z0-9]*(?: [A-Z][A-Za-z0-9]*)+)\b`)

// objectCutoffs end the direct-object span following a directive verb.
var objectCutoffs = []string{" to ", " into ", " from ", " with ", " for ", " so ", " because ", " in ", " on ", " at ", " when ", " where "}

// extractTargetSection finds a best-effort reference to the affected part of
// the artifact: an explicit section phrase, the directive's direct object, or
// a heading-like capitalized phrase. Empty when nothing is locatable.
func extractTargetSection(clause string, category models.FeedbackCategory) string {
	for _, re := range sectionPhrases {
		if m := re.FindStringSubmatch(clause); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	switch category {
	case models.FeedbackAdd, models.FeedbackChange, models.FeedbackRemove:
		if obj := directObject(clause); obj != "" {
			return obj
		}
	}

	if loc := headingPhrase.FindStringIndex(clause); loc != nil && loc[0] > 0 {
		return clause[loc[0]:loc[1]]
	}
	return ""
}

// directObject extracts the noun phrase a directive verb acts on:
// "change the database choice to Postgres" -> "database choice".
func directObject(clause string) string {
	fields := strings.Fields(strippedClause(clause))
	if len(fields) < 2 {
		return ""
	}
	// Drop the verb and a leading article.
	rest := fields[1:]
	switch strings.ToLower(rest[0]) {
	case "a", "an", "the":
		rest = rest[1:]
	}
	obj := strings.Join(rest, " ")
	lower := strings.ToLower(obj)
	cut := len(obj)
	for _, sep := range objectCutoffs {
		if idx := strings.Index(lower, sep); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	obj = obj[:cut]
	if idx := strings.IndexAny(obj, ",?"); idx >= 0 {
		obj = obj[:idx]
	}
	obj = strings.TrimSpace(obj)
	if obj == "" || len(obj) > 60 {
		return ""
	}
	return obj
}

var (
	highCues = regexp.MustCompile(`(?i)\b(must|critical|crucial|required|important)\b`)
	lowCues  = regexp.MustCompile(`(?i)\boptional\b|\bminor\b|nice[ -]to[ -]have`)
)

// detectPriority scans the clause for urgency cues; medium is the default.
func detectPriority(clause string) models.FeedbackPriority {
	if highCues.MatchString(clause) {
		return models.PriorityHigh
	}
	if lowCues.MatchString(clause) {
		return models.PriorityLow
	}
	return models.PriorityMedium
}
