package triage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
	logx "github.com/mate-core/server/pkg/logger"
)

const (
	recDelim = "##"
	tupDelim = "<||>"
	endDelim = "<|COMPLETE|>"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024 // 64KB
	maxRecords    = 100
	maxTupleLen   = 1024
	maxErrSnippet = 120
)

var knownHarmCategories = map[string]bool{
	"none": true, "violence": true, "self_harm": true, "sexual_minors": true,
	"hate": true, "illegal_activity": true, "privacy": true, "other": true,
}

type rawTuple struct {
	Type  string
	Parts []string
}

func parseRawTuple(s string) (*rawTuple, error) {
	if s == "" {
		return nil, fmt.Errorf("empty tuple")
	}
	if len(s) > maxTupleLen {
		return nil, fmt.Errorf("tuple too large")
	}

	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("invalid tuple parens")
	}
	inner := s[1 : len(s)-1]
	parts := strings.SplitN(inner, tupDelim, 4)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid tuple parts")
	}
	typ := strings.Trim(strings.TrimSpace(parts[0]), `"`)
	return &rawTuple{Type: typ, Parts: parts}, nil
}

func parseScore(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("score parse: %w", err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return 0, fmt.Errorf("score out of range")
	}
	return v, nil
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrSnippet {
		s = s[:maxErrSnippet]
	}
	return s
}

func validField(s string) (string, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" || !utf8.ValidString(s) {
		return "", false
	}
	return strings.ToLower(s), true
}

// ParseTriage decodes the triage model's delimited record transcript into a
// TriageResult. Individual bad records are skipped and accumulated in
// ParseErrors; the parse only fails outright when no usable classification
// can be recovered at all.
func ParseTriage(content string) (res *model.TriageResult, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "triage_parser").Msgf("panic recovered: %v", r)
			err = errx.Newf(errx.KindTriageFailure, "triage parser panic")
			res = nil
		}
	}()

	truncated := false
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "triage_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
		truncated = true
	}
	if idx := strings.Index(content, endDelim); idx >= 0 {
		content = content[:idx]
	}

	res = &model.TriageResult{
		Harm:         model.HarmAssessment{Category: "none"},
		Complexity:   "",
		MemoryKeys:   []string{},
		PreviewTypes: []string{},
		Timestamp:    time.Now().UTC(),
	}
	if truncated {
		res.ParseErrors = append(res.ParseErrors, "content_truncated")
	}

	addErr := func(msg string) {
		res.ParseErrors = append(res.ParseErrors, msg)
	}

	seenHarm := false
	seenMemory := map[string]bool{}
	seenPreview := map[string]bool{}

	records := strings.Split(content, recDelim)
	processed := 0
	for _, rec := range records {
		if processed >= maxRecords {
			addErr("records_capped")
			break
		}
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		processed++

		rt, rerr := parseRawTuple(rec)
		if rerr != nil {
			addErr(fmt.Sprintf("bad_record: %s", safeSnippet(rec)))
			continue
		}

		switch rt.Type {
		case "harm":
			if len(rt.Parts) < 3 {
				addErr("harm: insufficient parts")
				continue
			}
			category, ok := validField(rt.Parts[1])
			if !ok {
				addErr("harm: invalid category")
				continue
			}
			if !knownHarmCategories[category] {
				addErr(fmt.Sprintf("harm: unknown category %s", safeSnippet(category)))
				category = "other"
			}
			score, serr := parseScore(rt.Parts[2])
			if serr != nil {
				addErr("harm: invalid score")
				continue
			}
			res.Harm = model.HarmAssessment{Category: category, Score: score}
			seenHarm = true

		case "complexity":
			tier, ok := validField(rt.Parts[1])
			if !ok {
				addErr("complexity: invalid tier")
				continue
			}
			res.Complexity = model.ParseComplexity(tier)

		case "memory":
			key, ok := validField(rt.Parts[1])
			if !ok {
				addErr("memory: invalid key")
				continue
			}
			if !seenMemory[key] {
				seenMemory[key] = true
				res.MemoryKeys = append(res.MemoryKeys, key)
			}

		case "preview":
			typ, ok := validField(rt.Parts[1])
			if !ok {
				addErr("preview: invalid type")
				continue
			}
			if !seenPreview[typ] {
				seenPreview[typ] = true
				res.PreviewTypes = append(res.PreviewTypes, typ)
			}

		default:
			addErr(fmt.Sprintf("unknown_record_type: %s", safeSnippet(rt.Type)))
		}
	}

	// A transcript with no harm verdict is unusable: generation must never
	// proceed with unknown safety status.
	if !seenHarm {
		return nil, errx.Newf(errx.KindTriageFailure, "triage transcript carried no harm verdict")
	}
	if res.Complexity == "" {
		res.Complexity = model.ComplexityStandard
	}
	return res, nil
}
