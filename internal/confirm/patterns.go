package confirm

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Kind names one rule of the prompt table.
type Kind string

const (
	KindMultiOption  Kind = "multi_option"
	KindSingleOption Kind = "single_option"
	KindYesNo        Kind = "yes_no"
	KindPressEnter   Kind = "press_enter"
	KindProcessing   Kind = "processing"
	KindReady        Kind = "ready"
	KindError        Kind = "error"
)

// DefaultPrecedence is the order rules are tried in; the first match wins.
var DefaultPrecedence = []Kind{
	KindMultiOption,
	KindSingleOption,
	KindYesNo,
	KindPressEnter,
	KindProcessing,
	KindReady,
	KindError,
}

// ParseKind accepts the names used in config files.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DefaultPrecedence {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown confirmation rule %q", s)
}

// RawPatterns holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else uses strings.Contains.
type RawPatterns struct {
	ProceedQuestion []string `toml:"proceed_question"`

	// MultiOptions identifies the "don't ask again" choice itself; a plain
	// "1. Yes" / "2. No" dialog must not match it.
	MultiOptions []string `toml:"multi_options"`

	SingleOption []string `toml:"single_option"`
	YesNo        []string `toml:"yes_no"`
	PressEnter   []string `toml:"press_enter"`
	Processing   []string `toml:"processing"`
	ReadyPrompt  []string `toml:"ready_prompt"`
	ErrorMarkers []string `toml:"error_markers"`
}

// DefaultRawPatterns returns the table tuned for Claude Code's terminal UI.
func DefaultRawPatterns() *RawPatterns {
	return &RawPatterns{
		ProceedQuestion: []string{
			"Do you want to proceed?",
			"re:(?i)do you want to (?:make this edit|create|run|allow)",
		},
		MultiOptions: []string{
			`re:2\. Yes, and don['’]t ask again`,
		},
		SingleOption: []string{
			"❯ 1. Yes",
			"re:(?m)^\\s*[›>]\\s*1\\. Yes",
		},
		YesNo: []string{"(y/n)", "[Y/n]", "[y/N]", "(Y/n)", "(y/N)"},
		PressEnter: []string{
			"Press Enter to continue",
			"re:(?i)press (?:enter|return) to continue",
		},
		Processing: []string{
			"Clauding…",
			"Waiting…",
			"Processing…",
			"Working…",
			"ctrl+c to interrupt",
			"esc to interrupt",
			`re:(?m)^[✳✽✶✻✢]\s*\S.*…`,
		},
		ReadyPrompt: []string{
			`re:(?m)^\s*(?:[│|]\s*)?[>❯](?:\s|$)`,
			// Shell prompts only count on the last line of the capture.
			`re:(?m)^(?:\([^)]*\)\s)?\S*\s?[$#]\s*\z`,
			`re:(?m)^(?:\([^)]*\)\s)?(?:\S*[^\s\d.])?\s?%\s*\z`,
		},
		ErrorMarkers: []string{"Error:", "error:", "failed"},
	}
}

// MergeRawPatterns merges defaults with overrides and extras.
//   - If overrides has a field set (non-nil slice, even if empty), it replaces the default.
//   - extras fields are appended to the result.
func MergeRawPatterns(defaults, overrides, extras *RawPatterns) *RawPatterns {
	result := &RawPatterns{}
	dst := result.fields()
	if defaults != nil {
		for i, src := range defaults.fields() {
			*dst[i] = copySlice(*src)
		}
	}
	if overrides != nil {
		for i, src := range overrides.fields() {
			if *src != nil {
				*dst[i] = copySlice(*src)
			}
		}
	}
	if extras != nil {
		for i, src := range extras.fields() {
			*dst[i] = append(*dst[i], *src...)
		}
	}
	return result
}

func (r *RawPatterns) fields() []*[]string {
	return []*[]string{
		&r.ProceedQuestion,
		&r.MultiOptions,
		&r.SingleOption,
		&r.YesNo,
		&r.PressEnter,
		&r.Processing,
		&r.ReadyPrompt,
		&r.ErrorMarkers,
	}
}

// matcher is one compiled pattern list: any string or regex hit matches.
type matcher struct {
	strs []string
	res  []*regexp.Regexp
}

func (m matcher) match(text string) bool {
	for _, s := range m.strs {
		if strings.Contains(text, s) {
			return true
		}
	}
	for _, re := range m.res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (m matcher) empty() bool { return len(m.strs) == 0 && len(m.res) == 0 }

// Patterns is the compiled prompt table.
type Patterns struct {
	proceed    matcher
	multi      matcher
	single     matcher
	yesNo      matcher
	pressEnter matcher
	processing matcher
	ready      matcher
	errors     matcher
}

// CompilePatterns compiles raw string patterns. Invalid regex patterns are
// logged as warnings and skipped.
func CompilePatterns(raw *RawPatterns) (*Patterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}
	p := &Patterns{
		proceed:    compileList("proceed_question", raw.ProceedQuestion),
		multi:      compileList("multi_options", raw.MultiOptions),
		single:     compileList("single_option", raw.SingleOption),
		yesNo:      compileList("yes_no", raw.YesNo),
		pressEnter: compileList("press_enter", raw.PressEnter),
		processing: compileList("processing", raw.Processing),
		ready:      compileList("ready_prompt", raw.ReadyPrompt),
		errors:     compileList("error_markers", raw.ErrorMarkers),
	}
	return p, nil
}

// MustDefaultPatterns compiles DefaultRawPatterns.
func MustDefaultPatterns() *Patterns {
	p, err := CompilePatterns(DefaultRawPatterns())
	if err != nil {
		panic(err)
	}
	return p
}

func compileList(field string, patterns []string) matcher {
	var m matcher
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "re:") {
			m.strs = append(m.strs, p)
			continue
		}
		re, err := regexp.Compile(p[3:])
		if err != nil {
			confirmLog.Warn("invalid_confirm_regex",
				slog.String("field", field),
				slog.String("pattern", p),
				slog.String("error", err.Error()))
			continue
		}
		m.res = append(m.res, re)
	}
	return m
}

// Match reports whether text satisfies rule k.
func (p *Patterns) Match(k Kind, text string) bool {
	switch k {
	case KindMultiOption:
		// A multi-option dialog needs both the question and the option list.
		return !p.proceed.empty() && p.proceed.match(text) && p.multi.match(text)
	case KindSingleOption:
		return p.single.match(text)
	case KindYesNo:
		return p.yesNo.match(text)
	case KindPressEnter:
		return p.pressEnter.match(text)
	case KindProcessing:
		return p.processing.match(text)
	case KindReady:
		return p.ready.match(text)
	case KindError:
		return p.errors.match(text)
	default:
		return false
	}
}

// Classify returns the first rule in precedence that matches text.
func (p *Patterns) Classify(text string, precedence []Kind) (Kind, bool) {
	if len(precedence) == 0 {
		precedence = DefaultPrecedence
	}
	for _, k := range precedence {
		if p.Match(k, text) {
			return k, true
		}
	}
	return "", false
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
