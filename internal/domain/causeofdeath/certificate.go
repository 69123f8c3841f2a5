// Package causeofdeath manages the coded cause-of-death lines of a death
// notification and the exclusive "underlying cause" flag across them.
package causeofdeath

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownSlot     = errors.New("unknown cause of death slot")
	ErrUnknownCode     = errors.New("code not present in slot")
	ErrDuplicateCode   = errors.New("code already present in slot")
	ErrEmptyCode       = errors.New("code is required")
	ErrInvalidInterval = errors.New("invalid time-to-death interval")
)

// Slot identifies one cause-of-death line.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
	SlotC Slot = "C"
	SlotD Slot = "D"
	SlotO Slot = "O"
)

// Slots lists every slot in form order.
var Slots = []Slot{SlotA, SlotB, SlotC, SlotD, SlotO}

// ParseSlot accepts a slot letter (case-insensitive) or "other".
func ParseSlot(s string) (Slot, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return SlotA, nil
	case "B":
		return SlotB, nil
	case "C":
		return SlotC, nil
	case "D":
		return SlotD, nil
	case "O", "OTHER":
		return SlotO, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, s)
}

// CodeField is the semantic name of the slot's coded value field (codA).
func (s Slot) CodeField() string { return "cod" + string(s) }

// EntityField is the semantic name of the slot's entity id field.
func (s Slot) EntityField() string { return "cod" + string(s) + "_entityId" }

// UnderlyingField is the semantic name of the slot's underlying flag.
func (s Slot) UnderlyingField() string { return "cod" + string(s) + "_underlying" }

// Entry is one coded condition on a cause-of-death line.
type Entry struct {
	Code     string   `json:"code"`
	EntityID string   `json:"entity_id"`
	Interval Interval `json:"interval"`
}

// Token renders the entry the way it is stored: "CODE (P3D)" or "CODE".
func (e Entry) Token() string {
	if iv := e.Interval.String(); iv != "" {
		return e.Code + " (" + iv + ")"
	}
	return e.Code
}

// ParseToken splits a stored token into code and interval.
func ParseToken(tok string) (string, Interval, error) {
	tok = strings.TrimSpace(tok)
	code, rest, found := strings.Cut(tok, " (")
	if !found {
		return code, Interval{}, nil
	}
	iv, err := ParseInterval(strings.TrimSuffix(rest, ")"))
	if err != nil {
		return "", Interval{}, err
	}
	return code, iv, nil
}

// EntityIDFromURI returns the last path segment of an ICD-11 foundation URI.
func EntityIDFromURI(uri string) string {
	uri = strings.TrimRight(strings.TrimSpace(uri), "/")
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

type line struct {
	entries    []Entry
	underlying bool
}

// Certificate holds the five cause-of-death lines. At most one line is
// flagged underlying at any time.
type Certificate struct {
	lines map[Slot]*line
	// repaired lists lines whose stored values had to be corrected on load.
	repaired []Slot
}

// NewCertificate returns a certificate with five empty lines.
func NewCertificate() *Certificate {
	c := &Certificate{lines: make(map[Slot]*line, len(Slots))}
	for _, s := range Slots {
		c.lines[s] = &line{}
	}
	return c
}

func (c *Certificate) line(s Slot) (*line, error) {
	l, ok := c.lines[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlot, s)
	}
	return l, nil
}

// Load replaces a line from its stored representation. Entity ids are
// matched to codes by position. Stored values written by older form
// versions may carry more entity ids than codes or an unreadable interval;
// the surplus ids and the interval are dropped and the line is reported by
// Repaired.
func (c *Certificate) Load(s Slot, codes, entityIDs string, underlying bool) error {
	l, err := c.line(s)
	if err != nil {
		return err
	}
	tokens := splitList(codes)
	ids := splitPositional(entityIDs)
	repaired := len(ids) > len(tokens)

	entries := make([]Entry, 0, len(tokens))
	for i, tok := range tokens {
		code, iv, err := ParseToken(tok)
		if err != nil {
			code, _, _ = strings.Cut(strings.TrimSpace(tok), " (")
			iv, repaired = Interval{}, true
		}
		e := Entry{Code: code, Interval: iv}
		if i < len(ids) {
			e.EntityID = ids[i]
		}
		entries = append(entries, e)
	}
	l.entries = entries
	l.underlying = false
	if underlying {
		c.SetUnderlying(s, true)
	}
	if repaired {
		c.repaired = append(c.repaired, s)
	}
	return nil
}

// Repaired returns the lines Load had to correct. Encoding them writes the
// corrected values.
func (c *Certificate) Repaired() []Slot {
	return c.repaired
}

// Encode returns the stored representation of a line.
func (c *Certificate) Encode(s Slot) (codes, entityIDs string) {
	l, err := c.line(s)
	if err != nil {
		return "", ""
	}
	toks := make([]string, len(l.entries))
	ids := make([]string, len(l.entries))
	for i, e := range l.entries {
		toks[i] = e.Token()
		ids[i] = e.EntityID
	}
	return strings.Join(toks, ","), strings.Join(ids, ",")
}

// Entries returns a copy of a line's entries.
func (c *Certificate) Entries(s Slot) []Entry {
	l, err := c.line(s)
	if err != nil {
		return nil
	}
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Codes returns the bare codes of a line in order.
func (c *Certificate) Codes(s Slot) []string {
	entries := c.Entries(s)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Code
	}
	return out
}

// Intervals returns the serialised intervals of a line, aligned with Codes.
func (c *Certificate) Intervals(s Slot) []string {
	entries := c.Entries(s)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Interval.String()
	}
	return out
}

// Empty reports whether the line has no codes.
func (c *Certificate) Empty(s Slot) bool {
	l, err := c.line(s)
	return err != nil || len(l.entries) == 0
}

// AllEmpty reports whether no line carries a code.
func (c *Certificate) AllEmpty() bool {
	for _, s := range Slots {
		if !c.Empty(s) {
			return false
		}
	}
	return true
}

// AddCode appends a code to a line.
func (c *Certificate) AddCode(s Slot, code, foundationURI string) error {
	l, err := c.line(s)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}
	for _, e := range l.entries {
		if e.Code == code {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, code)
		}
	}
	l.entries = append(l.entries, Entry{Code: code, EntityID: EntityIDFromURI(foundationURI)})
	return nil
}

// Retain keeps only the entries whose code appears in selected, preserving
// their order. Selected values may be bare codes or stored tokens. It
// returns the number of entries removed.
func (c *Certificate) Retain(s Slot, selected []string) (int, error) {
	l, err := c.line(s)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(selected))
	for _, tok := range selected {
		code, _, err := ParseToken(tok)
		if err != nil {
			return 0, err
		}
		keep[code] = true
	}
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if keep[e.Code] {
			kept = append(kept, e)
		}
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed, nil
}

// SetInterval records the time-to-death of one code on a line.
func (c *Certificate) SetInterval(s Slot, code string, iv Interval) error {
	l, err := c.line(s)
	if err != nil {
		return err
	}
	for i := range l.entries {
		if l.entries[i].Code == code {
			l.entries[i].Interval = iv
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownCode, code)
}

// Underlying reports whether a line is flagged as the underlying cause.
func (c *Certificate) Underlying(s Slot) bool {
	l, err := c.line(s)
	return err == nil && l.underlying
}

// UnderlyingSlot returns the flagged line, if any.
func (c *Certificate) UnderlyingSlot() (Slot, bool) {
	for _, s := range Slots {
		if c.lines[s].underlying {
			return s, true
		}
	}
	return "", false
}

// SetUnderlying sets the flag on one line. Setting it clears every other
// line's flag.
func (c *Certificate) SetUnderlying(s Slot, underlying bool) {
	l, err := c.line(s)
	if err != nil {
		return
	}
	if underlying {
		for _, other := range c.lines {
			other.underlying = false
		}
	}
	l.underlying = underlying
}

// ClearUnderlying drops the flag from every line.
func (c *Certificate) ClearUnderlying() {
	for _, l := range c.lines {
		l.underlying = false
	}
}

// stemPreference orders lines when a stem code appears on several of them:
// the lowest causal line wins, then Other.
var stemPreference = []Slot{SlotD, SlotC, SlotB, SlotA, SlotO}

// FindStem returns the line carrying code. Postcoordinated clusters
// ("XA&XB", "XA/XB") match on their stem.
func (c *Certificate) FindStem(code string) (Slot, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	for _, s := range stemPreference {
		for _, e := range c.lines[s].entries {
			if e.Code == code || clusterStem(e.Code) == code {
				return s, true
			}
		}
	}
	return "", false
}

// Lookup returns the entry for code on a line.
func (c *Certificate) Lookup(s Slot, code string) (Entry, bool) {
	for _, e := range c.Entries(s) {
		if e.Code == code {
			return e, true
		}
	}
	return Entry{}, false
}

func clusterStem(code string) string {
	if i := strings.IndexAny(code, "&/"); i > 0 {
		return code[:i]
	}
	return code
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitPositional keeps empty elements so positions survive.
func splitPositional(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
