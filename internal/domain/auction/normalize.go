package auction

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Record is an inbound payload whose field naming convention is not known in advance.
type Record map[string]json.RawMessage

// DecodeRecord parses a JSON object. Empty input, null and non-object payloads yield an empty record.
func DecodeRecord(raw []byte) Record {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}
	}
	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil || rec == nil {
		return Record{}
	}
	return rec
}

// Key pairs for the two observed payload conventions.
const (
	KeyDeadlineCompact   = "ea"
	KeyDeadlineVerbose   = "endsAt"
	KeyHighBidCompact    = "hb"
	KeyHighBidVerbose    = "highBid"
	KeyHighBidderCompact = "hbid"
	KeyHighBidderVerbose = "highBidder"
	KeyStatusCompact     = "st"
	KeyStatusVerbose     = "status"

	KeyBidAmount = "amount"
	KeyBidder    = "bidder"
	KeyError     = "error"
	KeyMessage   = "message"
)

// Schema classifies which naming convention a record uses.
type Schema string

const (
	SchemaEmpty   Schema = "empty"
	SchemaCompact Schema = "compact"
	SchemaVerbose Schema = "verbose"
	SchemaMixed   Schema = "mixed"
)

// DetectSchema reports which snapshot convention rec follows.
func DetectSchema(rec Record) Schema {
	compact := rec.has(KeyDeadlineCompact) || rec.has(KeyHighBidCompact) || rec.has(KeyHighBidderCompact) || rec.has(KeyStatusCompact)
	verbose := rec.has(KeyDeadlineVerbose) || rec.has(KeyHighBidVerbose) || rec.has(KeyHighBidderVerbose) || rec.has(KeyStatusVerbose)
	switch {
	case compact && verbose:
		return SchemaMixed
	case compact:
		return SchemaCompact
	case verbose:
		return SchemaVerbose
	default:
		return SchemaEmpty
	}
}

// Normalize resolves a snapshot record. Each attribute takes the compact key first, then the verbose key,
// then its default.
func Normalize(rec Record) Snapshot {
	snap := Snapshot{
		Deadline:   time.Time{},
		HighBid:    decimal.Zero,
		HighBidder: PlaceholderBidder,
		Status:     StatusUnknown,
	}
	if t, ok := rec.deadline(KeyDeadlineCompact, KeyDeadlineVerbose); ok {
		snap.Deadline = t
	}
	if d, ok := rec.decimal(KeyHighBidCompact, KeyHighBidVerbose); ok {
		snap.HighBid = d
	}
	if s, ok := rec.text(KeyHighBidderCompact, KeyHighBidderVerbose); ok {
		snap.HighBidder = s
	}
	if s, ok := rec.text(KeyStatusCompact, KeyStatusVerbose); ok {
		snap.Status = ParseStatus(s)
	}
	return snap
}

// ParseBid extracts the partial update carried by a bid event.
func ParseBid(rec Record) Delta {
	var d Delta
	if amount, ok := rec.decimal(KeyBidAmount, KeyHighBidCompact, KeyHighBidVerbose); ok {
		d.HighBid = &amount
	}
	if bidder, ok := rec.text(KeyBidder, KeyHighBidderCompact, KeyHighBidderVerbose); ok {
		d.HighBidder = &bidder
	}
	return d
}

// ParseStart extracts the partial update carried by a start event: RUNNING plus the deadline when known.
func ParseStart(rec Record) Delta {
	running := StatusRunning
	d := Delta{Status: &running}
	if t, ok := rec.deadline(KeyDeadlineVerbose, KeyDeadlineCompact); ok {
		d.Deadline = &t
	}
	return d
}

// ParseError extracts the message of a server error event.
func ParseError(rec Record) string {
	if msg, ok := rec.text(KeyError, KeyMessage); ok {
		return msg
	}
	return "unknown error"
}

func (r Record) has(key string) bool {
	raw, ok := r[key]
	return ok && !isNull(raw)
}

func (r Record) text(keys ...string) (string, bool) {
	for _, key := range keys {
		raw, ok := r[key]
		if !ok || isNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed, true
			}
			continue
		}
		// numeric identifiers are rendered verbatim
		if num, ok := numeric(raw); ok {
			return num, true
		}
	}
	return "", false
}

func (r Record) decimal(keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		raw, ok := r[key]
		if !ok || isNull(raw) {
			continue
		}
		num, ok := numeric(raw)
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(num)
		if err != nil {
			continue
		}
		return d, true
	}
	return decimal.Zero, false
}

func (r Record) deadline(keys ...string) (time.Time, bool) {
	for _, key := range keys {
		raw, ok := r[key]
		if !ok || isNull(raw) {
			continue
		}
		if t, ok := parseDeadline(raw); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseDeadline accepts unix seconds (number or numeric string, fractions allowed) and RFC 3339 strings.
// Zero means unknown and is reported as absent.
func parseDeadline(raw json.RawMessage) (time.Time, bool) {
	if num, ok := numeric(raw); ok {
		secs, err := decimal.NewFromString(num)
		if err != nil || !secs.IsPositive() {
			return time.Time{}, false
		}
		whole := secs.IntPart()
		frac := secs.Sub(decimal.NewFromInt(whole)).Shift(9).IntPart()
		return time.Unix(whole, frac).UTC(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// numeric returns the textual form of a JSON number or of a string holding a number.
func numeric(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// String renders a snapshot for logs.
func (snap Snapshot) String() string {
	deadline := "unknown"
	if !snap.Deadline.IsZero() {
		deadline = strconv.FormatInt(snap.Deadline.Unix(), 10)
	}
	return fmt.Sprintf("deadline=%s high_bid=%s high_bidder=%s status=%s", deadline, snap.HighBid, snap.HighBidder, snap.Status)
}
