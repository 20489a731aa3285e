// Package schema defines the wire envelope exchanged over the auction duplex channel.
package schema

import (
	"bytes"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/domain/auction"
)

// Kind is the canonical tag of an inbound or outbound message.
type Kind string

// Namespaced tags as sent by the auction service.
const (
	KindSnapshot Kind = "auctions/snapshot"
	KindStart    Kind = "auctions/start"
	KindBid      Kind = "auctions/bid"
	KindBidAck   Kind = "auctions/bid-ack"
	KindStop     Kind = "auctions/stop"
	KindError    Kind = "error"
	KindUnknown  Kind = ""
)

// Variant records which tag spelling a frame used.
type Variant string

const (
	VariantNamespaced Variant = "namespaced"
	VariantBare       Variant = "bare"
	VariantUnknown    Variant = "unknown"
)

var aliases = map[string]struct {
	kind    Kind
	variant Variant
}{
	string(KindSnapshot): {KindSnapshot, VariantNamespaced},
	string(KindStart):    {KindStart, VariantNamespaced},
	string(KindBid):      {KindBid, VariantNamespaced},
	string(KindBidAck):   {KindBidAck, VariantNamespaced},
	string(KindStop):     {KindStop, VariantNamespaced},
	string(KindError):    {KindError, VariantNamespaced},
	"snapshot":           {KindSnapshot, VariantBare},
	"start":              {KindStart, VariantBare},
	"bid":                {KindBid, VariantBare},
	"bid-ack":            {KindBidAck, VariantBare},
	"stop":               {KindStop, VariantBare},
}

// ParseKind resolves a raw tag to its canonical kind.
func ParseKind(tag string) (Kind, Variant) {
	if alias, ok := aliases[strings.TrimSpace(tag)]; ok {
		return alias.kind, alias.variant
	}
	return KindUnknown, VariantUnknown
}

// Envelope is the frame layout on the wire. Older servers put the payload under data.
type Envelope struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is a decoded inbound frame.
type Message struct {
	// Tag is the event string exactly as received.
	Tag     string
	Kind    Kind
	Variant Variant
	Body    auction.Record
}

// Decode parses one text frame. The payload is taken from body, then data, then the frame itself.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, errs.New("schema/decode", errs.CodeDecode,
			errs.WithMessage("malformed frame"),
			errs.WithCause(err))
	}
	kind, variant := ParseKind(env.Event)
	var body auction.Record
	switch {
	case present(env.Body):
		body = auction.DecodeRecord(env.Body)
	case present(env.Data):
		body = auction.DecodeRecord(env.Data)
	default:
		body = auction.DecodeRecord(frame)
	}
	return Message{
		Tag:     env.Event,
		Kind:    kind,
		Variant: variant,
		Body:    body,
	}, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

type bidBody struct {
	Amount json.Number `json:"amount"`
}

// EncodeBid renders an outbound bid. The amount goes out as a bare JSON number.
func EncodeBid(amount decimal.Decimal) ([]byte, error) {
	body, err := json.Marshal(bidBody{Amount: json.Number(amount.String())})
	if err != nil {
		return nil, errs.New("schema/encode", errs.CodeValidation, errs.WithCause(err))
	}
	return json.Marshal(Envelope{Event: string(KindBid), Body: body})
}
