// Package extract turns provider payloads into plain reply text.
package extract

import (
	"fmt"
	"strings"

	"ingest_server/core/domain"
	"ingest_server/core/service/reply"
	"ingest_server/pkg/logger"
)

// FallbackBody is stored when no source yields usable text.
const FallbackBody = "[Message content could not be extracted]"

// SourceFallback is the Result.Source when every strategy failed.
const SourceFallback = "fallback"

// Payload is everything a provider handed us for one message.
type Payload struct {
	Text    string
	HTML    string
	RawMIME string
	Fields  map[string]string
}

// FromCanonical maps a synced message body onto the matching payload slot.
func FromCanonical(m *domain.CanonicalMessage) Payload {
	switch m.BodyKind {
	case domain.BodyHTML:
		return Payload{HTML: m.RawBody}
	case domain.BodyMIME:
		return Payload{RawMIME: m.RawBody}
	default:
		return Payload{Text: m.RawBody}
	}
}

// Strategy yields one candidate text from a payload. ok is false when the
// strategy has nothing to offer.
type Strategy interface {
	Name() string
	Extract(p Payload) (string, bool)
}

// Result is the extracted text and the strategy that produced it.
type Result struct {
	Text   string
	Source string
}

// Extractor runs strategies in order and returns the first candidate that
// survives reply cleaning.
type Extractor struct {
	strategies []Strategy
}

func NewExtractor() *Extractor {
	return &Extractor{strategies: DefaultStrategies()}
}

// NewExtractorWith uses the given strategies in order.
func NewExtractorWith(strategies ...Strategy) *Extractor {
	return &Extractor{strategies: strategies}
}

// DefaultStrategies is the production order: text, html, MIME walk, regex
// scan of the raw MIME, then alternate form fields.
func DefaultStrategies() []Strategy {
	strategies := []Strategy{
		textField{},
		htmlField{},
		mimeWalk{},
		regexFallback{},
	}
	for _, name := range AlternateFields {
		strategies = append(strategies, namedField(name))
	}
	return strategies
}

// Extract never fails; it returns FallbackBody when nothing usable is found.
func (e *Extractor) Extract(p Payload) Result {
	for _, s := range e.strategies {
		if text, ok := e.try(s, p); ok {
			return Result{Text: text, Source: s.Name()}
		}
	}
	return Result{Text: FallbackBody, Source: SourceFallback}
}

func (e *Extractor) try(s Strategy, p Payload) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("strategy", s.Name()).Warn("[Extractor] strategy panicked: %v", r)
			text, ok = "", false
		}
	}()

	raw, found := s.Extract(p)
	if !found || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return reply.Clean(raw)
}

// String is used in debug logs.
func (r Result) String() string {
	return fmt.Sprintf("%s(%d chars)", r.Source, len(r.Text))
}
