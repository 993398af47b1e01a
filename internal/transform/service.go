package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lingochat/internal/observe"
	"lingochat/pkg/logger"
	"lingochat/pkg/model"
	"lingochat/pkg/resilience"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Completer is a single-shot text transformation: instructions applied to text
type Completer interface {
	Complete(ctx context.Context, instructions, text string) (string, error)
}

// Service runs translation, proficiency scaling and grammar correction
// through a Completer guarded by a circuit breaker.
type Service struct {
	completer Completer
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics
}

func NewService(completer Completer, breaker *resilience.CircuitBreaker, metrics *observe.Metrics) *Service {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(5, 30*time.Second)
		breaker.OnStateChange = func(from, to resilience.State) {
			logger.Warn("Transformation circuit changed state",
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
	}
	return &Service{completer: completer, breaker: breaker, metrics: metrics}
}

func (s *Service) complete(ctx context.Context, operation, instructions, text string) (string, error) {
	var out string
	started := time.Now()
	err := s.breaker.Execute(func() error {
		res, err := s.completer.Complete(ctx, instructions, text)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(res)
		if out == "" {
			return resilience.Malformed(errors.New("empty completion"))
		}
		return nil
	})
	s.metrics.RecordProviderCall(ctx, operation, started, err)
	if err != nil {
		return "", fmt.Errorf("failed to %s: %w", operation, err)
	}
	return out, nil
}

// Translate renders text in targetLanguage
func (s *Service) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	instructions := fmt.Sprintf(
		"Translate the user's message from %s to %s. Preserve meaning, tone and formatting. "+
			"Reply with the translation only.",
		LanguageName(sourceLanguage), LanguageName(targetLanguage))
	return s.complete(ctx, "translate", instructions, text)
}

// Scale rewrites text for a learner at level without changing its language
func (s *Service) Scale(ctx context.Context, text, lang string, level model.Proficiency) (string, error) {
	if !level.Valid() {
		return "", resilience.Malformed(fmt.Errorf("unknown proficiency %q", level))
	}
	instructions := fmt.Sprintf(
		"Rewrite the user's message in %s for a %s language learner. %s "+
			"Keep the meaning and do not translate. Reply with the rewritten text only.",
		LanguageName(lang), level, levelGuidance[level])
	return s.complete(ctx, "scale", instructions, text)
}

// Correct fixes grammar and spelling, keeping the writer's wording where possible
func (s *Service) Correct(ctx context.Context, text, lang string) (string, error) {
	instructions := fmt.Sprintf(
		"Correct grammar, spelling and punctuation in the user's %s message. "+
			"Change as little as possible. Reply with the corrected text only.",
		LanguageName(lang))
	return s.complete(ctx, "correct", instructions, text)
}

var levelGuidance = map[model.Proficiency]string{
	model.ProficiencyBeginner:     "Use short sentences, the most common words, and present tense where possible.",
	model.ProficiencyIntermediate: "Use everyday vocabulary and simple connected sentences.",
	model.ProficiencyAdvanced:     "Use natural, idiomatic phrasing.",
}

// LanguageName returns the English name of a language tag ("es" → "Spanish").
// Unknown tags are returned as given.
func LanguageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Languages().Name(t); name != "" {
		return name
	}
	return tag
}
