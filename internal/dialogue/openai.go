package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"voice-survey-agent/internal/campaigns"
	"voice-survey-agent/pkg/logger"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// chatCompleter is the subset of the OpenAI chat completions service the
// engine uses.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIEngine interprets caller speech with a chat completion that answers
// in a small JSON object.
type OpenAIEngine struct {
	chat  chatCompleter
	model string
	log   *slog.Logger
}

func NewOpenAIEngine(apiKey, model string, log *slog.Logger) *OpenAIEngine {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		// The machine owns the time budget; SDK retries would overrun it.
		option.WithMaxRetries(0),
	)
	return newOpenAIEngine(&client.Chat.Completions, model, log)
}

func newOpenAIEngine(chat chatCompleter, model string, log *slog.Logger) *OpenAIEngine {
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &OpenAIEngine{chat: chat, model: model, log: logger.Component(log, "openai_engine")}
}

// engineReply is the JSON object the model is instructed to return.
type engineReply struct {
	Signal     string  `json:"signal"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Reply      string  `json:"reply"`
}

func (e *OpenAIEngine) NextTurn(ctx context.Context, tc TurnContext, utterance string) (Turn, error) {
	if strings.TrimSpace(utterance) == "" {
		// Silence never needs a model round trip.
		return Turn{Signal: SignalUnclear}, nil
	}

	comp, err := e.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(tc)),
			openai.UserMessage(utterance),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Turn{}, fmt.Errorf("dialogue: chat completion: %w", err)
	}
	if comp == nil || len(comp.Choices) == 0 {
		return Turn{}, errors.New("dialogue: chat completion returned no choices")
	}
	return e.parse(tc, comp.Choices[0].Message.Content), nil
}

// parse maps the model output onto a Turn. Anything it cannot read, or a
// signal that does not belong to the phase, becomes unclear.
func (e *OpenAIEngine) parse(tc TurnContext, content string) Turn {
	raw := extractJSONObject(content)
	var r engineReply
	if raw == "" || json.Unmarshal([]byte(raw), &r) != nil {
		e.log.Warn("unparseable engine reply", "phase", tc.Phase)
		return Turn{Signal: SignalUnclear}
	}
	sig := Signal(strings.ToLower(strings.TrimSpace(r.Signal)))
	if !sig.Valid() || !allowedIn(tc.Phase, sig) {
		e.log.Warn("engine signal rejected", "phase", tc.Phase, "signal", r.Signal)
		return Turn{Signal: SignalUnclear, Utterance: r.Reply}
	}
	conf := r.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Turn{
		Utterance:  strings.TrimSpace(r.Reply),
		Signal:     sig,
		Answer:     strings.TrimSpace(r.Answer),
		Confidence: conf,
	}
}

func allowedIn(p Phase, s Signal) bool {
	switch s {
	case SignalConsentAccepted, SignalConsentRefused:
		return p == PhaseAwaitingConsent
	case SignalAnswerCaptured, SignalComplete:
		return p.questionIndex() >= 0
	default:
		return true
	}
}

// extractJSONObject returns the outermost {...} in s, tolerating code fences
// and prose around it.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func systemPrompt(tc TurnContext) string {
	lang := "English"
	if strings.EqualFold(tc.Language, "it") {
		lang = "Italian"
	}
	var b strings.Builder
	b.WriteString("You classify what a person said on a phone survey call. The caller speaks ")
	b.WriteString(lang)
	b.WriteString(". Reply with a single JSON object with the keys signal, answer, confidence (0 to 1) and reply.\n")

	if tc.Phase == PhaseAwaitingConsent {
		b.WriteString("The caller was just asked whether they agree to answer three short questions.\n")
		b.WriteString("signal must be one of: consent_accepted, consent_refused, repeat_requested, unclear, off_topic.\n")
		b.WriteString("Use consent_refused for any clear no, including requests to stop calling. answer must be empty.\n")
	} else {
		fmt.Fprintf(&b, "The caller was asked question %d: %q (answer type: %s).\n", tc.QuestionIndex+1, tc.Question.Text, tc.Question.Type)
		b.WriteString("signal must be one of: answer_captured, repeat_requested, unclear, off_topic.\n")
		b.WriteString("For answer_captured put the answer in the caller's own words in answer; ")
		switch tc.Question.Type {
		case campaigns.QuestionNumeric:
			b.WriteString("normalize it to digits.\n")
		case campaigns.QuestionScale:
			b.WriteString("normalize it to the number on the scale.\n")
		default:
			b.WriteString("keep it short.\n")
		}
	}
	b.WriteString("reply is an optional short sentence, in the caller's language, to say before asking again. Never invent answers.")
	return b.String()
}
