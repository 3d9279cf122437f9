package dialogue

import "strings"

// script holds the fixed phrases spoken around campaign content.
type script struct {
	consent      string
	consentAgain string
	reprompt     string
	repeat       string
	refused      string
	closing      string
	failure      string
}

var scripts = map[string]script{
	"en": {
		consent:      "Do you have a couple of minutes to answer three short questions?",
		consentAgain: "Sorry, I did not understand. Would you like to take part in the survey? Please answer yes or no.",
		reprompt:     "Sorry, I did not catch that.",
		repeat:       "Of course, here is the question again.",
		refused:      "No problem. Thank you for your time, goodbye.",
		closing:      "Thank you for completing the survey. Goodbye.",
		failure:      "We are having technical difficulties and will call you another time. Goodbye.",
	},
	"it": {
		consent:      "Ha un paio di minuti per rispondere a tre brevi domande?",
		consentAgain: "Mi scusi, non ho capito. Desidera partecipare al sondaggio? Risponda sì o no.",
		reprompt:     "Mi scusi, non ho capito.",
		repeat:       "Certo, le ripeto la domanda.",
		refused:      "Nessun problema. Grazie per il suo tempo, arrivederci.",
		closing:      "Grazie per aver completato il sondaggio. Arrivederci.",
		failure:      "Stiamo riscontrando problemi tecnici, la richiameremo in un altro momento. Arrivederci.",
	},
}

func scriptFor(lang string) script {
	if s, ok := scripts[strings.ToLower(lang)]; ok {
		return s
	}
	return scripts["en"]
}

// FallbackPrompt is spoken when no session can serve a call.
func FallbackPrompt(lang string) string { return scriptFor(lang).failure }

func joinSay(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
