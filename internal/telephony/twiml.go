package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder covering the
// verbs a survey turn needs.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	Language      string   `xml:"language,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	Say           *twimlSay
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// speechLanguage maps a campaign language to a Twilio speech locale.
func speechLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "", "en":
		return "en-US"
	case "it":
		return "it-IT"
	default:
		return lang
	}
}

func RenderSay(text, lang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("telephony: say text required")
	}
	return encodeTwiML(twimlSay{Language: speechLanguage(lang), Text: text})
}

// RenderGather asks prompt and posts the caller's speech to actionURL. When
// the caller stays silent Twilio falls through to the redirect, which posts
// an empty result so the dialogue can re-prompt.
func RenderGather(prompt, actionURL, lang string, timeoutSeconds int) (string, error) {
	if strings.TrimSpace(actionURL) == "" {
		return "", errors.New("telephony: gather action url required")
	}
	g := twimlGather{
		Input:         "speech",
		Action:        actionURL,
		Method:        "POST",
		Language:      speechLanguage(lang),
		SpeechTimeout: "auto",
		Timeout:       timeoutSeconds,
	}
	if strings.TrimSpace(prompt) != "" {
		g.Say = &twimlSay{Language: speechLanguage(lang), Text: prompt}
	}
	return encodeTwiML(g, twimlRedirect{Method: "POST", URL: actionURL})
}

// RenderHangup says closing (if any) and ends the call.
func RenderHangup(closing, lang string) (string, error) {
	var verbs []any
	if strings.TrimSpace(closing) != "" {
		verbs = append(verbs, twimlSay{Language: speechLanguage(lang), Text: closing})
	}
	return encodeTwiML(append(verbs, twimlHangup{})...)
}

// RenderPrompt picks the verb set for a dialogue prompt.
func RenderPrompt(p Prompt, gatherURL string, timeoutSeconds int) (string, error) {
	switch {
	case p.Hangup:
		return RenderHangup(p.Say, p.Language)
	case p.ExpectReply:
		return RenderGather(p.Say, gatherURL, p.Language, timeoutSeconds)
	default:
		return RenderSay(p.Say, p.Language)
	}
}

func encodeTwiML(verbs ...any) (string, error) {
	r := twimlResponse{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
