package campaigns

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixture is one campaign plus the phone numbers to dial, as written in a
// dry-run seed file:
//
//	campaigns:
//	  - id: nps-q2
//	    language: en
//	    intro: "Hi, this is Acme calling about your recent order."
//	    questions:
//	      - {text: "How satisfied were you, from 1 to 5?", type: scale}
//	      - {text: "How many orders did you place this year?", type: numeric}
//	      - {text: "What should we improve?", type: free_text}
//	    window: {start: "09:00", end: "20:00", timezone: Europe/Rome}
//	    contacts: ["+390612345678"]
type Fixture struct {
	Campaign Campaign
	Contacts []string
}

type fixtureFile struct {
	Campaigns []fixtureCampaign `yaml:"campaigns"`
}

type fixtureCampaign struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Status        string `yaml:"status"`
	Language      string `yaml:"language"`
	Intro         string `yaml:"intro"`
	Closing       string `yaml:"closing"`
	MaxAttempts   int    `yaml:"max_attempts"`
	RetryInterval string `yaml:"retry_interval"`
	CallerID      string `yaml:"caller_id"`

	Questions []struct {
		Text string `yaml:"text"`
		Type string `yaml:"type"`
	} `yaml:"questions"`

	Window struct {
		Start    string `yaml:"start"`
		End      string `yaml:"end"`
		Timezone string `yaml:"timezone"`
	} `yaml:"window"`

	Contacts []string `yaml:"contacts"`
}

// DecodeFixtures parses a seed file. Omitted fields default to a running
// English campaign with three attempts an hour apart, callable 09:00-20:00
// UTC. Every campaign is validated.
func DecodeFixtures(r io.Reader, now time.Time) ([]Fixture, error) {
	var f fixtureFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	out := make([]Fixture, 0, len(f.Campaigns))
	for i, fc := range f.Campaigns {
		c, err := fc.campaign(now)
		if err != nil {
			return nil, fmt.Errorf("fixture %d: %w", i, err)
		}
		if err := Validate(c); err != nil {
			return nil, err
		}
		out = append(out, Fixture{Campaign: c, Contacts: fc.Contacts})
	}
	return out, nil
}

func (fc fixtureCampaign) campaign(now time.Time) (Campaign, error) {
	c := Campaign{
		ID:            fc.ID,
		Name:          fc.Name,
		Status:        Status(fc.Status),
		Language:      fc.Language,
		IntroScript:   fc.Intro,
		ClosingScript: fc.Closing,
		MaxAttempts:   fc.MaxAttempts,
		RetryInterval: time.Hour,
		CallerID:      fc.CallerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c.Status == "" {
		c.Status = StatusRunning
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if fc.RetryInterval != "" {
		d, err := time.ParseDuration(fc.RetryInterval)
		if err != nil {
			return Campaign{}, fmt.Errorf("retry_interval: %w", err)
		}
		c.RetryInterval = d
	}

	if len(fc.Questions) != len(c.Questions) {
		return Campaign{}, fmt.Errorf("campaign %s: want %d questions, got %d", fc.ID, len(c.Questions), len(fc.Questions))
	}
	for i, q := range fc.Questions {
		c.Questions[i] = Question{Text: q.Text, Type: QuestionType(q.Type)}
		if c.Questions[i].Type == "" {
			c.Questions[i].Type = QuestionFreeText
		}
	}

	start, end := fc.Window.Start, fc.Window.End
	if start == "" {
		start = "09:00"
	}
	if end == "" {
		end = "20:00"
	}
	var err error
	if c.Window.Start, err = ParseLocalTime(start); err != nil {
		return Campaign{}, err
	}
	if c.Window.End, err = ParseLocalTime(end); err != nil {
		return Campaign{}, err
	}
	c.Window.Timezone = fc.Window.Timezone
	return c, nil
}
