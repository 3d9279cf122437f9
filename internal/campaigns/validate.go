package campaigns

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidCampaign marks a fatal configuration error. The scheduler skips
// such campaigns and never retries them.
var ErrInvalidCampaign = errors.New("campaigns: invalid campaign configuration")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the campaign invariants the orchestration core relies on.
func Validate(c Campaign) error {
	var problems []string

	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}

	if c.Window.Start.minutes() >= c.Window.End.minutes() {
		problems = append(problems, fmt.Sprintf("call window start %s must be before end %s", c.Window.Start, c.Window.End))
	}
	if _, err := loadLocation(c.Window.Timezone); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: campaign %s: %s", ErrInvalidCampaign, c.ID, strings.Join(problems, "; "))
}
