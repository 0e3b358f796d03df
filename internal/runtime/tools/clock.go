package tools

import (
	"context"
	"encoding/json"
	"time"
	_ "time/tzdata"

	"github.com/user/towdyouso/internal/runtime"
)

// Clock reports the current date and time, so the model can check whether
// a parking rule applies right now.
type Clock struct {
	now func() time.Time
}

// NewClock creates the get_current_time tool.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "get_current_time",
		Description: "Get the current date, time and day of the week. Optionally in a given IANA timezone.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name, e.g. 'America/Los_Angeles'. Defaults to UTC."}
			}
		}`),
	}
}

func (c *Clock) Run(_ context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}

	loc := time.UTC
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return runtime.Fail(runtime.CodeInvalidArguments, "unknown timezone %q", params.Timezone)
		}
		loc = l
	}

	now := c.now().In(loc)
	return runtime.OK(map[string]string{
		"datetime":    now.Format(time.RFC3339),
		"day_of_week": now.Weekday().String(),
		"timezone":    loc.String(),
	})
}
