package changefeed

import (
	"time"

	"github.com/WessleyAI/notesync/pkg/fn"
)

// Config configures a Listener.
type Config struct {
	DSN          string
	Table        string // source table, quoted as an identifier
	Channel      string // NOTIFY channel
	FunctionName string // trigger function
	TriggerName  string

	// CaptureDeletes also fires the trigger on DELETE, with the payload
	// built from the old row.
	CaptureDeletes bool

	// PollInterval bounds each wait for a notification so the loop can
	// observe cancellation and report idle ticks.
	PollInterval time.Duration
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration
	// Reconnect controls how a lost connection is re-established.
	Reconnect fn.RetryOpts
}

// DefaultConfig returns the defaults for the "Notes" table.
func DefaultConfig() Config {
	return Config{
		Table:          "Notes",
		Channel:        "note_changes",
		FunctionName:   "notify_note_change",
		TriggerName:    "notes_change_trigger",
		PollInterval:   5 * time.Second,
		HandlerTimeout: 30 * time.Second,
		Reconnect: fn.RetryOpts{
			MaxAttempts: 10,
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
			Jitter:      true,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Table == "" {
		c.Table = d.Table
	}
	if c.Channel == "" {
		c.Channel = d.Channel
	}
	if c.FunctionName == "" {
		c.FunctionName = d.FunctionName
	}
	if c.TriggerName == "" {
		c.TriggerName = d.TriggerName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = d.Reconnect
	}
	return c
}
