// Package config loads the engine settings from a TOML file into an immutable
// snapshot. Workers and operators receive the snapshot at construction; a
// reload produces a new snapshot, never a mutation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &t.Hour, &t.Minute); err != nil {
		return t, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return t, fmt.Errorf("invalid time of day %q", s)
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns the time of day as minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Settings is the immutable configuration snapshot consumed by the worker,
// operator and executor.
type Settings struct {
	// Suspended defers every task pickup without consuming retry budget.
	Suspended bool

	// SlotBegin/SlotEnd bound the daily window in which non-urgent work may
	// run. Equal values disable the feature.
	SlotBegin TimeOfDay
	SlotEnd   TimeOfDay

	MaxRetries int

	// RetryDelay is used for transient connectivity failures,
	// ResourceRetryDelay for resource exhaustion (e.g. destination disk full).
	RetryDelay         time.Duration
	ResourceRetryDelay time.Duration

	// SuspendDelay is how far pickups are pushed while Suspended is set.
	SuspendDelay time.Duration

	// MaxPriority caps the priority bump applied on re-queue.
	MaxPriority int

	// ClaimLease is how long a claim may stay locked before the sweep
	// releases it again.
	ClaimLease time.Duration

	PollInterval time.Duration
	WorkerCount  int

	// ExcludedModalities are skipped when enumerating series for download.
	ExcludedModalities []string

	// TrialProtocolID/Name, when set, are injected into pseudonymized
	// datasets as clinical trial attributes.
	TrialProtocolID   string
	TrialProtocolName string

	// Connect retry budget for DIMSE associations.
	ConnectRetries int
	ConnectDelay   time.Duration

	// RelayIdleTimeout bounds the silence between relayed files of one MOVE.
	RelayIdleTimeout time.Duration

	CallingAETitle string
	RelayAddr      string
	ReceiverAET    string
}

// ExcludesModality reports whether the modality is on the exclusion list.
func (s Settings) ExcludesModality(modality string) bool {
	for _, m := range s.ExcludedModalities {
		if m == modality {
			return true
		}
	}
	return false
}

// fileSettings mirrors the TOML layout.
type fileSettings struct {
	Suspended          bool     `toml:"suspended"`
	SlotBegin          string   `toml:"slot_begin"`
	SlotEnd            string   `toml:"slot_end"`
	MaxRetries         int      `toml:"max_retries"`
	RetryDelay         duration `toml:"retry_delay"`
	ResourceRetryDelay duration `toml:"resource_retry_delay"`
	SuspendDelay       duration `toml:"suspend_delay"`
	MaxPriority        int      `toml:"max_priority"`
	ClaimLease         duration `toml:"claim_lease"`
	PollInterval       duration `toml:"poll_interval"`
	WorkerCount        int      `toml:"worker_count"`
	ExcludedModalities []string `toml:"excluded_modalities"`
	TrialProtocolID    string   `toml:"trial_protocol_id"`
	TrialProtocolName  string   `toml:"trial_protocol_name"`
	ConnectRetries     int      `toml:"connect_retries"`
	ConnectDelay       duration `toml:"connect_delay"`
	RelayIdleTimeout   duration `toml:"relay_idle_timeout"`
	CallingAETitle     string   `toml:"calling_ae_title"`
	RelayAddr          string   `toml:"relay_addr"`
	ReceiverAET        string   `toml:"receiver_aet"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Default returns the settings used when no file overrides them.
func Default() Settings {
	return Settings{
		MaxRetries:         3,
		RetryDelay:         15 * time.Minute,
		ResourceRetryDelay: 24 * time.Hour,
		SuspendDelay:       time.Minute,
		MaxPriority:        10,
		ClaimLease:         time.Hour,
		PollInterval:       5 * time.Second,
		WorkerCount:        2,
		ExcludedModalities: []string{"PR", "SR"},
		ConnectRetries:     2,
		ConnectDelay:       5 * time.Second,
		RelayIdleTimeout:   time.Minute,
		CallingAETitle:     "TRANSFER",
	}
}

// Load reads the TOML file at path over the defaults.
func Load(path string) (Settings, error) {
	settings := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("failed to read config: %w", err)
	}

	var fs fileSettings
	if err := toml.Unmarshal(raw, &fs); err != nil {
		return settings, fmt.Errorf("failed to parse config: %w", err)
	}

	settings.Suspended = fs.Suspended
	if fs.SlotBegin != "" {
		if settings.SlotBegin, err = ParseTimeOfDay(fs.SlotBegin); err != nil {
			return settings, err
		}
	}
	if fs.SlotEnd != "" {
		if settings.SlotEnd, err = ParseTimeOfDay(fs.SlotEnd); err != nil {
			return settings, err
		}
	}
	if fs.MaxRetries > 0 {
		settings.MaxRetries = fs.MaxRetries
	}
	if fs.RetryDelay > 0 {
		settings.RetryDelay = time.Duration(fs.RetryDelay)
	}
	if fs.ResourceRetryDelay > 0 {
		settings.ResourceRetryDelay = time.Duration(fs.ResourceRetryDelay)
	}
	if fs.SuspendDelay > 0 {
		settings.SuspendDelay = time.Duration(fs.SuspendDelay)
	}
	if fs.MaxPriority > 0 {
		settings.MaxPriority = fs.MaxPriority
	}
	if fs.ClaimLease > 0 {
		settings.ClaimLease = time.Duration(fs.ClaimLease)
	}
	if fs.PollInterval > 0 {
		settings.PollInterval = time.Duration(fs.PollInterval)
	}
	if fs.WorkerCount > 0 {
		settings.WorkerCount = fs.WorkerCount
	}
	if fs.ExcludedModalities != nil {
		settings.ExcludedModalities = fs.ExcludedModalities
	}
	settings.TrialProtocolID = fs.TrialProtocolID
	settings.TrialProtocolName = fs.TrialProtocolName
	if fs.ConnectRetries > 0 {
		settings.ConnectRetries = fs.ConnectRetries
	}
	if fs.ConnectDelay > 0 {
		settings.ConnectDelay = time.Duration(fs.ConnectDelay)
	}
	if fs.RelayIdleTimeout > 0 {
		settings.RelayIdleTimeout = time.Duration(fs.RelayIdleTimeout)
	}
	if fs.CallingAETitle != "" {
		settings.CallingAETitle = fs.CallingAETitle
	}
	if fs.RelayAddr != "" {
		settings.RelayAddr = fs.RelayAddr
	}
	if fs.ReceiverAET != "" {
		settings.ReceiverAET = fs.ReceiverAET
	}

	return settings, nil
}
