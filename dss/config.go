package dss

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines the privacy-critical tuning parameters and instance
// identity for the delayed submission subsystem. Every field participates
// in the privacy behavior; Validate rejects configurations that would
// silently weaken it.
type Config struct {
	// InstanceID identifies this process in the fleet, host:port derived.
	InstanceID string
	// InstanceSecret authenticates inter-instance transfer calls. Required;
	// startup must fail rather than run without it.
	InstanceSecret string

	// MinPercentage and MaxPercentage bound the throttled flush ratio.
	MinPercentage int
	MaxPercentage int
	// PercentageIncrement is added to the flush ratio after a productive
	// cycle unless the stochastic reset fires.
	PercentageIncrement int
	// ResetChancePercentage is the probability (0-100) that a productive
	// cycle resets the flush ratio to MinPercentage.
	ResetChancePercentage int
	// MinimumSurveySubmissions multiplied by a survey's question count is
	// the floor below which responses are never flushed.
	MinimumSurveySubmissions int

	// ColdDelayMin/Max bound the randomized delay for the first arming
	// after an empty queue.
	ColdDelayMin time.Duration
	ColdDelayMax time.Duration
	// HotDelayMin/Max bound the randomized re-arm delay after a productive
	// flush.
	HotDelayMin time.Duration
	HotDelayMax time.Duration

	// TransferTimeout caps outbound transfer calls so an unreachable leader
	// does not stall the submission path.
	TransferTimeout time.Duration
}

// DefaultConfig returns the reference tuning for an instance. The secret
// is deliberately absent; callers must supply it.
func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:               instanceID,
		MinPercentage:            30,
		MaxPercentage:            70,
		PercentageIncrement:      2,
		ResetChancePercentage:    5,
		MinimumSurveySubmissions: 3,
		ColdDelayMin:             10 * time.Minute,
		ColdDelayMax:             45 * time.Minute,
		HotDelayMin:              15 * time.Second,
		HotDelayMax:              45 * time.Second,
		TransferTimeout:          5 * time.Second,
	}
}

// Validate checks the configuration. A missing secret or identity is
// fatal; bounds are checked so the percentage walk stays meaningful.
func (c Config) Validate() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return errors.New("instance id is required")
	}
	if strings.TrimSpace(c.InstanceSecret) == "" {
		return errors.New("instance secret is required")
	}
	if c.MinPercentage <= 0 || c.MinPercentage > 100 {
		return fmt.Errorf("min percentage %d out of range", c.MinPercentage)
	}
	if c.MaxPercentage < c.MinPercentage || c.MaxPercentage > 100 {
		return fmt.Errorf("max percentage %d out of range", c.MaxPercentage)
	}
	if c.PercentageIncrement <= 0 {
		return fmt.Errorf("percentage increment %d must be positive", c.PercentageIncrement)
	}
	if c.ResetChancePercentage < 0 || c.ResetChancePercentage > 100 {
		return fmt.Errorf("reset chance %d out of range", c.ResetChancePercentage)
	}
	if c.MinimumSurveySubmissions <= 0 {
		return fmt.Errorf("minimum survey submissions %d must be positive", c.MinimumSurveySubmissions)
	}
	if c.ColdDelayMin <= 0 || c.ColdDelayMax < c.ColdDelayMin {
		return errors.New("cold delay window is invalid")
	}
	if c.HotDelayMin <= 0 || c.HotDelayMax < c.HotDelayMin {
		return errors.New("hot delay window is invalid")
	}
	if c.TransferTimeout <= 0 {
		return errors.New("transfer timeout must be positive")
	}
	return nil
}
