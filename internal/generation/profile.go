package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"genbot/internal/config"
	"genbot/internal/transport"
)

// Profile carries the per-kind constants of the polling machine.
type Profile struct {
	Price        decimal.Decimal
	PollInterval time.Duration
	MaxAttempts  int
	// MaxPollErrors is how many consecutive poll transport errors are tolerated.
	MaxPollErrors int
	Artifact      transport.PayloadKind
	Caption       string
	Label         string

	RequiresSource bool
	RequiresPrompt bool
}

// DefaultProfile returns the built-in constants for kind. Price is zero and
// must be configured.
func DefaultProfile(kind Kind) Profile {
	switch kind {
	case KindVideo:
		return Profile{PollInterval: 10 * time.Second, MaxAttempts: 60, Artifact: transport.PayloadVideo,
			Label: "video", Caption: "Your video is ready", RequiresSource: true, RequiresPrompt: true}
	case KindMusic:
		return Profile{PollInterval: 10 * time.Second, MaxAttempts: 30, Artifact: transport.PayloadAudio,
			Label: "track", Caption: "Your track is ready", RequiresPrompt: true}
	case KindRestore:
		return Profile{PollInterval: 5 * time.Second, MaxAttempts: 20, Artifact: transport.PayloadPhoto,
			Label: "restored photo", Caption: "Your photo has been restored", RequiresSource: true}
	default:
		return Profile{PollInterval: 10 * time.Second, MaxAttempts: 30, Artifact: transport.PayloadText, Label: string(kind)}
	}
}

// ProfileFromConfig overlays configured values on DefaultProfile(kind).
func ProfileFromConfig(kind Kind, pc config.ProviderConfig) (Profile, error) {
	p := DefaultProfile(kind)
	path := "generation.providers." + string(kind)

	price, err := config.ParseAmount(path+".price", pc.Price, decimal.Zero)
	if err != nil {
		return Profile{}, err
	}
	if !price.IsPositive() {
		return Profile{}, fmt.Errorf("%s.price: must be > 0", path)
	}
	p.Price = price

	if p.PollInterval, err = config.ParseDurationOrDefault(path+".poll_interval", pc.PollInterval, p.PollInterval); err != nil {
		return Profile{}, err
	}
	if pc.MaxAttempts > 0 {
		p.MaxAttempts = pc.MaxAttempts
	}
	if pc.MaxPollErrors > 0 {
		p.MaxPollErrors = pc.MaxPollErrors
	}
	if c := strings.TrimSpace(pc.Caption); c != "" {
		p.Caption = c
	}
	return p, nil
}

func (p Profile) validate(in Input) error {
	if p.RequiresSource && strings.TrimSpace(in.SourceRef) == "" {
		return fmt.Errorf("%w: a photo is required", ErrInvalidInput)
	}
	if p.RequiresPrompt && strings.TrimSpace(in.Prompt) == "" {
		return fmt.Errorf("%w: a prompt is required", ErrInvalidInput)
	}
	return nil
}
