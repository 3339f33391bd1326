package provider

import (
	"github.com/relaydesk/mailcore/internal/model"
)

// Factory resolves the adapter for a provider enum. Implementations must
// fail fast with a configuration Error for providers that are configured
// but not implemented (SMTP), never silently no-op.
type Factory func(p model.Provider) (EmailProvider, error)

// Select wraps a set of constructed adapters into a Factory.
func Select(adapters map[model.Provider]EmailProvider) Factory {
	return func(p model.Provider) (EmailProvider, error) {
		if a, ok := adapters[p]; ok {
			return a, nil
		}
		return nil, NewError(string(p), ErrConfiguration,
			"provider "+string(p)+" is not implemented for this channel", nil, false)
	}
}
