package registry

import (
	"fmt"

	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

// Catalog stores provider adapters by modality in configured priority order.
// It is immutable after construction and safe for concurrent readers.
type Catalog struct {
	adapters map[contracts.Modality]map[string]contracts.Adapter
	ordered  map[contracts.Modality][]string
}

// NewCatalog creates a catalog. Registration order is priority order.
func NewCatalog(adapters []contracts.Adapter) (Catalog, error) {
	catalog := Catalog{
		adapters: make(map[contracts.Modality]map[string]contracts.Adapter),
		ordered:  make(map[contracts.Modality][]string),
	}
	for _, modality := range []contracts.Modality{contracts.ModalityLLM, contracts.ModalityTTS} {
		catalog.adapters[modality] = make(map[string]contracts.Adapter)
	}

	for _, adapter := range adapters {
		if adapter == nil {
			return Catalog{}, fmt.Errorf("adapter cannot be nil")
		}
		modality := adapter.Modality()
		if err := modality.Validate(); err != nil {
			return Catalog{}, err
		}
		providerID := adapter.ProviderID()
		if providerID == "" {
			return Catalog{}, fmt.Errorf("provider_id is required")
		}
		if _, exists := catalog.adapters[modality][providerID]; exists {
			return Catalog{}, fmt.Errorf("duplicate provider_id %q for modality %q", providerID, modality)
		}
		catalog.adapters[modality][providerID] = adapter
		catalog.ordered[modality] = append(catalog.ordered[modality], providerID)
	}
	return catalog, nil
}

// Adapter returns a single adapter by modality/provider pair.
func (c Catalog) Adapter(modality contracts.Modality, providerID string) (contracts.Adapter, bool) {
	byProvider, ok := c.adapters[modality]
	if !ok {
		return nil, false
	}
	adapter, exists := byProvider[providerID]
	return adapter, exists
}

// ProviderIDs returns provider ids for a modality in priority order.
func (c Catalog) ProviderIDs(modality contracts.Modality) ([]string, error) {
	if err := modality.Validate(); err != nil {
		return nil, err
	}
	ids := c.ordered[modality]
	if len(ids) == 0 {
		return nil, fmt.Errorf("no providers registered for modality %q", modality)
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// Resolve looks up an ordered list of provider ids. Unknown ids fail.
func (c Catalog) Resolve(modality contracts.Modality, providerIDs []string) ([]contracts.Adapter, error) {
	if err := modality.Validate(); err != nil {
		return nil, err
	}
	if len(providerIDs) == 0 {
		return nil, fmt.Errorf("at least one %s provider is required", modality)
	}
	out := make([]contracts.Adapter, 0, len(providerIDs))
	seen := make(map[string]struct{}, len(providerIDs))
	for _, id := range providerIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("provider %q listed twice", id)
		}
		seen[id] = struct{}{}
		adapter, ok := c.Adapter(modality, id)
		if !ok {
			return nil, fmt.Errorf("provider %q is not registered for modality %q", id, modality)
		}
		out = append(out, adapter)
	}
	return out, nil
}

// ValidateCoverage requires at least minPerModality providers for each modality.
func (c Catalog) ValidateCoverage(minPerModality int) error {
	if minPerModality < 1 {
		return fmt.Errorf("min_per_modality must be >=1")
	}
	for _, modality := range []contracts.Modality{contracts.ModalityLLM, contracts.ModalityTTS} {
		if count := len(c.adapters[modality]); count < minPerModality {
			return fmt.Errorf("modality %q requires at least %d providers, got %d", modality, minPerModality, count)
		}
	}
	return nil
}
