package tools

import (
	"fmt"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

// Rounds caps the internal loop of each sub-agent.
type Rounds struct {
	MemoryManager int
	LocationAgent int
	SignReader    int
}

// DefaultRounds returns the standard sub-agent round caps.
func DefaultRounds() Rounds {
	return Rounds{MemoryManager: 3, LocationAgent: 5, SignReader: 10}
}

// Deps holds what the built-in tools need. Remote tools whose credentials
// are empty are still registered when the model relies on them
// (mapbox_geocode reports the missing token as a failed result) or left out
// entirely when they are optional (OCR, web search).
type Deps struct {
	Provider llm.Provider
	Memories types.MemoryStore
	Signs    types.SignStore
	Files    types.FileStore

	MapboxToken         string
	RoboflowAPIKey      string
	RoboflowWorkflowURL string
	BraveAPIKey         string

	Rounds Rounds
}

// RegisterAll registers the built-in tools and the sub-agents built on them.
func RegisterAll(reg *runtime.Registry, d Deps) error {
	if d.Rounds == (Rounds{}) {
		d.Rounds = DefaultRounds()
	}

	base := []runtime.Tool{
		NewClock(),
		NewGeoDistance(),
		NewGeoMidpoint(),
		NewMapboxGeocode(d.MapboxToken),
		NewSaveSignLocation(d.Signs),
		NewSearchNearbySigns(d.Signs, d.Files),
		NewVision(d.Provider, d.Files),
		NewReadURL(),
	}
	base = append(base, MemoryTools(d.Memories)...)
	if d.RoboflowAPIKey != "" && d.RoboflowWorkflowURL != "" {
		base = append(base, NewOCRParkingSign(d.RoboflowAPIKey, d.RoboflowWorkflowURL, d.Files))
	}
	if d.BraveAPIKey != "" {
		base = append(base, NewBraveSearch(d.BraveAPIKey))
	}
	for _, t := range base {
		if err := reg.Register(t); err != nil {
			return err
		}
	}

	memory, err := NewStoreMemory(d.Provider, reg, d.Memories, d.Rounds.MemoryManager)
	if err != nil {
		return err
	}
	location, err := NewTaskLocation(d.Provider, reg, d.Rounds.LocationAgent)
	if err != nil {
		return err
	}
	reader, err := NewReadParkingSign(d.Provider, reg, d.Files, d.Rounds.SignReader)
	if err != nil {
		return err
	}
	for _, a := range []runtime.Tool{memory, location, reader} {
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("register sub-agent: %w", err)
		}
	}
	return nil
}
