package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

// Sub-agent names as recorded on nested entries.
const (
	AgentMemoryManager = "memory_manager"
	AgentLocation      = "location_agent"
	AgentSignReader    = "parking_sign_reader"
)

const memoryManagerPrompt = "You are a memory manager for a parking assistant app. " +
	"You receive user messages that may contain parking-relevant personal info " +
	"(city, permits, vehicle type, work schedule, etc.).\n\n" +
	"Your job is to decide whether to create, update, or delete memories. " +
	"You have access to the current memories and CRUD tools.\n\n" +
	"Guidelines:\n" +
	"- Avoid duplicates: if a memory already covers this info, update it instead of creating a new one.\n" +
	"- Keep memories concise, factual, and parking-relevant.\n" +
	"- Each memory should be a single fact, e.g. 'User lives in San Francisco'.\n" +
	"- If the user corrects previous info (e.g. 'I moved to LA'), update the existing memory.\n" +
	"- Only store info that would help answer future parking questions.\n" +
	"- Do NOT store transient info like 'user asked about parking on Main St today'.\n" +
	"- When done, respond with a brief summary of what you did."

const locationAgentPrompt = "You are a location specialist for a parking sign assistant app.\n\n" +
	"You can geocode locations, calculate distances and midpoints, save parking sign locations, " +
	"and search for nearby saved signs.\n\n" +
	"Guidelines:\n" +
	"- When given a natural-language location like '20th st between illinois and georgia st, SF', " +
	"geocode both cross-street intersections and compute the midpoint to get the sign's location.\n" +
	"- When geocoding, always include the city/state if provided by the user for better accuracy.\n" +
	"- When saving a sign location, use the midpoint coordinates, the user's original description, " +
	"and the provided sign_text and uploaded_file_id.\n" +
	"- When searching for nearby signs, geocode the user's described location first, then search.\n" +
	"- Default search radius is 1600 meters (~1 mile).\n" +
	"- When done, respond with a summary of what you did and the key results."

const signReaderPrompt = "You are a parking sign reading specialist. " +
	"Given an image, use the vision tool to describe the sign, " +
	"then extract and return all parking rules, restrictions, and time windows. " +
	"Return a concise plain-text summary of the sign's rules."

// NewStoreMemory creates the store_memory tool backed by the memory manager.
// base must already hold the memory CRUD tools.
func NewStoreMemory(provider llm.Provider, base *runtime.Registry, memories types.MemoryStore, rounds int) (*runtime.Agent, error) {
	sub, err := base.Subset("memory_create", "memory_update", "memory_delete", "memory_list")
	if err != nil {
		return nil, fmt.Errorf("memory manager tools: %w", err)
	}
	return runtime.NewAgent(runtime.AgentConfig{
		Name: AgentMemoryManager,
		Tool: runtime.ToolSpec{
			Name: "store_memory",
			Description: "Store or update user memories based on relevant messages. " +
				"Call this when the user mentions persistent parking-relevant info " +
				"such as their city, parking permits, vehicle type, work schedule, etc.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"relevant_messages": {
						"type": "array",
						"items": {"type": "string"},
						"minItems": 1,
						"description": "The user message texts containing memory-worthy information."
					}
				},
				"required": ["relevant_messages"]
			}`),
		},
		SystemPrompt: memoryManagerPrompt,
		MaxRounds:    rounds,
		Provider:     provider,
		Tools:        sub,
		Prompt: func(ctx context.Context, args json.RawMessage) (llm.Message, error) {
			var params struct {
				RelevantMessages []string `json:"relevant_messages"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return llm.Message{}, fmt.Errorf("parse args: %w", err)
			}
			existing, err := memories.List(ctx)
			if err != nil {
				return llm.Message{}, fmt.Errorf("list memories: %w", err)
			}

			var sb strings.Builder
			sb.WriteString("Existing memories:\n")
			if len(existing) == 0 {
				sb.WriteString("(no existing memories)\n")
			}
			for _, m := range existing {
				fmt.Fprintf(&sb, "- [%s] %s\n", m.ID, m.Content)
			}
			sb.WriteString("\nNew user messages to process:\n")
			for _, msg := range params.RelevantMessages {
				fmt.Fprintf(&sb, "- %q\n", msg)
			}
			return llm.Message{Role: llm.RoleUser, Content: strings.TrimRight(sb.String(), "\n")}, nil
		},
	}), nil
}

// NewTaskLocation creates the task_location tool backed by the location agent.
func NewTaskLocation(provider llm.Provider, base *runtime.Registry, rounds int) (*runtime.Agent, error) {
	sub, err := base.Subset("mapbox_geocode", "geo_midpoint", "geo_distance", "save_parking_sign_location", "search_nearby_signs")
	if err != nil {
		return nil, fmt.Errorf("location agent tools: %w", err)
	}
	return runtime.NewAgent(runtime.AgentConfig{
		Name: AgentLocation,
		Tool: runtime.ToolSpec{
			Name: "task_location",
			Description: "Delegate a location-related task to the location sub-agent. " +
				"Use this to save a parking sign's location or search for nearby saved signs. " +
				"Provide a natural language task description.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_description": {"type": "string", "description": "Natural language instruction, e.g. 'Save this parking sign at: 20th st between illinois and georgia, San Francisco' or 'Search for parking signs near 20th and texas st, San Francisco'."},
					"uploaded_file_id": {"type": "string", "description": "ID of the uploaded parking sign image (for save tasks)."},
					"sign_text": {"type": "string", "description": "The OCR-extracted sign text/rules (for save tasks)."}
				},
				"required": ["task_description"]
			}`),
		},
		SystemPrompt: locationAgentPrompt,
		MaxRounds:    rounds,
		Provider:     provider,
		Tools:        sub,
		Prompt: func(_ context.Context, args json.RawMessage) (llm.Message, error) {
			var params struct {
				TaskDescription string `json:"task_description"`
				UploadedFileID  string `json:"uploaded_file_id"`
				SignText        string `json:"sign_text"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return llm.Message{}, fmt.Errorf("parse args: %w", err)
			}
			content := "Task: " + params.TaskDescription
			if params.UploadedFileID != "" {
				content += "\n\nuploaded_file_id: " + params.UploadedFileID
			}
			if params.SignText != "" {
				content += "\n\nsign_text: " + params.SignText
			}
			return llm.Message{Role: llm.RoleUser, Content: content}, nil
		},
	}), nil
}

// NewReadParkingSign creates the read_parking_sign tool backed by the sign
// reader agent.
func NewReadParkingSign(provider llm.Provider, base *runtime.Registry, files types.FileStore, rounds int) (*runtime.Agent, error) {
	sub, err := base.Subset("vision", "get_current_time")
	if err != nil {
		return nil, fmt.Errorf("sign reader tools: %w", err)
	}
	return runtime.NewAgent(runtime.AgentConfig{
		Name: AgentSignReader,
		Tool: runtime.ToolSpec{
			Name:        "read_parking_sign",
			Description: "Extract text and rules from a parking sign image.",
			Parameters:  json.RawMessage(imageSchema),
		},
		SystemPrompt: signReaderPrompt,
		MaxRounds:    rounds,
		Provider:     provider,
		Tools:        sub,
		Fallback:     "Unable to read the parking sign.",
		Prompt: func(ctx context.Context, args json.RawMessage) (llm.Message, error) {
			var params imageArgs
			if err := json.Unmarshal(args, &params); err != nil {
				return llm.Message{}, fmt.Errorf("parse args: %w", err)
			}
			url, err := resolveImage(ctx, files, params)
			if err != nil {
				return llm.Message{}, err
			}
			content := "Read the parking sign in this image."
			if params.FileID != "" {
				content += fmt.Sprintf(" (file_id: %s)", params.FileID)
			} else {
				content += fmt.Sprintf(" (image_url: %s)", params.ImageURL)
			}
			return llm.Message{Role: llm.RoleUser, Content: content, Images: []string{url}}, nil
		},
	}), nil
}
