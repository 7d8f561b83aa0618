package chat

import (
	"context"
	"fmt"
	"strings"
)

// Action is a user intent, independent of how the user expressed it
type Action int

const (
	ActionSelectModel Action = iota
	ActionRefreshModels
	ActionSend
	ActionClear
	ActionToggleStreaming
	ActionToggleRecording
	ActionQuickVoice
	ActionUseTranscription
	ActionClearTranscription
	ActionCheckConnection
)

var actionNames = map[Action]string{
	ActionSelectModel:        "select_model",
	ActionRefreshModels:      "refresh_models",
	ActionSend:               "send",
	ActionClear:              "clear",
	ActionToggleStreaming:    "toggle_streaming",
	ActionToggleRecording:    "toggle_recording",
	ActionQuickVoice:         "quick_voice",
	ActionUseTranscription:   "use_transcription",
	ActionClearTranscription: "clear_transcription",
	ActionCheckConnection:    "check_connection",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Dispatch runs the handler for action. arg is the model name for
// ActionSelectModel, optional composer text for ActionSend and "on"/"off"
// for ActionToggleStreaming (empty flips the current setting).
func (c *Controller) Dispatch(ctx context.Context, action Action, arg string) error {
	c.logger.Debug("dispatch", "action", action.String(), "arg", arg)

	switch action {
	case ActionSelectModel:
		c.SelectModel(strings.TrimSpace(arg))
	case ActionRefreshModels:
		c.RefreshModels(ctx)
	case ActionSend:
		if arg != "" {
			c.SetComposer(arg)
		}
		c.SendMessage(ctx)
	case ActionClear:
		c.ClearChat()
	case ActionToggleStreaming:
		switch strings.ToLower(strings.TrimSpace(arg)) {
		case "":
			c.SetStreaming(!c.Streaming())
		case "on", "true":
			c.SetStreaming(true)
		case "off", "false":
			c.SetStreaming(false)
		default:
			return fmt.Errorf("invalid streaming setting %q", arg)
		}
	case ActionToggleRecording:
		return c.ToggleRecording(ctx)
	case ActionQuickVoice:
		c.QuickVoiceInput(ctx)
	case ActionUseTranscription:
		c.UseTranscription()
	case ActionClearTranscription:
		c.ClearTranscription()
	case ActionCheckConnection:
		c.CheckConnection(ctx)
	default:
		return fmt.Errorf("unknown action %v", action)
	}
	return nil
}
