package external

import (
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/tts"
	"github.com/MimeLyc/anidub/internal/watchdog"
)

// TTS engine tool names, in fallback order after the clone engine.
const (
	ToolTTSClone  = "tts_clone"
	ToolTTSPreset = "tts_preset"
	ToolTTSBasic  = "tts_basic"
	ToolTTSEspeak = "tts_espeak"
)

// Engines holds the configured TTS engines; unconfigured ones are nil.
type Engines struct {
	Clone     tts.Engine
	Fallbacks []tts.Engine
}

// Configure fills set with a collaborator for every configured command and
// returns the TTS engines. Existing members of set are kept.
func Configure(set *stages.Set, commands map[string]string, retries int, opts watchdog.Options) Engines {
	tool := func(name string) *Tool {
		return NewTool(name, commands[name], retries, opts)
	}

	if t := tool("diarize"); t != nil && set.Diarizer == nil {
		set.Diarizer = &Diarizer{tool: t}
	}
	if t := tool("transcribe"); t != nil && set.Transcriber == nil {
		set.Transcriber = &Transcriber{tool: t}
	}
	if t := tool("translate"); t != nil && set.Translator == nil {
		set.Translator = &Translator{tool: t}
	}
	if t := tool("mix"); t != nil && set.Mixer == nil {
		set.Mixer = &Mixer{tool: t}
	}
	if t := tool("music_detect"); t != nil && set.Music == nil {
		set.Music = &MusicDetector{tool: t}
	}
	if t := tool("separate"); t != nil && set.Separator == nil {
		set.Separator = &Separator{tool: t}
	}
	if t := tool("voice_refs"); t != nil && set.VoiceRefs == nil {
		set.VoiceRefs = &VoiceRefs{tool: t}
	}
	if t := tool("mobile_export"); t != nil && set.Mobile == nil {
		set.Mobile = &MobileExporter{tool: t}
	}
	if t := tool("lipsync"); t != nil && set.LipSync == nil {
		set.LipSync = &LipSyncer{tool: t}
	}
	if t := tool("qa"); t != nil && set.QA == nil {
		set.QA = &QualityChecker{tool: t}
	}

	var engines Engines
	if t := tool(ToolTTSClone); t != nil {
		engines.Clone = &Engine{tool: t}
	}
	for _, name := range []string{ToolTTSPreset, ToolTTSBasic, ToolTTSEspeak} {
		if t := tool(name); t != nil {
			engines.Fallbacks = append(engines.Fallbacks, &Engine{tool: t})
		}
	}
	return engines
}
