package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/MimeLyc/anidub/internal/glossary"
	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/subtitle"
	"github.com/MimeLyc/anidub/internal/tts"
	"github.com/MimeLyc/anidub/pkg/file"
	"github.com/MimeLyc/anidub/pkg/log"
)

// smoothingMaxFlip is the longest segment, in seconds, that speaker
// smoothing may relabel.
const smoothingMaxFlip = 1.0

// stageTable is the ordered dubbing pipeline.
func (o *Orchestrator) stageTable() []Stage {
	translatePolicy := PolicyDegrade
	if o.settings.StrictTranslation {
		translatePolicy = PolicyFatal
	}
	set := o.deps.Stages

	return []Stage{
		{
			Name: "audio_extractor", Key: "audio", Policy: PolicyFatal, Start: 0.05, Done: 0.10,
			Pass2: Pass2Require, ResumeOnArtifacts: true,
			Artifacts: func(r *run) map[string]string { return map[string]string{"audio": r.paths.audio} },
			Params:    func(r *run) map[string]any { return map[string]any{"source": r.source} },
			Run:       runAudio,
		},
		{
			Name: "music_detect", Key: "music", Policy: PolicyDegrade, Start: 0.10, Done: 0.12,
			Pass2: Pass2ReuseOrSkip,
			Enabled: func(r *run) bool {
				return set.Music != nil && jobs.Enabled(r.job.Runtime.Features.MusicDetect, true)
			},
			Artifacts: func(r *run) map[string]string { return map[string]string{"music": r.paths.music} },
			Run:       runMusic,
		},
		{
			Name: "separation", Key: "separation", Policy: PolicyDegrade, Start: 0.12, Done: 0.15,
			Pass2: Pass2ReuseOrSkip,
			Enabled: func(r *run) bool {
				return set.Separator != nil && jobs.Enabled(r.job.Runtime.Features.Separation, true)
			},
			Artifacts: func(r *run) map[string]string { return map[string]string{"separation": r.paths.separation} },
			Run:       runSeparation,
		},
		{
			Name: "diarize", Key: "diarize", Policy: PolicyDegrade, Start: 0.15, Done: 0.25,
			Pass2:     Pass2Require,
			Enabled:   func(*run) bool { return set.Diarizer != nil },
			Artifacts: func(r *run) map[string]string { return map[string]string{"diarization": r.paths.diarize} },
			Run:       runDiarize,
			Fallback: func(_ context.Context, r *run, _ error) error {
				return stages.WriteJSON(r.paths.diarize, []stages.Utterance{})
			},
		},
		{
			Name: "voice_refs", Key: "voice_refs", Policy: PolicyDegrade, Start: 0.25, Done: 0.28,
			SkipInPass1: true,
			Enabled: func(r *run) bool {
				return r.pass.Clone && (set.VoiceRefs != nil || o.deps.Catalog != nil)
			},
			Artifacts: func(r *run) map[string]string { return map[string]string{"refs": r.paths.refs} },
			Run:       runVoiceRefs,
			Fallback:  catalogRefsFallback,
			After:     afterVoiceRefs,
		},
		{
			Name: "transcribe", Key: "transcribe", Policy: PolicyFatal, Start: 0.30, Done: 0.60,
			Pass2: Pass2Require,
			Artifacts: func(r *run) map[string]string {
				return map[string]string{"srt": r.paths.srcSRT, "transcript": r.paths.transcript}
			},
			Params: func(r *run) map[string]any {
				return map[string]any{
					"model":    r.job.Mode.ASRModel(),
					"language": r.requestedSrcLang(),
					"imported": r.job.Runtime.ImportedTranscript,
				}
			},
			Run:   runTranscribe,
			After: afterTranscribe,
		},
		{
			Name: "translate", Key: "translate", Policy: translatePolicy, Start: 0.62, Done: 0.75,
			Pass2:   Pass2Require,
			Enabled: func(r *run) bool { return r.needsTranslation() },
			Artifacts: func(r *run) map[string]string {
				return map[string]string{"translated": r.paths.translated, "srt": r.paths.outSRT}
			},
			Params: func(r *run) map[string]any {
				return map[string]any{
					"src":       r.srcLang(),
					"tgt":       r.tgtLang(),
					"pg_filter": jobs.Enabled(r.job.Runtime.Features.PGFilter, false),
				}
			},
			Run:      runTranslate,
			Fallback: untranslatedSubtitles,
		},
		{
			Name: "tts", Key: "tts", Policy: PolicyFallback, Start: 0.76, Done: 0.95,
			Pass2: Pass2Force,
			Artifacts: func(r *run) map[string]string {
				return map[string]string{"wav": r.paths.dubWav, "manifest": r.paths.manifest}
			},
			Params: func(r *run) map[string]any {
				return map[string]any{"clone": r.pass.Clone, "lang": r.tgtLang()}
			},
			Run:      runTTS,
			Fallback: silenceTrack,
			After:    afterTTS,
		},
		{
			Name: "mix", Key: "mix", Policy: PolicyFallback, Start: 0.96, Done: 0.97,
			Pass2:     Pass2Force,
			Artifacts: func(r *run) map[string]string { return map[string]string{"mkv": r.paths.mkv} },
			Params: func(r *run) map[string]any {
				return map[string]any{"clone": r.pass.Clone}
			},
			Run:      runMix,
			Fallback: plainMux,
		},
		{
			Name: "mobile_export", Policy: PolicyDegrade, Start: 0.975, Done: 0.98, Post: true,
			Enabled: func(r *run) bool {
				return set.Mobile != nil && jobs.Enabled(r.job.Runtime.Features.MobileExport, false)
			},
			Run: runMobile,
		},
		{
			Name: "lipsync", Policy: PolicyDegrade, Start: 0.98, Done: 0.985, Post: true,
			Enabled: func(r *run) bool {
				return set.LipSync != nil && jobs.Enabled(r.job.Runtime.Features.Lipsync, false)
			},
			Run: runLipSync,
		},
		{
			Name: "qa", Policy: PolicyDegrade, Start: 0.985, Done: 0.99, Post: true,
			Enabled: func(r *run) bool {
				return set.QA != nil && jobs.Enabled(r.job.Runtime.Features.QA, true)
			},
			Run: runQA,
		},
		{
			Name: "retention", Policy: PolicyDegrade, Start: 0.99, Done: 0.995, Post: true,
			Run: runRetention,
		},
	}
}

func runAudio(ctx context.Context, r *run) error {
	ex := r.o.deps.Stages.Audio
	if ex == nil {
		return errors.New("no audio extractor configured")
	}
	if err := ex.ExtractAudio(ctx, r.job.VideoPath, r.paths.audio); err != nil {
		return err
	}
	if !file.Exists(r.paths.audio) {
		return fmt.Errorf("audio extractor produced no output at %s", r.paths.audio)
	}
	return nil
}

func runMusic(ctx context.Context, r *run) error {
	ranges, err := r.o.deps.Stages.Music.DetectMusic(ctx, r.paths.audio)
	if err != nil {
		return err
	}
	if ranges == nil {
		ranges = []stages.Range{}
	}
	r.logf("music detected in %d ranges", len(ranges))
	return stages.WriteJSON(r.paths.music, ranges)
}

func runSeparation(ctx context.Context, r *run) error {
	res, err := r.o.deps.Stages.Separator.Separate(ctx, r.paths.audio, r.paths.stemsDir)
	if err != nil {
		return err
	}
	return stages.WriteJSON(r.paths.separation, res)
}

func runDiarize(ctx context.Context, r *run) error {
	utts, err := r.o.deps.Stages.Diarizer.Diarize(ctx, stages.DiarizeRequest{
		Audio:     r.voiceAudio(),
		Device:    r.device(),
		Smoothing: jobs.Enabled(r.job.Runtime.Features.SpeakerSmoothing, true),
	})
	if err != nil {
		return err
	}
	if utts == nil {
		utts = []stages.Utterance{}
	}
	utts = stages.RemapUtterances(utts, r.characterMapping(ctx, stages.Speakers(utts)))
	r.logf("diarization found %d speakers in %d turns", len(stages.Speakers(utts)), len(utts))
	return stages.WriteJSON(r.paths.diarize, utts)
}

// characterMapping maps diarization labels to character ids. Series-wide
// mappings come from the catalog; unknown labels get the next free char_<n>.
// The job's character_map overrides both.
func (r *run) characterMapping(ctx context.Context, labels []string) map[string]string {
	catalog := r.o.deps.Catalog
	series := r.job.SeriesSlug
	mapping := make(map[string]string)
	if catalog != nil && series != "" {
		known, err := catalog.SpeakerMapping(ctx, series)
		if err != nil {
			log.Warn("Job %s: speaker mapping lookup failed: %v", r.job.ID, err)
		}
		for k, v := range known {
			mapping[k] = v
		}
	}

	used := make(map[string]bool, len(mapping))
	for _, id := range mapping {
		used[id] = true
	}
	next := 1
	for _, label := range labels {
		if _, ok := mapping[label]; ok {
			continue
		}
		for used[fmt.Sprintf("char_%d", next)] {
			next++
		}
		id := fmt.Sprintf("char_%d", next)
		used[id] = true
		mapping[label] = id
		if catalog != nil && series != "" {
			if err := catalog.PutSpeakerMapping(ctx, series, label, id); err != nil {
				log.Warn("Job %s: store speaker mapping %s: %v", r.job.ID, label, err)
			}
		}
	}

	for label, id := range r.job.Runtime.CharacterMap {
		if id != "" {
			mapping[label] = id
		}
	}
	return mapping
}

func runVoiceRefs(ctx context.Context, r *run) error {
	refs := make(map[string][]string)
	if ex := r.o.deps.Stages.VoiceRefs; ex != nil {
		utts, err := r.utterances()
		if err != nil {
			return err
		}
		extracted, err := ex.ExtractRefs(ctx, stages.VoiceRefRequest{
			Audio:      r.voiceAudio(),
			Utterances: utts,
			OutDir:     r.paths.refsDir,
		})
		if err != nil {
			return err
		}
		for spk, paths := range extracted {
			refs[spk] = append(refs[spk], paths...)
		}
	}
	r.addProfileRefs(ctx, refs)
	if len(refs) == 0 {
		return errors.New("no voice references available")
	}
	return stages.WriteJSON(r.paths.refs, refs)
}

// catalogRefsFallback keeps cloning possible for characters the series
// already has voice profiles for.
func catalogRefsFallback(ctx context.Context, r *run, _ error) error {
	refs := make(map[string][]string)
	r.addProfileRefs(ctx, refs)
	if len(refs) == 0 {
		return nil
	}
	r.logf("using %d stored voice profiles", len(refs))
	return stages.WriteJSON(r.paths.refs, refs)
}

// addProfileRefs fills speakers without references from stored voice profiles.
func (r *run) addProfileRefs(ctx context.Context, refs map[string][]string) {
	catalog := r.o.deps.Catalog
	if catalog == nil || r.job.SeriesSlug == "" {
		return
	}
	profiles, err := catalog.VoiceProfiles(ctx, r.job.SeriesSlug)
	if err != nil {
		log.Warn("Job %s: voice profile lookup failed: %v", r.job.ID, err)
		return
	}
	extracted := make(map[string]bool, len(refs))
	for spk := range refs {
		extracted[spk] = true
	}
	for _, p := range profiles {
		if extracted[p.CharacterID] || !file.Exists(p.RefPath) {
			continue
		}
		refs[p.CharacterID] = append(refs[p.CharacterID], p.RefPath)
	}
}

func afterVoiceRefs(ctx context.Context, r *run) error {
	refs := r.readRefs()
	if len(refs) == 0 {
		return nil
	}
	r.mark(jobs.MarkerRefsExtracted, fmt.Sprintf("%d speakers", len(refs)))

	catalog := r.o.deps.Catalog
	if catalog == nil || r.job.SeriesSlug == "" || jobs.Enabled(r.job.Runtime.Features.PrivacyMode, false) {
		return nil
	}
	for spk, paths := range refs {
		for _, p := range paths {
			if filepath.Dir(p) != r.paths.refsDir {
				continue
			}
			err := catalog.PutVoiceProfile(ctx, jobs.VoiceProfile{SeriesSlug: r.job.SeriesSlug, CharacterID: spk, RefPath: p})
			if err != nil {
				log.Warn("Job %s: store voice profile for %s: %v", r.job.ID, spk, err)
			}
		}
	}
	return nil
}

func runTranscribe(ctx context.Context, r *run) error {
	if imported := r.job.Runtime.ImportedTranscript; imported != "" {
		return r.importTranscript(imported)
	}
	tr := r.o.deps.Stages.Transcriber
	if tr == nil {
		return errors.New("no transcriber configured")
	}
	err := tr.Transcribe(ctx, stages.TranscribeRequest{
		Audio:    r.voiceAudio(),
		Model:    r.job.Mode.ASRModel(),
		Device:   r.device(),
		Language: r.requestedSrcLang(),
		SRTOut:   r.paths.srcSRT,
		JSONOut:  r.paths.transcript,
	})
	if err != nil {
		return err
	}
	if !file.Exists(r.paths.srcSRT) {
		return fmt.Errorf("transcriber produced no subtitles at %s", r.paths.srcSRT)
	}
	if file.Exists(r.paths.transcript) {
		return nil
	}
	// no sidecar: derive it from the subtitles
	f, err := subtitle.NewReader().Read(r.paths.srcSRT)
	if err != nil {
		return err
	}
	return stages.WriteJSON(r.paths.transcript, stages.TranscriptFromSRT(f))
}

func (r *run) importTranscript(path string) error {
	f, err := subtitle.NewReader().Read(path)
	if err != nil {
		return fmt.Errorf("read imported transcript: %w", err)
	}
	r.logf("using imported transcript %s (%d lines)", path, len(f.Lines))
	if err := subtitle.NewWriter().Write(r.paths.srcSRT, f); err != nil {
		return err
	}
	return stages.WriteJSON(r.paths.transcript, stages.TranscriptFromSRT(f))
}

// afterTranscribe records the detected source language when none was requested.
func afterTranscribe(_ context.Context, r *run) error {
	if r.requestedSrcLang() != "" || r.job.Runtime.DetectedLang != "" {
		return nil
	}
	var t stages.Transcript
	if err := stages.ReadJSON(r.paths.transcript, &t); err != nil {
		log.Warn("Job %s: language detection skipped: %v", r.job.ID, err)
		return nil
	}
	lang := t.Language
	if lang == "" || lang == "und" {
		f, err := subtitle.NewReader().Read(r.paths.srcSRT)
		if err != nil {
			log.Warn("Job %s: language detection skipped: %v", r.job.ID, err)
			return nil
		}
		lang = subtitle.DetectLanguage(f.Lines)
	}
	r.update(func(j *jobs.Job) { j.Runtime.DetectedLang = lang })
	r.logf("detected source language: %s", lang)
	return nil
}

func runTranslate(ctx context.Context, r *run) error {
	tr := r.o.deps.Stages.Translator
	if tr == nil {
		return errors.New("no translator configured")
	}
	var t stages.Transcript
	if err := stages.ReadJSON(r.paths.transcript, &t); err != nil {
		return err
	}

	terms := r.glossaryTerms(ctx)

	out, err := tr.Translate(ctx, stages.TranslateRequest{
		Segments: t.Segments,
		Src:      r.srcLang(),
		Tgt:      r.tgtLang(),
		Glossary: terms,
		PGFilter: jobs.Enabled(r.job.Runtime.Features.PGFilter, false),
	})
	if err != nil {
		return err
	}
	if len(out) != len(t.Segments) {
		return fmt.Errorf("translator returned %d segments for %d", len(out), len(t.Segments))
	}
	if err := stages.WriteJSON(r.paths.translated, stages.Transcript{Language: r.tgtLang(), Segments: out}); err != nil {
		return err
	}
	return subtitle.NewWriter().Write(r.paths.outSRT, stages.SRTFromSegments(out, r.tgtLang()))
}

// glossaryTerms merges the series catalog glossary with a term file found next to
// or above the video. File terms win.
func (r *run) glossaryTerms(ctx context.Context) map[string]string {
	var catalogTerms glossary.Terms
	if catalog := r.o.deps.Catalog; catalog != nil && r.job.SeriesSlug != "" {
		g, err := catalog.Glossary(ctx, r.job.SeriesSlug)
		if err != nil {
			log.Warn("Job %s: glossary lookup failed: %v", r.job.ID, err)
		}
		catalogTerms = g
	}
	var fileTerms glossary.Terms
	if path := glossary.Find(filepath.Dir(r.job.VideoPath), r.srcLang(), r.tgtLang()); path != "" {
		terms, err := glossary.Load(path)
		if err != nil {
			log.Warn("Job %s: ignoring glossary %s: %v", r.job.ID, path, err)
		} else {
			fileTerms = terms
			r.logf("glossary: %d terms from %s", len(terms), filepath.Base(path))
		}
	}
	merged := glossary.Merge(catalogTerms, fileTerms)
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// untranslatedSubtitles leaves source-language subtitles at the output path.
func untranslatedSubtitles(_ context.Context, r *run, _ error) error {
	var t stages.Transcript
	if err := stages.ReadJSON(r.paths.transcript, &t); err != nil {
		return err
	}
	return subtitle.NewWriter().Write(r.paths.outSRT, stages.SRTFromSegments(t.Segments, r.srcLang()))
}

func runTTS(ctx context.Context, r *run) error {
	synth := r.o.deps.Stages.Synthesizer
	if synth == nil {
		return errors.New("no synthesizer configured")
	}
	segs, err := r.segments()
	if err != nil {
		return err
	}
	var refs map[string][]string
	if r.pass.Clone {
		refs = r.readRefs()
	}
	return synth.Synthesize(ctx, stages.SynthesisRequest{
		Segments:    segs,
		Lang:        r.tgtLang(),
		WavOut:      r.paths.dubWav,
		ManifestOut: r.paths.manifest,
		WorkDir:     filepath.Join(r.job.WorkDir, "tts"),
		DurationS:   r.job.DurationS,
		VoiceMap:    r.job.Runtime.VoiceMap,
		Refs:        refs,
		Clone:       r.pass.Clone,
		Progress:    r.progress.Sub(0.76, 0.95, "synthesizing speech"),
	})
}

// silenceTrack writes a silent dub track covering the video, and a manifest
// that reports every segment as a silence fallback.
func silenceTrack(_ context.Context, r *run, cause error) error {
	segs, err := r.segments()
	if err != nil {
		segs = nil
	}
	duration := r.job.DurationS
	for _, s := range segs {
		duration = max(duration, s.End)
	}
	rate := r.o.settings.SampleRate
	if err := tts.WriteSilence(r.paths.dubWav, duration, rate); err != nil {
		return err
	}
	m := tts.SilenceManifest(segs, r.tgtLang(), rate, duration, cause)
	return stages.WriteJSON(r.paths.manifest, m)
}

func afterTTS(_ context.Context, r *run) error {
	if r.o.deps.Breakers == nil {
		return nil
	}
	snapshot := r.o.deps.Breakers.Snapshot()
	r.update(func(j *jobs.Job) { j.Runtime.Breakers = snapshot })
	return nil
}

func runMix(ctx context.Context, r *run) error {
	req := r.mixRequest()
	if mixer := r.o.deps.Stages.Mixer; mixer != nil {
		return mixer.Mix(ctx, req)
	}
	return plainMux(ctx, r, nil)
}

// plainMux muxes the dub track without background mixing.
func plainMux(ctx context.Context, r *run, _ error) error {
	muxer := r.o.deps.Stages.Muxer
	if muxer == nil {
		return errors.New("no muxer configured")
	}
	req := r.mixRequest()
	req.Background = ""
	req.Music = nil
	return muxer.Mux(ctx, req)
}

func (r *run) mixRequest() stages.MixRequest {
	req := stages.MixRequest{
		Video:  r.job.VideoPath,
		DubWav: r.paths.dubWav,
		Lang:   r.tgtLang(),
		Out:    r.paths.mkv,
	}
	switch {
	case file.Exists(r.paths.outSRT):
		req.Subtitles = r.paths.outSRT
	case file.Exists(r.paths.srcSRT):
		req.Subtitles = r.paths.srcSRT
	}
	if sep := r.separation(); sep != nil && file.Exists(sep.Background) {
		req.Background = sep.Background
	}
	if file.Exists(r.paths.music) {
		var ranges []stages.Range
		if err := stages.ReadJSON(r.paths.music, &ranges); err == nil {
			req.Music = ranges
		}
	}
	return req
}

func runMobile(ctx context.Context, r *run) error {
	files, err := r.o.deps.Stages.Mobile.ExportMobile(ctx, r.paths.mkv, r.paths.mobileDir)
	if err != nil {
		return err
	}
	r.logf("exported %d mobile renditions", len(files))
	return nil
}

func runLipSync(ctx context.Context, r *run) error {
	return r.o.deps.Stages.LipSync.LipSync(ctx, r.job.VideoPath, r.paths.dubWav, r.paths.lipsync)
}

func runQA(ctx context.Context, r *run) error {
	segs, err := r.segments()
	if err != nil {
		return err
	}
	findings, err := r.o.deps.Stages.QA.Check(ctx, stages.QARequest{
		JobID:    r.job.ID,
		Segments: segs,
		DubWav:   r.paths.dubWav,
		Output:   r.paths.mkv,
	})
	if err != nil {
		return err
	}
	if findings == nil {
		findings = []stages.Finding{}
	}
	if err := stages.WriteJSON(r.paths.qa, findings); err != nil {
		return err
	}

	if catalog := r.o.deps.Catalog; catalog != nil {
		for _, f := range findings {
			if f.Moderation {
				err = catalog.AddModerationReport(ctx, jobs.ModerationReport{
					JobID: r.job.ID, SegmentIndex: f.SegmentIndex, Category: f.Kind, Detail: f.Note,
				})
			} else {
				err = catalog.AddQAAnnotation(ctx, jobs.QAAnnotation{
					JobID: r.job.ID, SegmentIndex: f.SegmentIndex, Kind: f.Kind, Severity: f.Severity, Note: f.Note,
				})
			}
			if err != nil {
				log.Warn("Job %s: record qa finding: %v", r.job.ID, err)
			}
		}
	}
	r.logf("qa reported %d findings", len(findings))
	return nil
}

// segments returns the segments to voice: translated when translation
// applies, labeled with diarized speakers.
func (r *run) segments() ([]stages.Segment, error) {
	src := r.paths.transcript
	if r.needsTranslation() && file.Exists(r.paths.translated) {
		src = r.paths.translated
	}
	var t stages.Transcript
	if err := stages.ReadJSON(src, &t); err != nil {
		return nil, fmt.Errorf("read segments: %w", err)
	}
	segs := t.Segments

	utts, err := r.utterances()
	if err != nil {
		log.Warn("Job %s: ignoring diarization: %v", r.job.ID, err)
	}
	if len(utts) > 0 {
		segs = stages.AssignSpeakers(segs, utts)
		if jobs.Enabled(r.job.Runtime.Features.SpeakerSmoothing, true) {
			segs = stages.SmoothSpeakers(segs, smoothingMaxFlip)
		}
	}
	return segs, nil
}

func (r *run) utterances() ([]stages.Utterance, error) {
	if !file.Exists(r.paths.diarize) {
		return nil, nil
	}
	var utts []stages.Utterance
	if err := stages.ReadJSON(r.paths.diarize, &utts); err != nil {
		return nil, err
	}
	return utts, nil
}

func (r *run) readRefs() map[string][]string {
	if !file.Exists(r.paths.refs) {
		return nil
	}
	var refs map[string][]string
	if err := stages.ReadJSON(r.paths.refs, &refs); err != nil {
		log.Warn("Job %s: ignoring voice refs: %v", r.job.ID, err)
		return nil
	}
	return refs
}

func (r *run) separation() *stages.SeparationResult {
	if !file.Exists(r.paths.separation) {
		return nil
	}
	var res stages.SeparationResult
	if err := stages.ReadJSON(r.paths.separation, &res); err != nil {
		return nil
	}
	return &res
}

// voiceAudio prefers the separated vocals stem over the full mix.
func (r *run) voiceAudio() string {
	if sep := r.separation(); sep != nil && file.Exists(sep.Vocals) {
		return sep.Vocals
	}
	return r.paths.audio
}

func (r *run) device() string {
	if d := r.job.Device; d != "" && d != jobs.DeviceAuto {
		return string(d)
	}
	if r.o.settings.Device != "" {
		return r.o.settings.Device
	}
	return string(jobs.DeviceAuto)
}

// requestedSrcLang is the language handed to the transcriber, empty for detection.
func (r *run) requestedSrcLang() string {
	src := r.job.SrcLang
	if src == "" {
		src = r.o.settings.DefaultSrcLang
	}
	if src == "auto" {
		return ""
	}
	return src
}
