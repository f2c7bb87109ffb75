package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <video>",
	Short: "Queue a video for dubbing",
	Long: `Queue a video for dubbing and print the job id.

Examples:
  # Dub an episode into English with default settings
  anidub submit /media/show/s01e02.mkv --series show --season 1 --episode 2

  # High quality mode with two-pass voice cloning, retried safely
  anidub submit ep.mkv --mode high --clone --idempotency-key show-s01e02`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print the tail of a job log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued, paused or running job",
	Args:  cobra.ExactArgs(1),
	RunE: controlCommand(func(q *jobs.Queue, cmd *cobra.Command, id string) (*jobs.Job, error) {
		return q.Cancel(cmd.Context(), id)
	}),
}

var killCmd = &cobra.Command{
	Use:   "kill <job-id>",
	Short: "Cancel a job and kill its running tools",
	Args:  cobra.ExactArgs(1),
	RunE: controlCommand(func(q *jobs.Queue, cmd *cobra.Command, id string) (*jobs.Job, error) {
		reason, _ := cmd.Flags().GetString("reason")
		return q.Kill(cmd.Context(), id, reason)
	}),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Hold a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: controlCommand(func(q *jobs.Queue, cmd *cobra.Command, id string) (*jobs.Job, error) {
		return q.Pause(cmd.Context(), id)
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Release a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: controlCommand(func(q *jobs.Queue, cmd *cobra.Command, id string) (*jobs.Job, error) {
		return q.Resume(cmd.Context(), id)
	}),
}

var resynthCmd = &cobra.Command{
	Use:   "resynth <job-id>",
	Short: "Redo speech synthesis and mixing of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: controlCommand(func(q *jobs.Queue, cmd *cobra.Command, id string) (*jobs.Job, error) {
		reason, _ := cmd.Flags().GetString("reason")
		return q.Resynth(cmd.Context(), id, reason)
	}),
}

func init() {
	f := submitCmd.Flags()
	f.String("mode", string(jobs.ModeMedium), "Quality mode: high, medium or low")
	f.String("device", string(jobs.DeviceAuto), "Compute device: auto, cpu or cuda")
	f.String("src", "", "Source language, or auto (default DEFAULT_SRC_LANG)")
	f.String("tgt", "", "Target language (default DEFAULT_TGT_LANG)")
	f.String("owner", "", "Owner id for storage accounting")
	f.String("series", "", "Series slug; shares speaker ids, glossary and voices across episodes")
	f.String("title", "", "Series title")
	f.Int("season", 0, "Season number")
	f.Int("episode", 0, "Episode number")
	f.String("visibility", string(jobs.VisibilityPrivate), "private, shared or public")
	f.String("transcript", "", "Use this subtitle file instead of transcribing")
	f.String("cache-policy", "", "Output retention: keep, minimal or final_only")
	f.String("idempotency-key", "", "Return the existing job for a repeated key")
	f.Bool("clone", false, "Clone speaker voices (two passes in high mode)")
	f.Bool("privacy", false, "Do not keep voice references or extracted audio")
	f.Bool("lipsync", false, "Run the lip-sync stage")
	f.Bool("mobile", false, "Export mobile renditions")
	f.Bool("no-qa", false, "Skip the QA stage")
	f.Bool("json", false, "Output as JSON")

	statusCmd.Flags().Bool("json", false, "Output as JSON")
	listCmd.Flags().String("state", "", "Only jobs in this state")
	listCmd.Flags().Int("limit", 20, "Maximum number of jobs")
	listCmd.Flags().Bool("json", false, "Output as JSON")
	logsCmd.Flags().Int("tail", 50, "Number of lines")
	killCmd.Flags().String("reason", "", "Recorded on the job")
	resynthCmd.Flags().String("reason", "", "Recorded on the job")

	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, logsCmd, cancelCmd, killCmd, pauseCmd, resumeCmd, resynthCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, key, err := jobFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	if job.SrcLang == "" {
		job.SrcLang = a.cfg.Pipeline.DefaultSrcLang
	}
	if job.TgtLang == "" {
		job.TgtLang = a.cfg.Pipeline.DefaultTgtLang
	}

	created, isNew, err := a.controlQueue().SubmitIdempotent(cmd.Context(), key, a.cfg.Queue.IdempotencyTTL, job)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), created)
	}
	if !isNew {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (existing, %s)\n", created.ID, created.State)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), created.ID)
	return nil
}

func jobFromFlags(cmd *cobra.Command, video string) (*jobs.Job, string, error) {
	f := cmd.Flags()
	str := func(name string) string {
		v, _ := f.GetString(name)
		return strings.TrimSpace(v)
	}
	num := func(name string) int {
		v, _ := f.GetInt(name)
		return v
	}
	flag := func(name string) bool {
		v, _ := f.GetBool(name)
		return v
	}

	abs, err := filepath.Abs(video)
	if err != nil {
		return nil, "", err
	}
	mode := jobs.Mode(strings.ToLower(str("mode")))
	switch mode {
	case jobs.ModeHigh, jobs.ModeMedium, jobs.ModeLow:
	default:
		return nil, "", fmt.Errorf("invalid mode %q", mode)
	}

	job := &jobs.Job{
		OwnerID:       str("owner"),
		VideoPath:     abs,
		Mode:          mode,
		Device:        jobs.Device(strings.ToLower(str("device"))),
		SrcLang:       str("src"),
		TgtLang:       str("tgt"),
		SeriesTitle:   str("title"),
		SeriesSlug:    str("series"),
		SeasonNumber:  num("season"),
		EpisodeNumber: num("episode"),
		Visibility:    jobs.Visibility(str("visibility")),
	}
	job.Runtime.ImportedTranscript = str("transcript")
	features := &job.Runtime.Features
	features.CachePolicy = str("cache-policy")
	if f.Changed("clone") {
		features.VoiceClone = jobs.Bool(flag("clone"))
	}
	if f.Changed("privacy") {
		features.PrivacyMode = jobs.Bool(flag("privacy"))
	}
	if f.Changed("lipsync") {
		features.Lipsync = jobs.Bool(flag("lipsync"))
	}
	if f.Changed("mobile") {
		features.MobileExport = jobs.Bool(flag("mobile"))
	}
	if flag("no-qa") {
		features.QA = jobs.Bool(false)
	}
	return job, str("idempotency-key"), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, args[0])
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), job)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", job.ID)
	fmt.Fprintf(w, "State:\t%s\n", job.State)
	fmt.Fprintf(w, "Progress:\t%.1f%%\n", job.Progress*100)
	fmt.Fprintf(w, "Message:\t%s\n", job.Message)
	if job.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", job.Error)
	}
	fmt.Fprintf(w, "Video:\t%s\n", job.VideoPath)
	fmt.Fprintf(w, "Languages:\t%s -> %s\n", job.SrcLang, job.TgtLang)
	fmt.Fprintf(w, "Mode:\t%s\n", job.Mode)
	if job.Runtime.Degraded {
		fmt.Fprintf(w, "Degraded:\t%s\n", strings.Join(job.Runtime.DegradedReasons, "; "))
	}
	if tp := job.Runtime.TwoPass; tp != nil && tp.Enabled {
		fmt.Fprintf(w, "Two-pass:\t%s %s\n", tp.Phase, strings.Join(tp.Markers, ","))
	}
	fmt.Fprintf(w, "Output:\t%s\n", job.OutputMKV)
	fmt.Fprintf(w, "Updated:\t%s\n", humanize.Time(job.UpdatedAt))
	return w.Flush()
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stateFlag, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")
	list, err := a.store.List(cmd.Context(), limit, jobs.State(strings.ToUpper(stateFlag)))
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), list)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tUPDATED\tVIDEO\tMESSAGE")
	for _, job := range list {
		fmt.Fprintf(w, "%s\t%s\t%3.0f%%\t%s\t%s\t%s\n",
			job.ID, job.State, job.Progress*100, humanize.Time(job.UpdatedAt), filepath.Base(job.VideoPath), job.Message)
	}
	return w.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, _ := cmd.Flags().GetInt("tail")
	lines, err := a.store.TailLog(cmd.Context(), args[0], n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func controlCommand(op func(q *jobs.Queue, cmd *cobra.Command, id string) (*jobs.Job, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := op(a.controlQueue(), cmd, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", job.ID, job.State, job.Message)
		return nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
