package executor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/fileops"
	"github.com/fusionn-mood/internal/reference"
	"github.com/fusionn-mood/pkg/logger"
)

// YtDlp fetches metadata, captions and media through the yt-dlp CLI.
type YtDlp struct {
	cfg  config.FetcherConfig
	echo bool
}

var _ capability.ContentFetcher = (*YtDlp)(nil)

// NewYtDlp creates a yt-dlp backed fetcher. With echo set, yt-dlp's
// progress output is streamed dimmed to stderr.
func NewYtDlp(cfg config.FetcherConfig, echo bool) *YtDlp {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	return &YtDlp{cfg: cfg, echo: echo}
}

// CheckBinary verifies yt-dlp is on PATH.
func (y *YtDlp) CheckBinary() error {
	if _, err := exec.LookPath(y.cfg.Binary); err != nil {
		return errors.Wrapf(err, "missing dependency: %s is not installed or not on PATH", y.cfg.Binary)
	}
	return nil
}

type ytdlpInfo struct {
	Title    string  `json:"title"`
	Channel  string  `json:"channel"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
}

func (y *YtDlp) FetchMetadata(ctx context.Context, ref string) (capability.Metadata, error) {
	const op = "fetch metadata"

	res, err := runStreamed(ctx, false, y.cfg.Binary,
		"-J", "--no-playlist", "--skip-download", "--no-warnings", reference.URL(ref))
	if err != nil {
		return capability.Metadata{}, classifyYtDlp(op, res.Stderr, err)
	}

	var info ytdlpInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return capability.Metadata{}, errors.Wrap(err, "decode yt-dlp metadata")
	}
	if info.Channel == "" {
		info.Channel = info.Uploader
	}

	return capability.Metadata{
		Title:           info.Title,
		Channel:         info.Channel,
		DurationSeconds: info.Duration,
	}, nil
}

func (y *YtDlp) FetchCaptions(ctx context.Context, ref string) ([]capability.Caption, error) {
	const op = "fetch captions"

	dir, err := os.MkdirTemp("", "fusionn-mood-subs-*")
	if err != nil {
		return nil, errors.Wrap(err, "create subtitle dir")
	}
	defer fileops.Remove(dir)

	langs := strings.Join(y.cfg.SubtitleLangs, ",")
	if langs == "" {
		langs = "en.*,en"
	}

	res, err := runStreamed(ctx, y.echo, y.cfg.Binary,
		"--no-playlist",
		"--skip-download",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", langs,
		"--convert-subs", "srt",
		"-P", dir,
		"-o", "captions.%(ext)s",
		reference.URL(ref))
	if err != nil {
		return nil, classifyYtDlp(op, res.Stderr, err)
	}

	files, err := fileops.FindFiles(dir, ".srt")
	if err != nil {
		return nil, errors.Wrap(err, "list subtitles")
	}
	if len(files) == 0 {
		return nil, capability.NoCaptions(op)
	}
	sort.Strings(files)

	f, err := os.Open(files[0])
	if err != nil {
		return nil, errors.Wrap(err, "open subtitles")
	}
	defer f.Close()

	captions, err := ParseSRT(f)
	if err != nil {
		return nil, err
	}
	if len(captions) == 0 {
		return nil, capability.NoCaptions(op)
	}

	logger.Debugf("📝 Parsed %d captions from %s", len(captions), filepath.Base(files[0]))
	return captions, nil
}

func (y *YtDlp) FetchMedia(ctx context.Context, ref string) (capability.MediaHandle, error) {
	const op = "fetch media"

	if err := fileops.EnsureDir(y.cfg.MediaDir); err != nil {
		return capability.MediaHandle{}, errors.Wrap(err, "create media dir")
	}

	format := y.cfg.Format
	if format == "" {
		format = "bestaudio/best"
	}

	res, err := runStreamed(ctx, y.echo, y.cfg.Binary,
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"-f", format,
		"-P", y.cfg.MediaDir,
		"-o", "%(id)s.%(ext)s",
		"--print", "after_move:filepath",
		reference.URL(ref))
	if err != nil {
		return capability.MediaHandle{}, classifyYtDlp(op, res.Stderr, err)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	path := strings.TrimSpace(lines[len(lines)-1])
	if path == "" || !fileops.Exists(path) {
		return capability.MediaHandle{}, errors.Newf("yt-dlp reported no media file (got %q)", path)
	}
	if !fileops.IsMediaFile(path) {
		return capability.MediaHandle{}, errors.Newf("yt-dlp produced %s, not an audio or video file", filepath.Base(path))
	}
	return capability.MediaHandle{Path: path}, nil
}

var (
	notFoundMarkers = []string{
		"video unavailable",
		"does not exist",
		"private video",
		"http error 404",
		"unsupported url",
		"incomplete youtube id",
		"this video is not available",
		"has been removed",
	}
	transientMarkers = []string{
		"timed out",
		"connection reset",
		"temporary failure",
		"network is unreachable",
		"http error 429",
		"http error 5",
		"unable to download",
	}
)

// classifyYtDlp maps a yt-dlp failure onto the capability taxonomy from
// its stderr. Unrecognised exits are treated as transient so the retry
// budget, not a guess, decides.
func classifyYtDlp(op, stderr string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return capability.Transient(op, err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return errors.Wrap(err, op)
	}

	lower := strings.ToLower(stderr)
	detail := errors.WithDetail(err, strings.TrimSpace(stderr))
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return capability.NotFound(op, errors.New(lastLine(stderr)))
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return capability.Transient(op, errors.New(lastLine(stderr)))
		}
	}
	return capability.Transient(op, detail)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
