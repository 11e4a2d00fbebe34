// Package compositor turns an ordered set of story shots into one video with
// a pan/zoom per shot and cross-fades between consecutive shots.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

// ErrMissingShots is returned when fewer shots than expected reach the compositor.
var ErrMissingShots = errors.New("compositor: missing shots")

// Options control the rendered video.
type Options struct {
	FFmpegPath         string
	TempRoot           string
	ShotDuration       time.Duration
	TransitionDuration time.Duration
	ZoomPerFrame       float64
	MaxZoom            float64
	CRF                int
	Preset             string
	// StageConcurrency bounds parallel shot downloads
	StageConcurrency int
}

// Downloader stores a remote asset at a local path and reports its MIME type.
type Downloader interface {
	FetchToFile(ctx context.Context, url, path string) (string, error)
}

// Frame describes the output geometry.
type Frame struct {
	Width  int
	Height int
	FPS    int
}

// Compositor renders story videos with ffmpeg.
type Compositor struct {
	opts       Options
	runner     Runner
	downloader Downloader
	logger     *slog.Logger
}

// New creates a compositor
func New(opts Options, runner Runner, downloader Downloader, logger *slog.Logger) *Compositor {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StageConcurrency <= 0 {
		opts.StageConcurrency = 4
	}
	return &Compositor{
		opts:       opts,
		runner:     runner,
		downloader: downloader,
		logger:     logger,
	}
}

// NewWorkspace creates the scoped directory for one job.
func (c *Compositor) NewWorkspace(jobID string) (*Workspace, error) {
	return NewWorkspace(c.opts.TempRoot, "story-"+jobID)
}

// StageShot downloads one shot into the workspace and returns its local path.
func (c *Compositor) StageShot(ctx context.Context, ws *Workspace, index int, url string) (string, error) {
	base := ws.Path(fmt.Sprintf("shot-%02d", index))
	mime, err := c.downloader.FetchToFile(ctx, url, base)
	if err != nil {
		return "", fmt.Errorf("stage shot %d: %w", index, err)
	}
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("stage shot %d: expected an image, got %s", index, mime)
	}
	mt := mimetype.Lookup(mime)
	if mt == nil || mt.Extension() == "" {
		return base, nil
	}
	path := base + mt.Extension()
	if err := os.Rename(base, path); err != nil {
		return "", fmt.Errorf("stage shot %d: %w", index, err)
	}
	return path, nil
}

// StageShotData writes an inline shot returned by a vendor into the workspace.
func (c *Compositor) StageShotData(ws *Workspace, index int, data []byte) (string, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("stage shot %d: expected an image, got %s", index, mt.String())
	}
	path := ws.Path(fmt.Sprintf("shot-%02d%s", index, mt.Extension()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("stage shot %d: %w", index, err)
	}
	return path, nil
}

// Shot is one generated story frame: a remote URL or inline bytes.
type Shot struct {
	URL  string
	Data []byte
}

// StageShots writes every shot into ws in parallel, preserving order.
func (c *Compositor) StageShots(ctx context.Context, ws *Workspace, shots []Shot) ([]string, error) {
	paths := make([]string, len(shots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.StageConcurrency)
	for i, shot := range shots {
		g.Go(func() error {
			var p string
			var err error
			if len(shot.Data) > 0 {
				p, err = c.StageShotData(ws, i, shot.Data)
			} else {
				p, err = c.StageShot(gctx, ws, i, shot.URL)
			}
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Compose renders shots into ws and returns the path of the encoded video.
// It refuses to run when any of the expected shots is missing.
func (c *Compositor) Compose(ctx context.Context, ws *Workspace, shots []string, expected int, frame Frame) (string, error) {
	if expected <= 0 || len(shots) < expected {
		return "", domain.WrapError(domain.CodeComposeFailed,
			fmt.Errorf("%w: got %d of %d", ErrMissingShots, len(shots), expected), "")
	}
	for i, s := range shots[:expected] {
		if s == "" {
			return "", domain.WrapError(domain.CodeComposeFailed,
				fmt.Errorf("%w: shot %d has no file", ErrMissingShots, i), "")
		}
		if _, err := os.Stat(s); err != nil {
			return "", domain.WrapError(domain.CodeComposeFailed,
				fmt.Errorf("%w: shot %d: %v", ErrMissingShots, i, err), "")
		}
	}

	output := ws.Path("story.mp4")
	args := c.buildArgs(shots[:expected], frame, output)

	start := time.Now()
	if err := c.runner.Run(ctx, c.opts.FFmpegPath, args...); err != nil {
		return "", domain.WrapError(domain.CodeComposeFailed, err, "ffmpeg")
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return "", domain.NewError(domain.CodeComposeFailed, "ffmpeg produced no output")
	}

	c.logger.Info("Story video composed",
		slog.Int("shots", expected),
		slog.Duration("duration", c.Duration(expected)),
		slog.Int64("bytes", info.Size()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return output, nil
}

func (c *Compositor) buildArgs(shots []string, frame Frame, output string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, s := range shots {
		args = append(args, "-i", s)
	}
	args = append(args,
		"-filter_complex", c.filterGraph(len(shots), frame),
		"-map", "[out]",
		"-r", strconv.Itoa(frame.FPS),
		"-c:v", "libx264",
		"-preset", c.opts.Preset,
		"-crf", strconv.Itoa(c.opts.CRF),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		output,
	)
	return args
}

// filterGraph builds one zoompan segment per shot, then chains xfade so that
// segment k starts fading in at k*(shot-transition).
func (c *Compositor) filterGraph(n int, frame Frame) string {
	shot := c.opts.ShotDuration.Seconds()
	fade := c.opts.TransitionDuration.Seconds()
	frames := int(shot*float64(frame.FPS) + 0.5)

	var parts []string
	for i := 0; i < n; i++ {
		zoom := fmt.Sprintf("min(zoom+%s,%s)", num(c.opts.ZoomPerFrame), num(c.opts.MaxZoom))
		if i%2 == 1 {
			// alternate shots pull back out
			zoom = fmt.Sprintf("if(eq(on,0),%s,max(zoom-%s,1))", num(c.opts.MaxZoom), num(c.opts.ZoomPerFrame))
		}
		parts = append(parts, fmt.Sprintf(
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,"+
				"zoompan=z='%s':d=%d:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':s=%dx%d:fps=%d,"+
				"setsar=1,format=yuv420p[v%d]",
			i, frame.Width*2, frame.Height*2, frame.Width*2, frame.Height*2,
			zoom, frames, frame.Width, frame.Height, frame.FPS, i,
		))
	}

	if n == 1 {
		parts = append(parts, "[v0]null[out]")
		return strings.Join(parts, ";")
	}

	prev := "v0"
	for k := 1; k < n; k++ {
		label := fmt.Sprintf("x%d", k)
		if k == n-1 {
			label = "out"
		}
		parts = append(parts, fmt.Sprintf("[%s][v%d]xfade=transition=fade:duration=%s:offset=%s[%s]",
			prev, k, num(fade), num(float64(k)*(shot-fade)), label))
		prev = label
	}
	return strings.Join(parts, ";")
}

// Duration is the length of a composed video of n shots.
func (c *Compositor) Duration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n)*c.opts.ShotDuration - time.Duration(n-1)*c.opts.TransitionDuration
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
