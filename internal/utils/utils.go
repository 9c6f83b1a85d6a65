package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python or ffmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *LockedBuffer
}

// LockedBuffer is a bytes.Buffer safe to write from the exec copier while we read it.
type LockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *LockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &LockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// SplitCommandLine splits an engine command such as "python3 -u python/engine.py" into name and args.
func SplitCommandLine(line string) (string, []string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return fields[0], fields[1:], nil
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 OVERWATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nENGINE LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for Overwatch.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Capture Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// DeviceIndex reports whether source names a local capture device ("0", "1", ...).
func DeviceIndex(source string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(source))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CaptureSpec is what NewFFmpegCaptureCmd needs to know about a camera.
type CaptureSpec struct {
	Source string
	Local  bool
	FPS    int
	Width  int
	Height int
}

// NewFFmpegCaptureCmd creates a live capture pipe
// It configures FFmpeg to output MJPEG frames to Stdout at a capped rate and, when set, a reduced resolution.
func NewFFmpegCaptureCmd(ctx context.Context, spec CaptureSpec) *SafeCommand {
	// -hide_banner and -loglevel error keep the stderr buffer small
	args := []string{"-hide_banner", "-loglevel", "error"}

	if spec.Local {
		input := spec.Source
		if idx, ok := DeviceIndex(spec.Source); ok {
			input = fmt.Sprintf("/dev/video%d", idx)
		}
		args = append(args, "-f", "v4l2")
		if spec.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(spec.FPS))
		}
		if spec.Width > 0 && spec.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", spec.Width, spec.Height))
		}
		args = append(args, "-i", input)
	} else {
		// Don't let the demuxer build its own backlog on a slow network.
		args = append(args, "-fflags", "nobuffer", "-flags", "low_delay", "-i", spec.Source)
		if spec.Width > 0 && spec.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height))
		}
	}

	if spec.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(spec.FPS))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// ParseEnrolmentName splits a bulk-import file name of the form "<regno>_<name>.jpg".
// Underscores in the name part become spaces.
func ParseEnrolmentName(path string) (regno, name string, ok bool) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
		return "", "", false
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	regno, rest, found := strings.Cut(stem, "_")
	if !found || regno == "" || rest == "" {
		return "", "", false
	}
	return regno, strings.ReplaceAll(rest, "_", " "), true
}
