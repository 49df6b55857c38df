package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RawFrame is one captured image in RGBA pixel format.
type RawFrame struct {
	Width  int
	Height int
	Pix    []byte // RGBA, 4 bytes per pixel, row-major
}

// Image wraps the pixel buffer as an *image.RGBA without copying.
func (f *RawFrame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// FrameSource is an opaque camera device: it can be opened, asked for one
// raw frame at a time, and closed. Implementations must tolerate Close
// being called more than once.
type FrameSource interface {
	Open() error
	Capture() (*RawFrame, error)
	Close() error
}

// CommandSource captures frames by shelling out to the Raspberry Pi camera
// stack. Newer Raspberry Pi OS ships rpicam-still, older releases
// libcamera-still; the first command that exists wins and is remembered.
type CommandSource struct {
	device  string // camera selector passed to --camera, empty for the default
	width   int
	height  int
	command string // pinned after first successful capture or via config
	timeout time.Duration
	opened  bool
	mu      sync.Mutex
	logger  *zap.Logger
}

var captureCommands = []string{"rpicam-still", "libcamera-still"}

const defaultCaptureTimeout = 10 * time.Second

// NewCommandSource creates a frame source backed by an external capture
// command. If command is empty, rpicam-still and libcamera-still are tried
// in order. The timeout bounds each shot; a child that overruns it is
// killed so the caller never blocks on a wedged camera stack.
func NewCommandSource(device string, width, height int, command string, timeout time.Duration, logger *zap.Logger) *CommandSource {
	if timeout <= 0 {
		timeout = defaultCaptureTimeout
	}
	return &CommandSource{
		device:  device,
		width:   width,
		height:  height,
		command: command,
		timeout: timeout,
		logger:  logger,
	}
}

// Open verifies a capture command is available. No device handle is held
// between captures; the command owns the device for the duration of a shot.
func (s *CommandSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}

	if s.command != "" {
		if _, err := exec.LookPath(s.command); err != nil {
			return fmt.Errorf("capture command %q not found: %w", s.command, err)
		}
		s.opened = true
		return nil
	}

	for _, cmd := range captureCommands {
		if _, err := exec.LookPath(cmd); err == nil {
			s.command = cmd
			s.opened = true
			s.logger.Info("Capture command detected", zap.String("command", cmd))
			return nil
		}
	}

	return fmt.Errorf("no capture command found (tried %v)", captureCommands)
}

// Capture grabs a single frame and decodes it to RGBA.
func (s *CommandSource) Capture() (*RawFrame, error) {
	s.mu.Lock()
	command := s.command
	opened := s.opened
	s.mu.Unlock()

	if !opened {
		return nil, fmt.Errorf("source not open")
	}

	args := []string{
		"--width", strconv.Itoa(s.width),
		"--height", strconv.Itoa(s.height),
		"--timeout", "1",
		"--nopreview",
		"--encoding", "jpg",
		"--output", "-",
	}
	if s.device != "" {
		args = append(args, "--camera", s.device)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out after %s, killed", command, s.timeout)
		}
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", command, err, stderr.String())
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s returned empty frame", command)
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode captured frame: %w", err)
	}

	return toRawFrame(img), nil
}

// Close releases the source. Idempotent; the external command holds no
// persistent device handle, so this only resets detection state.
func (s *CommandSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

// toRawFrame converts any decoded image to an RGBA RawFrame.
func toRawFrame(img image.Image) *RawFrame {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return &RawFrame{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &RawFrame{Width: b.Dx(), Height: b.Dy(), Pix: dst.Pix}
}
