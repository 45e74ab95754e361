package discovery

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

var (
	videoIndexPattern = regexp.MustCompile(`video(\d+)$`)
	fourccPattern     = regexp.MustCompile(`'([A-Z0-9]{3,4})'`)
)

// V4L2Scanner enumerates video4linux capture nodes under the configured
// device glob and enriches each with v4l2-ctl metadata when the tool is
// installed. Without the tool it falls back to bare node listings.
type V4L2Scanner struct {
	cfg *config.V4L2Config
}

func NewV4L2Scanner(cfg *config.V4L2Config) *V4L2Scanner {
	return &V4L2Scanner{cfg: cfg}
}

func (s *V4L2Scanner) Protocol() string { return devices.SourceV4L2 }

func (s *V4L2Scanner) Available(_ context.Context) bool {
	if _, err := exec.LookPath("v4l2-ctl"); err == nil {
		return true
	}

	matches, err := filepath.Glob(s.cfg.Glob())

	return err == nil && len(matches) > 0
}

func (s *V4L2Scanner) Scan(ctx context.Context) ([]devices.Device, error) {
	paths, err := filepath.Glob(s.cfg.Glob())
	if err != nil {
		return nil, fmt.Errorf("%w: v4l2 glob: %s", customerrors.ErrScanFailure, err)
	}

	sortVideoNodes(paths)

	_, lookErr := exec.LookPath("v4l2-ctl")
	haveTool := lookErr == nil

	var (
		found    []devices.Device
		seenCard = map[string]string{} // card+bus -> first node path
		scanErr  error
	)

	for _, path := range paths {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}

		d := devices.Device{
			Name:       fallbackNodeName(path),
			Type:       devices.DeviceTypeVideo,
			Domain:     devices.DomainLocal,
			SystemPath: path,
			Source:     devices.SourceV4L2,
			Streams:    map[string]string{"v4l2": path},
		}

		if haveTool {
			info, err := s.queryNode(ctx, path)
			if err != nil {
				scanErr = fmt.Errorf("%w: v4l2-ctl %s: %s", customerrors.ErrScanFailure, path, err)

				continue
			}

			if !info.captures {
				continue
			}

			// Multi-node cards expose metadata siblings next to the
			// capture node; keep only the lowest-numbered one.
			if key := info.card + "|" + info.bus; key != "|" {
				if _, dup := seenCard[key]; dup {
					continue
				}

				seenCard[key] = path
			}

			if info.card != "" {
				d.Name = info.card
			}

			d.Driver = info.driver
			d.Capabilities = info.tags
		}

		d.AddCapabilities(devices.SourceV4L2, "video-capture")
		found = append(found, d)
	}

	return found, scanErr
}

// nodeInfo is the parsed result of v4l2-ctl --info plus the format list.
type nodeInfo struct {
	driver   string
	card     string
	bus      string
	captures bool
	tags     []string
}

func (s *V4L2Scanner) queryNode(ctx context.Context, path string) (nodeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline())
	defer cancel()

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--info").Output()
	if err != nil {
		return nodeInfo{}, err
	}

	info := parseNodeInfo(string(out))
	if !info.captures {
		return info, nil
	}

	// Formats are informative only; a node that refuses to list them is
	// still a usable capture device.
	if out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--list-formats-ext").Output(); err == nil {
		info.tags = append(info.tags, parseFormatTags(string(out))...)
	}

	return info, nil
}

func parseNodeInfo(out string) nodeInfo {
	var info nodeInfo

	inCaps := false

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)

		if key, value, ok := strings.Cut(trimmed, ":"); ok {
			switch strings.TrimSpace(key) {
			case "Driver name":
				info.driver = strings.TrimSpace(value)
			case "Card type":
				info.card = strings.TrimSpace(value)
			case "Bus info":
				info.bus = strings.TrimSpace(value)
			case "Capabilities":
				inCaps = true

				continue
			case "Device Caps":
				// Per-node caps override the card-wide list, so a
				// metadata sibling of a capture card is skipped.
				info.captures = false
				info.tags = nil
				inCaps = true

				continue
			}
		}

		if !inCaps || trimmed == "" {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "Video Capture"):
			info.captures = true
		case trimmed == "Streaming":
			info.tags = append(info.tags, "streaming")
		}
	}

	return info
}

func parseFormatTags(out string) []string {
	var tags []string

	for _, m := range fourccPattern.FindAllStringSubmatch(out, -1) {
		tag := strings.ToLower(m[1])
		if !strings.HasPrefix(tag, "v4l2") {
			tags = append(tags, tag)
		}
	}

	return tags
}

// sortVideoNodes orders device paths by their numeric suffix so
// /dev/video10 sorts after /dev/video2.
func sortVideoNodes(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return videoNodeIndex(paths[i]) < videoNodeIndex(paths[j])
	})
}

func videoNodeIndex(path string) int {
	m := videoIndexPattern.FindStringSubmatch(path)
	if m == nil {
		return 1 << 30
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1 << 30
	}

	return n
}

func fallbackNodeName(path string) string {
	if n := videoNodeIndex(path); n < 1<<30 {
		return fmt.Sprintf("Video Device %d", n)
	}

	return filepath.Base(path)
}
