package discovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/avhub/avhub/internal/config"
	"github.com/avhub/avhub/internal/devices"
	customerrors "github.com/avhub/avhub/internal/errors"
)

const procAsoundCards = "/proc/asound/cards"

var (
	asoundCardPattern  = regexp.MustCompile(`^\s*(\d+)\s+\[(\w+)\s*\]:\s+(\S+)\s+-\s+(.+)$`)
	capturePCMPattern  = regexp.MustCompile(`pcm(\d+)c$`)
	arecordCardPattern = regexp.MustCompile(`^card (\d+): (\S+) \[(.+?)\], device (\d+):`)
)

// ALSAScanner enumerates sound cards with at least one capture PCM,
// reading /proc/asound directly and falling back to arecord -l when
// procfs is unavailable.
type ALSAScanner struct {
	cfg *config.ALSAConfig
}

func NewALSAScanner(cfg *config.ALSAConfig) *ALSAScanner {
	return &ALSAScanner{cfg: cfg}
}

func (s *ALSAScanner) Protocol() string { return devices.SourceALSA }

func (s *ALSAScanner) Available(_ context.Context) bool {
	if _, err := os.Stat(procAsoundCards); err == nil {
		return true
	}

	_, err := exec.LookPath("arecord")

	return err == nil
}

func (s *ALSAScanner) Scan(ctx context.Context) ([]devices.Device, error) {
	data, err := os.ReadFile(procAsoundCards)
	if err == nil {
		return fromProcCards(ctx, string(data))
	}

	if _, lookErr := exec.LookPath("arecord"); lookErr != nil {
		return nil, fmt.Errorf("%w: alsa: %s", customerrors.ErrScanFailure, err)
	}

	return s.fromArecord(ctx)
}

type alsaCard struct {
	index  int
	id     string
	driver string
	name   string
}

func fromProcCards(ctx context.Context, text string) ([]devices.Device, error) {
	var found []devices.Device

	for _, card := range parseAsoundCards(text) {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}

		dev, ok := lowestCaptureDevice(card.index)
		if !ok {
			// Playback-only card.
			continue
		}

		found = append(found, captureDevice(card, dev))
	}

	return found, nil
}

func (s *ALSAScanner) fromArecord(ctx context.Context) ([]devices.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline())
	defer cancel()

	out, err := exec.CommandContext(ctx, "arecord", "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: arecord: %s", customerrors.ErrScanFailure, err)
	}

	var (
		found []devices.Device
		seen  = map[int]struct{}{}
	)

	for _, line := range strings.Split(string(out), "\n") {
		m := arecordCardPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		index, _ := strconv.Atoi(m[1])
		if _, dup := seen[index]; dup {
			continue
		}

		seen[index] = struct{}{}

		dev, _ := strconv.Atoi(m[4])
		found = append(found, captureDevice(alsaCard{index: index, id: m[2], name: m[3]}, dev))
	}

	return found, nil
}

func parseAsoundCards(text string) []alsaCard {
	var cards []alsaCard

	for _, line := range strings.Split(text, "\n") {
		m := asoundCardPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		cards = append(cards, alsaCard{
			index:  index,
			id:     m[2],
			driver: m[3],
			name:   strings.TrimSpace(m[4]),
		})
	}

	return cards
}

// lowestCaptureDevice finds the lowest-numbered capture PCM of a card,
// reported false when the card records nothing.
func lowestCaptureDevice(cardIndex int) (int, bool) {
	matches, err := filepath.Glob(fmt.Sprintf("/proc/asound/card%d/pcm*c", cardIndex))
	if err != nil {
		return 0, false
	}

	best := -1

	for _, path := range matches {
		m := capturePCMPattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}

		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		if best < 0 || n < best {
			best = n
		}
	}

	return best, best >= 0
}

func captureDevice(card alsaCard, dev int) devices.Device {
	name := card.name
	if name == "" {
		name = card.id
	}

	d := devices.Device{
		Name:       name,
		Type:       devices.DeviceTypeAudio,
		Domain:     devices.DomainLocal,
		SystemPath: fmt.Sprintf("/dev/snd/pcmC%dD%dc", card.index, dev),
		Driver:     card.driver,
		Source:     devices.SourceALSA,
		Streams:    map[string]string{"alsa": fmt.Sprintf("hw:%d,%d", card.index, dev)},
	}

	d.AddCapabilities(devices.SourceALSA, "audio-capture")

	return d
}
