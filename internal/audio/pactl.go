package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// PulseAudio / PipeWire backend (pactl)
// ============================================================================
//
// Sessions are sink-inputs, devices are sinks. Device ids are sink names,
// session handles are "sink-input#<index>". Everything goes through the
// pactl binary so the daemon works against both PulseAudio and
// pipewire-pulse without linking libpulse.
//
// ============================================================================

const pulseVolumeNorm = 65536.0

// defaultPactlTimeout bounds every one-shot pactl invocation. The engine
// goroutine waits on these calls.
const defaultPactlTimeout = 2 * time.Second

// Pactl talks to the sound server through the pactl command.
type Pactl struct {
	bin     string
	logger  *slog.Logger
	timeout time.Duration

	// run executes pactl with args and returns stdout. Replaced in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)

	mu         sync.Mutex
	sinkNames  map[int]string
	defaultID  string
	lastServer string
}

func NewPactl(bin string, logger *slog.Logger) *Pactl {
	if bin == "" {
		bin = "pactl"
	}
	p := &Pactl{
		bin:       bin,
		logger:    logger,
		timeout:   defaultPactlTimeout,
		sinkNames: make(map[int]string),
	}
	p.run = p.exec
	return p
}

// call runs one pactl command, bounded by the call timeout.
func (p *Pactl) call(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.run(ctx, args...)
}

func (p *Pactl) exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, classifyPactlError(strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}

func classifyPactlError(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "access denied"):
		return fmt.Errorf("pactl: %s: %w", stderr, ErrPrivilegeRequired)
	case strings.Contains(lower, "no such entity"):
		return fmt.Errorf("pactl: %s: %w", stderr, ErrResourceGone)
	case stderr != "":
		return fmt.Errorf("pactl: %s: %w", stderr, err)
	default:
		return fmt.Errorf("pactl: %w", err)
	}
}

// ----------------------------------------------------------------------------
// JSON shapes (pactl -f json)
// ----------------------------------------------------------------------------

type pactlChannelVolume struct {
	Value int `json:"value"`
}

type pactlSink struct {
	Index       int                           `json:"index"`
	Name        string                        `json:"name"`
	Description string                        `json:"description"`
	State       string                        `json:"state"`
	Mute        bool                          `json:"mute"`
	Volume      map[string]pactlChannelVolume `json:"volume"`
}

type pactlSinkInput struct {
	Index      int                           `json:"index"`
	Sink       int                           `json:"sink"`
	Mute       bool                          `json:"mute"`
	Volume     map[string]pactlChannelVolume `json:"volume"`
	Properties map[string]string             `json:"properties"`
}

func averageLevel(channels map[string]pactlChannelVolume) float64 {
	if len(channels) == 0 {
		return 0
	}
	sum := 0
	for _, c := range channels {
		sum += c.Value
	}
	return QuantizeLevel(float64(sum) / float64(len(channels)) / pulseVolumeNorm)
}

func (p *Pactl) listSinks(ctx context.Context) ([]pactlSink, error) {
	out, err := p.call(ctx, "-f", "json", "list", "sinks")
	if err != nil {
		return nil, err
	}
	var sinks []pactlSink
	if err := json.Unmarshal(out, &sinks); err != nil {
		return nil, fmt.Errorf("decode sinks: %w", err)
	}
	p.mu.Lock()
	for _, s := range sinks {
		p.sinkNames[s.Index] = s.Name
	}
	p.mu.Unlock()
	return sinks, nil
}

func (p *Pactl) listSinkInputs(ctx context.Context) ([]pactlSinkInput, error) {
	out, err := p.call(ctx, "-f", "json", "list", "sink-inputs")
	if err != nil {
		return nil, err
	}
	var inputs []pactlSinkInput
	if err := json.Unmarshal(out, &inputs); err != nil {
		return nil, fmt.Errorf("decode sink-inputs: %w", err)
	}
	return inputs, nil
}

func (p *Pactl) sinkName(idx int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinkNames[idx]
}

// ----------------------------------------------------------------------------
// Backend
// ----------------------------------------------------------------------------

func (p *Pactl) Devices(ctx context.Context) ([]DeviceInfo, error) {
	sinks, err := p.listSinks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(sinks))
	for _, s := range sinks {
		if strings.EqualFold(s.State, "unavailable") {
			continue
		}
		out = append(out, p.deviceInfo(s))
	}
	return out, nil
}

func (p *Pactl) deviceInfo(s pactlSink) DeviceInfo {
	return DeviceInfo{
		ID:           s.Name,
		FriendlyName: s.Description,
		Active:       true,
		Endpoint:     &pactlEndpoint{p: p, sink: s.Name},
	}
}

func (p *Pactl) DefaultDevice(ctx context.Context) (string, error) {
	out, err := p.call(ctx, "get-default-sink")
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	p.mu.Lock()
	p.defaultID = id
	p.mu.Unlock()
	return id, nil
}

func (p *Pactl) SetDefaultDevice(ctx context.Context, id string) error {
	_, err := p.call(ctx, "set-default-sink", id)
	return err
}

func (p *Pactl) Sessions(ctx context.Context, deviceID string) ([]SessionInfo, error) {
	if _, err := p.listSinks(ctx); err != nil {
		return nil, err
	}
	inputs, err := p.listSinkInputs(ctx)
	if err != nil {
		return nil, err
	}
	var out []SessionInfo
	for _, in := range inputs {
		if p.sinkName(in.Sink) != deviceID {
			continue
		}
		out = append(out, p.sessionInfo(in))
	}
	return out, nil
}

func (p *Pactl) sessionInfo(in pactlSinkInput) SessionInfo {
	props := in.Properties
	process := props["application.process.binary"]
	if process == "" {
		process = props["application.name"]
	}
	pid, _ := strconv.Atoi(props["application.process.id"])
	return SessionInfo{
		Handle:       sinkInputHandle(in.Index),
		DeviceID:     p.sinkName(in.Sink),
		PID:          pid,
		ProcessName:  process,
		DisplayName:  props["application.name"],
		Icon:         props["application.icon_name"],
		SystemSounds: props["media.role"] == "event",
		Endpoint:     &pactlEndpoint{p: p, input: in.Index, isInput: true},
	}
}

func sinkInputHandle(idx int) Handle { return Handle("sink-input#" + strconv.Itoa(idx)) }

func (p *Pactl) ProcessExists(pid int) bool {
	if pid <= 0 {
		// Sessions without a pid (network streams) are kept.
		return true
	}
	return processAlive(pid)
}

var subscribeLine = regexp.MustCompile(`^Event '(\w+)' on ([\w-]+) #(-?\d+)`)

// Subscribe runs "pactl subscribe" and translates its event lines.
func (p *Pactl) Subscribe(ctx context.Context) (<-chan Notification, error) {
	cmd := exec.CommandContext(ctx, p.bin, "subscribe")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pactl subscribe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pactl subscribe: %w", err)
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			for _, n := range p.translate(ctx, scanner.Text()) {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			p.logger.Warn("pactl subscribe exited", "error", err)
		}
	}()
	return out, nil
}

// translate maps one subscribe line onto zero or more notifications.
func (p *Pactl) translate(ctx context.Context, line string) []Notification {
	m := subscribeLine.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	verb, facility := m[1], m[2]
	idx, _ := strconv.Atoi(m[3])

	switch facility {
	case "sink-input":
		h := sinkInputHandle(idx)
		switch verb {
		case "new":
			inputs, err := p.listSinkInputs(ctx)
			if err != nil {
				p.logger.Debug("pactl list sink-inputs failed", "error", err)
				return nil
			}
			for _, in := range inputs {
				if in.Index == idx {
					info := p.sessionInfo(in)
					return []Notification{SessionCreated{DeviceID: info.DeviceID, Session: info}}
				}
			}
		case "change":
			return []Notification{SessionVolumeChanged{Handle: h}}
		case "remove":
			return []Notification{SessionStateChanged{Handle: h, State: SessionExpired}}
		}

	case "sink":
		switch verb {
		case "new":
			sinks, err := p.listSinks(ctx)
			if err != nil {
				return nil
			}
			for _, s := range sinks {
				if s.Index == idx {
					return []Notification{DeviceAdded{Device: p.deviceInfo(s)}}
				}
			}
		case "change":
			if name := p.sinkName(idx); name != "" {
				return []Notification{DeviceVolumeChanged{ID: name}}
			}
		case "remove":
			p.mu.Lock()
			name := p.sinkNames[idx]
			delete(p.sinkNames, idx)
			p.mu.Unlock()
			if name != "" {
				return []Notification{DeviceRemoved{ID: name}}
			}
		}

	case "server":
		p.mu.Lock()
		prev := p.defaultID
		p.mu.Unlock()
		id, err := p.DefaultDevice(ctx)
		if err == nil && id != prev {
			return []Notification{DefaultDeviceChanged{ID: id}}
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Endpoint
// ----------------------------------------------------------------------------

type pactlEndpoint struct {
	p       *Pactl
	sink    string
	input   int
	isInput bool
}

func (e *pactlEndpoint) Volume() (Volume, error) {
	ctx := context.Background()
	if e.isInput {
		inputs, err := e.p.listSinkInputs(ctx)
		if err != nil {
			return Volume{}, err
		}
		for _, in := range inputs {
			if in.Index == e.input {
				return Volume{Level: averageLevel(in.Volume), Muted: in.Mute}, nil
			}
		}
		return Volume{}, ErrResourceGone
	}
	sinks, err := e.p.listSinks(ctx)
	if err != nil {
		return Volume{}, err
	}
	for _, s := range sinks {
		if s.Name == e.sink {
			return Volume{Level: averageLevel(s.Volume), Muted: s.Mute}, nil
		}
	}
	return Volume{}, ErrResourceGone
}

func (e *pactlEndpoint) target() (string, string) {
	if e.isInput {
		return "sink-input", strconv.Itoa(e.input)
	}
	return "sink", e.sink
}

func (e *pactlEndpoint) SetLevel(level float64) error {
	kind, id := e.target()
	pct := strconv.FormatFloat(QuantizeLevel(level)*100, 'f', 2, 64) + "%"
	_, err := e.p.call(context.Background(), "set-"+kind+"-volume", id, pct)
	return err
}

func (e *pactlEndpoint) SetMuted(muted bool) error {
	kind, id := e.target()
	flag := "0"
	if muted {
		flag = "1"
	}
	_, err := e.p.call(context.Background(), "set-"+kind+"-mute", id, flag)
	return err
}

// Close is a no-op: pactl endpoints hold no server-side registration.
func (e *pactlEndpoint) Close() error { return nil }

var _ Backend = (*Pactl)(nil)
var _ Backend = (*Memory)(nil)

var errNoPactl = errors.New("pactl binary not found")

// LookPactl resolves the pactl binary on PATH.
func LookPactl(bin string) (string, error) {
	if bin == "" {
		bin = "pactl"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errNoPactl, err)
	}
	return path, nil
}
