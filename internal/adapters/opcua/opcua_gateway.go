package opcua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/WaferProbe/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session and
// the node ids the bench controller exposes for each instrument function.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PollInterval    time.Duration `yaml:"poll_interval"`

	Channels []ChannelNodes `yaml:"channels"`
	Stimulus StimulusNodes  `yaml:"stimulus"`
	Measure  MeasureNodes   `yaml:"measure"`
}

// ChannelNodes maps one supply channel to its setpoint, output and readback tags.
type ChannelNodes struct {
	Instrument   string `yaml:"instrument"`
	Channel      int    `yaml:"channel"`
	Voltage      string `yaml:"voltage_node"`
	CurrentLimit string `yaml:"current_limit_node"`
	Output       string `yaml:"output_node"`
	Current      string `yaml:"current_node"`
}

type StimulusNodes struct {
	Start   string `yaml:"start_node"`
	Step    string `yaml:"step_node"`
	Points  string `yaml:"points_node"`
	Trigger string `yaml:"trigger_node"`
	// Ready, when set, is polled until true before the stimulus is settled.
	Ready string `yaml:"ready_node"`
}

type MeasureNodes struct {
	Inputs  string `yaml:"inputs_node"`
	Outputs string `yaml:"outputs_node"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "WaferProbe Station"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Channels) == 0 {
		return errors.New("at least one power channel must be configured")
	}
	for _, ch := range c.Channels {
		if ch.Voltage == "" || ch.CurrentLimit == "" || ch.Output == "" || ch.Current == "" {
			return fmt.Errorf("channel %s CH%d: voltage, current_limit, output and current nodes are required", ch.Instrument, ch.Channel)
		}
	}
	if c.Stimulus.Start == "" || c.Stimulus.Step == "" || c.Stimulus.Points == "" || c.Stimulus.Trigger == "" {
		return errors.New("stimulus start, step, points and trigger nodes are required")
	}
	if c.Measure.Inputs == "" || c.Measure.Outputs == "" {
		return errors.New("measure inputs and outputs nodes are required")
	}
	return nil
}

// Gateway drives the probe bench through an OPC UA server that fronts the
// power supply, DAC and multimeter.
type Gateway struct {
	cfg    Config
	client *opcua.Client
	mu     sync.Mutex
}

func NewGateway(cfg Config) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{cfg: cfg}, nil
}

func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.client != nil {
		g.mu.Unlock()
		return fmt.Errorf("opcua gateway already connected")
	}
	g.mu.Unlock()

	client, err := opcua.NewClient(g.cfg.Endpoint, g.buildClientOptions()...)
	if err != nil {
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect: %w", err)
	}

	g.mu.Lock()
	g.client = client
	g.mu.Unlock()
	return nil
}

func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	client := g.client
	g.client = nil
	g.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (g *Gateway) PowerOn(ctx context.Context, seq ports.PowerSequence) (ports.PowerReading, error) {
	var (
		reading   = ports.PowerReading{Confirmed: true}
		maxSeen   float64
		readCount int
	)
	for _, step := range seq {
		nodes, err := g.channel(step)
		if err != nil {
			return reading, err
		}
		if err := g.write(ctx,
			nodeValue{nodes.Voltage, step.Voltage},
			nodeValue{nodes.CurrentLimit, step.Current},
			nodeValue{nodes.Output, true},
		); err != nil {
			return reading, err
		}

		vals, err := g.read(ctx, nodes.Output, nodes.Current)
		if err != nil {
			return reading, err
		}
		if on, ok := vals[0].Value().(bool); !ok || !on {
			reading.Confirmed = false
		}
		cur, ok := variantToFloat(vals[1])
		if !ok {
			return reading, fmt.Errorf("%w: current on %s CH%d has type %T", ports.ErrMalformedReading, step.Instrument, step.Channel, vals[1].Value())
		}
		if readCount == 0 || cur > maxSeen {
			maxSeen = cur
		}
		readCount++
	}
	reading.Current = maxSeen
	return reading, nil
}

func (g *Gateway) PowerOff(ctx context.Context, seq ports.PowerSequence) error {
	var errs []error
	for _, step := range seq {
		nodes, err := g.channel(step)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := g.write(ctx, nodeValue{nodes.Output, false}); err != nil {
			errs = append(errs, fmt.Errorf("%s CH%d off: %w", step.Instrument, step.Channel, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) ApplyStimulus(ctx context.Context, stim ports.StageStimulus) error {
	s := g.cfg.Stimulus
	if err := g.write(ctx,
		nodeValue{s.Start, stim.Start},
		nodeValue{s.Step, stim.Step},
		nodeValue{s.Points, int32(stim.Points)},
		nodeValue{s.Trigger, true},
	); err != nil {
		return err
	}
	if s.Ready == "" {
		return nil
	}

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		vals, err := g.read(ctx, s.Ready)
		if err != nil {
			return err
		}
		if ready, ok := vals[0].Value().(bool); ok && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return classify(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gateway) Measure(ctx context.Context) (ports.Sweep, error) {
	vals, err := g.read(ctx, g.cfg.Measure.Inputs, g.cfg.Measure.Outputs)
	if err != nil {
		return ports.Sweep{}, err
	}
	in, ok := variantToFloats(vals[0])
	if !ok {
		return ports.Sweep{}, fmt.Errorf("%w: inputs have type %T", ports.ErrMalformedReading, vals[0].Value())
	}
	out, ok := variantToFloats(vals[1])
	if !ok {
		return ports.Sweep{}, fmt.Errorf("%w: outputs have type %T", ports.ErrMalformedReading, vals[1].Value())
	}
	return ports.Sweep{Inputs: in, Outputs: out}, nil
}

type nodeValue struct {
	node  string
	value any
}

func (g *Gateway) session() (*opcua.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, fmt.Errorf("%w: opcua session not open", ports.ErrDisconnected)
	}
	return g.client, nil
}

func (g *Gateway) channel(step ports.PowerStep) (ChannelNodes, error) {
	for _, ch := range g.cfg.Channels {
		if ch.Instrument == step.Instrument && ch.Channel == step.Channel {
			return ch, nil
		}
	}
	return ChannelNodes{}, fmt.Errorf("no opcua nodes configured for %s CH%d", step.Instrument, step.Channel)
}

func (g *Gateway) write(ctx context.Context, vals ...nodeValue) error {
	client, err := g.session()
	if err != nil {
		return err
	}

	req := &ua.WriteRequest{NodesToWrite: make([]*ua.WriteValue, 0, len(vals))}
	for _, v := range vals {
		id, err := ua.ParseNodeID(v.node)
		if err != nil {
			return fmt.Errorf("parse node id %q: %w", v.node, err)
		}
		variant, err := ua.NewVariant(v.value)
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", v.node, err)
		}
		req.NodesToWrite = append(req.NodesToWrite, &ua.WriteValue{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		})
	}

	resp, err := client.Write(ctx, req)
	if err != nil {
		return classify(err)
	}
	if len(resp.Results) != len(vals) {
		return fmt.Errorf("%w: write returned %d results for %d nodes", ports.ErrMalformedReading, len(resp.Results), len(vals))
	}
	for i, code := range resp.Results {
		if code != ua.StatusOK {
			return classify(fmt.Errorf("write %q: %w", vals[i].node, code))
		}
	}
	return nil
}

func (g *Gateway) read(ctx context.Context, nodes ...string) ([]*ua.Variant, error) {
	client, err := g.session()
	if err != nil {
		return nil, err
	}

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        make([]*ua.ReadValueID, 0, len(nodes)),
	}
	for _, n := range nodes {
		id, err := ua.ParseNodeID(n)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", n, err)
		}
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
	}

	resp, err := client.Read(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Results) != len(nodes) {
		return nil, fmt.Errorf("%w: read returned %d results for %d nodes", ports.ErrMalformedReading, len(resp.Results), len(nodes))
	}
	out := make([]*ua.Variant, len(nodes))
	for i, dv := range resp.Results {
		if dv == nil || dv.Status != ua.StatusOK {
			status := ua.StatusBad
			if dv != nil {
				status = dv.Status
			}
			return nil, classify(fmt.Errorf("read %q: %w", nodes[i], status))
		}
		if dv.Value == nil {
			return nil, fmt.Errorf("%w: %q returned no value", ports.ErrMalformedReading, nodes[i])
		}
		out[i] = dv.Value
	}
	return out, nil
}

// classify maps transport failures onto the gateway fault sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ua.StatusBadTimeout):
		return fmt.Errorf("%w: %w", ports.ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, ua.StatusBadConnectionClosed),
		errors.Is(err, ua.StatusBadSecureChannelClosed),
		errors.Is(err, ua.StatusBadSessionClosed),
		errors.Is(err, ua.StatusBadNotConnected):
		return fmt.Errorf("%w: %w", ports.ErrDisconnected, err)
	default:
		return err
	}
}

func (g *Gateway) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(g.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(g.cfg.SecurityPolicy)),
		opcua.ApplicationName(g.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}

	if g.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(g.cfg.Username, g.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return toFloat(v.Value())
}

func variantToFloats(v *ua.Variant) ([]float64, bool) {
	if v == nil {
		return nil, false
	}
	switch arr := v.Value().(type) {
	case []float64:
		return append([]float64(nil), arr...), true
	case []float32:
		out := make([]float64, len(arr))
		for i, x := range arr {
			out[i] = float64(x)
		}
		return out, true
	case []int32:
		out := make([]float64, len(arr))
		for i, x := range arr {
			out[i] = float64(x)
		}
		return out, true
	case []int64:
		out := make([]float64, len(arr))
		for i, x := range arr {
			out[i] = float64(x)
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(val any) (float64, bool) {
	switch val := val.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.InstrumentGateway = (*Gateway)(nil)
	_ ports.Connector         = (*Gateway)(nil)
)
