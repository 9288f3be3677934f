package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"tuya-proxy/internal/config"
	"tuya-proxy/internal/device"
	"tuya-proxy/internal/domain"
	"tuya-proxy/internal/metrics"
)

const (
	resultSuffix = "command_results"
	callTimeout  = 10 * time.Second
)

type Commander interface {
	SendCommand(ctx context.Context, deviceID string, req domain.CommandRequest) (json.RawMessage, error)
}

type Deps struct {
	Devices Commander
	Logger  zerolog.Logger
}

type message struct {
	topic   string
	payload []byte
}

// Bridge accepts {code, value} commands on the configured topic filter, whose
// single + level carries the device id, and answers on
// devices/{id}/command_results.
type Bridge struct {
	deps  Deps
	cfg   config.MQTTConfig
	c     paho.Client
	queue chan message

	processed uint64
	rejected  uint64
	failed    uint64
	dropped   uint64
	badInput  uint64
}

func NewBridge(d Deps, cfg config.MQTTConfig) *Bridge {
	return &Bridge{
		deps:  d,
		cfg:   cfg,
		queue: make(chan message, cfg.QueueLen),
	}
}

func (b *Bridge) Run(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := paho.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}
	b.c = client

	for i := 0; i < b.cfg.Workers; i++ {
		go b.worker(ctx, i)
	}

	if tok := client.Subscribe(b.cfg.Topic, b.cfg.QoS, b.onMessage); tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}
	b.deps.Logger.Info().Str("topic", b.cfg.Topic).Int("workers", b.cfg.Workers).Msg("mqtt bridge subscribed")

	go b.reportStats(ctx)

	<-ctx.Done()
	return nil
}

func (b *Bridge) Close() {
	if b.c != nil && b.c.IsConnected() {
		b.c.Disconnect(200)
	}
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	b.enqueue(msg.Topic(), msg.Payload())
}

func (b *Bridge) enqueue(topic string, payload []byte) {
	select {
	case b.queue <- message{topic: topic, payload: payload}:
	default:
		atomic.AddUint64(&b.dropped, 1)
		metrics.BridgeMessages.WithLabelValues("dropped").Inc()
		b.deps.Logger.Warn().Str("topic", topic).Msg("mqtt queue full, drop")
	}
}

func (b *Bridge) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			deviceID, res, ok := b.handle(ctx, m.topic, m.payload)
			if !ok {
				continue
			}
			b.publish(deviceID, res, id)
		}
	}
}

// handle forwards one message. ok is false when no device id can be taken
// from the topic, so there is nowhere to answer.
func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) (deviceID string, res domain.CommandResult, ok bool) {
	deviceID, err := deviceFromTopic(b.cfg.Topic, topic)
	if err != nil {
		atomic.AddUint64(&b.badInput, 1)
		metrics.BridgeMessages.WithLabelValues("bad_input").Inc()
		b.deps.Logger.Warn().Err(err).Str("topic", topic).Msg("bad command topic")
		return "", domain.CommandResult{}, false
	}

	var req domain.CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		atomic.AddUint64(&b.badInput, 1)
		metrics.BridgeMessages.WithLabelValues("bad_input").Inc()
		b.deps.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("bad command json")
		return deviceID, domain.CommandResult{Status: 422, Detail: err.Error()}, true
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	out, err := b.deps.Devices.SendCommand(cctx, deviceID, req)
	cancel()

	res = domain.CommandResult{Success: err == nil, Status: device.HTTPStatus(err), Payload: out}
	var rej *device.RejectedError
	switch {
	case err == nil:
		atomic.AddUint64(&b.processed, 1)
		metrics.BridgeMessages.WithLabelValues("processed").Inc()
	case errors.As(err, &rej):
		atomic.AddUint64(&b.rejected, 1)
		metrics.BridgeMessages.WithLabelValues("rejected").Inc()
		res.Detail = device.Detail(err)
	case errors.Is(err, device.ErrInvalidCommand):
		atomic.AddUint64(&b.badInput, 1)
		metrics.BridgeMessages.WithLabelValues("bad_input").Inc()
		res.Detail = device.Detail(err)
	default:
		atomic.AddUint64(&b.failed, 1)
		metrics.BridgeMessages.WithLabelValues("failed").Inc()
		res.Detail = device.Detail(err)
	}
	return deviceID, res, true
}

func (b *Bridge) publish(deviceID string, res domain.CommandResult, worker int) {
	if b.c == nil {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		b.deps.Logger.Error().Err(err).Str("device_id", deviceID).Msg("encode command result")
		return
	}
	topic := "devices/" + deviceID + "/" + resultSuffix
	tok := b.c.Publish(topic, b.cfg.QoS, false, body)
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		b.deps.Logger.Warn().Err(tok.Error()).Int("worker", worker).Str("topic", topic).Msg("publish command result failed")
	}
}

func (b *Bridge) reportStats(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p := atomic.SwapUint64(&b.processed, 0)
			r := atomic.SwapUint64(&b.rejected, 0)
			f := atomic.SwapUint64(&b.failed, 0)
			d := atomic.SwapUint64(&b.dropped, 0)
			bi := atomic.SwapUint64(&b.badInput, 0)
			if p+r+f+d+bi == 0 {
				continue
			}
			b.deps.Logger.Info().
				Uint64("processed_5s", p).
				Uint64("rejected_5s", r).
				Uint64("failed_5s", f).
				Uint64("dropped_5s", d).
				Uint64("bad_input_5s", bi).
				Msg("stats")
		}
	}
}

// deviceFromTopic matches topic against filter and returns the level that
// sits under the + wildcard.
func deviceFromTopic(filter, topic string) (string, error) {
	want := strings.Split(filter, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", fmt.Errorf("topic %q does not match %q", topic, filter)
	}
	var id string
	for i, lvl := range want {
		if lvl == "+" {
			id = got[i]
			continue
		}
		if lvl != got[i] {
			return "", fmt.Errorf("topic %q does not match %q", topic, filter)
		}
	}
	if id == "" {
		return "", fmt.Errorf("no device id in topic %q", topic)
	}
	return id, nil
}
