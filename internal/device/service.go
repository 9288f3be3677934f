package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"tuya-proxy/internal/domain"
	"tuya-proxy/internal/metrics"
	"tuya-proxy/internal/tuya"
)

const (
	OpFunctions = "functions"
	OpStatus    = "status"
	OpCommand   = "command"

	basePath = "/v1.0/iot-03/devices/"
)

var fallbackMsg = map[string]string{
	OpFunctions: "Failed to get functions",
	OpStatus:    "Failed to get status",
	OpCommand:   "Failed to send command",
}

type Vendor interface {
	Get(ctx context.Context, path string) (*tuya.Response, error)
	Post(ctx context.Context, path string, body any) (*tuya.Response, error)
}

type ActivityTracker interface {
	TouchActive(ctx context.Context, deviceID string, ts int64) error
}

type CommandAuditor interface {
	InsertCommand(ctx context.Context, rec domain.CommandRecord) error
}

// Deps wires the service. Activity and Audit may be nil.
type Deps struct {
	Vendor   Vendor
	Activity ActivityTracker
	Audit    CommandAuditor
	Logger   zerolog.Logger
}

type Service struct {
	deps Deps
	now  func() time.Time
}

func New(d Deps) *Service {
	return &Service{deps: d, now: time.Now}
}

// Functions returns the instruction set the device supports.
func (s *Service) Functions(ctx context.Context, deviceID string) (json.RawMessage, error) {
	return s.read(ctx, OpFunctions, deviceID, "/functions")
}

// Status returns the current data points of the device.
func (s *Service) Status(ctx context.Context, deviceID string) (json.RawMessage, error) {
	return s.read(ctx, OpStatus, deviceID, "/status")
}

// SendCommand wraps one command in the commands envelope and posts it.
func (s *Service) SendCommand(ctx context.Context, deviceID string, req domain.CommandRequest) (json.RawMessage, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	env := domain.NewCommandEnvelope(req)
	s.deps.Logger.Info().
		Str("device_id", deviceID).
		Str("code", env.Commands[0].Code).
		RawJSON("value", env.Commands[0].Value).
		Msg("send command")

	payload, err := s.forward(ctx, OpCommand, deviceID, func() (*tuya.Response, error) {
		return s.deps.Vendor.Post(ctx, devicePath(deviceID, "/commands"), env)
	})
	s.audit(ctx, deviceID, env.Commands[0], err)
	return payload, err
}

func (s *Service) read(ctx context.Context, op, deviceID, suffix string) (json.RawMessage, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	s.deps.Logger.Info().Str("device_id", deviceID).Str("op", op).Msg("get device " + op)

	return s.forward(ctx, op, deviceID, func() (*tuya.Response, error) {
		return s.deps.Vendor.Get(ctx, devicePath(deviceID, suffix))
	})
}

// forward runs one vendor call and classifies it: payload, rejection, or
// failure.
func (s *Service) forward(ctx context.Context, op, deviceID string, call func() (*tuya.Response, error)) (json.RawMessage, error) {
	start := s.now()
	outcome := metrics.OutcomeOK
	defer func() { metrics.ObserveOperation(op, outcome, s.now().Sub(start)) }()

	resp, err := call()
	if err != nil {
		outcome = metrics.OutcomeFailed
		s.deps.Logger.Error().Err(err).Str("device_id", deviceID).Str("op", op).Msg("vendor call failed")
		return nil, fmt.Errorf("%s %s: %w", op, deviceID, err)
	}
	if resp == nil {
		outcome = metrics.OutcomeFailed
		s.deps.Logger.Error().Str("device_id", deviceID).Str("op", op).Msg("vendor returned no response")
		return nil, fmt.Errorf("%s %s: empty vendor response", op, deviceID)
	}

	if !resp.Success {
		outcome = metrics.OutcomeRejected
		msg := resp.Msg
		if msg == "" {
			msg = fallbackMsg[op]
		}
		s.deps.Logger.Warn().Str("device_id", deviceID).Str("op", op).Int("code", resp.Code).Str("msg", msg).Msg("vendor rejected call")
		return nil, &RejectedError{Op: op, Code: resp.Code, Message: msg}
	}

	payload := resp.Raw
	if len(payload) == 0 {
		payload, err = json.Marshal(resp)
		if err != nil {
			outcome = metrics.OutcomeFailed
			return nil, fmt.Errorf("%s %s: %w", op, deviceID, err)
		}
	}

	s.touch(ctx, deviceID)
	return payload, nil
}

func (s *Service) touch(ctx context.Context, deviceID string) {
	if s.deps.Activity == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 300*time.Millisecond)
	defer cancel()
	if err := s.deps.Activity.TouchActive(rctx, deviceID, s.now().Unix()); err != nil {
		s.deps.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("track activity failed")
	}
}

func (s *Service) audit(ctx context.Context, deviceID string, cmd domain.Command, callErr error) {
	if s.deps.Audit == nil {
		return
	}
	rec := domain.CommandRecord{
		DeviceID:  deviceID,
		Code:      cmd.Code,
		Value:     cmd.Value,
		Success:   callErr == nil,
		CreatedAt: s.now().Unix(),
	}
	if callErr != nil {
		rec.Message = callErr.Error()
	}

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.deps.Audit.InsertCommand(ictx, rec); err != nil {
		s.deps.Logger.Warn().Err(err).Str("device_id", deviceID).Msg("audit command failed")
	}
}

func devicePath(deviceID, suffix string) string {
	return basePath + url.PathEscape(deviceID) + suffix
}
