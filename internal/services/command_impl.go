// Package services implements the operations behind the HTTP and gRPC
// transports.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	goa "goa.design/goa/v3/pkg"

	"medlabel/internal/logger"
	"medlabel/internal/pipeline"
)

// Directive kinds
const (
	CommandStart = "START"
	CommandStop  = "STOP"
)

var (
	commandValues     = []any{CommandStart, CommandStop}
	orientationValues = []any{"PORTRAIT", "LANDSCAPE"}
	rotationValues    = []any{"NONE", "ROTATE_90", "ROTATE_90_CLOCKWISE", "ROTATE_180", "ROTATE_90_COUNTERCLOCKWISE", "true", "false"}
	processorValues   = []any{"ANY", "CPU", "GPU"}
)

// Directive is one channel command of a batch
type Directive struct {
	Command          string `json:"command"`
	Name             string `json:"name"`
	InputURL         string `json:"input_url,omitempty"`
	CallbackURL      string `json:"call_back_url,omitempty"`
	FrameOrientation string `json:"frame_orientation,omitempty"`
	Rotation         string `json:"rotation,omitempty"`
	ProcessorType    string `json:"processor_type,omitempty"`
	ModelName        string `json:"model_name,omitempty"`
}

// ExecuteRequest is a batch of directives
type ExecuteRequest struct {
	Commands []*Directive `json:"execute_commands"`
}

// DirectiveResult reports the outcome of one directive
type DirectiveResult struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ExecuteResponse carries the aggregate outcome plus one result per directive
type ExecuteResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Results []*DirectiveResult `json:"results"`
}

// ChannelController is the part of the channel manager driven by commands
type ChannelController interface {
	Add(cfg pipeline.ChannelConfig) error
	Start(name string) error
	Stop(name string) error
	Remove(name string) error
	Status(name string) (*pipeline.ChannelStatus, error)
}

// ModelCatalog reports which model ids can be served
type ModelCatalog interface {
	Known(model string) bool
}

// CommandService validates command batches and applies them to the
// channel manager
type CommandService struct {
	channels     ChannelController
	models       ModelCatalog // optional
	defaultModel string
	log          *logger.Logger
}

// NewCommandService creates the command service. models may be nil, in
// which case any model id is accepted.
func NewCommandService(channels ChannelController, models ModelCatalog, defaultModel string, lg *logger.Logger) *CommandService {
	return &CommandService{
		channels:     channels,
		models:       models,
		defaultModel: defaultModel,
		log:          lg,
	}
}

// Execute validates the whole batch first; an invalid batch changes
// nothing. Valid directives are then applied in order.
func (s *CommandService) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if req == nil || len(req.Commands) == 0 {
		err := goa.MissingFieldError("execute_commands", "request")
		s.log.Warning(logger.CommandInvalidRequest, "rejected command batch: %v", err)
		return nil, err
	}

	var verr error
	configs := make([]pipeline.ChannelConfig, len(req.Commands))
	seen := make(map[string]bool, len(req.Commands))
	for i, d := range req.Commands {
		field := fmt.Sprintf("execute_commands[%d]", i)
		if d == nil {
			verr = goa.MergeErrors(verr, goa.MissingFieldError(field, "request"))
			continue
		}
		cfg, err := s.validate(field, d)
		if err != nil {
			verr = goa.MergeErrors(verr, err)
			continue
		}
		if seen[cfg.Name] {
			verr = goa.MergeErrors(verr, goa.InvalidFieldTypeError(field+".name", cfg.Name, "unique channel name"))
			continue
		}
		seen[cfg.Name] = true
		configs[i] = cfg
	}
	if verr != nil {
		s.log.Warning(logger.CommandInvalidRequest, "rejected command batch: %v", verr)
		return nil, verr
	}

	resp := &ExecuteResponse{Success: true}
	var failures []string
	for i, d := range req.Commands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := &DirectiveResult{Name: configs[i].Name, Command: normalize(d.Command), Success: true}
		var err error
		switch res.Command {
		case CommandStart:
			err = s.start(configs[i])
			res.Message = "channel started"
		case CommandStop:
			err = s.channels.Stop(res.Name)
			res.Message = "channel stopped"
		}
		if err != nil {
			res.Success = false
			res.Message = err.Error()
			resp.Success = false
			failures = append(failures, fmt.Sprintf("%s %s: %v", res.Command, res.Name, err))
		}
		resp.Results = append(resp.Results, res)
	}

	switch {
	case len(failures) > 0:
		resp.Message = strings.Join(failures, "; ")
	case len(resp.Results) == 1:
		resp.Message = resp.Results[0].Message
	default:
		resp.Message = fmt.Sprintf("%d commands executed", len(resp.Results))
	}
	return resp, nil
}

// start registers the channel and launches it. A registered channel that
// is not running is replaced so the directive's configuration applies.
func (s *CommandService) start(cfg pipeline.ChannelConfig) error {
	err := s.channels.Add(cfg)
	if errors.Is(err, pipeline.ErrChannelExists) {
		st, serr := s.channels.Status(cfg.Name)
		if serr != nil {
			return serr
		}
		if st.State == pipeline.StateRunning || st.State == pipeline.StateStopping {
			return fmt.Errorf("%w: %s", pipeline.ErrChannelRunning, cfg.Name)
		}
		if st.State == pipeline.StateFailed {
			if err := s.channels.Stop(cfg.Name); err != nil {
				return err
			}
		}
		if err := s.channels.Remove(cfg.Name); err != nil {
			return err
		}
		err = s.channels.Add(cfg)
	}
	if err != nil {
		return err
	}
	return s.channels.Start(cfg.Name)
}

// validate checks one directive and converts a START into a channel config
func (s *CommandService) validate(field string, d *Directive) (pipeline.ChannelConfig, error) {
	var err error
	cfg := pipeline.ChannelConfig{
		Name:        strings.TrimSpace(d.Name),
		Source:      strings.TrimSpace(d.InputURL),
		Endpoint:    strings.TrimSpace(d.CallbackURL),
		Model:       strings.TrimSpace(d.ModelName),
		Orientation: pipeline.OrientationPortrait,
		Processor:   pipeline.ProcessorAny,
	}

	command := normalize(d.Command)
	if command == "" {
		err = goa.MergeErrors(err, goa.MissingFieldError("command", field))
	} else if command != CommandStart && command != CommandStop {
		err = goa.MergeErrors(err, goa.InvalidEnumValueError(field+".command", d.Command, commandValues))
	}
	if cfg.Name == "" {
		err = goa.MergeErrors(err, goa.MissingFieldError("name", field))
	}
	if command != CommandStart {
		return cfg, err
	}

	if cfg.Source == "" {
		err = goa.MergeErrors(err, goa.MissingFieldError("input_url", field))
	} else if !usableSource(cfg.Source) {
		err = goa.MergeErrors(err, goa.InvalidFormatError(field+".input_url", cfg.Source, goa.FormatURI,
			errors.New("expected a stream URL or a file path")))
	}

	if cfg.Endpoint == "" {
		err = goa.MergeErrors(err, goa.MissingFieldError("call_back_url", field))
	} else if ferr := goa.ValidateFormat(field+".call_back_url", cfg.Endpoint, goa.FormatURI); ferr != nil {
		err = goa.MergeErrors(err, ferr)
	} else if !httpURL(cfg.Endpoint) {
		err = goa.MergeErrors(err, goa.InvalidFormatError(field+".call_back_url", cfg.Endpoint, goa.FormatURI,
			errors.New("expected an http or https URL")))
	}

	if d.FrameOrientation != "" {
		o, perr := pipeline.ParseOrientation(d.FrameOrientation)
		if perr != nil {
			err = goa.MergeErrors(err, goa.InvalidEnumValueError(field+".frame_orientation", d.FrameOrientation, orientationValues))
		}
		cfg.Orientation = o
	}
	if d.Rotation != "" {
		r, perr := pipeline.ParseRotation(d.Rotation)
		if perr != nil {
			err = goa.MergeErrors(err, goa.InvalidEnumValueError(field+".rotation", d.Rotation, rotationValues))
		}
		cfg.Rotation = r
	}
	if d.ProcessorType != "" {
		p, perr := pipeline.ParseProcessor(d.ProcessorType)
		if perr != nil {
			err = goa.MergeErrors(err, goa.InvalidEnumValueError(field+".processor_type", d.ProcessorType, processorValues))
		}
		cfg.Processor = p
	}

	if cfg.Model == "" {
		cfg.Model = s.defaultModel
	}
	if cfg.Model == "" {
		err = goa.MergeErrors(err, goa.MissingFieldError("model_name", field))
	} else if s.models != nil && !s.models.Known(cfg.Model) {
		err = goa.MergeErrors(err, goa.InvalidFieldTypeError(field+".model_name", cfg.Model, "known model id"))
	}
	return cfg, err
}

func normalize(command string) string {
	return strings.ToUpper(strings.TrimSpace(command))
}

// usableSource accepts stream URLs with a host and plain file paths
func usableSource(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme == "" || u.Scheme == "file" {
		return u.Path != ""
	}
	return u.Host != ""
}

func httpURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
