package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindDeepSeek  Kind = "deepseek"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindOllama    Kind = "ollama"
	KindRunPod    Kind = "runpod"
)

// AllKinds lists every backend kind the router knows how to build.
var AllKinds = []Kind{KindOllama, KindDeepSeek, KindOpenAI, KindAnthropic, KindGemini, KindRunPod}

// Hosted reports whether the kind is a third-party API that needs a credential.
func (k Kind) Hosted() bool {
	switch k {
	case KindOpenAI, KindDeepSeek, KindAnthropic, KindGemini:
		return true
	}
	return false
}

type Capability uint8

const (
	CapStreaming Capability = 1 << iota
	CapFunctionCalling
	CapImageAnalysis
	CapCodeGeneration
)

var capabilityNames = map[string]Capability{
	"streaming":       CapStreaming,
	"functionCalling": CapFunctionCalling,
	"imageAnalysis":   CapImageAnalysis,
	"codeGeneration":  CapCodeGeneration,
}

// Capabilities is a set of Capability flags.
type Capabilities Capability

func NewCapabilities(caps ...Capability) Capabilities {
	var c Capabilities
	for _, f := range caps {
		c |= Capabilities(f)
	}
	return c
}

func (c Capabilities) Has(f Capability) bool {
	return Capability(c)&f == f
}

// Satisfies reports whether every requirement is covered by the set.
func (c Capabilities) Satisfies(r Requirements) bool {
	if r.FunctionCalling && !c.Has(CapFunctionCalling) {
		return false
	}
	if r.ImageAnalysis && !c.Has(CapImageAnalysis) {
		return false
	}
	return true
}

// Names lists the set's capabilities in a stable order.
func (c Capabilities) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, f := range []Capability{CapStreaming, CapFunctionCalling, CapImageAnalysis, CapCodeGeneration} {
		if !c.Has(f) {
			continue
		}
		for n, v := range capabilityNames {
			if v == f {
				names = append(names, n)
			}
		}
	}
	return names
}

// ParseCapabilities accepts names like "streaming" or "functionCalling".
// Unknown names are an error.
func ParseCapabilities(names []string) (Capabilities, error) {
	var c Capabilities
	for _, n := range names {
		f, ok := capabilityNames[strings.TrimSpace(n)]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", n)
		}
		c |= Capabilities(f)
	}
	return c, nil
}

// GenerationDefaults fill request parameters the caller left unset.
type GenerationDefaults struct {
	MaxTokens   int     `validate:"gte=0"`
	Temperature float64 `validate:"gte=0,lte=2"`
	TopP        float64 `validate:"gte=0,lte=1"`
}

type Config struct {
	Endpoint   string        `validate:"omitempty,url"`
	Credential string
	Model      string        `validate:"required"`
	Timeout    time.Duration `validate:"gt=0"`
	Defaults   GenerationDefaults
}

// Limits override the router's per-provider window ceilings. Zero keeps the default.
type Limits struct {
	RequestsPerMinute int `validate:"gte=0"`
	TokensPerMinute   int `validate:"gte=0"`
}

// Descriptor is immutable once its provider is registered.
type Descriptor struct {
	Name         string `validate:"required"`
	Kind         Kind   `validate:"required,oneof=openai deepseek anthropic gemini ollama runpod"`
	Capabilities Capabilities
	Config       Config
	Priority     int
	Limits       Limits
}

var validate = validator.New()

// Validate runs the structural checks shared by every kind.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s: %s", ErrConfigurationInvalid, d.Name, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %s: %v", ErrConfigurationInvalid, d.Name, err)
	}
	if d.Kind.Hosted() && d.Config.Credential == "" {
		return fmt.Errorf("%w: %s: credential is required for %s", ErrConfigurationInvalid, d.Name, d.Kind)
	}
	return nil
}

// ApplyDefaults returns a copy of req with unset generation parameters taken
// from the descriptor.
func (d Descriptor) ApplyDefaults(req *Request) Request {
	out := *req
	if out.MaxTokens <= 0 {
		out.MaxTokens = d.Config.Defaults.MaxTokens
	}
	if out.Temperature == nil && d.Config.Defaults.Temperature > 0 {
		t := d.Config.Defaults.Temperature
		out.Temperature = &t
	}
	if out.TopP == nil && d.Config.Defaults.TopP > 0 {
		p := d.Config.Defaults.TopP
		out.TopP = &p
	}
	return out
}
