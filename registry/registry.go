package registry

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/genomebench/geneagent/pkg/llms"
	"github.com/genomebench/geneagent/tools"
	"github.com/genomebench/geneagent/tools/blast"
	"github.com/genomebench/geneagent/tools/eutils"
)

// ErrInvalidMask is returned when the tool mask cannot be parsed.
// It is a configuration error: the process should exit before any
// question is processed.
var ErrInvalidMask = errors.New("invalid tool mask")

// Mask is the decoded per-tool enable flags, indexed by canonical
// tool position. The raw bit string never travels past this package.
type Mask []bool

// ParseMask decodes a '0'/'1' string of exactly size bits.
func ParseMask(s string, size int) (Mask, error) {
	if len(s) != size {
		return nil, errors.WithMessagef(ErrInvalidMask, "expected %d bits, got %d", size, len(s))
	}
	mask := make(Mask, 0, len(s))
	for _, ch := range s {
		switch ch {
		case '0':
			mask = append(mask, false)
		case '1':
			mask = append(mask, true)
		default:
			return nil, errors.WithMessagef(ErrInvalidMask, "unexpected character %q", ch)
		}
	}
	return mask, nil
}

// AllEnabled returns a mask with every bit set.
func AllEnabled(size int) Mask {
	mask := make(Mask, size)
	for i := range mask {
		mask[i] = true
	}
	return mask
}

func (m Mask) String() string {
	var sb strings.Builder
	for _, on := range m {
		if on {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Registry exposes the subset of tools enabled by a mask, in a fixed
// canonical order matching mask bit positions.
type Registry struct {
	canonical []tools.ITool
	enabled   []tools.ITool
	byName    map[string]tools.ITool
}

// New builds a Registry from the canonical tool list and a decoded mask.
// The mask length must equal the registry size.
func New(canonical []tools.ITool, mask Mask) (*Registry, error) {
	if len(mask) != len(canonical) {
		return nil, errors.WithMessagef(ErrInvalidMask, "mask length %d does not match registry size %d", len(mask), len(canonical))
	}

	r := &Registry{
		canonical: canonical,
		byName:    make(map[string]tools.ITool),
	}
	for i, tool := range canonical {
		if !mask[i] {
			continue
		}
		r.enabled = append(r.enabled, tool)
		// use lowercase for the key
		r.byName[strings.ToLower(tool.Name())] = tool
	}
	return r, nil
}

// Size returns the number of registered tool categories.
func (r *Registry) Size() int {
	return len(r.canonical)
}

// IsEnabled reports whether the named tool is enabled by the active mask.
func (r *Registry) IsEnabled(name string) bool {
	_, ok := r.byName[strings.ToLower(name)]
	return ok
}

// Lookup returns the named tool if it is enabled.
func (r *Registry) Lookup(name string) (tools.ITool, bool) {
	tool, ok := r.byName[strings.ToLower(name)]
	return tool, ok
}

// Enabled returns the enabled tools in canonical order.
func (r *Registry) Enabled() []tools.ITool {
	return r.enabled
}

// EnabledNames returns the names of the enabled tools in canonical order.
func (r *Registry) EnabledNames() []string {
	names := make([]string, 0, len(r.enabled))
	for _, tool := range r.enabled {
		names = append(names, tool.Name())
	}
	return names
}

// Legend maps canonical bit positions to tool names, for run metadata.
func (r *Registry) Legend() []string {
	names := make([]string, 0, len(r.canonical))
	for _, tool := range r.canonical {
		names = append(names, tool.Name())
	}
	return names
}

// Describe renders the enabled tools as a prompt block.
func (r *Registry) Describe() string {
	return tools.GetDescriptions(r.enabled...)
}

// LLMTools returns the function definitions for the enabled tools.
func (r *Registry) LLMTools() []llms.Tool {
	defs := make([]llms.Tool, 0, len(r.enabled))
	for _, tool := range r.enabled {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// CanonicalTools builds the fixed tool set in canonical mask order.
func CanonicalTools(eu *eutils.Client, bl *blast.Client) ([]tools.ITool, error) {
	geneAlias, err := eutils.NewGeneAliasTool(eu)
	if err != nil {
		return nil, err
	}
	geneLocation, err := eutils.NewGeneLocationTool(eu)
	if err != nil {
		return nil, err
	}
	diseaseGenes, err := eutils.NewDiseaseGenesTool(eu)
	if err != nil {
		return nil, err
	}
	snpLookup, err := eutils.NewSNPLookupTool(eu)
	if err != nil {
		return nil, err
	}
	align, err := blast.NewAlignTool(bl)
	if err != nil {
		return nil, err
	}
	multi, err := blast.NewMultiSpeciesTool(bl)
	if err != nil {
		return nil, err
	}

	return []tools.ITool{
		geneAlias,
		geneLocation,
		diseaseGenes,
		snpLookup,
		align,
		multi,
	}, nil
}
