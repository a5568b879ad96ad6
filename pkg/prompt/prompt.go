// Package prompt renders the few-shot conversation sent for each file.
//
// A pack is a YAML document holding an instruction and before/after
// examples. Every file body and every example is wrapped in the
// <BEGIN>/<END> envelope; replies start with <BEGIN> and generation stops at
// <END>, which lets the client detect truncated or malformed output.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/docsmith/pkg/models"
)

// Envelope markers.
const (
	Begin = "<BEGIN>"
	End   = "<END>"
)

// ErrUnknownLanguage is returned by Load for a language without a pack.
var ErrUnknownLanguage = errors.New("unknown prompt language")

//go:embed packs/*.yaml
var packs embed.FS

// Example is one before/after pair shown to the model.
type Example struct {
	Before string `yaml:"before"`
	After  string `yaml:"after"`
}

// Pack is the on-disk form of a prompt.
type Pack struct {
	Name        string    `yaml:"name"`
	Instruction string    `yaml:"instruction"`
	Examples    []Example `yaml:"examples"`
}

// Builder renders messages for file bodies. It is safe for concurrent use.
type Builder struct {
	name    string
	fewShot []models.ChatMessage
}

// Languages returns the names of the built-in packs.
func Languages() []string {
	entries, err := packs.ReadDir("packs")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(out)
	return out
}

// Load returns the Builder for a built-in language pack.
func Load(language string) (*Builder, error) {
	data, err := packs.ReadFile("packs/" + language + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
	}
	return Parse(data)
}

// LoadFile returns the Builder for a pack stored at path.
func LoadFile(path string) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt pack: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML pack.
func Parse(data []byte) (*Builder, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompt pack: %w", err)
	}
	return New(p)
}

// New creates a Builder from a pack.
func New(p Pack) (*Builder, error) {
	if strings.TrimSpace(p.Instruction) == "" {
		return nil, fmt.Errorf("prompt pack %q: instruction is empty", p.Name)
	}

	fewShot := make([]models.ChatMessage, 0, 1+2*len(p.Examples))
	fewShot = append(fewShot, models.ChatMessage{Role: models.RoleSystem, Content: strings.TrimSpace(p.Instruction)})
	for i, ex := range p.Examples {
		if ex.Before == "" || ex.After == "" {
			return nil, fmt.Errorf("prompt pack %q: example %d is incomplete", p.Name, i)
		}
		fewShot = append(fewShot,
			models.ChatMessage{Role: models.RoleUser, Content: Wrap(ex.Before)},
			models.ChatMessage{Role: models.RoleAssistant, Content: Begin + "\n" + ex.After},
		)
	}
	return &Builder{name: p.Name, fewShot: fewShot}, nil
}

// Name returns the pack name.
func (b *Builder) Name() string {
	return b.name
}

// FewShot returns a copy of the context messages shared by every file.
func (b *Builder) FewShot() []models.ChatMessage {
	out := make([]models.ChatMessage, len(b.fewShot))
	copy(out, b.fewShot)
	return out
}

// Messages returns the full conversation for body.
func (b *Builder) Messages(body string) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(b.fewShot)+1)
	msgs = append(msgs, b.fewShot...)
	return append(msgs, models.ChatMessage{Role: models.RoleUser, Content: Wrap(body)})
}

// Wrap places body inside the envelope.
func Wrap(body string) string {
	return Begin + "\n" + body + "\n" + End
}
